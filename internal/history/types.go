package history

import (
	"context"
	"errors"
	"time"
)

// Roles recorded in conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrConversationNotFound = errors.New("conversation not found")

// Conversation is one chat or call thread.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attachment is an inline file carried with a chat message.
type Attachment struct {
	MIMEType   string `json:"mime_type"`
	DataBase64 string `json:"data_base64"`
}

// Message is a single user or assistant entry in a conversation. Call
// transcripts land here too, one message per flushed turn side.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           string      `json:"role"`
	Text           string      `json:"text"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Store persists conversations and their messages.
type Store interface {
	CreateConversation(ctx context.Context, title string) (Conversation, error)
	ListConversations(ctx context.Context) ([]Conversation, error)
	RenameConversation(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, msg Message) error
	Messages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	Close() error
}
