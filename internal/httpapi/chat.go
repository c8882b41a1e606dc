package httpapi

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tdacompanytr/tdai.github.io/internal/assistant"
	"github.com/tdacompanytr/tdai.github.io/internal/call"
	"github.com/tdacompanytr/tdai.github.io/internal/command"
	"github.com/tdacompanytr/tdai.github.io/internal/history"
)

type chatRequest struct {
	ConversationID string              `json:"conversation_id"`
	Message        string              `json:"message"`
	Attachment     *history.Attachment `json:"attachment,omitempty"`
}

type chatActionResponse struct {
	Action  string           `json:"action"`
	Call    any              `json:"call,omitempty"`
	Message *history.Message `json:"message,omitempty"`
}

// handleChat routes a typed message: call control phrases drive the call
// manager, image keywords go to image generation, everything else streams
// a chat completion as chunked plain text.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" && req.Attachment == nil {
		respondError(w, http.StatusBadRequest, "empty_message", "message or attachment is required")
		return
	}

	conv, ok := s.resolveConversation(w, r.Context(), req.ConversationID)
	if !ok {
		return
	}

	userMsg := history.Message{
		ConversationID: conv.ID,
		Role:           history.RoleUser,
		Text:           req.Message,
		Attachment:     req.Attachment,
	}
	if err := s.store.AppendMessage(r.Context(), userMsg); err != nil {
		respondError(w, http.StatusInternalServerError, "history_error", err.Error())
		return
	}

	switch s.commands.Match(req.Message) {
	case command.ActionStartCall:
		st, err := s.calls.Start(r.Context(), call.StartOptions{ConversationID: conv.ID})
		if err != nil {
			respondError(w, http.StatusBadGateway, "call_start_failed", err.Error())
			return
		}
		respondJSON(w, http.StatusOK, chatActionResponse{Action: "call_started", Call: st})
		return
	case command.ActionEndCall:
		s.calls.Stop()
		respondJSON(w, http.StatusOK, chatActionResponse{Action: "call_stopped", Call: s.calls.Status()})
		return
	}

	if assistant.IsImagePrompt(req.Message, s.cfg.ImageGenKeywords) {
		s.handleImageChat(w, r, conv, req.Message)
		return
	}

	s.handleStreamChat(w, r, conv, req)
}

func (s *Server) handleImageChat(w http.ResponseWriter, r *http.Request, conv history.Conversation, prompt string) {
	att, err := s.chat.GenerateImage(r.Context(), prompt)
	if err != nil {
		respondError(w, http.StatusBadGateway, "image_generation_failed", err.Error())
		return
	}
	msg := history.Message{
		ConversationID: conv.ID,
		Role:           history.RoleAssistant,
		Attachment: &history.Attachment{
			MIMEType:   att.MIMEType,
			DataBase64: base64.StdEncoding.EncodeToString(att.Data),
		},
	}
	if err := s.store.AppendMessage(r.Context(), msg); err != nil {
		respondError(w, http.StatusInternalServerError, "history_error", err.Error())
		return
	}
	s.maybeTitle(conv, prompt)
	respondJSON(w, http.StatusOK, chatActionResponse{Action: "image", Message: &msg})
}

func (s *Server) handleStreamChat(w http.ResponseWriter, r *http.Request, conv history.Conversation, req chatRequest) {
	prior, err := s.store.Messages(r.Context(), conv.ID, 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_error", err.Error())
		return
	}
	// The just-appended user message is context for the next turn, not
	// this one.
	if n := len(prior); n > 0 && prior[n-1].Role == history.RoleUser {
		prior = prior[:n-1]
	}

	var att *assistant.Attachment
	if req.Attachment != nil {
		data, err := base64.StdEncoding.DecodeString(req.Attachment.DataBase64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_attachment", err.Error())
			return
		}
		att = &assistant.Attachment{MIMEType: req.Attachment.MIMEType, Data: data}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Conversation-ID", conv.ID)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	full, err := s.chat.StreamChat(r.Context(), prior, req.Message, att, func(delta string) {
		_, _ = w.Write([]byte(delta))
		if flusher != nil {
			flusher.Flush()
		}
	})
	if err != nil && full == "" {
		// Headers are already out; nothing left to do but cut the stream.
		return
	}
	if full != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.store.AppendMessage(ctx, history.Message{
			ConversationID: conv.ID,
			Role:           history.RoleAssistant,
			Text:           full,
		})
	}
	s.maybeTitle(conv, req.Message)
}

// maybeTitle names a fresh conversation after its opening message.
func (s *Server) maybeTitle(conv history.Conversation, firstMessage string) {
	if conv.Title != "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		title, err := s.chat.GenerateTitle(ctx, firstMessage)
		if err != nil || title == "" {
			return
		}
		_ = s.store.RenameConversation(ctx, conv.ID, title)
	}()
}

func (s *Server) resolveConversation(w http.ResponseWriter, ctx context.Context, id string) (history.Conversation, bool) {
	if id == "" {
		conv, err := s.store.CreateConversation(ctx, "")
		if err != nil {
			respondError(w, http.StatusInternalServerError, "history_error", err.Error())
			return history.Conversation{}, false
		}
		return conv, true
	}
	convs, err := s.store.ListConversations(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_error", err.Error())
		return history.Conversation{}, false
	}
	for _, c := range convs {
		if c.ID == id {
			return c, true
		}
	}
	respondError(w, http.StatusNotFound, "conversation_not_found", "unknown conversation id")
	return history.Conversation{}, false
}

type createConversationResponse struct {
	Conversation history.Conversation `json:"conversation"`
	Welcome      string               `json:"welcome"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.CreateConversation(r.Context(), "")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_error", err.Error())
		return
	}
	welcome := assistant.WelcomeMessage()
	if err := s.store.AppendMessage(r.Context(), history.Message{
		ConversationID: conv.ID,
		Role:           history.RoleAssistant,
		Text:           welcome,
	}); err != nil {
		respondError(w, http.StatusInternalServerError, "history_error", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, createConversationResponse{Conversation: conv, Welcome: welcome})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, convs)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msgs, err := s.store.Messages(r.Context(), id, 0)
	if err != nil {
		if err == history.ErrConversationNotFound {
			respondError(w, http.StatusNotFound, "conversation_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "history_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		respondError(w, http.StatusBadRequest, "invalid_title", "title is required")
		return
	}
	if err := s.store.RenameConversation(r.Context(), id, body.Title); err != nil {
		if err == history.ErrConversationNotFound {
			respondError(w, http.StatusNotFound, "conversation_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "history_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "renamed"})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteConversation(r.Context(), id); err != nil {
		if err == history.ErrConversationNotFound {
			respondError(w, http.StatusNotFound, "conversation_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "history_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}
