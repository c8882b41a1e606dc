package assistant

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/tdacompanytr/tdai.github.io/internal/history"
)

// Config selects the text and image models behind the chat surface.
type Config struct {
	APIKey            string
	ChatModel         string
	ImageModel        string
	SystemInstruction string
}

// Client wraps the generative API for text chat, titling, and image
// generation. Live calls use the websocket transport instead.
type Client struct {
	g   *genai.Client
	cfg Config
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ChatModel) == "" {
		cfg.ChatModel = "gemini-2.5-flash"
	}
	if strings.TrimSpace(cfg.ImageModel) == "" {
		cfg.ImageModel = "imagen-4.0-generate-001"
	}
	g, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{g: g, cfg: cfg}, nil
}

// Attachment is an inline file sent with a prompt or returned by image
// generation.
type Attachment struct {
	MIMEType string
	Data     []byte
}

// StreamChat sends prompt (plus optional attachment) with the prior
// conversation as context, invoking onDelta for each streamed text chunk.
// Returns the full assistant reply.
func (c *Client) StreamChat(ctx context.Context, prior []history.Message, prompt string, att *Attachment, onDelta func(string)) (string, error) {
	contents := contentsFromHistory(prior)

	parts := []*genai.Part{}
	if att != nil {
		parts = append(parts, genai.NewPartFromBytes(att.Data, att.MIMEType))
	}
	parts = append(parts, genai.NewPartFromText(prompt))
	contents = append(contents, &genai.Content{Role: "user", Parts: parts})

	temperature := float32(0.8)
	topP := float32(0.95)
	cfg := &genai.GenerateContentConfig{
		Temperature: &temperature,
		TopP:        &topP,
	}
	if strings.TrimSpace(c.cfg.SystemInstruction) != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(c.cfg.SystemInstruction)},
		}
	}

	var sb strings.Builder
	for chunk, err := range c.g.Models.GenerateContentStream(ctx, c.cfg.ChatModel, contents, cfg) {
		if err != nil {
			return sb.String(), fmt.Errorf("stream chat: %w", err)
		}
		if len(chunk.Candidates) == 0 || chunk.Candidates[0].Content == nil {
			continue
		}
		for _, p := range chunk.Candidates[0].Content.Parts {
			if p.Text == "" {
				continue
			}
			sb.WriteString(p.Text)
			if onDelta != nil {
				onDelta(p.Text)
			}
		}
	}
	return sb.String(), nil
}

// GenerateImage renders one square PNG for the prompt.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (*Attachment, error) {
	resp, err := c.g.Models.GenerateImages(ctx, c.cfg.ImageModel, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
		OutputMIMEType: "image/png",
		AspectRatio:    "1:1",
	})
	if err != nil {
		return nil, fmt.Errorf("generate image: %w", err)
	}
	if len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil {
		return nil, fmt.Errorf("generate image: empty response")
	}
	img := resp.GeneratedImages[0].Image
	mime := img.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return &Attachment{MIMEType: mime, Data: img.ImageBytes}, nil
}

// GenerateTitle produces a short conversation title from the opening
// message.
func (c *Client) GenerateTitle(ctx context.Context, firstMessage string) (string, error) {
	prompt := "Bu mesaj için en fazla dört kelimelik kısa bir sohbet başlığı üret. " +
		"Sadece başlığı yaz, tırnak kullanma:\n\n" + firstMessage
	resp, err := c.g.Models.GenerateContent(ctx, c.cfg.ChatModel, []*genai.Content{
		{Role: "user", Parts: []*genai.Part{genai.NewPartFromText(prompt)}},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("generate title: empty response")
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return SanitizeTitle(sb.String()), nil
}

func contentsFromHistory(prior []history.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(prior))
	for _, m := range prior {
		role := "user"
		if m.Role == history.RoleAssistant {
			role = "model"
		}
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{genai.NewPartFromText(m.Text)},
		})
	}
	return contents
}

// SanitizeTitle trims quotes, newlines and overlong output from a model
// generated title.
func SanitizeTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.Trim(title, `"'`)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimSpace(title)
	const maxLen = 80
	if len(title) > maxLen {
		title = strings.TrimSpace(title[:maxLen])
	}
	return title
}
