package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tdacompanytr/tdai.github.io/internal/assistant"
	"github.com/tdacompanytr/tdai.github.io/internal/call"
	"github.com/tdacompanytr/tdai.github.io/internal/command"
	"github.com/tdacompanytr/tdai.github.io/internal/config"
	"github.com/tdacompanytr/tdai.github.io/internal/history"
	"github.com/tdacompanytr/tdai.github.io/internal/observability"
)

// Chat is the text assistant surface behind POST /v1/chat.
type Chat interface {
	StreamChat(ctx context.Context, prior []history.Message, prompt string, att *assistant.Attachment, onDelta func(string)) (string, error)
	GenerateImage(ctx context.Context, prompt string) (*assistant.Attachment, error)
	GenerateTitle(ctx context.Context, firstMessage string) (string, error)
}

type Server struct {
	cfg      config.Config
	calls    *call.Manager
	chat     Chat
	store    history.Store
	metrics  *observability.Metrics
	stages   *observability.CallStageWindow
	commands *command.Matcher
}

func New(cfg config.Config, calls *call.Manager, chat Chat, store history.Store, metrics *observability.Metrics, stages *observability.CallStageWindow) *Server {
	return &Server{
		cfg:      cfg,
		calls:    calls,
		chat:     chat,
		store:    store,
		metrics:  metrics,
		stages:   stages,
		commands: command.NewMatcher(cfg.StartCallPhrase, cfg.EndCallPhrase),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/call/start", s.handleCallStart)
	r.Post("/v1/call/stop", s.handleCallStop)
	r.Get("/v1/call/status", s.handleCallStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/conversations", s.handleCreateConversation)
	r.Get("/v1/conversations", s.handleListConversations)
	r.Get("/v1/conversations/{id}/messages", s.handleListMessages)
	r.Post("/v1/conversations/{id}/rename", s.handleRenameConversation)
	r.Delete("/v1/conversations/{id}", s.handleDeleteConversation)

	r.Post("/v1/chat", s.handleChat)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"call_state": s.calls.Status().State,
	})
}

func (s *Server) handleCallStart(w http.ResponseWriter, r *http.Request) {
	var opts call.StartOptions
	if err := decodeJSON(r, &opts); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	st, err := s.calls.Start(r.Context(), opts)
	if err != nil {
		if errors.Is(err, call.ErrCallActive) {
			respondError(w, http.StatusConflict, "call_active", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "call_start_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleCallStop(w http.ResponseWriter, _ *http.Request) {
	s.calls.Stop()
	respondJSON(w, http.StatusOK, s.calls.Status())
}

func (s *Server) handleCallStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.calls.Status())
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.stages.Snapshot())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
