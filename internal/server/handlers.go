package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/teller/internal/core/domain"
	"github.com/tjfontaine/teller/internal/core/ports"
	"github.com/tjfontaine/teller/internal/orchestrator"
)

const maxBodyBytes = 64 << 10

// Submitter runs a turn.
type Submitter interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*orchestrator.SubmitResponse, error)
}

// HistoryReader reads committed thread state.
type HistoryReader interface {
	Snapshot(ctx context.Context, threadID string) (*domain.ConversationState, error)
}

// Handler serves the chat API.
type Handler struct {
	primary Submitter
	local   Submitter
	history HistoryReader
	logger  *slog.Logger
}

// NewHandler creates the API handler. local may be nil, in which case
// /chat/local answers 404.
func NewHandler(primary, local Submitter, history HistoryReader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{primary: primary, local: local, history: history, logger: logger}
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.Root)
	r.Get("/healthz", h.Health)
	r.Post("/chat", h.Chat)
	r.Post("/chat/local", h.ChatLocal)
	r.Get("/threads/{threadID}", h.Thread)
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message    string `json:"message"`
	CustomerID string `json:"customer_id,omitempty"`
	ThreadID   string `json:"thread_id,omitempty"`
}

// ChatResponse is the reply to POST /chat.
type ChatResponse struct {
	Response string `json:"response"`
	ThreadID string `json:"thread_id"`
}

// ThreadResponse is the body of GET /threads/{id}.
type ThreadResponse struct {
	ThreadID   string           `json:"thread_id"`
	CustomerID string           `json:"customer_id,omitempty"`
	Verified   bool             `json:"verified"`
	Messages   []domain.Message `json:"messages"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Bank ABC assistant API is running"})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	h.chat(w, r, h.primary, "primary")
}

func (h *Handler) ChatLocal(w http.ResponseWriter, r *http.Request) {
	if h.local == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{
			Kind:    "not_found",
			Message: "The local assistant is not configured.",
		}})
		return
	}
	h.chat(w, r, h.local, "local")
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request, s Submitter, backend string) {
	ctx := r.Context()
	AddLogField(ctx, "backend", backend)

	var req ChatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		AddError(ctx, err)
		h.writeTurnError(w, r, domain.ErrInvalidRequest("Request body must be JSON with a message field."))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.writeTurnError(w, r, domain.ErrInvalidRequest("message is required"))
		return
	}

	resp, err := s.Submit(ctx, orchestrator.SubmitRequest{
		ThreadID:   req.ThreadID,
		Text:       req.Message,
		CustomerID: req.CustomerID,
	})
	if err != nil {
		h.writeTurnError(w, r, err)
		return
	}

	AddLogField(ctx, "thread_id", resp.ThreadID)
	writeJSON(w, http.StatusOK, ChatResponse{Response: resp.Response, ThreadID: resp.ThreadID})
}

func (h *Handler) Thread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	st, err := h.history.Snapshot(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{Kind: "not_found", Message: "Thread not found."}})
			return
		}
		h.writeTurnError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ThreadResponse{
		ThreadID:   st.ThreadID,
		CustomerID: st.CustomerID,
		Verified:   st.Verified,
		Messages:   st.Messages,
	})
}

func (h *Handler) writeTurnError(w http.ResponseWriter, r *http.Request, err error) {
	te := domain.AsTurnError(err)
	AddError(r.Context(), err)
	AddLogField(r.Context(), "error_kind", string(te.Kind))
	writeJSON(w, te.HTTPStatusCode(), errorBody{Error: errorDetail{
		Kind:    string(te.Kind),
		Message: te.UserMessage(),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
