package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/turnkeeper/internal/provider"
	"github.com/nidhogg/turnkeeper/internal/turn"
	"github.com/nidhogg/turnkeeper/internal/usage"
	"github.com/nidhogg/turnkeeper/internal/window"
	"go.uber.org/zap"
)

// DocumentIndex stores and removes retrievable documents.
// retrieval.QdrantSearcher implements it.
type DocumentIndex interface {
	Store(ctx context.Context, content string, metadata map[string]string) (string, error)
	Remove(ctx context.Context, documentID, userID string) error
}

// Invalidator drops cached search results after the index changes.
type Invalidator interface {
	Invalidate()
}

// Handler holds dependencies for HTTP handlers. Only the window manager
// is required; routes backed by a missing dependency answer 503.
type Handler struct {
	window    *window.Manager
	runner    *turn.Runner
	docs      DocumentIndex
	invalid   Invalidator
	providers *provider.Router
	logger    *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(w *window.Manager, logger *zap.Logger) *Handler {
	return &Handler{window: w, logger: logger}
}

// SetRunner enables POST /conversations/{id}/chat.
func (h *Handler) SetRunner(r *turn.Runner) { h.runner = r }

// SetDocuments enables the document routes. inv may be nil.
func (h *Handler) SetDocuments(idx DocumentIndex, inv Invalidator) {
	h.docs = idx
	h.invalid = inv
}

// SetProviders enables GET /providers.
func (h *Handler) SetProviders(r *provider.Router) { h.providers = r }

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/providers", h.listProviders)

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Post("/turn-input", h.prepareTurnInput)
			r.Post("/turn-result", h.recordTurnResult)
			r.Get("/usage", h.getUsage)
			r.Post("/usage", h.foldUsage)
			r.Get("/messages", h.getMessages)
			r.Get("/mark", h.getMark)
			r.Post("/restore", h.restore)
			r.Delete("/", h.reset)
			r.Post("/chat", h.chat)
		})

		r.Post("/documents", h.storeDocument)
		r.Delete("/documents/{docID}", h.removeDocument)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"runner":    h.runner != nil,
		"documents": h.docs != nil,
	})
}

type providerInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	if h.providers == nil {
		writeError(w, http.StatusServiceUnavailable, "no providers configured")
		return
	}
	def := h.providers.DefaultID()
	list := []providerInfo{}
	for _, p := range h.providers.ListProviders() {
		list = append(list, providerInfo{ID: p.ID(), Name: p.Name(), Default: p.ID() == def})
	}
	writeJSON(w, http.StatusOK, list)
}

type turnInputResponse struct {
	ConversationID string             `json:"conversation_id"`
	Messages       []provider.Message `json:"messages"`
}

func (h *Handler) prepareTurnInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msgs, err := h.window.PrepareTurnInput(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if msgs == nil {
		msgs = []provider.Message{}
	}
	writeJSON(w, http.StatusOK, turnInputResponse{ConversationID: id, Messages: msgs})
}

type turnResultRequest struct {
	Messages []provider.Message `json:"messages"`
	Usage    *usage.Record      `json:"usage,omitempty"`
}

type usageResponse struct {
	ConversationID string        `json:"conversation_id"`
	Usage          *usage.Record `json:"usage"`
}

func (h *Handler) recordTurnResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req turnResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.window.RecordTurnResult(r.Context(), id, req.Messages, req.Usage); err != nil {
		h.fail(w, err)
		return
	}
	total, _ := h.window.GetUsage(id)
	writeJSON(w, http.StatusOK, usageResponse{ConversationID: id, Usage: total})
}

func (h *Handler) getUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := h.window.GetUsage(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no usage recorded")
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{ConversationID: id, Usage: rec})
}

// foldUsage accepts a usage record produced elsewhere, such as a
// cumulative snapshot relayed by another process.
func (h *Handler) foldUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var rec usage.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	total := h.window.FoldUsage(r.Context(), id, &rec)
	writeJSON(w, http.StatusOK, usageResponse{ConversationID: id, Usage: total})
}

func (h *Handler) getMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msgs, err := h.window.Messages(id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, turnInputResponse{ConversationID: id, Messages: msgs})
}

func (h *Handler) getMark(w http.ResponseWriter, r *http.Request) {
	mark, err := h.window.Mark(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if mark == nil {
		writeError(w, http.StatusNotFound, "conversation was never compacted")
		return
	}
	writeJSON(w, http.StatusOK, mark)
}

func (h *Handler) restore(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.window.Restore(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	h.window.Reset(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type chatRequest struct {
	UserID  string `json:"user_id,omitempty"`
	Message string `json:"message"`
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "turn runner not configured")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := h.runner.Run(r.Context(), turn.Request{
		ConversationID: chi.URLParam(r, "id"),
		UserID:         req.UserID,
		Message:        req.Message,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type documentRequest struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) storeDocument(w http.ResponseWriter, r *http.Request) {
	if h.docs == nil {
		writeError(w, http.StatusServiceUnavailable, "document index not configured")
		return
	}
	var req documentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	id, err := h.docs.Store(r.Context(), req.Content, req.Metadata)
	if err != nil {
		h.fail(w, err)
		return
	}
	if h.invalid != nil {
		h.invalid.Invalidate()
	}
	writeJSON(w, http.StatusCreated, map[string]string{"document_id": id})
}

func (h *Handler) removeDocument(w http.ResponseWriter, r *http.Request) {
	if h.docs == nil {
		writeError(w, http.StatusServiceUnavailable, "document index not configured")
		return
	}
	id := chi.URLParam(r, "docID")
	if err := h.docs.Remove(r.Context(), id, r.URL.Query().Get("user_id")); err != nil {
		h.fail(w, err)
		return
	}
	if h.invalid != nil {
		h.invalid.Invalidate()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// fail maps domain errors to status codes.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, window.ErrUnknownConversation):
		status = http.StatusNotFound
	case errors.Is(err, window.ErrInvalidMessage), errors.Is(err, turn.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, provider.ErrNoProvider):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
