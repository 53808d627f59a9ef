package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/spenser-ai/spenser/internal/store"
)

// Conversation validation constants.
const (
	MaxSessionIDLength = 256
	MaxMetadataBytes   = 16 << 10
	DefaultListLimit   = 100
	MaxListLimit       = 1000
	MaxListOffset      = 100000
)

// ConversationHandler handles conversation-related HTTP endpoints.
type ConversationHandler struct {
	store  ConversationStore
	logger *slog.Logger
}

// RegisterRoutes registers conversation routes on the given mux.
func (h *ConversationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/conversations", h.ensure)
	mux.HandleFunc("GET /api/conversations", h.list)
	mux.HandleFunc("GET /api/conversations/{sessionID}/messages", h.messages)
	mux.HandleFunc("GET /api/conversations/{sessionID}/stats", h.stats)
	mux.HandleFunc("PATCH /api/conversations/{sessionID}", h.updateMetadata)
	mux.HandleFunc("DELETE /api/conversations/{sessionID}", h.delete)
}

// EnsureConversationRequest is the request body for ensuring a conversation.
type EnsureConversationRequest struct {
	SessionID string `json:"sessionId"`
}

// ensure returns the conversation for a session, creating it on first use.
// Idempotent: repeated calls with the same sessionId return the same
// conversation.
func (h *ConversationHandler) ensure(w http.ResponseWriter, r *http.Request) {
	var req EnsureConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "missing_session_id", "sessionId is required")
		return
	}
	if len(req.SessionID) > MaxSessionIDLength {
		writeError(w, http.StatusBadRequest, "invalid_session_id", "sessionId too long (max 256 characters)")
		return
	}

	conv, err := h.store.EnsureConversation(r.Context(), req.SessionID)
	if err != nil {
		h.writeStoreError(w, err, "ensuring conversation")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// list returns conversations ordered by most recent activity.
// Query parameters:
//   - limit: Maximum number of conversations to return (default: 100, max: 1000)
//   - offset: Number of conversations to skip (default: 0)
func (h *ConversationHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", DefaultListLimit, 1, MaxListLimit)
	offset := parseIntParam(r, "offset", 0, 0, MaxListOffset)

	conversations, err := h.store.ListConversations(r.Context(), int64(limit), int64(offset))
	if err != nil {
		h.writeStoreError(w, err, "listing conversations")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": conversations,
		"total":         len(conversations),
		"limit":         limit,
		"offset":        offset,
	})
}

// messages returns a conversation's history in chronological order.
// Query parameters:
//   - limit: keep only the newest N messages (default: all)
func (h *ConversationHandler) messages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.lookup(w, r)
	if !ok {
		return
	}

	limit := parseIntParam(r, "limit", 0, 0, MaxListLimit)

	messages, err := h.store.LoadHistory(r.Context(), conv.ID, int64(limit))
	if err != nil {
		h.writeStoreError(w, err, "loading history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversationId": conv.ID,
		"sessionId":      conv.SessionID,
		"messages":       messages,
		"total":          len(messages),
	})
}

// stats returns message count and last activity for a conversation.
func (h *ConversationHandler) stats(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.lookup(w, r)
	if !ok {
		return
	}

	stats, err := h.store.Stats(r.Context(), conv.ID)
	if err != nil {
		h.writeStoreError(w, err, "getting stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// UpdateMetadataRequest is the request body for replacing conversation
// metadata.
type UpdateMetadataRequest struct {
	Metadata json.RawMessage `json:"metadata"`
}

// updateMetadata replaces a conversation's metadata document.
func (h *ConversationHandler) updateMetadata(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req UpdateMetadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if len(req.Metadata) > MaxMetadataBytes {
		writeError(w, http.StatusBadRequest, "metadata_too_large", "metadata exceeds 16KiB")
		return
	}

	if err := h.store.UpdateMetadata(r.Context(), conv.ID, req.Metadata); err != nil {
		h.writeStoreError(w, err, "updating metadata")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// delete removes a conversation and all its messages.
func (h *ConversationHandler) delete(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteConversation(r.Context(), conv.ID); err != nil {
		h.writeStoreError(w, err, "deleting conversation")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// lookup resolves the {sessionID} path value to a conversation, writing the
// error response itself when resolution fails.
func (h *ConversationHandler) lookup(w http.ResponseWriter, r *http.Request) (*store.Conversation, bool) {
	sessionID := r.PathValue("sessionID")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing_session_id", "session ID is required")
		return nil, false
	}

	conv, err := h.store.GetConversation(r.Context(), sessionID)
	if err != nil {
		h.writeStoreError(w, err, "resolving conversation")
		return nil, false
	}
	return conv, true
}

// writeStoreError maps store errors to HTTP responses.
func (h *ConversationHandler) writeStoreError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, store.ErrUnknownConversation):
		writeError(w, http.StatusNotFound, "unknown_conversation", "conversation not found")
	case errors.Is(err, store.ErrStorageUnavailable):
		h.logger.Error(op, "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable")
	default:
		h.logger.Error(op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

// parseIntParam parses an integer query parameter with bounds checking.
func parseIntParam(r *http.Request, name string, defaultVal, minVal, maxVal int) int {
	str := r.URL.Query().Get(name)
	if str == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return defaultVal
	}
	if val < minVal {
		return minVal
	}
	if val > maxVal {
		return maxVal
	}
	return val
}
