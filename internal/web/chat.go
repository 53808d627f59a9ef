package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spenser-ai/spenser/internal/llm"
	"github.com/spenser-ai/spenser/internal/store"
)

// ChatHandler streams model replies over Server-Sent Events.
type ChatHandler struct {
	store        ConversationStore
	completer    Completer
	logger       *slog.Logger
	historyLimit int64
}

// RegisterRoutes registers chat routes on the given mux.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat/stream", h.stream)
}

// ChatRequest is the request body for a streaming chat turn.
type ChatRequest struct {
	SessionID string `json:"sessionId"`
	Query     string `json:"query"`
}

// SSE event payloads.
type sseChunk struct {
	Text string `json:"text"`
}

type sseDone struct {
	Response  string `json:"response"`
	SessionID string `json:"sessionId"`
}

type sseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// stream handles one chat turn: it persists the user query, replays prior
// history to the model, forwards each fragment as an SSE chunk event, and
// persists the assistant reply once the stream completes.
//
// Whatever text arrived before a mid-stream failure is still persisted so
// the conversation record matches what the client saw.
func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported",
			"response writer does not support streaming")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "missing_session_id", "sessionId is required")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "missing_query", "query is required")
		return
	}

	ctx := r.Context()

	conv, err := h.store.EnsureConversation(ctx, req.SessionID)
	if err != nil {
		h.logger.Error("ensuring conversation for chat", "error", err)
		writeStorageError(w, err)
		return
	}

	if _, err := h.store.AppendMessage(ctx, conv.ID, store.RoleUser, req.Query, nil); err != nil {
		h.logger.Error("persisting user message", "error", err)
		writeStorageError(w, err)
		return
	}

	history, err := h.store.LoadHistory(ctx, conv.ID, h.historyLimit)
	if err != nil {
		h.logger.Error("loading history", "error", err)
		writeStorageError(w, err)
		return
	}

	messages := make([]llm.Message, 0, len(history))
	for _, m := range history {
		messages = append(messages, llm.Message{
			Role:    llm.RoleFor(m.Role),
			Content: m.Content,
		})
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var reply string
	var streamErr error
	for fragment, err := range h.completer.Stream(ctx, messages) {
		if err != nil {
			streamErr = err
			break
		}
		reply += fragment
		h.writeSSE(w, flusher, "chunk", sseChunk{Text: fragment})

		select {
		case <-ctx.Done():
			streamErr = ctx.Err()
		default:
		}
		if streamErr != nil {
			break
		}
	}

	if streamErr != nil {
		var se *llm.StreamError
		if errors.As(streamErr, &se) && se.Partial != "" {
			reply = se.Partial
		}
	}

	// Persist with a detached context so a client disconnect does not
	// lose the reply the model already produced.
	if reply != "" {
		persistCtx := context.WithoutCancel(ctx)
		if _, err := h.store.AppendMessage(persistCtx, conv.ID, store.RoleAssistant, reply, nil); err != nil {
			h.logger.Error("persisting assistant message", "error", err)
			if streamErr == nil {
				streamErr = err
			}
		}
	}

	if streamErr != nil {
		h.logger.Error("chat stream failed",
			"conversation_id", conv.ID,
			"partial_bytes", len(reply),
			"error", streamErr)
		h.writeSSE(w, flusher, "error", errorEventFor(streamErr))
		return
	}

	h.logger.Info("chat turn completed",
		"conversation_id", conv.ID,
		"history_messages", len(history),
		"reply_bytes", len(reply))

	h.writeSSE(w, flusher, "done", sseDone{
		Response:  reply,
		SessionID: req.SessionID,
	})
}

// writeSSE writes a single named SSE event with a JSON payload.
func (h *ChatHandler) writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshaling SSE payload", "event", event, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

// errorEventFor builds the SSE error payload for a stream failure. Each
// failure category carries its own human-readable message; raw error text
// never reaches the client.
func errorEventFor(err error) sseError {
	switch {
	case errors.Is(err, llm.ErrAuth):
		return sseError{
			Code:    "auth_failed",
			Message: "The assistant could not authenticate with the model provider.",
		}
	case errors.Is(err, llm.ErrRateLimited):
		return sseError{
			Code:    "rate_limited",
			Message: "The model provider is rate limiting requests. Please try again shortly.",
		}
	case errors.Is(err, llm.ErrUpstream):
		return sseError{
			Code:    "upstream_error",
			Message: "The model provider failed to complete the reply.",
		}
	case errors.Is(err, store.ErrStorageUnavailable):
		return sseError{
			Code:    "storage_unavailable",
			Message: "The conversation store is temporarily unavailable.",
		}
	default:
		return sseError{
			Code:    "stream_error",
			Message: "The reply was interrupted. Please try again.",
		}
	}
}
