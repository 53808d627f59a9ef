package web

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/spenser-ai/spenser/internal/extract"
	"github.com/spenser-ai/spenser/internal/store"
)

// previewRunes is how much extracted text the upload response echoes back.
const previewRunes = 500

// UploadHandler handles document uploads into conversations.
type UploadHandler struct {
	store    ConversationStore
	logger   *slog.Logger
	maxBytes int64
}

// RegisterRoutes registers upload routes on the given mux.
func (h *UploadHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/upload", h.upload)
}

// UploadResponse is the response body for a successful upload.
type UploadResponse struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Filename       string `json:"filename"`
	Format         string `json:"format"`
	Characters     int    `json:"characters"`
	Preview        string `json:"preview"`
}

// upload accepts a multipart form with a sessionId field and a file field,
// extracts the document's text, and appends it to the conversation as a
// user message with the raw bytes attached.
func (h *UploadHandler) upload(w http.ResponseWriter, r *http.Request) {
	// MaxBytesReader bounds the whole request; the extract package
	// re-checks the decoded payload size.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+(1<<20))

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large",
				fmt.Sprintf("upload exceeds %d bytes", h.maxBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid multipart form")
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			h.logger.Debug("removing multipart temp files", "error", err)
		}
	}()

	sessionID := r.FormValue("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing_session_id", "sessionId is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_file", "file field is required")
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			h.logger.Debug("closing upload file", "error", err)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(file, h.maxBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "reading upload failed")
		return
	}
	if int64(len(data)) > h.maxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large",
			fmt.Sprintf("upload exceeds %d bytes", h.maxBytes))
		return
	}

	format := extract.DetectFormat(header.Filename, header.Header.Get("Content-Type"))

	text, err := extract.Extract(data, format)
	if err != nil {
		h.writeExtractError(w, err, header.Filename)
		return
	}

	conv, err := h.store.EnsureConversation(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("ensuring conversation for upload", "error", err)
		writeStorageError(w, err)
		return
	}

	content := fmt.Sprintf("Uploaded document %q:\n\n%s", header.Filename, text)
	msg, err := h.store.AppendMessage(r.Context(), conv.ID, store.RoleUser, content, data)
	if err != nil {
		h.logger.Error("persisting upload", "error", err)
		writeStorageError(w, err)
		return
	}

	h.logger.Info("document uploaded",
		"conversation_id", conv.ID,
		"filename", header.Filename,
		"format", format,
		"bytes", len(data),
		"characters", len(text))

	writeJSON(w, http.StatusCreated, UploadResponse{
		ConversationID: conv.ID.String(),
		MessageID:      msg.ID.String(),
		Filename:       header.Filename,
		Format:         string(format),
		Characters:     len(text),
		Preview:        truncateRunes(text, previewRunes),
	})
}

// writeExtractError maps extraction sentinels to HTTP responses.
func (h *UploadHandler) writeExtractError(w http.ResponseWriter, err error, filename string) {
	switch {
	case errors.Is(err, extract.ErrUnsupportedFormat):
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_format",
			fmt.Sprintf("cannot extract text from %q", filename))
	case errors.Is(err, extract.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented",
			"image extraction is not supported yet")
	case errors.Is(err, extract.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
	case errors.Is(err, extract.ErrEmptyResult):
		writeError(w, http.StatusUnprocessableEntity, "empty_document",
			"document contains no extractable text")
	case errors.Is(err, extract.ErrCorruptInput):
		writeError(w, http.StatusUnprocessableEntity, "corrupt_document",
			fmt.Sprintf("could not parse %q", filename))
	default:
		h.logger.Error("extracting document", "error", err, "filename", filename)
		writeError(w, http.StatusInternalServerError, "internal_error", "extraction failed")
	}
}

// writeStorageError maps store errors to HTTP responses for the upload and
// chat paths.
func writeStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrUnknownConversation):
		writeError(w, http.StatusNotFound, "unknown_conversation", "conversation not found")
	case errors.Is(err, store.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

// truncateRunes shortens s to at most n runes without splitting a rune.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}
