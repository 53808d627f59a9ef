package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/spenser-ai/spenser/internal/llm"
	"github.com/spenser-ai/spenser/internal/log"
	"github.com/spenser-ai/spenser/internal/store"
)

// mockStore is a hand-rolled ConversationStore with configurable errors and
// call recording.
type mockStore struct {
	ensureErr   error
	getErr      error
	appendErr   error
	historyErr  error
	listErr     error
	deleteErr   error
	metadataErr error
	statsErr    error

	conversation *store.Conversation
	history      []store.Message
	listResult   []store.Conversation
	statsResult  *store.ConversationStats

	ensureCalls   int
	appendCalls   int
	appended      []store.Message
	lastHistLimit int64
	lastListLimit int64
	lastListOff   int64
	lastMetadata  json.RawMessage
	deletedID     uuid.UUID
}

func (m *mockStore) conv() *store.Conversation {
	if m.conversation == nil {
		m.conversation = &store.Conversation{
			ID:        uuid.New(),
			SessionID: "sess-1",
			Metadata:  json.RawMessage(`{}`),
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
	}
	return m.conversation
}

func (m *mockStore) EnsureConversation(_ context.Context, sessionID string) (*store.Conversation, error) {
	m.ensureCalls++
	if m.ensureErr != nil {
		return nil, m.ensureErr
	}
	c := m.conv()
	c.SessionID = sessionID
	return c, nil
}

func (m *mockStore) GetConversation(_ context.Context, sessionID string) (*store.Conversation, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	c := m.conv()
	c.SessionID = sessionID
	return c, nil
}

func (m *mockStore) AppendMessage(_ context.Context, conversationID uuid.UUID, role, content string, attachment []byte) (*store.Message, error) {
	m.appendCalls++
	if m.appendErr != nil {
		return nil, m.appendErr
	}
	msg := store.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Attachment:     attachment,
		CreatedAt:      time.Now(),
	}
	m.appended = append(m.appended, msg)
	return &msg, nil
}

func (m *mockStore) LoadHistory(_ context.Context, _ uuid.UUID, limit int64) ([]store.Message, error) {
	m.lastHistLimit = limit
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	return m.history, nil
}

func (m *mockStore) ListConversations(_ context.Context, limit, offset int64) ([]store.Conversation, error) {
	m.lastListLimit = limit
	m.lastListOff = offset
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.listResult, nil
}

func (m *mockStore) DeleteConversation(_ context.Context, conversationID uuid.UUID) error {
	m.deletedID = conversationID
	return m.deleteErr
}

func (m *mockStore) UpdateMetadata(_ context.Context, _ uuid.UUID, metadata json.RawMessage) error {
	m.lastMetadata = metadata
	return m.metadataErr
}

func (m *mockStore) Stats(_ context.Context, conversationID uuid.UUID) (*store.ConversationStats, error) {
	if m.statsErr != nil {
		return nil, m.statsErr
	}
	if m.statsResult != nil {
		return m.statsResult, nil
	}
	return &store.ConversationStats{ConversationID: conversationID}, nil
}

// mockCompleter yields scripted fragments, then an optional error.
type mockCompleter struct {
	fragments []string
	streamErr error

	completeResult string
	completeErr    error

	lastMessages []llm.Message
}

func (m *mockCompleter) Complete(_ context.Context, messages []llm.Message) (string, error) {
	m.lastMessages = messages
	return m.completeResult, m.completeErr
}

func (m *mockCompleter) Stream(_ context.Context, messages []llm.Message) iter.Seq2[string, error] {
	m.lastMessages = messages
	return func(yield func(string, error) bool) {
		for _, f := range m.fragments {
			if !yield(f, nil) {
				return
			}
		}
		if m.streamErr != nil {
			yield("", m.streamErr)
		}
	}
}

func newTestHandler(t *testing.T, st ConversationStore, c Completer) http.Handler {
	t.Helper()
	srv, err := NewServer(ServerConfig{
		Logger:    log.NewNop(),
		Store:     st,
		Completer: c,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return srv.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
}

func TestNewServer(t *testing.T) {
	t.Run("requires store", func(t *testing.T) {
		_, err := NewServer(ServerConfig{Completer: &mockCompleter{}})
		if err == nil {
			t.Fatal("NewServer() expected error for missing store")
		}
	})

	t.Run("requires completer", func(t *testing.T) {
		_, err := NewServer(ServerConfig{Store: &mockStore{}})
		if err == nil {
			t.Fatal("NewServer() expected error for missing completer")
		}
	})
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, &mockStore{}, &mockCompleter{})

	t.Run("liveness", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/health", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("GET /health status = %d, want %d", rec.Code, http.StatusOK)
		}
	})

	t.Run("readiness without pool", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/ready", nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("GET /ready status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
		}
	})
}

func TestEnsureConversationEndpoint(t *testing.T) {
	t.Run("creates conversation", func(t *testing.T) {
		ms := &mockStore{}
		h := newTestHandler(t, ms, &mockCompleter{})

		rec := doJSON(t, h, http.MethodPost, "/api/conversations",
			EnsureConversationRequest{SessionID: "alice"})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
		}

		var conv store.Conversation
		decodeBody(t, rec, &conv)
		if conv.SessionID != "alice" {
			t.Errorf("SessionID = %q, want %q", conv.SessionID, "alice")
		}
		if ms.ensureCalls != 1 {
			t.Errorf("ensure calls = %d, want 1", ms.ensureCalls)
		}
	})

	t.Run("rejects empty session ID", func(t *testing.T) {
		h := newTestHandler(t, &mockStore{}, &mockCompleter{})
		rec := doJSON(t, h, http.MethodPost, "/api/conversations",
			EnsureConversationRequest{})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("rejects oversized session ID", func(t *testing.T) {
		h := newTestHandler(t, &mockStore{}, &mockCompleter{})
		rec := doJSON(t, h, http.MethodPost, "/api/conversations",
			EnsureConversationRequest{SessionID: strings.Repeat("x", MaxSessionIDLength+1)})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		h := newTestHandler(t, &mockStore{}, &mockCompleter{})
		req := httptest.NewRequest(http.MethodPost, "/api/conversations",
			strings.NewReader("{not json"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("maps storage outage to 503", func(t *testing.T) {
		ms := &mockStore{ensureErr: classifiedUnavailable()}
		h := newTestHandler(t, ms, &mockCompleter{})
		rec := doJSON(t, h, http.MethodPost, "/api/conversations",
			EnsureConversationRequest{SessionID: "alice"})
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
		}
	})
}

func TestListConversationsEndpoint(t *testing.T) {
	t.Run("default pagination", func(t *testing.T) {
		ms := &mockStore{listResult: []store.Conversation{{ID: uuid.New(), SessionID: "a"}}}
		h := newTestHandler(t, ms, &mockCompleter{})

		rec := doJSON(t, h, http.MethodGet, "/api/conversations", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if ms.lastListLimit != DefaultListLimit {
			t.Errorf("limit = %d, want %d", ms.lastListLimit, DefaultListLimit)
		}
		if ms.lastListOff != 0 {
			t.Errorf("offset = %d, want 0", ms.lastListOff)
		}

		var resp struct {
			Total int `json:"total"`
		}
		decodeBody(t, rec, &resp)
		if resp.Total != 1 {
			t.Errorf("total = %d, want 1", resp.Total)
		}
	})

	t.Run("clamps out-of-range parameters", func(t *testing.T) {
		ms := &mockStore{}
		h := newTestHandler(t, ms, &mockCompleter{})

		doJSON(t, h, http.MethodGet, "/api/conversations?limit=99999&offset=-5", nil)
		if ms.lastListLimit != MaxListLimit {
			t.Errorf("limit = %d, want %d", ms.lastListLimit, MaxListLimit)
		}
		if ms.lastListOff != 0 {
			t.Errorf("offset = %d, want 0", ms.lastListOff)
		}
	})
}

func TestMessagesEndpoint(t *testing.T) {
	t.Run("returns history", func(t *testing.T) {
		ms := &mockStore{}
		convID := ms.conv().ID
		ms.history = []store.Message{
			{ID: uuid.New(), ConversationID: convID, Role: store.RoleUser, Content: "hi"},
			{ID: uuid.New(), ConversationID: convID, Role: store.RoleAssistant, Content: "hello"},
		}
		h := newTestHandler(t, ms, &mockCompleter{})

		rec := doJSON(t, h, http.MethodGet, "/api/conversations/sess-1/messages", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
		}

		var resp struct {
			SessionID string          `json:"sessionId"`
			Messages  []store.Message `json:"messages"`
			Total     int             `json:"total"`
		}
		decodeBody(t, rec, &resp)
		if resp.Total != 2 {
			t.Errorf("total = %d, want 2", resp.Total)
		}
		if resp.Messages[0].Content != "hi" {
			t.Errorf("first message = %q, want %q", resp.Messages[0].Content, "hi")
		}
	})

	t.Run("passes limit through", func(t *testing.T) {
		ms := &mockStore{}
		h := newTestHandler(t, ms, &mockCompleter{})

		doJSON(t, h, http.MethodGet, "/api/conversations/sess-1/messages?limit=5", nil)
		if ms.lastHistLimit != 5 {
			t.Errorf("history limit = %d, want 5", ms.lastHistLimit)
		}
	})

	t.Run("unknown session returns 404", func(t *testing.T) {
		ms := &mockStore{getErr: store.ErrUnknownConversation}
		h := newTestHandler(t, ms, &mockCompleter{})

		rec := doJSON(t, h, http.MethodGet, "/api/conversations/nobody/messages", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})
}

func TestStatsEndpoint(t *testing.T) {
	ms := &mockStore{}
	ms.statsResult = &store.ConversationStats{
		ConversationID: ms.conv().ID,
		MessageCount:   7,
	}
	h := newTestHandler(t, ms, &mockCompleter{})

	rec := doJSON(t, h, http.MethodGet, "/api/conversations/sess-1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var stats store.ConversationStats
	decodeBody(t, rec, &stats)
	if stats.MessageCount != 7 {
		t.Errorf("MessageCount = %d, want 7", stats.MessageCount)
	}
}

func TestUpdateMetadataEndpoint(t *testing.T) {
	t.Run("replaces metadata", func(t *testing.T) {
		ms := &mockStore{}
		h := newTestHandler(t, ms, &mockCompleter{})

		rec := doJSON(t, h, http.MethodPatch, "/api/conversations/sess-1",
			UpdateMetadataRequest{Metadata: json.RawMessage(`{"tag":"travel"}`)})
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusNoContent, rec.Body)
		}
		if string(ms.lastMetadata) != `{"tag":"travel"}` {
			t.Errorf("metadata = %s, want tag document", ms.lastMetadata)
		}
	})

	t.Run("rejects oversized metadata", func(t *testing.T) {
		h := newTestHandler(t, &mockStore{}, &mockCompleter{})
		big := `{"blob":"` + strings.Repeat("x", MaxMetadataBytes) + `"}`
		rec := doJSON(t, h, http.MethodPatch, "/api/conversations/sess-1",
			UpdateMetadataRequest{Metadata: json.RawMessage(big)})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("unknown conversation returns 404", func(t *testing.T) {
		ms := &mockStore{metadataErr: store.ErrUnknownConversation}
		h := newTestHandler(t, ms, &mockCompleter{})
		rec := doJSON(t, h, http.MethodPatch, "/api/conversations/sess-1",
			UpdateMetadataRequest{Metadata: json.RawMessage(`{}`)})
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})
}

func TestDeleteConversationEndpoint(t *testing.T) {
	t.Run("deletes", func(t *testing.T) {
		ms := &mockStore{}
		h := newTestHandler(t, ms, &mockCompleter{})

		rec := doJSON(t, h, http.MethodDelete, "/api/conversations/sess-1", nil)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
		}
		if ms.deletedID != ms.conv().ID {
			t.Errorf("deleted ID = %v, want %v", ms.deletedID, ms.conv().ID)
		}
	})

	t.Run("unknown conversation returns 404", func(t *testing.T) {
		ms := &mockStore{deleteErr: store.ErrUnknownConversation}
		h := newTestHandler(t, ms, &mockCompleter{})
		rec := doJSON(t, h, http.MethodDelete, "/api/conversations/sess-1", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /panic", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	h := chain(mux, recoveryMiddleware(log.NewNop()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

// classifiedUnavailable builds the error shape a connection failure produces.
func classifiedUnavailable() error {
	return fmt.Errorf("%w: dial tcp 127.0.0.1:5432: connection refused", store.ErrStorageUnavailable)
}
