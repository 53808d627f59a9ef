// Package web provides the HTTP API for the expense assistant.
//
// Endpoints:
//
//	GET    /health                                → liveness probe
//	GET    /ready                                 → readiness probe (pings DB)
//	POST   /api/conversations                     → ensure conversation for a session
//	GET    /api/conversations                     → list conversations
//	GET    /api/conversations/{sessionID}/messages → conversation history
//	GET    /api/conversations/{sessionID}/stats   → message count and last activity
//	PATCH  /api/conversations/{sessionID}         → replace metadata
//	DELETE /api/conversations/{sessionID}         → delete conversation
//	POST   /api/upload                            → upload a document into a conversation
//	POST   /api/chat/stream                       → streaming chat reply (SSE)
//
// File structure:
//   - server.go: HTTP server setup and lifecycle
//   - middleware.go: HTTP middleware (logging, recovery)
//   - health.go: Health check endpoints (/health, /ready)
//   - conversations.go: Conversation management endpoints
//   - upload.go: Document upload endpoint
//   - chat.go: Streaming chat endpoint (SSE)
//   - response.go: JSON response helpers
package web

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spenser-ai/spenser/internal/llm"
	"github.com/spenser-ai/spenser/internal/store"
)

const (
	// DefaultAddr is the default address for the HTTP server.
	DefaultAddr = "127.0.0.1:8080"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout is the timeout for reading request headers.
	// This prevents Slowloris attacks (CWE-400).
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	// Uploads are bounded by MaxUploadBytes, not time.
	ReadTimeout = 2 * time.Minute

	// IdleTimeout is the maximum time to wait for the next request on
	// keep-alive connections.
	IdleTimeout = 120 * time.Second
)

// ConversationStore is the persistence surface the handlers need.
// *store.Store satisfies it.
type ConversationStore interface {
	EnsureConversation(ctx context.Context, sessionID string) (*store.Conversation, error)
	GetConversation(ctx context.Context, sessionID string) (*store.Conversation, error)
	AppendMessage(ctx context.Context, conversationID uuid.UUID, role, content string, attachment []byte) (*store.Message, error)
	LoadHistory(ctx context.Context, conversationID uuid.UUID, limit int64) ([]store.Message, error)
	ListConversations(ctx context.Context, limit, offset int64) ([]store.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID uuid.UUID) error
	UpdateMetadata(ctx context.Context, conversationID uuid.UUID, metadata json.RawMessage) error
	Stats(ctx context.Context, conversationID uuid.UUID) (*store.ConversationStats, error)
}

// Completer is the model surface the handlers need. *llm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
	Stream(ctx context.Context, messages []llm.Message) iter.Seq2[string, error]
}

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger    *slog.Logger
	Store     ConversationStore // Required
	Completer Completer         // Required
	Pool      *pgxpool.Pool     // Optional: nil disables DB ping in /ready

	MaxHistoryMessages int64 // Messages replayed to the model per turn (0 = all)
	MaxUploadBytes     int64 // Upload size cap (0 = 50 MiB)
}

// Server is the HTTP server for the assistant's REST API.
type Server struct {
	mux    *http.ServeMux
	logger *slog.Logger

	health        *HealthHandler
	conversations *ConversationHandler
	upload        *UploadHandler
	chat          *ChatHandler
}

// NewServer creates a new HTTP server with all routes registered.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("conversation store is required")
	}
	if cfg.Completer == nil {
		return nil, errors.New("completer is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 50 << 20
	}

	mux := http.NewServeMux()

	s := &Server{
		mux:    mux,
		logger: logger,
		health: NewHealthHandler(cfg.Pool, logger),
		conversations: &ConversationHandler{
			store:  cfg.Store,
			logger: logger,
		},
		upload: &UploadHandler{
			store:    cfg.Store,
			logger:   logger,
			maxBytes: maxUpload,
		},
		chat: &ChatHandler{
			store:        cfg.Store,
			completer:    cfg.Completer,
			logger:       logger,
			historyLimit: cfg.MaxHistoryMessages,
		},
	}

	s.health.RegisterRoutes(mux)
	s.conversations.RegisterRoutes(mux)
	s.upload.RegisterRoutes(mux)
	s.chat.RegisterRoutes(mux)

	return s, nil
}

// Handler returns the HTTP handler with middleware applied.
// Middleware order: recovery → logging → handler
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		recoveryMiddleware(s.logger),
		loggingMiddleware(s.logger),
	)
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		// WriteTimeout stays zero: SSE responses are open-ended and a
		// server-wide write deadline would cut live streams.
		IdleTimeout: IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
