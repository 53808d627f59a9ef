// Package store persists conversations and messages in PostgreSQL.
//
// A conversation is identified externally by a client-supplied session ID
// and internally by a UUID primary key. Messages are append-only; history
// ordering is (created_at, id) so concurrent appends resolve to a stable
// order. All multi-statement writes run in a transaction with a row lock on
// the conversation.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier defines the database operations Store depends on. Interfaces are
// defined by the consumer, so tests can substitute a mock without a real
// database.
type Querier interface {
	EnsureConversation(ctx context.Context, sessionID string) (Conversation, error)
	GetConversationBySession(ctx context.Context, sessionID string) (Conversation, error)
	LockConversation(ctx context.Context, conversationID uuid.UUID) (uuid.UUID, error)
	InsertMessage(ctx context.Context, arg InsertMessageParams) (Message, error)
	TouchConversation(ctx context.Context, conversationID uuid.UUID) error
	ListMessages(ctx context.Context, arg ListMessagesParams) ([]Message, error)
	ConversationStats(ctx context.Context, conversationID uuid.UUID) (ConversationStats, error)
	UpdateMetadata(ctx context.Context, arg UpdateMetadataParams) error
	DeleteConversation(ctx context.Context, conversationID uuid.UUID) error
	ListConversations(ctx context.Context, arg ListConversationsParams) ([]Conversation, error)
}

// Store manages conversation persistence with a PostgreSQL backend.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	querier Querier
	pool    *pgxpool.Pool // transaction support; nil in unit tests
	logger  *slog.Logger
}

// New creates a Store.
//
// In production, pass NewQueries(pool) and the pool itself:
//
//	store := store.New(store.NewQueries(pool), pool, logger)
//
// In tests, pass a mock Querier and a nil pool; writes then run without a
// transaction.
func New(querier Querier, pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		querier: querier,
		pool:    pool,
		logger:  logger,
	}
}

// EnsureConversation returns the conversation for sessionID, creating it
// atomically if it does not exist. Concurrent calls with the same session
// ID all resolve to the same conversation.
func (s *Store) EnsureConversation(ctx context.Context, sessionID string) (*Conversation, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	conv, err := s.querier.EnsureConversation(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("ensuring conversation for session %q: %w", sessionID, classifyErr(err))
	}

	s.logger.Debug("ensured conversation", "conversation_id", conv.ID, "session_id", sessionID)
	return &conv, nil
}

// GetConversation returns the conversation for sessionID.
// Returns ErrUnknownConversation when no such conversation exists.
func (s *Store) GetConversation(ctx context.Context, sessionID string) (*Conversation, error) {
	conv, err := s.querier.GetConversationBySession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("session %q: %w", sessionID, ErrUnknownConversation)
		}
		return nil, fmt.Errorf("getting conversation for session %q: %w", sessionID, classifyErr(err))
	}
	return &conv, nil
}

// AppendMessage appends a message to a conversation and bumps its
// updated_at, atomically. Returns ErrUnknownConversation when the
// conversation does not exist; in that case nothing is written.
func (s *Store) AppendMessage(ctx context.Context, conversationID uuid.UUID, role, content string, attachment []byte) (*Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return nil, fmt.Errorf("invalid role %q", role)
	}

	// Nil pool means unit tests with a mock querier; skip the transaction.
	if s.pool == nil {
		return s.appendMessageNonTransactional(ctx, conversationID, role, content, attachment)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", classifyErr(err))
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", err)
		}
	}()

	txQueries := NewQueries(tx)

	// The row lock serializes concurrent appends to one conversation and
	// doubles as the existence check.
	if _, err := txQueries.LockConversation(ctx, conversationID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrUnknownConversation)
		}
		return nil, fmt.Errorf("locking conversation: %w", classifyErr(err))
	}

	msg, err := txQueries.InsertMessage(ctx, InsertMessageParams{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Attachment:     attachment,
	})
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", classifyErr(err))
	}

	if err := txQueries.TouchConversation(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("updating conversation timestamp: %w", classifyErr(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", classifyErr(err))
	}

	s.logger.Debug("appended message",
		"conversation_id", conversationID, "message_id", msg.ID, "role", role)
	return &msg, nil
}

// appendMessageNonTransactional appends without a transaction. Only for
// unit tests with mock queriers; production writes go through AppendMessage
// with a real pool.
func (s *Store) appendMessageNonTransactional(ctx context.Context, conversationID uuid.UUID, role, content string, attachment []byte) (*Message, error) {
	if _, err := s.querier.LockConversation(ctx, conversationID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrUnknownConversation)
		}
		return nil, fmt.Errorf("locking conversation: %w", classifyErr(err))
	}

	msg, err := s.querier.InsertMessage(ctx, InsertMessageParams{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Attachment:     attachment,
	})
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", classifyErr(err))
	}

	if err := s.querier.TouchConversation(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("updating conversation timestamp: %w", classifyErr(err))
	}

	return &msg, nil
}

// LoadHistory returns a conversation's messages in chronological order.
// A positive limit keeps only the newest limit messages; zero means all.
func (s *Store) LoadHistory(ctx context.Context, conversationID uuid.UUID, limit int64) ([]Message, error) {
	if limit < 0 {
		return nil, fmt.Errorf("limit must be non-negative, got %d", limit)
	}

	messages, err := s.querier.ListMessages(ctx, ListMessagesParams{
		ConversationID: conversationID,
		ResultLimit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("loading history for conversation %s: %w", conversationID, classifyErr(err))
	}

	s.logger.Debug("loaded history",
		"conversation_id", conversationID, "count", len(messages), "limit", limit)
	return messages, nil
}

// Stats returns the message count and last activity for a conversation.
func (s *Store) Stats(ctx context.Context, conversationID uuid.UUID) (*ConversationStats, error) {
	stats, err := s.querier.ConversationStats(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("getting stats for conversation %s: %w", conversationID, classifyErr(err))
	}
	return &stats, nil
}

// UpdateMetadata replaces the conversation's metadata document.
// Returns ErrUnknownConversation when the conversation does not exist.
func (s *Store) UpdateMetadata(ctx context.Context, conversationID uuid.UUID, metadata json.RawMessage) error {
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	if !json.Valid(metadata) {
		return fmt.Errorf("metadata is not valid JSON")
	}

	err := s.querier.UpdateMetadata(ctx, UpdateMetadataParams{
		ConversationID: conversationID,
		Metadata:       metadata,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("conversation %s: %w", conversationID, ErrUnknownConversation)
		}
		return fmt.Errorf("updating metadata for conversation %s: %w", conversationID, classifyErr(err))
	}
	return nil
}

// DeleteConversation removes a conversation and all its messages.
// Returns ErrUnknownConversation when the conversation does not exist.
func (s *Store) DeleteConversation(ctx context.Context, conversationID uuid.UUID) error {
	err := s.querier.DeleteConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("conversation %s: %w", conversationID, ErrUnknownConversation)
		}
		return fmt.Errorf("deleting conversation %s: %w", conversationID, classifyErr(err))
	}

	s.logger.Debug("deleted conversation", "conversation_id", conversationID)
	return nil
}

// ListConversations returns conversations ordered by most recent activity.
// A limit of zero means no limit.
func (s *Store) ListConversations(ctx context.Context, limit, offset int64) ([]Conversation, error) {
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("limit and offset must be non-negative")
	}

	conversations, err := s.querier.ListConversations(ctx, ListConversationsParams{
		ResultLimit:  limit,
		ResultOffset: offset,
	})
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", classifyErr(err))
	}
	return conversations, nil
}
