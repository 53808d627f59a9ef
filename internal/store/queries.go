package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries executes the SQL statements for conversations and messages
// against a DBTX. Bind it to a pool for standalone statements or to a
// transaction for atomic multi-statement sequences.
type Queries struct {
	db DBTX
}

// NewQueries creates a Queries bound to db.
func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a Queries bound to the given transaction.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const conversationCols = `id, session_id, metadata, created_at, updated_at`

// ensureConversationSQL is an atomic get-or-create. The no-op DO UPDATE
// makes RETURNING yield the existing row on conflict, so concurrent callers
// with the same session_id all receive the same conversation.
const ensureConversationSQL = `INSERT INTO conversations (session_id)
VALUES ($1)
ON CONFLICT (session_id) DO UPDATE SET session_id = EXCLUDED.session_id
RETURNING ` + conversationCols

// EnsureConversation returns the conversation for sessionID, creating it if
// it does not exist yet.
func (q *Queries) EnsureConversation(ctx context.Context, sessionID string) (Conversation, error) {
	row := q.db.QueryRow(ctx, ensureConversationSQL, sessionID)
	return scanConversation(row)
}

// GetConversationBySession returns the conversation for sessionID.
// Returns pgx.ErrNoRows when no such conversation exists.
func (q *Queries) GetConversationBySession(ctx context.Context, sessionID string) (Conversation, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE session_id = $1`,
		sessionID)
	return scanConversation(row)
}

// LockConversation takes a row lock on the conversation for the duration of
// the enclosing transaction. Returns pgx.ErrNoRows when the conversation
// does not exist.
func (q *Queries) LockConversation(ctx context.Context, conversationID uuid.UUID) (uuid.UUID, error) {
	var id pgtype.UUID
	err := q.db.QueryRow(ctx,
		`SELECT id FROM conversations WHERE id = $1 FOR UPDATE`,
		uuidToPg(conversationID)).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	return pgToUUID(id), nil
}

// InsertMessageParams are the inputs for InsertMessage.
type InsertMessageParams struct {
	ConversationID uuid.UUID
	Role           string
	Content        string
	Attachment     []byte
}

const insertMessageSQL = `INSERT INTO messages (conversation_id, role, content, attachment)
VALUES ($1, $2, $3, $4)
RETURNING id, conversation_id, role, content, attachment, created_at`

// InsertMessage appends a message and returns the stored row.
func (q *Queries) InsertMessage(ctx context.Context, arg InsertMessageParams) (Message, error) {
	row := q.db.QueryRow(ctx, insertMessageSQL,
		uuidToPg(arg.ConversationID), arg.Role, arg.Content, arg.Attachment)
	return scanMessage(row)
}

// TouchConversation bumps the conversation's updated_at to now.
func (q *Queries) TouchConversation(ctx context.Context, conversationID uuid.UUID) error {
	_, err := q.db.Exec(ctx,
		`UPDATE conversations SET updated_at = now() WHERE id = $1`,
		uuidToPg(conversationID))
	return err
}

// ListMessagesParams are the inputs for ListMessages. ResultLimit of zero
// means no limit; a positive limit keeps the NEWEST messages while still
// returning them in chronological order.
type ListMessagesParams struct {
	ConversationID uuid.UUID
	ResultLimit    int64
}

// listMessagesSQL selects the newest ResultLimit messages and re-sorts them
// chronologically. NULLIF turns a zero limit into LIMIT NULL (unlimited).
// Ties on created_at break on id so ordering is stable.
const listMessagesSQL = `SELECT id, conversation_id, role, content, attachment, created_at
FROM (
    SELECT id, conversation_id, role, content, attachment, created_at
    FROM messages
    WHERE conversation_id = $1
    ORDER BY created_at DESC, id DESC
    LIMIT NULLIF($2::bigint, 0)
) recent
ORDER BY created_at ASC, id ASC`

// ListMessages returns a conversation's messages in chronological order.
func (q *Queries) ListMessages(ctx context.Context, arg ListMessagesParams) ([]Message, error) {
	rows, err := q.db.Query(ctx, listMessagesSQL, uuidToPg(arg.ConversationID), arg.ResultLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

const conversationStatsSQL = `SELECT count(*),
	count(*) FILTER (WHERE role = 'user'),
	count(*) FILTER (WHERE role = 'assistant'),
	max(created_at)
FROM messages
WHERE conversation_id = $1`

// ConversationStats returns message counts by role and the last message time
// for a conversation.
func (q *Queries) ConversationStats(ctx context.Context, conversationID uuid.UUID) (ConversationStats, error) {
	var (
		count      int64
		users      int64
		assistants int64
		lastAt     pgtype.Timestamptz
	)
	err := q.db.QueryRow(ctx, conversationStatsSQL, uuidToPg(conversationID)).
		Scan(&count, &users, &assistants, &lastAt)
	if err != nil {
		return ConversationStats{}, err
	}

	stats := ConversationStats{
		ConversationID: conversationID,
		MessageCount:   count,
		UserCount:      users,
		AssistantCount: assistants,
	}
	if lastAt.Valid {
		t := lastAt.Time
		stats.LastMessageAt = &t
	}
	return stats, nil
}

// UpdateMetadataParams are the inputs for UpdateMetadata.
type UpdateMetadataParams struct {
	ConversationID uuid.UUID
	Metadata       []byte
}

// UpdateMetadata replaces the conversation's metadata document.
// Returns pgx.ErrNoRows when the conversation does not exist.
func (q *Queries) UpdateMetadata(ctx context.Context, arg UpdateMetadataParams) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE conversations SET metadata = $2, updated_at = now() WHERE id = $1`,
		uuidToPg(arg.ConversationID), arg.Metadata)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// DeleteConversation removes a conversation and, via CASCADE, its messages.
// Returns pgx.ErrNoRows when the conversation does not exist.
func (q *Queries) DeleteConversation(ctx context.Context, conversationID uuid.UUID) error {
	tag, err := q.db.Exec(ctx,
		`DELETE FROM conversations WHERE id = $1`,
		uuidToPg(conversationID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListConversationsParams are the inputs for ListConversations.
type ListConversationsParams struct {
	ResultLimit  int64
	ResultOffset int64
}

// ListConversations returns conversations ordered by most recent activity.
func (q *Queries) ListConversations(ctx context.Context, arg ListConversationsParams) ([]Conversation, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+conversationCols+` FROM conversations
ORDER BY updated_at DESC
LIMIT NULLIF($1::bigint, 0) OFFSET $2`,
		arg.ResultLimit, arg.ResultOffset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		id        pgtype.UUID
		conv      Conversation
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
	)
	if err := row.Scan(&id, &conv.SessionID, &conv.Metadata, &createdAt, &updatedAt); err != nil {
		return Conversation{}, err
	}
	conv.ID = pgToUUID(id)
	conv.CreatedAt = createdAt.Time
	conv.UpdatedAt = updatedAt.Time
	return conv, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		id        pgtype.UUID
		convID    pgtype.UUID
		msg       Message
		createdAt pgtype.Timestamptz
	)
	if err := row.Scan(&id, &convID, &msg.Role, &msg.Content, &msg.Attachment, &createdAt); err != nil {
		return Message{}, err
	}
	msg.ID = pgToUUID(id)
	msg.ConversationID = pgToUUID(convID)
	msg.CreatedAt = createdAt.Time
	return msg, nil
}

// uuidToPg converts uuid.UUID to pgtype.UUID.
func uuidToPg(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

// pgToUUID converts pgtype.UUID to uuid.UUID.
func pgToUUID(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	return id.Bytes
}
