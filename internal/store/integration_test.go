//go:build integration

package store

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	slog "github.com/spenser-ai/spenser/internal/log"
	"github.com/spenser-ai/spenser/internal/testutil"
)

var sharedDB *testutil.TestDBContainer

func TestMain(m *testing.M) {
	var cleanup func()
	var err error

	sharedDB, cleanup, err = testutil.SetupTestDBForMain()
	if err != nil {
		log.Printf("skipping integration tests: %v", err)
		os.Exit(0)
	}

	code := m.Run()
	cleanup()
	os.Exit(code)
}

func setupIntegrationStore(t *testing.T) *Store {
	t.Helper()
	testutil.CleanTables(t, sharedDB.Pool)
	return New(NewQueries(sharedDB.Pool), sharedDB.Pool, slog.NewNop())
}

func TestIntegrationEnsureConversation(t *testing.T) {
	ctx := context.Background()
	s := setupIntegrationStore(t)

	t.Run("creates then returns same conversation", func(t *testing.T) {
		first, err := s.EnsureConversation(ctx, "sess-ensure")
		if err != nil {
			t.Fatalf("EnsureConversation: %v", err)
		}
		second, err := s.EnsureConversation(ctx, "sess-ensure")
		if err != nil {
			t.Fatalf("EnsureConversation (second): %v", err)
		}
		if first.ID != second.ID {
			t.Errorf("same session got different conversations: %v vs %v", first.ID, second.ID)
		}
	})

	t.Run("concurrent callers converge on one conversation", func(t *testing.T) {
		const workers = 16
		ids := make([]uuid.UUID, workers)
		errs := make([]error, workers)

		var wg sync.WaitGroup
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				conv, err := s.EnsureConversation(ctx, "sess-concurrent")
				if err != nil {
					errs[i] = err
					return
				}
				ids[i] = conv.ID
			}()
		}
		wg.Wait()

		for i, err := range errs {
			if err != nil {
				t.Fatalf("worker %d: %v", i, err)
			}
		}
		for i := 1; i < workers; i++ {
			if ids[i] != ids[0] {
				t.Fatalf("worker %d got conversation %v, worker 0 got %v", i, ids[i], ids[0])
			}
		}
	})
}

func TestIntegrationAppendAndHistory(t *testing.T) {
	ctx := context.Background()
	s := setupIntegrationStore(t)

	conv, err := s.EnsureConversation(ctx, "sess-history")
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}

	turns := []struct {
		role    string
		content string
	}{
		{RoleUser, "How much did I spend on travel?"},
		{RoleAssistant, "You spent $420 on travel this month."},
		{RoleUser, "And on food?"},
		{RoleAssistant, "Food came to $310."},
	}
	for _, turn := range turns {
		if _, err := s.AppendMessage(ctx, conv.ID, turn.role, turn.content, nil); err != nil {
			t.Fatalf("AppendMessage(%q): %v", turn.content, err)
		}
	}

	t.Run("full history in order", func(t *testing.T) {
		msgs, err := s.LoadHistory(ctx, conv.ID, 0)
		if err != nil {
			t.Fatalf("LoadHistory: %v", err)
		}
		if len(msgs) != len(turns) {
			t.Fatalf("len = %d, want %d", len(msgs), len(turns))
		}
		for i, msg := range msgs {
			if msg.Role != turns[i].role || msg.Content != turns[i].content {
				t.Errorf("message %d = %q/%q, want %q/%q",
					i, msg.Role, msg.Content, turns[i].role, turns[i].content)
			}
		}
	})

	t.Run("limit keeps newest messages in order", func(t *testing.T) {
		msgs, err := s.LoadHistory(ctx, conv.ID, 2)
		if err != nil {
			t.Fatalf("LoadHistory: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("len = %d, want 2", len(msgs))
		}
		if msgs[0].Content != turns[2].content || msgs[1].Content != turns[3].content {
			t.Errorf("window = [%q, %q], want newest two in order", msgs[0].Content, msgs[1].Content)
		}
	})

	t.Run("attachment round trip", func(t *testing.T) {
		data := []byte("%PDF-1.4 fake receipt bytes")
		msg, err := s.AppendMessage(ctx, conv.ID, RoleUser, "uploaded receipt.pdf", data)
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if string(msg.Attachment) != string(data) {
			t.Errorf("attachment = %q", msg.Attachment)
		}
	})

	t.Run("stats reflect appended messages", func(t *testing.T) {
		stats, err := s.Stats(ctx, conv.ID)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.MessageCount != int64(len(turns))+1 {
			t.Errorf("count = %d, want %d", stats.MessageCount, len(turns)+1)
		}
		if stats.UserCount != 3 {
			t.Errorf("user count = %d, want 3", stats.UserCount)
		}
		if stats.AssistantCount != 2 {
			t.Errorf("assistant count = %d, want 2", stats.AssistantCount)
		}
		if stats.LastMessageAt == nil {
			t.Error("LastMessageAt is nil")
		}
	})
}

func TestIntegrationAppendUnknownConversation(t *testing.T) {
	ctx := context.Background()
	s := setupIntegrationStore(t)

	_, err := s.AppendMessage(ctx, uuid.New(), RoleUser, "orphan", nil)
	if !errors.Is(err, ErrUnknownConversation) {
		t.Fatalf("expected ErrUnknownConversation, got %v", err)
	}

	// Nothing may be written when the conversation does not exist.
	var count int64
	if err := sharedDB.Pool.QueryRow(ctx, `SELECT count(*) FROM messages`).Scan(&count); err != nil {
		t.Fatalf("counting messages: %v", err)
	}
	if count != 0 {
		t.Errorf("messages written for unknown conversation: %d", count)
	}
}

func TestIntegrationMetadataAndDelete(t *testing.T) {
	ctx := context.Background()
	s := setupIntegrationStore(t)

	conv, err := s.EnsureConversation(ctx, "sess-meta")
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}

	t.Run("metadata round trip", func(t *testing.T) {
		meta := json.RawMessage(`{"client": "web", "currency": "USD"}`)
		if err := s.UpdateMetadata(ctx, conv.ID, meta); err != nil {
			t.Fatalf("UpdateMetadata: %v", err)
		}

		got, err := s.GetConversation(ctx, "sess-meta")
		if err != nil {
			t.Fatalf("GetConversation: %v", err)
		}
		var decoded map[string]string
		if err := json.Unmarshal(got.Metadata, &decoded); err != nil {
			t.Fatalf("unmarshal metadata: %v", err)
		}
		if decoded["currency"] != "USD" {
			t.Errorf("metadata = %v", decoded)
		}
	})

	t.Run("delete cascades to messages", func(t *testing.T) {
		if _, err := s.AppendMessage(ctx, conv.ID, RoleUser, "to be deleted", nil); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if err := s.DeleteConversation(ctx, conv.ID); err != nil {
			t.Fatalf("DeleteConversation: %v", err)
		}

		if _, err := s.GetConversation(ctx, "sess-meta"); !errors.Is(err, ErrUnknownConversation) {
			t.Fatalf("expected ErrUnknownConversation after delete, got %v", err)
		}

		var count int64
		if err := sharedDB.Pool.QueryRow(ctx,
			`SELECT count(*) FROM messages WHERE conversation_id = $1`, conv.ID).Scan(&count); err != nil {
			t.Fatalf("counting messages: %v", err)
		}
		if count != 0 {
			t.Errorf("orphaned messages after delete: %d", count)
		}
	})
}

func TestIntegrationListConversations(t *testing.T) {
	ctx := context.Background()
	s := setupIntegrationStore(t)

	for _, sess := range []string{"list-a", "list-b", "list-c"} {
		if _, err := s.EnsureConversation(ctx, sess); err != nil {
			t.Fatalf("EnsureConversation(%q): %v", sess, err)
		}
	}

	// Appending bumps updated_at, so list-a becomes most recent.
	convA, err := s.GetConversation(ctx, "list-a")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if _, err := s.AppendMessage(ctx, convA.ID, RoleUser, "bump", nil); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	convs, err := s.ListConversations(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("len = %d, want 2", len(convs))
	}
	if convs[0].SessionID != "list-a" {
		t.Errorf("most recent = %q, want list-a", convs[0].SessionID)
	}
}
