package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"marginalia/internal/util"
)

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping store integration test")
	}
	return url
}

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := ApplyMigrations(ctx, db, "../../db/migrations"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func seedSession(t *testing.T, s *PostgresStore, markdown string) Session {
	t.Helper()
	session := Session{
		ID:              util.NewSessionID(),
		OwnerToken:      util.NewOwnerToken(),
		MarkdownContent: markdown,
	}
	if err := s.InsertSession(context.Background(), session); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	t.Cleanup(func() { _, _ = s.DeleteSession(context.Background(), session.ID) })
	return session
}

func seedThread(t *testing.T, s *PostgresStore, sessionID string) Thread {
	t.Helper()
	thread := Thread{
		ID:        util.NewThreadID(),
		SessionID: sessionID,
		Context:   "quoted selection",
		Snippet:   "selection",
	}
	if err := s.InsertThread(context.Background(), thread); err != nil {
		t.Fatalf("insert thread: %v", err)
	}
	return thread
}

func seedMessage(t *testing.T, s *PostgresStore, threadID, role, text string) Message {
	t.Helper()
	message := Message{
		ID:       util.NewMessageID(),
		ThreadID: threadID,
		Role:     role,
		Text:     text,
	}
	if err := s.InsertMessage(context.Background(), message); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	return message
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created := seedSession(t, s, "# Doc")
	got, err := s.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.MarkdownContent != "# Doc" {
		t.Fatalf("expected markdown round trip, got %q", got.MarkdownContent)
	}
	if got.ForkedFrom != nil {
		t.Fatalf("expected nil forkedFrom, got %v", *got.ForkedFrom)
	}
	if got.UpdatedAt.Before(got.CreatedAt) {
		t.Fatal("updated_at must not precede created_at")
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	session := seedSession(t, s, "# Doc")
	thread := seedThread(t, s, session.ID)
	message := seedMessage(t, s, thread.ID, RoleUser, "explain")

	deleted, err := s.DeleteSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if !deleted {
		t.Fatal("expected delete to report an affected row")
	}

	if _, err := s.GetThread(ctx, thread.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected thread cascade delete, got %v", err)
	}
	if _, err := s.GetMessage(ctx, message.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected message cascade delete, got %v", err)
	}
}

func TestForkClonesGraphWithFreshIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	original := seedSession(t, s, "# Original")
	threadA := seedThread(t, s, original.ID)
	threadB := seedThread(t, s, original.ID)
	seedMessage(t, s, threadA.ID, RoleUser, "m1")
	seedMessage(t, s, threadA.ID, RoleAssistant, "m2")
	seedMessage(t, s, threadA.ID, RoleUser, "m3")
	seedMessage(t, s, threadB.ID, RoleUser, "m4")
	seedMessage(t, s, threadB.ID, RoleAssistant, "m5")

	fork, threadIDMap, err := s.ForkSession(ctx, original.ID)
	if err != nil {
		t.Fatalf("fork session: %v", err)
	}
	t.Cleanup(func() { _, _ = s.DeleteSession(ctx, fork.ID) })

	if fork.ID == original.ID {
		t.Fatal("fork must mint a new session id")
	}
	if fork.OwnerToken == original.OwnerToken {
		t.Fatal("fork must mint a new owner token")
	}
	if fork.ForkedFrom == nil || *fork.ForkedFrom != original.ID {
		t.Fatalf("expected forkedFrom=%s, got %v", original.ID, fork.ForkedFrom)
	}
	if len(threadIDMap) != 2 {
		t.Fatalf("expected 2 thread id mappings, got %d", len(threadIDMap))
	}

	graph, err := s.GetSessionGraph(ctx, fork.ID)
	if err != nil {
		t.Fatalf("get fork graph: %v", err)
	}
	if len(graph.Threads) != 2 {
		t.Fatalf("expected 2 threads in fork, got %d", len(graph.Threads))
	}
	totalMessages := 0
	for _, thread := range graph.Threads {
		if thread.SessionID != fork.ID {
			t.Fatalf("fork thread %s points at session %s", thread.ID, thread.SessionID)
		}
		if _, exists := threadIDMap[thread.ID]; exists {
			t.Fatalf("fork thread %s reused an original id", thread.ID)
		}
		totalMessages += len(thread.Messages)
	}
	if totalMessages != 5 {
		t.Fatalf("expected 5 messages in fork, got %d", totalMessages)
	}

	// Original untouched.
	originalGraph, err := s.GetSessionGraph(ctx, original.ID)
	if err != nil {
		t.Fatalf("get original graph: %v", err)
	}
	if len(originalGraph.Threads) != 2 {
		t.Fatalf("original thread count changed: %d", len(originalGraph.Threads))
	}
}

func TestForkIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	original := seedSession(t, s, "# Original")
	thread := seedThread(t, s, original.ID)
	seedMessage(t, s, thread.ID, RoleUser, "hello")

	fork, threadIDMap, err := s.ForkSession(ctx, original.ID)
	if err != nil {
		t.Fatalf("fork session: %v", err)
	}
	t.Cleanup(func() { _, _ = s.DeleteSession(ctx, fork.ID) })

	seedMessage(t, s, threadIDMap[thread.ID], RoleAssistant, "fork-only reply")

	originalGraph, err := s.GetSessionGraph(ctx, original.ID)
	if err != nil {
		t.Fatalf("get original graph: %v", err)
	}
	if len(originalGraph.Threads[0].Messages) != 1 {
		t.Fatalf("mutating the fork leaked into the original: %d messages", len(originalGraph.Threads[0].Messages))
	}
}

func TestForkRollsBackWhenCloneInsertFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	original := seedSession(t, s, "# Original")
	threadA := seedThread(t, s, original.ID)
	threadB := seedThread(t, s, original.ID)
	seedMessage(t, s, threadA.ID, RoleUser, "m1")
	seedMessage(t, s, threadB.ID, RoleUser, "m2")

	// Mint the same id for both cloned threads: the second insert violates the
	// primary key partway through the clone batch, after the fork session row
	// and the first thread are already written inside the transaction.
	dupID := util.NewThreadID()
	s.newThreadID = func() string { return dupID }

	if _, _, err := s.ForkSession(ctx, original.ID); err == nil {
		t.Fatal("expected fork to fail on the duplicate thread id")
	}

	var forks int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE forked_from=$1`, original.ID).Scan(&forks); err != nil {
		t.Fatalf("count forks: %v", err)
	}
	if forks != 0 {
		t.Fatalf("failed fork left %d visible sessions", forks)
	}
	if _, err := s.GetThread(ctx, dupID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("failed fork left a thread behind: %v", err)
	}

	// A later fork of the same session still succeeds in full.
	s.newThreadID = util.NewThreadID
	fork, threadIDMap, err := s.ForkSession(ctx, original.ID)
	if err != nil {
		t.Fatalf("fork after rollback: %v", err)
	}
	t.Cleanup(func() { _, _ = s.DeleteSession(ctx, fork.ID) })
	if len(threadIDMap) != 2 {
		t.Fatalf("expected 2 thread mappings after rollback, got %d", len(threadIDMap))
	}
}

func TestTruncateThreadAfterIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	session := seedSession(t, s, "# Doc")
	thread := seedThread(t, s, session.ID)
	seedMessage(t, s, thread.ID, RoleUser, "keep-1")
	anchor := seedMessage(t, s, thread.ID, RoleAssistant, "keep-2")
	seedMessage(t, s, thread.ID, RoleUser, "drop-1")
	seedMessage(t, s, thread.ID, RoleAssistant, "drop-2")

	deleted, err := s.TruncateThreadAfter(ctx, thread.ID, anchor.ID)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}

	again, err := s.TruncateThreadAfter(ctx, thread.ID, anchor.ID)
	if err != nil {
		t.Fatalf("second truncate: %v", err)
	}
	if again != 0 {
		t.Fatalf("truncate is not idempotent, second run deleted %d", again)
	}

	graph, err := s.GetSessionGraph(ctx, session.ID)
	if err != nil {
		t.Fatalf("get graph: %v", err)
	}
	messages := graph.Threads[0].Messages
	if len(messages) != 2 {
		t.Fatalf("expected 2 surviving messages, got %d", len(messages))
	}
	if messages[1].ID != anchor.ID {
		t.Fatalf("anchor must survive as the tail, got %s", messages[1].ID)
	}
}

func TestMessagesOrderedByCreatedAtThenID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	session := seedSession(t, s, "# Doc")
	thread := seedThread(t, s, session.ID)

	// Force identical timestamps so the id tiebreak is what orders them.
	now := time.Now().UTC().Truncate(time.Millisecond)
	ids := []string{"b-tie", "a-tie", "c-tie"}
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, thread_id, role, text, created_at)
			VALUES ($1, $2, 'user', 'tie', $3)
		`, id, thread.ID, now); err != nil {
			t.Fatalf("insert tie message: %v", err)
		}
	}

	graph, err := s.GetSessionGraph(ctx, session.ID)
	if err != nil {
		t.Fatalf("get graph: %v", err)
	}
	messages := graph.Threads[0].Messages
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	want := []string{"a-tie", "b-tie", "c-tie"}
	for i, id := range want {
		if messages[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, messages[i].ID)
		}
	}
}

func TestUpsertParseEntryOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	hash := util.NewID(16)
	first := ParseCacheEntry{ContentHash: hash, Markdown: "# v1", SourceType: "url"}
	if err := s.UpsertParseEntry(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	before, err := s.GetParseEntry(ctx, hash)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}

	second := ParseCacheEntry{ContentHash: hash, Markdown: "# v2", SourceType: "url"}
	if err := s.UpsertParseEntry(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	after, err := s.GetParseEntry(ctx, hash)
	if err != nil {
		t.Fatalf("get second: %v", err)
	}
	if after.Markdown != "# v2" {
		t.Fatalf("expected overwrite, got %q", after.Markdown)
	}
	if after.CreatedAt.Before(before.CreatedAt) {
		t.Fatal("overwrite must reset created_at forward")
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM parse_cache WHERE content_hash=$1`, hash).Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one row per hash, got %d", count)
	}
}
