package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"marginalia/internal/util"
)

type PostgresStore struct {
	db *sql.DB

	// newThreadID mints ids for cloned threads; tests replace it.
	newThreadID func() string
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, newThreadID: util.NewThreadID}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertSession(ctx context.Context, session Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_token, markdown_content, forked_from)
		VALUES ($1, $2, $3, $4)
	`, session.ID, session.OwnerToken, session.MarkdownContent, session.ForkedFrom)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var item Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_token, markdown_content, forked_from, created_at, updated_at
		FROM sessions
		WHERE id=$1
	`, sessionID).Scan(&item.ID, &item.OwnerToken, &item.MarkdownContent, &item.ForkedFrom, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Session{}, err
	}
	return item, nil
}

// GetOwnerToken returns the stored secret for a session. sql.ErrNoRows when
// the session does not exist; callers surface that the same way as a token
// mismatch.
func (s *PostgresStore) GetOwnerToken(ctx context.Context, sessionID string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT owner_token FROM sessions WHERE id=$1`, sessionID).Scan(&token)
	if err != nil {
		return "", err
	}
	return token, nil
}

// TouchSession bumps updated_at, keeping it monotonic even under clock skew.
func (s *PostgresStore) TouchSession(ctx context.Context, sessionID string) (time.Time, error) {
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE sessions
		SET updated_at = GREATEST(NOW(), updated_at)
		WHERE id=$1
		RETURNING updated_at
	`, sessionID).Scan(&updatedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("touch session: %w", err)
	}
	return updatedAt, nil
}

// DeleteSession removes a session; threads and messages go with it via FK
// cascade. Returns false when no such session existed.
func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=$1`, sessionID)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete session rows: %w", err)
	}
	return affected > 0, nil
}

// GetSessionGraph assembles the full session with threads ordered by creation
// and messages ordered by (created_at, id) so same-millisecond inserts keep a
// deterministic order.
func (s *PostgresStore) GetSessionGraph(ctx context.Context, sessionID string) (SessionGraph, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return SessionGraph{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, context, snippet, created_at
		FROM threads
		WHERE session_id=$1
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return SessionGraph{}, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	threads := make([]Thread, 0)
	threadIndex := make(map[string]int)
	for rows.Next() {
		var item Thread
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Context, &item.Snippet, &item.CreatedAt); err != nil {
			return SessionGraph{}, fmt.Errorf("scan thread: %w", err)
		}
		item.Messages = make([]Message, 0)
		threadIndex[item.ID] = len(threads)
		threads = append(threads, item)
	}
	if err := rows.Err(); err != nil {
		return SessionGraph{}, fmt.Errorf("iterate threads: %w", err)
	}

	messageRows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.thread_id, m.role, m.text, m.parts, m.created_at
		FROM messages m
		JOIN threads t ON t.id = m.thread_id
		WHERE t.session_id=$1
		ORDER BY m.created_at ASC, m.id ASC
	`, sessionID)
	if err != nil {
		return SessionGraph{}, fmt.Errorf("list messages: %w", err)
	}
	defer messageRows.Close()

	for messageRows.Next() {
		message, err := scanMessage(messageRows)
		if err != nil {
			return SessionGraph{}, err
		}
		if idx, ok := threadIndex[message.ThreadID]; ok {
			threads[idx].Messages = append(threads[idx].Messages, message)
		}
	}
	if err := messageRows.Err(); err != nil {
		return SessionGraph{}, fmt.Errorf("iterate messages: %w", err)
	}

	return SessionGraph{Session: session, Threads: threads}, nil
}

func (s *PostgresStore) InsertThread(ctx context.Context, thread Thread) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, session_id, context, snippet)
		VALUES ($1, $2, $3, $4)
	`, thread.ID, thread.SessionID, thread.Context, thread.Snippet)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	var item Thread
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, context, snippet, created_at
		FROM threads
		WHERE id=$1
	`, threadID).Scan(&item.ID, &item.SessionID, &item.Context, &item.Snippet, &item.CreatedAt)
	if err != nil {
		return Thread{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	parts, err := encodeParts(message.Parts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, role, text, parts)
		VALUES ($1, $2, $3, $4, $5)
	`, message.ID, message.ThreadID, message.Role, message.Text, parts)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, role, text, parts, created_at
		FROM messages
		WHERE id=$1
	`, messageID)
	return scanMessage(row)
}

func (s *PostgresStore) UpdateMessageText(ctx context.Context, messageID, text string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE messages SET text=$2 WHERE id=$1`, messageID, text)
	if err != nil {
		return false, fmt.Errorf("update message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update message rows: %w", err)
	}
	return affected > 0, nil
}

// TruncateThreadAfter deletes every message in the thread sorting strictly
// after the anchor under (created_at, id) order. Running it twice removes
// nothing new, and same-millisecond neighbors are split deterministically by
// id.
func (s *PostgresStore) TruncateThreadAfter(ctx context.Context, threadID, messageID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE thread_id=$1
		  AND (created_at, id) > (SELECT created_at, id FROM messages WHERE id=$2 AND thread_id=$1)
	`, threadID, messageID)
	if err != nil {
		return 0, fmt.Errorf("truncate thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("truncate thread rows: %w", err)
	}
	return affected, nil
}

// ForkSession clones the full graph under fresh ids in one transaction: either
// the whole clone becomes visible or none of it does. Thread and message
// timestamps are copied verbatim so the clone's ordering matches the original.
// The returned map translates original thread ids to their clones.
func (s *PostgresStore) ForkSession(ctx context.Context, originalID string) (Session, map[string]string, error) {
	original, err := s.GetSession(ctx, originalID)
	if err != nil {
		return Session{}, nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, nil, fmt.Errorf("begin fork tx: %w", err)
	}
	defer tx.Rollback()

	fork := Session{
		ID:              util.NewSessionID(),
		OwnerToken:      util.NewOwnerToken(),
		MarkdownContent: original.MarkdownContent,
		ForkedFrom:      &original.ID,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO sessions (id, owner_token, markdown_content, forked_from)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, fork.ID, fork.OwnerToken, fork.MarkdownContent, fork.ForkedFrom).Scan(&fork.CreatedAt, &fork.UpdatedAt)
	if err != nil {
		return Session{}, nil, fmt.Errorf("insert fork session: %w", err)
	}

	threadRows, err := tx.QueryContext(ctx, `
		SELECT id, context, snippet, created_at
		FROM threads
		WHERE session_id=$1
		ORDER BY created_at ASC, id ASC
	`, originalID)
	if err != nil {
		return Session{}, nil, fmt.Errorf("read fork threads: %w", err)
	}
	type sourceThread struct {
		id        string
		context   string
		snippet   string
		createdAt time.Time
	}
	var sourceThreads []sourceThread
	for threadRows.Next() {
		var item sourceThread
		if err := threadRows.Scan(&item.id, &item.context, &item.snippet, &item.createdAt); err != nil {
			threadRows.Close()
			return Session{}, nil, fmt.Errorf("scan fork thread: %w", err)
		}
		sourceThreads = append(sourceThreads, item)
	}
	threadRows.Close()
	if err := threadRows.Err(); err != nil {
		return Session{}, nil, fmt.Errorf("iterate fork threads: %w", err)
	}

	threadIDMap := make(map[string]string, len(sourceThreads))
	for _, src := range sourceThreads {
		newID := s.newThreadID()
		threadIDMap[src.id] = newID
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO threads (id, session_id, context, snippet, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, newID, fork.ID, src.context, src.snippet, src.createdAt); err != nil {
			return Session{}, nil, fmt.Errorf("insert fork thread: %w", err)
		}
	}

	messageRows, err := tx.QueryContext(ctx, `
		SELECT m.thread_id, m.role, m.text, m.parts, m.created_at
		FROM messages m
		JOIN threads t ON t.id = m.thread_id
		WHERE t.session_id=$1
		ORDER BY m.created_at ASC, m.id ASC
	`, originalID)
	if err != nil {
		return Session{}, nil, fmt.Errorf("read fork messages: %w", err)
	}
	type sourceMessage struct {
		threadID  string
		role      string
		text      string
		parts     []byte
		createdAt time.Time
	}
	var sourceMessages []sourceMessage
	for messageRows.Next() {
		var item sourceMessage
		if err := messageRows.Scan(&item.threadID, &item.role, &item.text, &item.parts, &item.createdAt); err != nil {
			messageRows.Close()
			return Session{}, nil, fmt.Errorf("scan fork message: %w", err)
		}
		sourceMessages = append(sourceMessages, item)
	}
	messageRows.Close()
	if err := messageRows.Err(); err != nil {
		return Session{}, nil, fmt.Errorf("iterate fork messages: %w", err)
	}

	for _, src := range sourceMessages {
		newThreadID, ok := threadIDMap[src.threadID]
		if !ok {
			// Thread inserted between the two reads; skip its messages rather
			// than attach them to a thread the fork does not have.
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, thread_id, role, text, parts, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, util.NewMessageID(), newThreadID, src.role, src.text, src.parts, src.createdAt); err != nil {
			return Session{}, nil, fmt.Errorf("insert fork message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Session{}, nil, fmt.Errorf("commit fork: %w", err)
	}
	return fork, threadIDMap, nil
}

func (s *PostgresStore) GetParseEntry(ctx context.Context, contentHash string) (ParseCacheEntry, error) {
	var item ParseCacheEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT content_hash, markdown, source_type, original_filename, file_size, created_at
		FROM parse_cache
		WHERE content_hash=$1
	`, contentHash).Scan(&item.ContentHash, &item.Markdown, &item.SourceType, &item.OriginalFilename, &item.FileSize, &item.CreatedAt)
	if err != nil {
		return ParseCacheEntry{}, err
	}
	return item, nil
}

// UpsertParseEntry overwrites an existing row for the same hash, resetting
// created_at so the freshness window restarts.
func (s *PostgresStore) UpsertParseEntry(ctx context.Context, entry ParseCacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO parse_cache (content_hash, markdown, source_type, original_filename, file_size)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (content_hash) DO UPDATE SET
			markdown=EXCLUDED.markdown,
			source_type=EXCLUDED.source_type,
			original_filename=EXCLUDED.original_filename,
			file_size=EXCLUDED.file_size,
			created_at=NOW()
	`, entry.ContentHash, entry.Markdown, entry.SourceType, entry.OriginalFilename, entry.FileSize)
	if err != nil {
		return fmt.Errorf("upsert parse entry: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var item Message
	var parts []byte
	if err := row.Scan(&item.ID, &item.ThreadID, &item.Role, &item.Text, &parts, &item.CreatedAt); err != nil {
		return Message{}, err
	}
	if len(parts) > 0 {
		if err := json.Unmarshal(parts, &item.Parts); err != nil {
			return Message{}, fmt.Errorf("decode message parts: %w", err)
		}
	}
	return item, nil
}

func encodeParts(parts PartList) (any, error) {
	if len(parts) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(parts)
	if err != nil {
		return nil, fmt.Errorf("encode message parts: %w", err)
	}
	return encoded, nil
}
