package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across sessions and threads using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultSession {
		sessionWhere := "s.fts @@ " + tsQuery
		if q.FilterSessionID != "" {
			sessionWhere += fmt.Sprintf(" AND s.id = $%d", argN)
			args = append(args, q.FilterSessionID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'session'::text AS type, s.id,
				split_part(s.markdown_content, E'\n', 1) AS title,
				ts_headline('english', left(s.markdown_content, 20000), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.id AS session_id,
				ts_rank(s.fts, %s) AS rank
			FROM sessions s
			WHERE %s`, tsQuery, tsQuery, sessionWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultThread {
		threadWhere := "t.fts @@ " + tsQuery
		if q.FilterSessionID != "" {
			threadWhere += fmt.Sprintf(" AND t.session_id = $%d", argN)
			args = append(args, q.FilterSessionID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'thread'::text AS type, t.id,
				t.snippet AS title,
				ts_headline('english', left(t.context, 20000), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				t.session_id,
				ts_rank(t.fts, %s) AS rank
			FROM threads t
			WHERE %s`, tsQuery, tsQuery, threadWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, session_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.SessionID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SessionRecord, []ThreadRecord, error) {
	sessionRows, err := p.db.QueryContext(ctx, `
		SELECT id,
			split_part(markdown_content, E'\n', 1),
			left(markdown_content, 2000)
		FROM sessions
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load sessions: %w", err)
	}
	defer sessionRows.Close()

	sessions := make([]SessionRecord, 0)
	for sessionRows.Next() {
		var rec SessionRecord
		if err := sessionRows.Scan(&rec.ID, &rec.Title, &rec.Excerpt); err != nil {
			return nil, nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, rec)
	}
	if err := sessionRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate sessions: %w", err)
	}

	threadRows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, snippet, left(context, 2000)
		FROM threads
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load threads: %w", err)
	}
	defer threadRows.Close()

	threads := make([]ThreadRecord, 0)
	for threadRows.Next() {
		var rec ThreadRecord
		if err := threadRows.Scan(&rec.ID, &rec.SessionID, &rec.Snippet, &rec.Context); err != nil {
			return nil, nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, rec)
	}
	if err := threadRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate threads: %w", err)
	}

	return sessions, threads, nil
}
