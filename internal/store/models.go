package store

import "time"

// WholeDocumentContext is the sentinel stored in threads.context when a thread
// is anchored to the whole document rather than a selection.
const WholeDocumentContext = "__whole_document__"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Session struct {
	ID              string
	OwnerToken      string
	MarkdownContent string
	ForkedFrom      *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Thread struct {
	ID        string
	SessionID string
	Context   string
	Snippet   string
	CreatedAt time.Time
	Messages  []Message
}

type Message struct {
	ID        string
	ThreadID  string
	Role      string
	Text      string
	Parts     PartList
	CreatedAt time.Time
}

// SessionGraph is a session with its threads and their messages, threads
// ordered by creation and messages by (created_at, id).
type SessionGraph struct {
	Session
	Threads []Thread
}

type ParseCacheEntry struct {
	ContentHash      string
	Markdown         string
	SourceType       string
	OriginalFilename string
	FileSize         int64
	CreatedAt        time.Time
}
