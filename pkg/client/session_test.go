package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeAPI is a minimal in-memory rendition of the session endpoints, just
// enough for the handle's fork-then-retry behavior to be observable.
type fakeAPI struct {
	mu        sync.Mutex
	nextID    int
	forkCalls int
	sessions  map[string]*fakeSession
}

type fakeSession struct {
	token      string
	markdown   string
	forkedFrom string
	// thread id -> message texts
	threads map[string][]string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{sessions: make(map[string]*fakeSession)}
}

func (f *fakeAPI) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

// seed creates a session with one thread, owned by nobody in particular.
func (f *fakeAPI) seed(markdown string) (sessionID, threadID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessionID = f.newID("sess")
	threadID = f.newID("thread")
	f.sessions[sessionID] = &fakeSession{
		token:    f.newID("token"),
		markdown: markdown,
		threads:  map[string][]string{threadID: {}},
	}
	return sessionID, threadID
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "api" || parts[1] != "sessions" {
		http.NotFound(w, r)
		return
	}
	rest := parts[2:]

	writeBody := func(status int, payload any) {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(payload)
	}
	fail := func(status int, code string) {
		writeBody(status, map[string]any{"code": code, "error": code})
	}

	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			MarkdownContent string `json:"markdownContent"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		id := f.newID("sess")
		token := f.newID("token")
		f.sessions[id] = &fakeSession{token: token, markdown: body.MarkdownContent, threads: map[string][]string{}}
		writeBody(http.StatusCreated, map[string]any{"sessionId": id, "ownerToken": token})

	case len(rest) == 1 && r.Method == http.MethodGet:
		session, ok := f.sessions[rest[0]]
		if !ok {
			fail(http.StatusNotFound, "NOT_FOUND")
			return
		}
		writeBody(http.StatusOK, map[string]any{"id": rest[0], "markdownContent": session.markdown})

	case len(rest) == 2 && rest[1] == "fork" && r.Method == http.MethodPost:
		original, ok := f.sessions[rest[0]]
		if !ok {
			fail(http.StatusNotFound, "NOT_FOUND")
			return
		}
		f.forkCalls++
		forkID := f.newID("fork")
		forkToken := f.newID("token")
		fork := &fakeSession{token: forkToken, markdown: original.markdown, forkedFrom: rest[0], threads: map[string][]string{}}
		threadIDMap := make(map[string]string)
		for threadID, messages := range original.threads {
			cloneID := f.newID("thread")
			threadIDMap[threadID] = cloneID
			fork.threads[cloneID] = append([]string(nil), messages...)
		}
		f.sessions[forkID] = fork
		writeBody(http.StatusCreated, map[string]any{
			"sessionId": forkID, "ownerToken": forkToken, "threadIdMap": threadIDMap,
		})

	case len(rest) == 2 && rest[1] == "threads" && r.Method == http.MethodPost:
		session, ok := f.sessions[rest[0]]
		if !ok || r.Header.Get("X-Owner-Token") != session.token {
			fail(http.StatusForbidden, "FORBIDDEN")
			return
		}
		threadID := f.newID("thread")
		session.threads[threadID] = []string{}
		writeBody(http.StatusCreated, map[string]any{"threadId": threadID, "createdAt": time.Now()})

	case len(rest) == 4 && rest[1] == "threads" && rest[3] == "messages" && r.Method == http.MethodPost:
		session, ok := f.sessions[rest[0]]
		if !ok || r.Header.Get("X-Owner-Token") != session.token {
			fail(http.StatusForbidden, "FORBIDDEN")
			return
		}
		messages, ok := session.threads[rest[2]]
		if !ok {
			fail(http.StatusNotFound, "NOT_FOUND")
			return
		}
		var body struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		session.threads[rest[2]] = append(messages, body.Text)
		writeBody(http.StatusCreated, map[string]any{"messageId": f.newID("msg"), "timestamp": time.Now()})

	default:
		http.NotFound(w, r)
	}
}

func newHandleTestSetup(t *testing.T) (*fakeAPI, *Client) {
	t.Helper()
	api := newFakeAPI()
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	c := New(server.URL)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return api, c
}

func TestOwnerWritesDirectly(t *testing.T) {
	api, c := newHandleTestSetup(t)
	ownership := NewMemoryOwnershipStore()
	ctx := context.Background()

	handle, err := Create(ctx, c, ownership, "# Mine")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if handle.State() != StateOwner {
		t.Fatalf("state %s, want owner", handle.State())
	}

	thread, err := handle.AddThread(ctx, "ctx", "snip")
	if err != nil {
		t.Fatalf("add thread: %v", err)
	}
	if _, err := handle.AddMessage(ctx, thread.ThreadID, "user", "hello"); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if api.forkCalls != 0 {
		t.Fatalf("owner writes forked %d times", api.forkCalls)
	}
}

func TestReadsNeverFork(t *testing.T) {
	api, c := newHandleTestSetup(t)
	sessionID, _ := api.seed("# Shared")

	handle, err := Open(c, NewMemoryOwnershipStore(), sessionID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if handle.State() != StateNotOwner {
		t.Fatalf("state %s, want not-owner", handle.State())
	}
	if _, err := handle.Get(context.Background()); err != nil {
		t.Fatalf("get: %v", err)
	}
	if api.forkCalls != 0 {
		t.Fatalf("a read forked %d times", api.forkCalls)
	}
}

func TestFirstNonOwnerWriteForksAndRetargets(t *testing.T) {
	api, c := newHandleTestSetup(t)
	sessionID, threadID := api.seed("# Shared")
	ownership := NewMemoryOwnershipStore()
	ctx := context.Background()

	handle, err := Open(c, ownership, sessionID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := handle.AddMessage(ctx, threadID, "user", "my note"); err != nil {
		t.Fatalf("add message: %v", err)
	}

	if api.forkCalls != 1 {
		t.Fatalf("fork calls %d, want 1", api.forkCalls)
	}
	if handle.State() != StateOwnerOfFork {
		t.Fatalf("state %s, want owner-of-fork", handle.State())
	}
	forkID := handle.SessionID()
	if forkID == sessionID {
		t.Fatal("handle must retarget to the fork")
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if got := api.sessions[sessionID].threads[threadID]; len(got) != 0 {
		t.Fatalf("original thread mutated: %v", got)
	}
	var landed bool
	for _, messages := range api.sessions[forkID].threads {
		if len(messages) == 1 && messages[0] == "my note" {
			landed = true
		}
	}
	if !landed {
		t.Fatalf("message missing from fork threads %v", api.sessions[forkID].threads)
	}
}

func TestRepeatedWritesForkOnce(t *testing.T) {
	api, c := newHandleTestSetup(t)
	sessionID, threadID := api.seed("# Shared")
	ownership := NewMemoryOwnershipStore()
	ctx := context.Background()

	handle, err := Open(c, ownership, sessionID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := handle.AddMessage(ctx, threadID, "user", "note"); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if api.forkCalls != 1 {
		t.Fatalf("fork calls %d, want 1", api.forkCalls)
	}
}

func TestForkDedupeAcrossHandles(t *testing.T) {
	api, c := newHandleTestSetup(t)
	sessionID, threadID := api.seed("# Shared")
	ownership := NewMemoryOwnershipStore()
	ctx := context.Background()

	first, err := Open(c, ownership, sessionID)
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	second, err := Open(c, ownership, sessionID)
	if err != nil {
		t.Fatalf("open second: %v", err)
	}

	if _, err := first.AddMessage(ctx, threadID, "user", "from first"); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := second.AddThread(ctx, "ctx", "snip"); err != nil {
		t.Fatalf("second write: %v", err)
	}

	if api.forkCalls != 1 {
		t.Fatalf("fork calls %d, want 1: the second handle must discover the existing fork", api.forkCalls)
	}
	if second.SessionID() != first.SessionID() {
		t.Fatal("both handles must converge on the same fork")
	}
}

func TestOpenDiscoversExistingFork(t *testing.T) {
	api, c := newHandleTestSetup(t)
	sessionID, threadID := api.seed("# Shared")
	ownership := NewMemoryOwnershipStore()
	ctx := context.Background()

	first, err := Open(c, ownership, sessionID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := first.AddMessage(ctx, threadID, "user", "note"); err != nil {
		t.Fatalf("write: %v", err)
	}

	reopened, err := Open(c, ownership, sessionID)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.State() != StateOwnerOfFork {
		t.Fatalf("state %s, want owner-of-fork", reopened.State())
	}
	if reopened.SessionID() != first.SessionID() {
		t.Fatal("reopened handle must point at the existing fork")
	}
}

func TestDeleteRequiresOwnership(t *testing.T) {
	api, c := newHandleTestSetup(t)
	sessionID, _ := api.seed("# Shared")

	handle, err := Open(c, NewMemoryOwnershipStore(), sessionID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := handle.Delete(context.Background()); err == nil {
		t.Fatal("non-owner delete must fail locally")
	}
}
