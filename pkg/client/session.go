package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// OwnershipState is where a handle stands relative to the session it points
// at. Every mutating call funnels through the same transition.
type OwnershipState int

const (
	// StateOwner: this device created the session and holds its token.
	StateOwner OwnershipState = iota
	// StateNotOwner: the session was opened from a shared link.
	StateNotOwner
	// StateForkInFlight: a fork has been requested but not yet recorded.
	StateForkInFlight
	// StateOwnerOfFork: writes were redirected to an owned fork.
	StateOwnerOfFork
)

func (s OwnershipState) String() string {
	switch s {
	case StateOwner:
		return "owner"
	case StateNotOwner:
		return "not-owner"
	case StateForkInFlight:
		return "fork-in-flight"
	case StateOwnerOfFork:
		return "owner-of-fork"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SessionHandle wraps one session with transparent fork-on-first-write: reads
// go to the visible session, and the first mutation by a non-owner forks it,
// records ownership, and redirects the call to the fork. Mutations through a
// handle are strictly sequential.
type SessionHandle struct {
	mu          sync.Mutex
	client      *Client
	ownership   OwnershipStore
	originalID  string
	currentID   string
	state       OwnershipState
	threadIDMap map[string]string
}

// Open builds a handle for a session id, resolving ownership from the store:
// an existing record means this device owns it, an existing fork record means
// writes already moved to the fork, anything else is a shared read.
func Open(apiClient *Client, ownership OwnershipStore, sessionID string) (*SessionHandle, error) {
	h := &SessionHandle{
		client:      apiClient,
		ownership:   ownership,
		originalID:  sessionID,
		currentID:   sessionID,
		state:       StateNotOwner,
		threadIDMap: make(map[string]string),
	}

	if _, ok, err := ownership.Get(sessionID); err != nil {
		return nil, err
	} else if ok {
		h.state = StateOwner
		return h, nil
	}

	forkID, found, err := findExistingFork(ownership, sessionID)
	if err != nil {
		return nil, err
	}
	if found {
		h.currentID = forkID
		h.state = StateOwnerOfFork
	}
	return h, nil
}

// findExistingFork scans for a fork of the given session already owned by
// this device, so repeated edits never spawn duplicate forks.
func findExistingFork(ownership OwnershipStore, sessionID string) (string, bool, error) {
	var forkID string
	err := ownership.Scan(func(id string, record OwnershipRecord) bool {
		if record.ForkedFrom == sessionID {
			forkID = id
			return false
		}
		return true
	})
	if err != nil {
		return "", false, err
	}
	return forkID, forkID != "", nil
}

func (h *SessionHandle) State() OwnershipState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SessionID is the id writes currently target; it changes once after a fork.
func (h *SessionHandle) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentID
}

func (h *SessionHandle) IsOwner() bool {
	state := h.State()
	return state == StateOwner || state == StateOwnerOfFork
}

// Get fetches the visible session graph. Reads never fork.
func (h *SessionHandle) Get(ctx context.Context) (Session, error) {
	return h.client.GetSession(ctx, h.SessionID())
}

func (h *SessionHandle) AddThread(ctx context.Context, threadContext, snippet string) (CreatedThread, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sessionID, token, err := h.transitionLocked(ctx)
	if err != nil {
		return CreatedThread{}, err
	}
	return h.client.AddThread(ctx, sessionID, token, threadContext, snippet)
}

func (h *SessionHandle) AddMessage(ctx context.Context, threadID, role, text string) (CreatedMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sessionID, token, err := h.transitionLocked(ctx)
	if err != nil {
		return CreatedMessage{}, err
	}
	return h.client.AddMessage(ctx, sessionID, h.resolveThreadIDLocked(threadID), token, role, text)
}

func (h *SessionHandle) UpdateMessage(ctx context.Context, threadID, messageID, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sessionID, token, err := h.transitionLocked(ctx)
	if err != nil {
		return err
	}
	return h.client.UpdateMessage(ctx, sessionID, h.resolveThreadIDLocked(threadID), messageID, token, text)
}

func (h *SessionHandle) TruncateThreadAfter(ctx context.Context, threadID, messageID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sessionID, token, err := h.transitionLocked(ctx)
	if err != nil {
		return err
	}
	return h.client.TruncateThreadAfter(ctx, sessionID, h.resolveThreadIDLocked(threadID), messageID, token)
}

// Delete removes the owned session. Non-owners cannot delete; deleting forks
// first is the caller's business.
func (h *SessionHandle) Delete(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateOwner && h.state != StateOwnerOfFork {
		return errors.New("not the owner of this session")
	}
	record, ok, err := h.ownership.Get(h.currentID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("ownership record missing")
	}
	return h.client.DeleteSession(ctx, h.currentID, record.OwnerToken)
}

// transitionLocked is the single ownership transition used by every mutating
// call. It returns the session id and token the pending mutation must use,
// forking first when this device does not own the visible session.
func (h *SessionHandle) transitionLocked(ctx context.Context) (string, string, error) {
	switch h.state {
	case StateOwner, StateOwnerOfFork:
		record, ok, err := h.ownership.Get(h.currentID)
		if err != nil {
			return "", "", err
		}
		if !ok {
			return "", "", errors.New("ownership record missing")
		}
		return h.currentID, record.OwnerToken, nil

	case StateNotOwner:
		// Another handle may have forked this session already.
		forkID, found, err := findExistingFork(h.ownership, h.originalID)
		if err != nil {
			return "", "", err
		}
		if found {
			record, ok, err := h.ownership.Get(forkID)
			if err != nil {
				return "", "", err
			}
			if !ok {
				return "", "", errors.New("ownership record missing for fork")
			}
			h.currentID = forkID
			h.state = StateOwnerOfFork
			return forkID, record.OwnerToken, nil
		}

		h.state = StateForkInFlight
		fork, err := h.client.ForkSession(ctx, h.originalID)
		if err != nil {
			h.state = StateNotOwner
			return "", "", err
		}
		if err := h.ownership.Set(fork.SessionID, OwnershipRecord{
			OwnerToken: fork.OwnerToken,
			ForkedFrom: h.originalID,
		}); err != nil {
			h.state = StateNotOwner
			return "", "", err
		}
		h.currentID = fork.SessionID
		h.threadIDMap = fork.ThreadIDMap
		h.state = StateOwnerOfFork
		return fork.SessionID, fork.OwnerToken, nil

	default:
		return "", "", fmt.Errorf("unexpected ownership state %s", h.state)
	}
}

// resolveThreadIDLocked retargets a thread id recorded before a fork onto its
// clone in the fork.
func (h *SessionHandle) resolveThreadIDLocked(threadID string) string {
	if mapped, ok := h.threadIDMap[threadID]; ok {
		return mapped
	}
	return threadID
}

// Create starts a new owned session and records ownership.
func Create(ctx context.Context, apiClient *Client, ownership OwnershipStore, markdownContent string) (*SessionHandle, error) {
	created, err := apiClient.CreateSession(ctx, markdownContent)
	if err != nil {
		return nil, err
	}
	if err := ownership.Set(created.SessionID, OwnershipRecord{OwnerToken: created.OwnerToken}); err != nil {
		return nil, err
	}
	return &SessionHandle{
		client:      apiClient,
		ownership:   ownership,
		originalID:  created.SessionID,
		currentID:   created.SessionID,
		state:       StateOwner,
		threadIDMap: make(map[string]string),
	}, nil
}
