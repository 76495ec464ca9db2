// Package client is the Go client for the marginalia API. It wraps every call
// in a bounded retry policy and layers transparent fork-on-first-write on top
// of the session endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxAttempts = 3

// backoffDelays is indexed by the number of failed attempts so far.
var backoffDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// APIError is a non-2xx response from the server. Any 4xx is terminal and
// never retried.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Terminal() bool {
	return e.Status >= 400 && e.Status < 500
}

type Client struct {
	baseURL string
	http    *http.Client
	sleep   func(context.Context, time.Duration) error
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		sleep:   sleepContext,
	}
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Session is the assembled graph as returned by GET /api/sessions/:id.
type Session struct {
	ID              string    `json:"id"`
	MarkdownContent string    `json:"markdownContent"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	ForkedFrom      *string   `json:"forkedFrom"`
	Threads         []Thread  `json:"threads"`
}

type Thread struct {
	ID        string    `json:"id"`
	Context   string    `json:"context"`
	Snippet   string    `json:"snippet"`
	CreatedAt time.Time `json:"createdAt"`
	Messages  []Message `json:"messages"`
}

type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type CreatedSession struct {
	SessionID  string `json:"sessionId"`
	OwnerToken string `json:"ownerToken"`
}

type ForkedSession struct {
	SessionID   string            `json:"sessionId"`
	OwnerToken  string            `json:"ownerToken"`
	ThreadIDMap map[string]string `json:"threadIdMap"`
}

type CreatedThread struct {
	ThreadID  string    `json:"threadId"`
	CreatedAt time.Time `json:"createdAt"`
}

type CreatedMessage struct {
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *Client) CreateSession(ctx context.Context, markdownContent string) (CreatedSession, error) {
	var out CreatedSession
	err := c.do(ctx, http.MethodPost, "/api/sessions", "", map[string]any{
		"markdownContent": markdownContent,
	}, &out)
	return out, err
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), "", nil, &out)
	return out, err
}

func (c *Client) DeleteSession(ctx context.Context, sessionID, ownerToken string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(sessionID), ownerToken, nil, nil)
}

func (c *Client) ForkSession(ctx context.Context, sessionID string) (ForkedSession, error) {
	var out ForkedSession
	err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/fork", "", nil, &out)
	return out, err
}

func (c *Client) AddThread(ctx context.Context, sessionID, ownerToken, threadContext, snippet string) (CreatedThread, error) {
	var out CreatedThread
	err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/threads", ownerToken, map[string]any{
		"context": threadContext,
		"snippet": snippet,
	}, &out)
	return out, err
}

func (c *Client) AddMessage(ctx context.Context, sessionID, threadID, ownerToken, role, text string) (CreatedMessage, error) {
	var out CreatedMessage
	err := c.do(ctx, http.MethodPost, messagesPath(sessionID, threadID), ownerToken, map[string]any{
		"role": role,
		"text": text,
	}, &out)
	return out, err
}

func (c *Client) UpdateMessage(ctx context.Context, sessionID, threadID, messageID, ownerToken, text string) error {
	return c.do(ctx, http.MethodPut, messagesPath(sessionID, threadID)+"/"+url.PathEscape(messageID), ownerToken, map[string]any{
		"text": text,
	}, nil)
}

func (c *Client) TruncateThreadAfter(ctx context.Context, sessionID, threadID, messageID, ownerToken string) error {
	return c.do(ctx, http.MethodDelete, messagesPath(sessionID, threadID)+"?after="+url.QueryEscape(messageID), ownerToken, nil, nil)
}

func messagesPath(sessionID, threadID string) string {
	return "/api/sessions/" + url.PathEscape(sessionID) + "/threads/" + url.PathEscape(threadID) + "/messages"
}

// do issues one API call with up to maxAttempts tries. Network failures and
// 5xx responses back off and retry; 4xx responses return immediately.
func (c *Client) do(ctx context.Context, method, path, ownerToken string, body, out any) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = encoded
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, backoffDelays[attempt-1]); err != nil {
				return err
			}
		}

		err := c.once(ctx, method, path, ownerToken, payload, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Terminal() {
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path, ownerToken string, payload []byte, out any) error {
	var reader *bytes.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ownerToken != "" {
		req.Header.Set("X-Owner-Token", ownerToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Code: "SERVER_ERROR", Message: "Server error"}
		var body struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
			if body.Code != "" {
				apiErr.Code = body.Code
			}
			if body.Error != "" {
				apiErr.Message = body.Error
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
