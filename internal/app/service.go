package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"marginalia/internal/auth"
	"marginalia/internal/cache"
	"marginalia/internal/config"
	"marginalia/internal/extract"
	"marginalia/internal/objstore"
	"marginalia/internal/parse"
	"marginalia/internal/search"
	"marginalia/internal/store"
	"marginalia/internal/util"
)

const (
	maxMarkdownBytes = 500 * 1024
	maxContextBytes  = 50 * 1024
	maxSnippetBytes  = 1024
	maxTextBytes     = 50 * 1024
	maxUploadBytes   = 10 * 1024 * 1024
)

type CreateThreadInput struct {
	Context string `json:"context"`
	Snippet string `json:"snippet"`
}

type CreateMessageInput struct {
	Role  string         `json:"role"`
	Text  string         `json:"text"`
	Parts store.PartList `json:"parts"`
}

type ForkResult struct {
	Session     store.Session
	ThreadIDMap map[string]string
}

type dataStore interface {
	InsertSession(context.Context, store.Session) error
	GetSession(context.Context, string) (store.Session, error)
	GetOwnerToken(context.Context, string) (string, error)
	TouchSession(context.Context, string) (time.Time, error)
	DeleteSession(context.Context, string) (bool, error)
	GetSessionGraph(context.Context, string) (store.SessionGraph, error)
	InsertThread(context.Context, store.Thread) error
	GetThread(context.Context, string) (store.Thread, error)
	InsertMessage(context.Context, store.Message) error
	GetMessage(context.Context, string) (store.Message, error)
	UpdateMessageText(context.Context, string, string) (bool, error)
	TruncateThreadAfter(context.Context, string, string) (int64, error)
	ForkSession(context.Context, string) (store.Session, map[string]string, error)
	Ping(ctx context.Context) error
}

// URLExtractor renders a URL into markdown. extract.ChromeExtractor is the
// default backend; tests inject fakes.
type URLExtractor interface {
	ExtractURL(ctx context.Context, url string) (string, error)
}

type Service struct {
	cfg          config.Config
	store        dataStore
	parseCache   *parse.Cache
	graphCache   *cache.GraphCache
	search       *search.Service
	archive      *objstore.Archive
	urlExtractor URLExtractor
}

func New(cfg config.Config, dataStore dataStore, parseCache *parse.Cache) *Service {
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		parseCache: parseCache,
	}
}

// SetGraphCache attaches the optional Redis graph cache.
func (s *Service) SetGraphCache(c *cache.GraphCache) { s.graphCache = c }

// SetSearch attaches the optional search facade.
func (s *Service) SetSearch(svc *search.Service) { s.search = svc }

// SetArchive attaches the optional raw-upload archive.
func (s *Service) SetArchive(a *objstore.Archive) { s.archive = a }

// SetURLExtractor attaches the URL extraction backend.
func (s *Service) SetURLExtractor(e URLExtractor) { s.urlExtractor = e }

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

var errForbidden = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)

// verifyOwner resolves to a single Forbidden outcome for a missing session, a
// missing token, and a wrong token alike, so response shape never reveals
// which one happened.
func (s *Service) verifyOwner(ctx context.Context, sessionID, presented string) error {
	stored, err := s.store.GetOwnerToken(ctx, sessionID)
	if err != nil {
		return errForbidden
	}
	if !auth.VerifyOwnerToken(stored, presented) {
		return errForbidden
	}
	return nil
}

func (s *Service) CreateSession(ctx context.Context, markdownContent string) (store.Session, error) {
	if err := validation.Validate(markdownContent,
		validation.Required.Error("markdownContent is required"),
		validation.Length(1, maxMarkdownBytes).Error("markdownContent exceeds 500KB"),
	); err != nil {
		return store.Session{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	}

	session := store.Session{
		ID:              util.NewSessionID(),
		OwnerToken:      util.NewOwnerToken(),
		MarkdownContent: markdownContent,
	}
	if err := s.store.InsertSession(ctx, session); err != nil {
		return store.Session{}, err
	}
	created, err := s.store.GetSession(ctx, session.ID)
	if err != nil {
		return store.Session{}, err
	}
	s.indexSession(created)
	return created, nil
}

func (s *Service) GetSessionGraph(ctx context.Context, sessionID string) (store.SessionGraph, error) {
	if s.graphCache != nil {
		if payload, ok := s.graphCache.Get(ctx, sessionID); ok {
			var graph store.SessionGraph
			if err := json.Unmarshal(payload, &graph); err == nil {
				return graph, nil
			}
			s.graphCache.Invalidate(ctx, sessionID)
		}
	}

	graph, err := s.store.GetSessionGraph(ctx, sessionID)
	if err != nil {
		return store.SessionGraph{}, err
	}

	if s.graphCache != nil {
		if payload, err := json.Marshal(graph); err == nil {
			s.graphCache.Set(ctx, sessionID, payload)
		}
	}
	return graph, nil
}

func (s *Service) DeleteSession(ctx context.Context, sessionID, ownerToken string) error {
	if err := s.verifyOwner(ctx, sessionID, ownerToken); err != nil {
		return err
	}
	deleted, err := s.store.DeleteSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !deleted {
		return errForbidden
	}
	s.invalidateGraph(ctx, sessionID)
	if s.search != nil {
		s.search.DeleteSession(sessionID)
	}
	return nil
}

// ForkSession clones the full graph under a new id and owner token. No
// ownership proof required: any holder of a valid session id may branch it.
func (s *Service) ForkSession(ctx context.Context, originalID string) (ForkResult, error) {
	fork, threadIDMap, err := s.store.ForkSession(ctx, originalID)
	if err != nil {
		return ForkResult{}, err
	}
	s.indexSession(fork)
	return ForkResult{Session: fork, ThreadIDMap: threadIDMap}, nil
}

func (s *Service) AddThread(ctx context.Context, sessionID, ownerToken string, input CreateThreadInput) (store.Thread, error) {
	if err := s.verifyOwner(ctx, sessionID, ownerToken); err != nil {
		return store.Thread{}, err
	}
	if err := (validation.Errors{
		"context": validation.Validate(input.Context, validation.Length(0, maxContextBytes).Error("context exceeds 50KB")),
		"snippet": validation.Validate(input.Snippet, validation.Length(0, maxSnippetBytes).Error("snippet exceeds 1KB")),
	}).Filter(); err != nil {
		return store.Thread{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	}

	threadContext := input.Context
	if strings.TrimSpace(threadContext) == "" {
		threadContext = store.WholeDocumentContext
	}

	thread := store.Thread{
		ID:        util.NewThreadID(),
		SessionID: sessionID,
		Context:   threadContext,
		Snippet:   input.Snippet,
	}
	if err := s.store.InsertThread(ctx, thread); err != nil {
		return store.Thread{}, err
	}
	created, err := s.store.GetThread(ctx, thread.ID)
	if err != nil {
		return store.Thread{}, err
	}
	s.afterMutation(ctx, sessionID)
	if s.search != nil {
		s.search.IndexThread(search.ThreadRecord{
			ID:        created.ID,
			SessionID: sessionID,
			Snippet:   created.Snippet,
			Context:   created.Context,
		})
	}
	return created, nil
}

func (s *Service) AddMessage(ctx context.Context, sessionID, threadID, ownerToken string, input CreateMessageInput) (store.Message, error) {
	if err := s.verifyOwner(ctx, sessionID, ownerToken); err != nil {
		return store.Message{}, err
	}
	if err := (validation.Errors{
		"role": validation.Validate(input.Role, validation.Required, validation.In(store.RoleUser, store.RoleAssistant).Error("role must be user or assistant")),
		"text": validation.Validate(input.Text, validation.Required.Error("text is required"), validation.Length(1, maxTextBytes).Error("text exceeds 50KB")),
	}).Filter(); err != nil {
		return store.Message{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	}
	if err := s.requireThreadInSession(ctx, sessionID, threadID); err != nil {
		return store.Message{}, err
	}

	message := store.Message{
		ID:       util.NewMessageID(),
		ThreadID: threadID,
		Role:     input.Role,
		Text:     input.Text,
		Parts:    input.Parts,
	}
	if err := s.store.InsertMessage(ctx, message); err != nil {
		return store.Message{}, err
	}
	created, err := s.store.GetMessage(ctx, message.ID)
	if err != nil {
		return store.Message{}, err
	}
	s.afterMutation(ctx, sessionID)
	return created, nil
}

func (s *Service) UpdateMessage(ctx context.Context, sessionID, threadID, messageID, ownerToken, text string) (time.Time, error) {
	if err := s.verifyOwner(ctx, sessionID, ownerToken); err != nil {
		return time.Time{}, err
	}
	if err := validation.Validate(text,
		validation.Required.Error("text is required"),
		validation.Length(1, maxTextBytes).Error("text exceeds 50KB"),
	); err != nil {
		return time.Time{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	}
	if err := s.requireMessageInThread(ctx, sessionID, threadID, messageID); err != nil {
		return time.Time{}, err
	}

	updated, err := s.store.UpdateMessageText(ctx, messageID, text)
	if err != nil {
		return time.Time{}, err
	}
	if !updated {
		return time.Time{}, domainError(http.StatusNotFound, "NOT_FOUND", "Message not found", nil)
	}
	updatedAt, err := s.store.TouchSession(ctx, sessionID)
	if err != nil {
		return time.Time{}, err
	}
	s.invalidateGraph(ctx, sessionID)
	return updatedAt, nil
}

func (s *Service) TruncateThread(ctx context.Context, sessionID, threadID, afterMessageID, ownerToken string) error {
	if err := s.verifyOwner(ctx, sessionID, ownerToken); err != nil {
		return err
	}
	if afterMessageID == "" {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "after message id is required", nil)
	}
	if err := s.requireMessageInThread(ctx, sessionID, threadID, afterMessageID); err != nil {
		return err
	}

	if _, err := s.store.TruncateThreadAfter(ctx, threadID, afterMessageID); err != nil {
		return err
	}
	s.afterMutation(ctx, sessionID)
	return nil
}

// ParseFile runs an upload through the content-addressed cache, archiving the
// raw bytes when an archive is attached.
func (s *Service) ParseFile(ctx context.Context, filename string, data []byte) (parse.Result, error) {
	if len(data) == 0 {
		return parse.Result{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "file is empty", nil)
	}
	if len(data) > maxUploadBytes {
		return parse.Result{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "file exceeds 10MB", nil)
	}

	if s.archive != nil {
		if err := s.archive.Put(ctx, parse.HashBytes(data), filename, data); err != nil {
			log.Printf("parse: archive upload %s: %v", filename, err)
		}
	}

	return s.parseCache.ParseFile(ctx, filename, data, extract.FileExtractor(filename, data))
}

// ParseURL runs link ingestion through the cache with the configured backend.
func (s *Service) ParseURL(ctx context.Context, url string) (parse.Result, error) {
	if _, err := extract.ValidatePublicURL(url); err != nil {
		return parse.Result{}, err
	}
	if s.urlExtractor == nil {
		return parse.Result{}, domainError(http.StatusServiceUnavailable, "EXTRACTION_UNAVAILABLE", "URL extraction is not configured", nil)
	}
	return s.parseCache.ParseURL(ctx, url, func(ctx context.Context) (string, error) {
		return s.urlExtractor.ExtractURL(ctx, url)
	})
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) requireThreadInSession(ctx context.Context, sessionID, threadID string) error {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if thread.SessionID != sessionID {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Thread not found", nil)
	}
	return nil
}

func (s *Service) requireMessageInThread(ctx context.Context, sessionID, threadID, messageID string) error {
	if err := s.requireThreadInSession(ctx, sessionID, threadID); err != nil {
		return err
	}
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if message.ThreadID != threadID {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Message not found", nil)
	}
	return nil
}

// afterMutation bumps updated_at and drops the cached graph.
func (s *Service) afterMutation(ctx context.Context, sessionID string) {
	if _, err := s.store.TouchSession(ctx, sessionID); err != nil {
		log.Printf("session %s: touch: %v", sessionID, err)
	}
	s.invalidateGraph(ctx, sessionID)
}

func (s *Service) invalidateGraph(ctx context.Context, sessionID string) {
	if s.graphCache != nil {
		s.graphCache.Invalidate(ctx, sessionID)
	}
}

func (s *Service) indexSession(session store.Session) {
	if s.search == nil {
		return
	}
	s.search.IndexSession(search.SessionRecord{
		ID:      session.ID,
		Title:   firstLine(session.MarkdownContent),
		Excerpt: excerpt(session.MarkdownContent, 2000),
	})
}

func firstLine(markdown string) string {
	line, _, _ := strings.Cut(markdown, "\n")
	return strings.TrimSpace(strings.TrimLeft(line, "# "))
}

func excerpt(markdown string, max int) string {
	if len(markdown) <= max {
		return markdown
	}
	return markdown[:max]
}
