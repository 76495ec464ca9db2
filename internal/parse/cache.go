// Package parse provides the content-addressed cache in front of document
// extraction backends.
package parse

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"marginalia/internal/store"
)

const (
	SourceFile = "file"
	SourceURL  = "url"
)

// DefaultURLTTL is the freshness window for URL-derived entries. File entries
// never expire: identical bytes always yield identical output.
const DefaultURLTTL = 6 * time.Hour

// ErrEmptyExtraction marks an extraction that produced no usable markdown.
// Such results are terminal and never cached.
var ErrEmptyExtraction = errors.New("extraction produced empty markdown")

// Extractor computes markdown for one input. The cache never looks inside it.
type Extractor func(ctx context.Context) (string, error)

// CacheStore is the persistence the cache needs; *store.PostgresStore
// satisfies it.
type CacheStore interface {
	GetParseEntry(ctx context.Context, contentHash string) (store.ParseCacheEntry, error)
	UpsertParseEntry(ctx context.Context, entry store.ParseCacheEntry) error
}

type Result struct {
	Markdown string
	Source   string
	Cached   bool
}

type Cache struct {
	store  CacheStore
	urlTTL time.Duration
	now    func() time.Time
}

func NewCache(cacheStore CacheStore, urlTTL time.Duration) *Cache {
	if urlTTL <= 0 {
		urlTTL = DefaultURLTTL
	}
	return &Cache{store: cacheStore, urlTTL: urlTTL, now: time.Now}
}

// HashBytes addresses file content by a digest of the raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashURL addresses link content by the literal URL string, not the fetched
// bytes: the same URL may serve different bytes over time, and hashing the
// string lets the freshness window govern recomputation.
func HashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// ParseFile returns cached markdown for identical bytes, invoking extract only
// on a miss.
func (c *Cache) ParseFile(ctx context.Context, filename string, data []byte, extract Extractor) (Result, error) {
	return c.lookupOrCompute(ctx, store.ParseCacheEntry{
		ContentHash:      HashBytes(data),
		SourceType:       SourceFile,
		OriginalFilename: filename,
		FileSize:         int64(len(data)),
	}, extract)
}

// ParseURL returns cached markdown for the URL while the entry is fresh; past
// the window the hit is treated as a miss and the row is overwritten in place.
func (c *Cache) ParseURL(ctx context.Context, url string, extract Extractor) (Result, error) {
	return c.lookupOrCompute(ctx, store.ParseCacheEntry{
		ContentHash: HashURL(url),
		SourceType:  SourceURL,
		OriginalFilename: url,
	}, extract)
}

func (c *Cache) lookupOrCompute(ctx context.Context, entry store.ParseCacheEntry, extract Extractor) (Result, error) {
	cached, err := c.store.GetParseEntry(ctx, entry.ContentHash)
	switch {
	case err == nil:
		if !c.expired(cached) {
			return Result{
				Markdown: NormalizeMarkdown(cached.Markdown),
				Source:   cached.SourceType,
				Cached:   true,
			}, nil
		}
	case errors.Is(err, sql.ErrNoRows):
		// miss
	default:
		return Result{}, fmt.Errorf("parse cache lookup: %w", err)
	}

	markdown, err := extract(ctx)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(markdown) == "" {
		return Result{}, ErrEmptyExtraction
	}
	markdown = NormalizeMarkdown(markdown)

	entry.Markdown = markdown
	if err := c.store.UpsertParseEntry(ctx, entry); err != nil {
		return Result{}, fmt.Errorf("parse cache store: %w", err)
	}
	return Result{Markdown: markdown, Source: entry.SourceType, Cached: false}, nil
}

// expired reports whether a hit should be recomputed. Only URL entries age
// out.
func (c *Cache) expired(entry store.ParseCacheEntry) bool {
	if entry.SourceType != SourceURL {
		return false
	}
	return c.now().Sub(entry.CreatedAt) > c.urlTTL
}
