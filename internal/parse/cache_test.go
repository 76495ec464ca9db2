package parse

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"marginalia/internal/store"
)

type fakeCacheStore struct {
	entries map[string]store.ParseCacheEntry
	upserts int
}

func newFakeCacheStore() *fakeCacheStore {
	return &fakeCacheStore{entries: make(map[string]store.ParseCacheEntry)}
}

func (f *fakeCacheStore) GetParseEntry(_ context.Context, contentHash string) (store.ParseCacheEntry, error) {
	entry, ok := f.entries[contentHash]
	if !ok {
		return store.ParseCacheEntry{}, sql.ErrNoRows
	}
	return entry, nil
}

func (f *fakeCacheStore) UpsertParseEntry(_ context.Context, entry store.ParseCacheEntry) error {
	f.upserts++
	entry.CreatedAt = time.Now()
	f.entries[entry.ContentHash] = entry
	return nil
}

func countingExtractor(markdown string) (Extractor, *int) {
	calls := new(int)
	return func(context.Context) (string, error) {
		*calls++
		return markdown, nil
	}, calls
}

func TestParseFileCachesByContent(t *testing.T) {
	cache := NewCache(newFakeCacheStore(), 0)
	extract, calls := countingExtractor("# Extracted")
	ctx := context.Background()
	data := []byte("raw pdf bytes")

	first, err := cache.ParseFile(ctx, "doc.pdf", data, extract)
	if err != nil {
		t.Fatalf("first parse: %v", err)
	}
	if first.Cached {
		t.Fatal("first parse must be a miss")
	}

	second, err := cache.ParseFile(ctx, "renamed.pdf", data, extract)
	if err != nil {
		t.Fatalf("second parse: %v", err)
	}
	if !second.Cached {
		t.Fatal("identical bytes must hit the cache")
	}
	if second.Markdown != "# Extracted" {
		t.Fatalf("unexpected markdown %q", second.Markdown)
	}
	if *calls != 1 {
		t.Fatalf("extractor called %d times, want 1", *calls)
	}
}

func TestParseURLFreshnessWindow(t *testing.T) {
	fs := newFakeCacheStore()
	cache := NewCache(fs, time.Hour)
	extract, calls := countingExtractor("# Page")
	ctx := context.Background()

	if _, err := cache.ParseURL(ctx, "https://example.com/a", extract); err != nil {
		t.Fatalf("first parse: %v", err)
	}
	result, err := cache.ParseURL(ctx, "https://example.com/a", extract)
	if err != nil {
		t.Fatalf("second parse: %v", err)
	}
	if !result.Cached || *calls != 1 {
		t.Fatalf("fresh URL entry must hit; cached=%v calls=%d", result.Cached, *calls)
	}

	// Age the entry past the window.
	entry := fs.entries[HashURL("https://example.com/a")]
	entry.CreatedAt = time.Now().Add(-2 * time.Hour)
	fs.entries[entry.ContentHash] = entry

	stale, err := cache.ParseURL(ctx, "https://example.com/a", extract)
	if err != nil {
		t.Fatalf("stale parse: %v", err)
	}
	if stale.Cached {
		t.Fatal("stale URL entry must be treated as a miss")
	}
	if *calls != 2 {
		t.Fatalf("extractor called %d times, want 2", *calls)
	}
	if len(fs.entries) != 1 {
		t.Fatalf("stale entry must be overwritten, not duplicated; have %d rows", len(fs.entries))
	}
}

func TestFileEntriesNeverExpire(t *testing.T) {
	fs := newFakeCacheStore()
	cache := NewCache(fs, time.Hour)
	extract, calls := countingExtractor("# File")
	ctx := context.Background()
	data := []byte("bytes")

	if _, err := cache.ParseFile(ctx, "a.txt", data, extract); err != nil {
		t.Fatalf("first parse: %v", err)
	}
	entry := fs.entries[HashBytes(data)]
	entry.CreatedAt = time.Now().Add(-24 * 365 * time.Hour)
	fs.entries[entry.ContentHash] = entry

	result, err := cache.ParseFile(ctx, "a.txt", data, extract)
	if err != nil {
		t.Fatalf("second parse: %v", err)
	}
	if !result.Cached || *calls != 1 {
		t.Fatalf("file entries must never age out; cached=%v calls=%d", result.Cached, *calls)
	}
}

func TestEmptyExtractionIsTerminalAndUncached(t *testing.T) {
	fs := newFakeCacheStore()
	cache := NewCache(fs, 0)
	extract := func(context.Context) (string, error) { return "   \n\t", nil }

	_, err := cache.ParseURL(context.Background(), "https://example.com/empty", extract)
	if !errors.Is(err, ErrEmptyExtraction) {
		t.Fatalf("expected ErrEmptyExtraction, got %v", err)
	}
	if fs.upserts != 0 {
		t.Fatal("empty results must never be cached")
	}
}

func TestExtractionErrorPropagates(t *testing.T) {
	fs := newFakeCacheStore()
	cache := NewCache(fs, 0)
	boom := errors.New("upstream exploded")
	extract := func(context.Context) (string, error) { return "", boom }

	_, err := cache.ParseURL(context.Background(), "https://example.com/boom", extract)
	if !errors.Is(err, boom) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if fs.upserts != 0 {
		t.Fatal("failed extractions must never be cached")
	}
}

func TestCacheHitIsRenormalized(t *testing.T) {
	fs := newFakeCacheStore()
	cache := NewCache(fs, 0)
	// Simulate an entry written before the separator filter existed.
	raw := "| A |\n| --- |\n| --- |\n| 1 |"
	hash := HashBytes([]byte("old"))
	fs.entries[hash] = store.ParseCacheEntry{
		ContentHash: hash,
		Markdown:    raw,
		SourceType:  SourceFile,
		CreatedAt:   time.Now(),
	}

	extract, calls := countingExtractor("unused")
	result, err := cache.ParseFile(context.Background(), "old.md", []byte("old"), extract)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if *calls != 0 {
		t.Fatal("hit must not invoke the extractor")
	}
	if result.Markdown != NormalizeMarkdown(raw) {
		t.Fatalf("hit must be re-normalized, got %q", result.Markdown)
	}
}

func TestHashURLUsesLiteralString(t *testing.T) {
	if HashURL("https://example.com") == HashBytes([]byte("anything else")) {
		t.Fatal("hash collision in test setup")
	}
	if HashURL("https://example.com") != HashBytes([]byte("https://example.com")) {
		t.Fatal("URL hashing must digest the literal URL string")
	}
}
