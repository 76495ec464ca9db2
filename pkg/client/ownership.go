package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// OwnershipRecord is what a device knows about a session it owns: the write
// secret and, for forks, the session it was branched from.
type OwnershipRecord struct {
	OwnerToken string `json:"ownerToken"`
	ForkedFrom string `json:"forkedFrom,omitempty"`
}

// OwnershipStore holds at most one record per session id. It is injected
// rather than ambient so callers control where ownership lives.
type OwnershipStore interface {
	Get(sessionID string) (OwnershipRecord, bool, error)
	Set(sessionID string, record OwnershipRecord) error
	// Scan visits every record until the callback returns false.
	Scan(visit func(sessionID string, record OwnershipRecord) bool) error
}

// MemoryOwnershipStore keeps records in process memory.
type MemoryOwnershipStore struct {
	mu      sync.Mutex
	records map[string]OwnershipRecord
}

func NewMemoryOwnershipStore() *MemoryOwnershipStore {
	return &MemoryOwnershipStore{records: make(map[string]OwnershipRecord)}
}

func (s *MemoryOwnershipStore) Get(sessionID string) (OwnershipRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[sessionID]
	return record, ok, nil
}

func (s *MemoryOwnershipStore) Set(sessionID string, record OwnershipRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[sessionID] = record
	return nil
}

func (s *MemoryOwnershipStore) Scan(visit func(string, OwnershipRecord) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sessionID, record := range s.records {
		if !visit(sessionID, record) {
			return nil
		}
	}
	return nil
}

// FileOwnershipStore persists records as one JSON file, written atomically via
// a temp file and rename.
type FileOwnershipStore struct {
	mu   sync.Mutex
	path string
}

func NewFileOwnershipStore(path string) *FileOwnershipStore {
	return &FileOwnershipStore{path: path}
}

func (s *FileOwnershipStore) Get(sessionID string) (OwnershipRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return OwnershipRecord{}, false, err
	}
	record, ok := records[sessionID]
	return record, ok, nil
}

func (s *FileOwnershipStore) Set(sessionID string, record OwnershipRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	records[sessionID] = record
	return s.save(records)
}

func (s *FileOwnershipStore) Scan(visit func(string, OwnershipRecord) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	for sessionID, record := range records {
		if !visit(sessionID, record) {
			return nil
		}
	}
	return nil
}

func (s *FileOwnershipStore) load() (map[string]OwnershipRecord, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string]OwnershipRecord), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ownership file: %w", err)
	}
	records := make(map[string]OwnershipRecord)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse ownership file: %w", err)
	}
	return records, nil
}

func (s *FileOwnershipStore) save(records map[string]OwnershipRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ownership file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".ownership-*")
	if err != nil {
		return fmt.Errorf("create temp ownership file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write ownership file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close ownership file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace ownership file: %w", err)
	}
	return nil
}
