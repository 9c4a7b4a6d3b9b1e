package store

import (
	"log/slog"
	"sync"
)

// ShareOverride carries runtime-adjustable share settings.
type ShareOverride struct {
	QuotaBytes int64 `json:"quota_bytes"`
}

type shareDocument struct {
	Shares map[string]ShareOverride `json:"shares"`
}

// ShareStore persists per-share quota overrides in shares.json.
type ShareStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewShareStore creates a store backed by the given file path.
func NewShareStore(path string) *ShareStore {
	return &ShareStore{path: path, logger: slog.Default()}
}

// Load returns the current overrides keyed by share name.
func (s *ShareStore) Load() map[string]ShareOverride {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *ShareStore) loadLocked() map[string]ShareOverride {
	doc := shareDocument{Shares: map[string]ShareOverride{}}
	if _, err := readJSON(s.path, &doc); err != nil {
		s.logger.Error("Failed to load share override store, starting empty", "path", s.path, "err", err)
		return map[string]ShareOverride{}
	}
	if doc.Shares == nil {
		doc.Shares = map[string]ShareOverride{}
	}
	return doc.Shares
}

// SetQuota records a quota override for a share. quotaBytes <= 0 clears
// the override.
func (s *ShareStore) SetQuota(name string, quotaBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	shares := s.loadLocked()
	if quotaBytes <= 0 {
		delete(shares, name)
	} else {
		shares[name] = ShareOverride{QuotaBytes: quotaBytes}
	}
	return writeJSON(s.path, shareDocument{Shares: shares})
}
