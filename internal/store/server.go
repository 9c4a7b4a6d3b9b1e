package store

import (
	"log/slog"
	"sync"
)

type serverDocument struct {
	CustomURLs []string `json:"custom_urls"`
}

// ServerStore persists server-level runtime settings in server.json.
type ServerStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewServerStore creates a store backed by the given file path.
func NewServerStore(path string) *ServerStore {
	return &ServerStore{path: path, logger: slog.Default()}
}

// CustomURLs returns the configured custom URL list.
func (s *ServerStore) CustomURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc serverDocument
	if _, err := readJSON(s.path, &doc); err != nil {
		s.logger.Error("Failed to load server store, starting empty", "path", s.path, "err", err)
		return nil
	}
	return doc.CustomURLs
}

// SetCustomURLs replaces the custom URL list.
func (s *ServerStore) SetCustomURLs(urls []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.path, serverDocument{CustomURLs: urls})
}
