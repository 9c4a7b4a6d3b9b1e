package store

import (
	"fmt"
	"log/slog"
	"sync"
)

// UserRecord is a dynamically registered user together with the rules
// synthesized at registration time.
type UserRecord struct {
	Name     string       `json:"name"`
	PassHash string       `json:"pass_hash"`
	IsBcrypt bool         `json:"is_bcrypt"`
	Rules    []RuleRecord `json:"rules"`
}

// RuleRecord mirrors a config rule for persistence.
type RuleRecord struct {
	Allow   []string `json:"allow"`
	Roots   []string `json:"roots"`
	Paths   []string `json:"paths"`
	IPAllow []string `json:"ip_allow"`
	IPDeny  []string `json:"ip_deny"`
}

type userDocument struct {
	Users []UserRecord `json:"users"`
}

// UserStore persists dynamic users in users.json.
type UserStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewUserStore creates a store backed by the given file path.
func NewUserStore(path string) *UserStore {
	return &UserStore{path: path, logger: slog.Default()}
}

// Load returns all dynamic user records. A missing or unparseable file
// yields an empty store.
func (s *UserStore) Load() []UserRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *UserStore) loadLocked() []UserRecord {
	var doc userDocument
	if _, err := readJSON(s.path, &doc); err != nil {
		s.logger.Error("Failed to load dynamic user store, starting empty", "path", s.path, "err", err)
		return nil
	}
	return doc.Users
}

// Add appends a new user record. Fails if the name is already present.
func (s *UserStore) Add(rec UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.loadLocked()
	for _, u := range users {
		if u.Name == rec.Name {
			return fmt.Errorf("user %q already exists", rec.Name)
		}
	}
	users = append(users, rec)
	return writeJSON(s.path, userDocument{Users: users})
}

// Remove deletes a user record and its rules. Returns false if the user
// was not present.
func (s *UserStore) Remove(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.loadLocked()
	kept := users[:0]
	removed := false
	for _, u := range users {
		if u.Name == name {
			removed = true
			continue
		}
		kept = append(kept, u)
	}
	if !removed {
		return false, nil
	}
	return true, writeJSON(s.path, userDocument{Users: kept})
}
