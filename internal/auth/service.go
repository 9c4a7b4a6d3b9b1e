// Package auth implements Basic authentication against the configured
// user set.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/chfs-io/chfs/internal/config"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/bcrypt"
)

type contextKey int

const principalKey contextKey = iota

// Service authenticates Basic credentials. Successful bcrypt
// verifications are cached so repeated requests with the same header
// do not pay the hash cost every time.
type Service struct {
	getter config.Getter
	cache  *lru.Cache[[32]byte, bool]
	logger *slog.Logger
}

// NewService creates an auth service reading users through getter.
func NewService(getter config.Getter) *Service {
	cache, _ := lru.New[[32]byte, bool](1024)
	return &Service{
		getter: getter,
		cache:  cache,
		logger: slog.Default(),
	}
}

// Authenticate verifies a username/password pair and returns the
// principal, or nil when the credentials do not match any user.
func (s *Service) Authenticate(username, password string) *config.UserConfig {
	cfg := s.getter()
	if cfg == nil {
		return nil
	}

	user := cfg.GetUser(username)
	if user == nil {
		return nil
	}

	if !s.verify(user, password) {
		s.logger.Warn("Authentication failed", "user", username)
		return nil
	}

	return user
}

func (s *Service) verify(user *config.UserConfig, password string) bool {
	if !user.IsBcrypt {
		return subtle.ConstantTimeCompare([]byte(user.PassHash), []byte(password)) == 1
	}

	key := sha256.Sum256([]byte(user.Name + "\x00" + user.PassHash + "\x00" + password))
	if ok, cached := s.cache.Get(key); cached {
		return ok
	}

	ok := bcrypt.CompareHashAndPassword([]byte(user.PassHash), []byte(password)) == nil
	s.cache.Add(key, ok)
	return ok
}

// FromRequest resolves the principal from a request's Authorization
// header, or nil if absent or invalid.
func (s *Service) FromRequest(r *http.Request) *config.UserConfig {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil
	}
	return s.Authenticate(username, password)
}

// HashPassword hashes a password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// WithPrincipal attaches an authenticated principal to a context.
func WithPrincipal(ctx context.Context, user *config.UserConfig) context.Context {
	return context.WithValue(ctx, principalKey, user)
}

// PrincipalFrom returns the principal attached to a context, or nil.
func PrincipalFrom(ctx context.Context) *config.UserConfig {
	user, _ := ctx.Value(principalKey).(*config.UserConfig)
	return user
}
