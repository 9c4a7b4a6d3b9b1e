// Package api exposes the JSON HTTP surface. Every response is wrapped
// in the {code, msg, data} envelope; authorization goes through the
// rule evaluator before any storage mutation.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/chfs-io/chfs/internal/auth"
	"github.com/chfs-io/chfs/internal/config"
	"github.com/chfs-io/chfs/internal/ipfilter"
	"github.com/chfs-io/chfs/internal/metrics"
	"github.com/chfs-io/chfs/internal/quota"
	"github.com/chfs-io/chfs/internal/rules"
	"github.com/chfs-io/chfs/internal/storage"
	"github.com/chfs-io/chfs/internal/transfer"
)

// Config represents API server configuration
type Config struct {
	Prefix string // API path prefix (default: "/api")
}

// DefaultConfig returns default API configuration
func DefaultConfig() *Config {
	return &Config{
		Prefix: "/api",
	}
}

// Server registers the API routes and holds their dependencies.
type Server struct {
	config    *Config
	manager   *config.Manager
	getter    config.Getter
	gateway   *storage.Gateway
	evaluator *rules.Evaluator
	quota     *quota.Manager
	transfers *transfer.Store
	metrics   *metrics.Collector
	logger    *slog.Logger
	startTime time.Time
	mux       *http.ServeMux
}

// NewServer creates an API server that registers routes on the
// provided mux.
func NewServer(
	cfg *Config,
	manager *config.Manager,
	gateway *storage.Gateway,
	evaluator *rules.Evaluator,
	quotaManager *quota.Manager,
	transfers *transfer.Store,
	collector *metrics.Collector,
	mux *http.ServeMux,
) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	server := &Server{
		config:    cfg,
		manager:   manager,
		getter:    manager.GetConfigGetter(),
		gateway:   gateway,
		evaluator: evaluator,
		quota:     quotaManager,
		transfers: transfers,
		metrics:   collector,
		logger:    slog.Default(),
		startTime: time.Now(),
		mux:       mux,
	}

	server.setupRoutes()
	return server
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	apiMux := http.NewServeMux()

	// Session and file endpoints
	apiMux.HandleFunc("GET /session", s.handleSession)
	apiMux.HandleFunc("GET /list", s.handleList)
	apiMux.HandleFunc("POST /upload", s.handleUpload)
	apiMux.HandleFunc("POST /mkdir", s.handleMkdir)
	apiMux.HandleFunc("POST /rename", s.handleRename)
	apiMux.HandleFunc("POST /delete", s.handleDelete)
	apiMux.HandleFunc("GET /download", s.handleDownload)

	// Registration
	apiMux.HandleFunc("POST /register", s.handleRegister)

	// Admin endpoints (loopback only)
	apiMux.HandleFunc("GET /admin/status", s.handleAdminStatus)
	apiMux.HandleFunc("PUT /admin/shares/{name}/quota", s.handleAdminSetQuota)
	apiMux.HandleFunc("PUT /admin/server/custom-urls", s.handleAdminCustomURLs)
	apiMux.HandleFunc("GET /admin/users", s.handleAdminListUsers)
	apiMux.HandleFunc("DELETE /admin/users/{username}", s.handleAdminDeleteUser)

	// Direct transfer
	apiMux.HandleFunc("GET /direct-transfer/recipients", s.handleTransferRecipients)
	apiMux.HandleFunc("POST /direct-transfer/send", s.handleTransferSend)
	apiMux.HandleFunc("GET /direct-transfer/list", s.handleTransferList)
	apiMux.HandleFunc("GET /direct-transfer/download/{id}", s.handleTransferDownload)
	apiMux.HandleFunc("DELETE /direct-transfer/{id}", s.handleTransferDelete)

	s.mux.Handle(s.config.Prefix+"/", http.StripPrefix(s.config.Prefix, apiMux))
}

// requirePrincipal returns the authenticated user or writes a 401.
func (s *Server) requirePrincipal(w http.ResponseWriter, r *http.Request) *config.UserConfig {
	user := auth.PrincipalFrom(r.Context())
	if user == nil {
		WriteUnauthorized(w)
		return nil
	}
	return user
}

// requireLocalAdmin returns the authenticated user when the request
// originates from a loopback address, or writes the rejection.
func (s *Server) requireLocalAdmin(w http.ResponseWriter, r *http.Request) *config.UserConfig {
	user := s.requirePrincipal(w, r)
	if user == nil {
		return nil
	}
	if !ipfilter.IsLoopback(ipfilter.ClientIP(r)) {
		WriteError(w, http.StatusForbidden, "admin endpoints require local access")
		return nil
	}
	return user
}

// authorize runs the rule evaluator and writes the rejection on
// denial.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, user *config.UserConfig, op config.Permission, root, rel string) bool {
	allowed, reason := s.evaluator.Evaluate(user, op, root, rel, ipfilter.ClientIP(r))
	if allowed {
		return true
	}
	if reason == rules.ReasonAuthRequired {
		WriteUnauthorized(w)
		return false
	}
	s.logger.Debug("Access denied", "user", user.Name, "op", string(op), "root", root, "path", rel, "reason", reason)
	WriteError(w, http.StatusForbidden, "forbidden")
	return false
}
