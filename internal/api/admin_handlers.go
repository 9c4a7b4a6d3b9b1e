package api

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// handleAdminStatus returns the aggregated server snapshot: bind
// settings, shares with quota state, user counts and the metrics
// counters.
func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	user := s.requireLocalAdmin(w, r)
	if user == nil {
		return
	}

	cfg := s.getter()
	if cfg == nil {
		WriteError(w, http.StatusInternalServerError, "configuration not loaded")
		return
	}

	shares := make([]map[string]any, 0, len(cfg.Shares))
	for _, share := range cfg.Shares {
		usage, err := s.quota.Usage(r.Context(), share, false)
		if err != nil {
			usage = 0
		}
		shares = append(shares, map[string]any{
			"name":        share.Name,
			"path":        share.Path,
			"quota_bytes": share.QuotaBytes,
			"used_bytes":  usage,
			"quota":       s.quota.Describe(share, usage),
		})
	}

	dynamic := s.manager.DynamicUsers()
	WriteSuccess(w, map[string]any{
		"server": map[string]any{
			"host":                 cfg.Server.Addr,
			"port":                 cfg.Server.Port,
			"uptime_seconds":       time.Since(s.startTime).Seconds(),
			"config_file":          s.manager.ConfigFile(),
			"custom_urls":          cfg.CustomURLs,
			"dav_enabled":          cfg.DAVEnabled(),
			"registration_enabled": cfg.RegistrationEnabled(),
		},
		"shares": shares,
		"users": map[string]any{
			"total":   len(cfg.Users),
			"dynamic": dynamic,
		},
		"metrics": s.metrics.Snapshot(),
	})
}

type quotaRequest struct {
	Quota      *int64 `json:"quota"`
	QuotaBytes *int64 `json:"quotaBytes"`
}

// handleAdminSetQuota sets or clears a per-share quota override. Zero
// or a missing value clears it.
func (s *Server) handleAdminSetQuota(w http.ResponseWriter, r *http.Request) {
	user := s.requireLocalAdmin(w, r)
	if user == nil {
		return
	}

	name := r.PathValue("name")
	var req quotaRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var value int64
	switch {
	case req.QuotaBytes != nil:
		value = *req.QuotaBytes
	case req.Quota != nil:
		value = *req.Quota
	}
	if value < 0 {
		WriteError(w, http.StatusBadRequest, "quota must not be negative")
		return
	}

	if err := s.manager.SetShareQuota(name, value); err != nil {
		WriteError(w, http.StatusNotFound, "share not found")
		return
	}
	WriteSuccess(w, map[string]any{
		"name":        name,
		"quota_bytes": value,
	})
}

type customURLsRequest struct {
	URLs []string `json:"urls"`
}

// handleAdminCustomURLs replaces the advertised server URL list.
func (s *Server) handleAdminCustomURLs(w http.ResponseWriter, r *http.Request) {
	user := s.requireLocalAdmin(w, r)
	if user == nil {
		return
	}

	var req customURLsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	seen := make(map[string]bool)
	urls := make([]string, 0, len(req.URLs))
	for _, raw := range req.URLs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			WriteError(w, http.StatusBadRequest, "urls must be absolute http or https URLs")
			return
		}
		if seen[raw] {
			continue
		}
		seen[raw] = true
		urls = append(urls, raw)
	}

	if err := s.manager.SetCustomURLs(urls); err != nil {
		s.logger.Error("Failed to persist custom URLs", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	WriteSuccess(w, map[string]any{"urls": urls})
}

// handleAdminListUsers lists all users with their dynamic flag.
func (s *Server) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	user := s.requireLocalAdmin(w, r)
	if user == nil {
		return
	}

	cfg := s.getter()
	users := make([]map[string]any, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		users = append(users, map[string]any{
			"name":    u.Name,
			"dynamic": u.Dynamic,
		})
	}
	WriteSuccess(w, map[string]any{"users": users})
}

// handleAdminDeleteUser removes a dynamic user and their rules. The
// admin cannot remove themselves, and static users cannot be removed.
func (s *Server) handleAdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	user := s.requireLocalAdmin(w, r)
	if user == nil {
		return
	}

	name := r.PathValue("username")
	if name == user.Name {
		WriteError(w, http.StatusBadRequest, "cannot remove the current user")
		return
	}

	removed, err := s.manager.RemoveDynamicUser(name)
	if err != nil {
		s.logger.Error("Failed to remove user", "username", name, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !removed {
		WriteError(w, http.StatusNotFound, "dynamic user not found")
		return
	}

	s.logger.Info("Removed dynamic user", "username", name, "by", user.Name)
	WriteSuccess(w, map[string]any{"removed": name})
}
