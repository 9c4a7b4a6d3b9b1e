// Package webdav mounts the shares as a WebDAV tree. Authorization is
// decided once at the adapter boundary by mapping the HTTP method onto
// the permission model; the filesystem below only routes paths and
// filters listings.
package webdav

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/webdav"

	"github.com/chfs-io/chfs/internal/auth"
	"github.com/chfs-io/chfs/internal/config"
	"github.com/chfs-io/chfs/internal/ipfilter"
	"github.com/chfs-io/chfs/internal/metrics"
	"github.com/chfs-io/chfs/internal/quota"
	"github.com/chfs-io/chfs/internal/rules"
)

// Handler serves the WebDAV surface under a mount prefix.
type Handler struct {
	handler   http.Handler
	getter    config.Getter
	evaluator *rules.Evaluator
	metrics   *metrics.Collector
	prefix    string
	logger    *slog.Logger
}

// NewHandler creates the WebDAV handler mounted at prefix.
func NewHandler(
	prefix string,
	getter config.Getter,
	evaluator *rules.Evaluator,
	quotaManager *quota.Manager,
	collector *metrics.Collector,
) *Handler {
	prefix = "/" + strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "/" {
		prefix = ""
	}

	h := &Handler{
		getter:    getter,
		evaluator: evaluator,
		metrics:   collector,
		prefix:    prefix,
		logger:    slog.Default(),
	}

	davHandler := &webdav.Handler{
		FileSystem: newShareFS(getter, evaluator, quotaManager),
		LockSystem: webdav.NewMemLS(),
		Prefix:     prefix,
		Logger: func(r *http.Request, err error) {
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Debug("WebDAV error", "method", r.Method, "path", r.URL.Path, "err", err)
			}
		},
	}

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := auth.PrincipalFrom(r.Context())
		if user == nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="chfs WebDAV"`)
			http.Error(w, "401 Unauthorized", http.StatusUnauthorized)
			return
		}

		ip := ipfilter.ClientIP(r)
		r = r.WithContext(withClientIP(r.Context(), ip))

		if !h.authorized(r, user, ip) {
			http.Error(w, "403 Forbidden", http.StatusForbidden)
			return
		}

		w.Header().Set("Accept-Ranges", "bytes")
		cw := &countingWriter{ResponseWriter: w, status: http.StatusOK}
		davHandler.ServeHTTP(cw, r)

		h.metrics.DAVRequest(cw.status >= http.StatusBadRequest)
		switch r.Method {
		case http.MethodGet:
			h.metrics.AddDownloadBytes(cw.bytes)
		case http.MethodPut:
			if r.ContentLength > 0 {
				h.metrics.AddUploadBytes(r.ContentLength)
			}
		}
	})

	mux := http.NewServeMux()
	if prefix == "" {
		mux.Handle("/", inner)
	} else {
		mux.Handle(prefix, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, prefix+"/", http.StatusMovedPermanently)
		}))
		mux.Handle(prefix+"/", inner)
	}
	h.handler = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// davCheck is one (permission, path) requirement for a request.
type davCheck struct {
	op   config.Permission
	path string
}

// authorized maps the request method onto permission checks and runs
// each through the rule evaluator. MOVE needs delete on the source and
// write on the destination; COPY needs read and write.
func (h *Handler) authorized(r *http.Request, user *config.UserConfig, ip string) bool {
	davPath := h.stripPrefix(r.URL.Path)

	var checks []davCheck
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, "PROPFIND":
		checks = []davCheck{{config.PermRead, davPath}}
	case http.MethodPut, "MKCOL", "PROPPATCH", "LOCK", "UNLOCK":
		checks = []davCheck{{config.PermWrite, davPath}}
	case http.MethodDelete:
		checks = []davCheck{{config.PermDelete, davPath}}
	case "MOVE", "COPY":
		dest, ok := h.destinationPath(r)
		if !ok {
			return false
		}
		srcOp := config.PermDelete
		if r.Method == "COPY" {
			srcOp = config.PermRead
		}
		checks = []davCheck{{srcOp, davPath}, {config.PermWrite, dest}}
	default:
		return false
	}

	for _, check := range checks {
		share, rel := splitPath(check.path)
		if share == "" {
			// The virtual root is readable by any principal; writes
			// against it are rejected.
			if check.op == config.PermRead {
				continue
			}
			return false
		}
		// Shares are created by configuration, not by WebDAV clients:
		// mutations addressing a share root itself are rejected.
		if rel == "" && check.op != config.PermRead {
			return false
		}
		allowed, reason := h.evaluator.Evaluate(user, check.op, share, rel, ip)
		if !allowed {
			h.logger.Debug("WebDAV access denied",
				"user", user.Name, "op", string(check.op), "share", share, "path", rel, "reason", reason)
			return false
		}
	}
	return true
}

// stripPrefix removes the mount prefix from a request path.
func (h *Handler) stripPrefix(p string) string {
	if h.prefix != "" {
		p = strings.TrimPrefix(p, h.prefix)
	}
	if p == "" {
		p = "/"
	}
	return p
}

// destinationPath extracts the Destination header as a mount-relative
// path.
func (h *Handler) destinationPath(r *http.Request) (string, bool) {
	raw := r.Header.Get("Destination")
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	p := u.Path
	if h.prefix != "" && !strings.HasPrefix(p, h.prefix) {
		return "", false
	}
	return h.stripPrefix(p), true
}

// countingWriter captures the status and body size for metrics.
type countingWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (cw *countingWriter) WriteHeader(code int) {
	cw.status = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *countingWriter) Write(b []byte) (int, error) {
	n, err := cw.ResponseWriter.Write(b)
	cw.bytes += int64(n)
	return n, err
}
