// Package middleware is the request admission pipeline. Wrapped
// handlers see only requests that passed the IP filter, the rate
// limiter and the concurrency cap, with the authenticated principal
// (if any) already on the context.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/chfs-io/chfs/internal/auth"
	"github.com/chfs-io/chfs/internal/config"
	"github.com/chfs-io/chfs/internal/ipfilter"
	"github.com/chfs-io/chfs/internal/metrics"
	"github.com/chfs-io/chfs/internal/slogutil"
)

// acquireGrace is how long a request waits for a concurrency slot
// before being rejected. Absorbs micro-bursts without queueing.
const acquireGrace = 100 * time.Millisecond

// Pipeline holds the shared admission state. The rate limiter and the
// semaphore are replaced wholesale when their limits change; requests
// already holding a slot drain through the semaphore they acquired.
type Pipeline struct {
	getter  config.Getter
	auth    *auth.Service
	metrics *metrics.Collector
	logger  *slog.Logger

	limiter atomic.Pointer[rate.Limiter]
	sem     atomic.Pointer[concurrencyGate]
}

// concurrencyGate pairs a semaphore with the limit it was built for.
type concurrencyGate struct {
	sem   *semaphore.Weighted
	limit int
}

// NewPipeline creates the admission pipeline from the current config.
func NewPipeline(getter config.Getter, authService *auth.Service, collector *metrics.Collector) *Pipeline {
	p := &Pipeline{
		getter:  getter,
		auth:    authService,
		metrics: collector,
		logger:  slog.Default(),
	}
	if cfg := getter(); cfg != nil {
		p.apply(cfg.RateLimit)
	} else {
		p.apply(config.DefaultConfig().RateLimit)
	}
	return p
}

// OnConfigChange is a config.ChangeCallback that rebuilds the limiter
// and the semaphore when their limits change.
func (p *Pipeline) OnConfigChange(oldConfig, newConfig *config.Config) {
	if oldConfig != nil && oldConfig.RateLimit == newConfig.RateLimit {
		return
	}
	p.apply(newConfig.RateLimit)
	p.logger.Info("Updated request limits",
		"rps", newConfig.RateLimit.RPS,
		"burst", newConfig.RateLimit.Burst,
		"max_concurrent", newConfig.RateLimit.MaxConcurrent)
}

func (p *Pipeline) apply(rl config.RateLimitConfig) {
	p.limiter.Store(rate.NewLimiter(rate.Limit(rl.RPS), rl.Burst))
	p.sem.Store(&concurrencyGate{
		sem:   semaphore.NewWeighted(int64(rl.MaxConcurrent)),
		limit: rl.MaxConcurrent,
	})
}

// Wrap applies the full pipeline around next, outermost first:
// metrics, access log, panic shield, IP filter, rate limit,
// concurrency cap, principal injection.
func (p *Pipeline) Wrap(next http.Handler) http.Handler {
	h := p.principal(next)
	h = p.concurrency(h)
	h = p.rateLimit(h)
	h = p.ipFilter(h)
	h = p.shield(h)
	h = p.accessLog(h)
	h = p.requestMetrics(h)
	return h
}

// openPaths bypass the IP filter so health checks and transfer claim
// links work from anywhere.
func openPath(path string) bool {
	if path == "/" || path == "/healthz" || path == "/metrics" {
		return true
	}
	return strings.HasPrefix(path, "/t/")
}

func (p *Pipeline) requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		p.metrics.RequestStarted(r.Method)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		p.metrics.RequestFinished(sw.status, time.Since(start))
		if sw.status >= http.StatusInternalServerError {
			p.metrics.ErrorOccurred()
		}
	})
}

// accessLog tags each request with an ID, carried on the context so
// every log line of the request includes it, and emits the access line.
func (p *Pipeline) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := uuid.NewString()
		r = r.WithContext(slogutil.With(r.Context(), "request_id", requestID))
		w.Header().Set("X-Request-ID", requestID)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		principal := ""
		if user := auth.PrincipalFrom(r.Context()); user != nil {
			principal = user.Name
		}
		p.logger.InfoContext(r.Context(), "Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"bytes", sw.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"principal", principal,
			"remote", ipfilter.ClientIP(r),
			"user_agent", r.UserAgent(),
		)
	})
}

func (p *Pipeline) shield(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				p.logger.Error("Panic recovered", "error", rec, "path", r.URL.Path)
				p.metrics.ErrorOccurred()
				writeEnvelope(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (p *Pipeline) ipFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if openPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		cfg := p.getter()
		if cfg != nil && (len(cfg.IPFilter.Allow) > 0 || len(cfg.IPFilter.Deny) > 0) {
			ip := ipfilter.ClientIP(r)
			if !ipfilter.Check(ip, cfg.IPFilter.Allow, cfg.IPFilter.Deny) {
				p.logger.Warn("Rejected by IP filter", "ip", ip, "path", r.URL.Path)
				writeEnvelope(w, http.StatusForbidden, "forbidden")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (p *Pipeline) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.limiter.Load().Allow() {
			p.metrics.RateLimited()
			w.Header().Set("Retry-After", "1")
			writeEnvelope(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (p *Pipeline) concurrency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gate := p.sem.Load()

		ctx, cancel := context.WithTimeout(r.Context(), acquireGrace)
		err := gate.sem.Acquire(ctx, 1)
		cancel()
		if err != nil {
			p.metrics.RateLimited()
			w.Header().Set("Retry-After", "1")
			writeEnvelope(w, http.StatusTooManyRequests, "server busy")
			return
		}
		defer gate.sem.Release(1)

		next.ServeHTTP(w, r)
	})
}

// principal resolves Basic credentials, if present, and attaches the
// principal to the context. Bad credentials do not reject here: each
// handler decides whether it requires a principal.
func (p *Pipeline) principal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if name, password, ok := r.BasicAuth(); ok {
			if user := p.auth.Authenticate(name, password); user != nil {
				r = r.WithContext(auth.WithPrincipal(r.Context(), user))
			} else {
				p.metrics.AuthFailed()
			}
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the status code and the body size.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += int64(n)
	return n, err
}

// writeEnvelope emits the uniform response envelope for rejections
// that happen before a handler runs.
func writeEnvelope(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code": status,
		"msg":  msg,
		"data": nil,
	})
}
