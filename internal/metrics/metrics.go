// Package metrics collects server-wide counters. Counters are exported
// two ways: a Prometheus registry served on /metrics and a JSON
// snapshot embedded in the admin status payload.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot is a consistent copy of all counters.
type Snapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	Requests      struct {
		Total           int64            `json:"total"`
		Active          int64            `json:"active"`
		ByMethod        map[string]int64 `json:"by_method"`
		ByStatus        map[string]int64 `json:"by_status"`
		AvgResponseTime float64          `json:"avg_response_time"`
	} `json:"requests"`
	Transfer struct {
		UploadBytes   int64 `json:"upload_bytes"`
		DownloadBytes int64 `json:"download_bytes"`
	} `json:"transfer"`
	Errors struct {
		Total         int64 `json:"total"`
		AuthFailures  int64 `json:"auth_failures"`
		RateLimitHits int64 `json:"rate_limit_hits"`
	} `json:"errors"`
	WebDAV struct {
		Requests int64 `json:"requests"`
		Errors   int64 `json:"errors"`
	} `json:"webdav"`
}

// Collector is a thread-safe metrics sink.
type Collector struct {
	registry *prometheus.Registry

	promRequests      *prometheus.CounterVec
	promStatuses      *prometheus.CounterVec
	promActive        prometheus.Gauge
	promUploadBytes   prometheus.Counter
	promDownloadBytes prometheus.Counter
	promErrors        prometheus.Counter
	promAuthFailures  prometheus.Counter
	promRateLimitHits prometheus.Counter
	promDuration      prometheus.Histogram
	promDAVRequests   prometheus.Counter
	promDAVErrors     prometheus.Counter

	mu            sync.Mutex
	startedAt     time.Time
	totalRequests int64
	active        int64
	byMethod      map[string]int64
	byStatus      map[string]int64
	totalDuration time.Duration
	uploadBytes   int64
	downloadBytes int64
	errors        int64
	authFailures  int64
	rateLimitHits int64
	davRequests   int64
	davErrors     int64
}

// NewCollector creates a collector with its own Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startedAt: time.Now(),
		byMethod:  make(map[string]int64),
		byStatus:  make(map[string]int64),
	}

	c.promRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chfs_http_requests_total",
		Help: "Total HTTP requests by method.",
	}, []string{"method"})
	c.promStatuses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chfs_http_responses_total",
		Help: "Total HTTP responses by status code.",
	}, []string{"code"})
	c.promActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chfs_http_requests_in_flight",
		Help: "Requests currently being served.",
	})
	c.promUploadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chfs_upload_bytes_total",
		Help: "Total bytes received through uploads.",
	})
	c.promDownloadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chfs_download_bytes_total",
		Help: "Total bytes served through downloads.",
	})
	c.promErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chfs_errors_total",
		Help: "Total requests that ended in a server error.",
	})
	c.promAuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chfs_auth_failures_total",
		Help: "Total failed authentication attempts.",
	})
	c.promRateLimitHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chfs_rate_limit_hits_total",
		Help: "Total requests rejected by rate limiting or the concurrency cap.",
	})
	c.promDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chfs_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: []float64{.005, .025, .1, .25, 1, 2.5, 10},
	})
	c.promDAVRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chfs_webdav_requests_total",
		Help: "Total WebDAV requests.",
	})
	c.promDAVErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chfs_webdav_errors_total",
		Help: "Total WebDAV requests that ended in an error.",
	})

	c.registry.MustRegister(
		c.promRequests, c.promStatuses, c.promActive,
		c.promUploadBytes, c.promDownloadBytes,
		c.promErrors, c.promAuthFailures, c.promRateLimitHits,
		c.promDuration, c.promDAVRequests, c.promDAVErrors,
	)

	return c
}

// Handler serves the collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RequestStarted records an inbound request. The caller must pair it
// with RequestFinished.
func (c *Collector) RequestStarted(method string) {
	c.promRequests.WithLabelValues(method).Inc()
	c.promActive.Inc()

	c.mu.Lock()
	c.totalRequests++
	c.active++
	c.byMethod[method]++
	c.mu.Unlock()
}

// RequestFinished records the response status and latency for a
// request previously passed to RequestStarted.
func (c *Collector) RequestFinished(status int, elapsed time.Duration) {
	c.promStatuses.WithLabelValues(strconv.Itoa(status)).Inc()
	c.promActive.Dec()
	c.promDuration.Observe(elapsed.Seconds())

	c.mu.Lock()
	if c.active > 0 {
		c.active--
	}
	c.byStatus[strconv.Itoa(status)]++
	c.totalDuration += elapsed
	c.mu.Unlock()
}

// AddUploadBytes tallies bytes received in an upload.
func (c *Collector) AddUploadBytes(n int64) {
	if n <= 0 {
		return
	}
	c.promUploadBytes.Add(float64(n))
	c.mu.Lock()
	c.uploadBytes += n
	c.mu.Unlock()
}

// AddDownloadBytes tallies bytes served in a download.
func (c *Collector) AddDownloadBytes(n int64) {
	if n <= 0 {
		return
	}
	c.promDownloadBytes.Add(float64(n))
	c.mu.Lock()
	c.downloadBytes += n
	c.mu.Unlock()
}

// ErrorOccurred counts a request that ended in a server error.
func (c *Collector) ErrorOccurred() {
	c.promErrors.Inc()
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// AuthFailed counts a failed authentication attempt.
func (c *Collector) AuthFailed() {
	c.promAuthFailures.Inc()
	c.mu.Lock()
	c.authFailures++
	c.mu.Unlock()
}

// RateLimited counts a request rejected by the rate limiter or the
// concurrency cap.
func (c *Collector) RateLimited() {
	c.promRateLimitHits.Inc()
	c.mu.Lock()
	c.rateLimitHits++
	c.mu.Unlock()
}

// DAVRequest counts a WebDAV request; failed marks an error response.
func (c *Collector) DAVRequest(failed bool) {
	c.promDAVRequests.Inc()
	if failed {
		c.promDAVErrors.Inc()
	}
	c.mu.Lock()
	c.davRequests++
	if failed {
		c.davErrors++
	}
	c.mu.Unlock()
}

// Snapshot returns a consistent copy of all counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s Snapshot
	s.UptimeSeconds = time.Since(c.startedAt).Seconds()
	s.Requests.Total = c.totalRequests
	s.Requests.Active = c.active
	s.Requests.ByMethod = make(map[string]int64, len(c.byMethod))
	for k, v := range c.byMethod {
		s.Requests.ByMethod[k] = v
	}
	s.Requests.ByStatus = make(map[string]int64, len(c.byStatus))
	for k, v := range c.byStatus {
		s.Requests.ByStatus[k] = v
	}
	if c.totalRequests > 0 {
		s.Requests.AvgResponseTime = c.totalDuration.Seconds() / float64(c.totalRequests)
	}
	s.Transfer.UploadBytes = c.uploadBytes
	s.Transfer.DownloadBytes = c.downloadBytes
	s.Errors.Total = c.errors
	s.Errors.AuthFailures = c.authFailures
	s.Errors.RateLimitHits = c.rateLimitHits
	s.WebDAV.Requests = c.davRequests
	s.WebDAV.Errors = c.davErrors
	return s
}
