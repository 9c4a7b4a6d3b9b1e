package metrics

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RequestLifecycle(t *testing.T) {
	c := NewCollector()

	c.RequestStarted("GET")
	c.RequestStarted("POST")

	s := c.Snapshot()
	assert.Equal(t, int64(2), s.Requests.Total)
	assert.Equal(t, int64(2), s.Requests.Active)
	assert.Equal(t, int64(1), s.Requests.ByMethod["GET"])
	assert.Equal(t, int64(1), s.Requests.ByMethod["POST"])

	c.RequestFinished(200, 10*time.Millisecond)
	c.RequestFinished(404, 30*time.Millisecond)

	s = c.Snapshot()
	assert.Equal(t, int64(0), s.Requests.Active)
	assert.Equal(t, int64(1), s.Requests.ByStatus["200"])
	assert.Equal(t, int64(1), s.Requests.ByStatus["404"])
	assert.InDelta(t, 0.02, s.Requests.AvgResponseTime, 0.001)
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector()

	c.AddUploadBytes(100)
	c.AddUploadBytes(-5)
	c.AddDownloadBytes(200)
	c.ErrorOccurred()
	c.AuthFailed()
	c.RateLimited()
	c.DAVRequest(false)
	c.DAVRequest(true)

	s := c.Snapshot()
	assert.Equal(t, int64(100), s.Transfer.UploadBytes)
	assert.Equal(t, int64(200), s.Transfer.DownloadBytes)
	assert.Equal(t, int64(1), s.Errors.Total)
	assert.Equal(t, int64(1), s.Errors.AuthFailures)
	assert.Equal(t, int64(1), s.Errors.RateLimitHits)
	assert.Equal(t, int64(2), s.WebDAV.Requests)
	assert.Equal(t, int64(1), s.WebDAV.Errors)
}

func TestCollector_SnapshotIsCopy(t *testing.T) {
	c := NewCollector()
	c.RequestStarted("GET")

	s := c.Snapshot()
	s.Requests.ByMethod["GET"] = 99

	assert.Equal(t, int64(1), c.Snapshot().Requests.ByMethod["GET"])
}

func TestCollector_ConcurrentUpdates(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RequestStarted("GET")
				c.AddUploadBytes(1)
				c.RequestFinished(200, time.Millisecond)
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	assert.Equal(t, int64(1000), s.Requests.Total)
	assert.Equal(t, int64(0), s.Requests.Active)
	assert.Equal(t, int64(1000), s.Transfer.UploadBytes)
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.RequestStarted("GET")
	c.RequestFinished(200, time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "chfs_http_requests_total")
}
