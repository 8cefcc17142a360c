package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/darkroom/internal/rendercache"
	"github.com/ChuLiYu/darkroom/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetRegistry swaps in a fresh registry to avoid duplicate registration
func resetRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	return reg
}

func TestNewCollector(t *testing.T) {
	resetRegistry()
	collector := NewCollector()

	assert.NotNil(t, collector.jobsSubmitted)
	assert.NotNil(t, collector.jobsCompleted)
	assert.NotNil(t, collector.jobsCancelled)
	assert.NotNil(t, collector.jobsFailed)
	assert.NotNil(t, collector.renderLatency)
	assert.NotNil(t, collector.jobsPending)
	assert.NotNil(t, collector.jobsInFlight)
	assert.NotNil(t, collector.gpuResets)
}

func TestJobCounters(t *testing.T) {
	resetRegistry()
	c := NewCollector()

	c.RecordSubmitted(types.PurposePreview)
	c.RecordSubmitted(types.PurposePreview)
	c.RecordSubmitted(types.PurposeThumbnail)
	c.RecordCompleted(types.PurposePreview, 12*time.Millisecond, false)
	c.RecordCompleted(types.PurposePreview, time.Millisecond, true)
	c.RecordCancelled(types.PurposePreview, "superseded")
	c.RecordFailed(types.PurposeThumbnail)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsSubmitted.WithLabelValues("preview")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsSubmitted.WithLabelValues("thumbnail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCompleted.WithLabelValues("preview", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCompleted.WithLabelValues("preview", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCancelled.WithLabelValues("preview", "superseded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed.WithLabelValues("thumbnail")))
}

func TestGauges(t *testing.T) {
	resetRegistry()
	c := NewCollector()

	testCases := []struct {
		name     string
		pending  int
		inFlight int
	}{
		{"zero values", 0, 0},
		{"normal values", 10, 5},
		{"high pending", 100, 8},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c.UpdateQueueStats(tc.pending, tc.inFlight)
			assert.Equal(t, float64(tc.pending), testutil.ToFloat64(c.jobsPending))
			assert.Equal(t, float64(tc.inFlight), testutil.ToFloat64(c.jobsInFlight))
		})
	}

	c.SetPendingCommits(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.pendingCommits))

	c.RecordGPUReset()
	c.RecordCatalogWriteFailure()
	c.RecordImport(true)
	c.RecordImport(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.gpuResets))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.catalogFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.imported.WithLabelValues("error")))
}

func TestCollectorIsolation(t *testing.T) {
	resetRegistry()
	require.NotNil(t, NewCollector())

	// a process should have only one collector
	assert.Panics(t, func() { NewCollector() })
}

func TestConcurrentMetricUpdates(t *testing.T) {
	resetRegistry()
	c := NewCollector()

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			c.RecordSubmitted(types.PurposePreview)
			c.RecordCompleted(types.PurposePreview, time.Millisecond, false)
			c.UpdateQueueStats(10, 5)
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}
	assert.Equal(t, 100.0, testutil.ToFloat64(c.jobsSubmitted.WithLabelValues("preview")))
}

func TestRouter(t *testing.T) {
	resetRegistry()
	c := NewCollector()
	c.ObserveCache(func() rendercache.Stats { return rendercache.Stats{Hits: 7, UsedBytes: 1024} })
	c.RecordSubmitted(types.PurposeExport)

	r := NewRouter(func() any { return map[string]int{"pending": 2} })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 2, status["pending"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "darkroom_cache_hits_total 7"))
	assert.True(t, strings.Contains(body, `darkroom_jobs_submitted_total{purpose="export"} 1`))
}

func TestRouter_NoStatus(t *testing.T) {
	resetRegistry()
	r := NewRouter(nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
