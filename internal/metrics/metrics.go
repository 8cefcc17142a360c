// ============================================================================
// Darkroom Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露渲染核心的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (CounterVec，label: purpose):
//      - darkroom_jobs_submitted_total: 提交任務總數
//      - darkroom_jobs_completed_total: 完成任務總數（label cache: hit|miss）
//      - darkroom_jobs_cancelled_total: 取消任務總數（label reason）
//      - darkroom_jobs_failed_total: 失敗任務總數
//
//   2. 性能指標 (Histogram):
//      - darkroom_render_latency_seconds: 提交到交付的延遲
//        * 桶分佈偏向互動範圍: 5ms ~ 2.5s
//
//   3. 狀態指標 (Gauge):
//      - darkroom_jobs_pending / darkroom_jobs_in_flight
//      - darkroom_pending_commits: 等待重試的編輯提交
//
//   4. 資源指標:
//      - darkroom_cache_{hits,misses,evictions}_total、darkroom_cache_bytes
//      - darkroom_gpu_resets_total
//      - darkroom_catalog_write_failures_total
//      - darkroom_images_imported_total（label result）
//
// Prometheus 查詢示例:
//
//   # 95 分位互動預覽延遲
//   histogram_quantile(0.95, sum by (le) (rate(darkroom_render_latency_seconds_bucket{purpose="preview"}[1m])))
//
//   # cache 命中率
//   rate(darkroom_cache_hits_total[5m]) / (rate(darkroom_cache_hits_total[5m]) + rate(darkroom_cache_misses_total[5m]))
//
// 註冊:
//   NewCollector 以 prometheus.MustRegister 註冊到 DefaultRegisterer；
//   一個行程只應建立一個 Collector。
//
// ============================================================================

package metrics

import (
	"time"

	"github.com/ChuLiYu/darkroom/internal/rendercache"
	"github.com/ChuLiYu/darkroom/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsSubmitted *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsCancelled *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec

	// 效能指標
	renderLatency *prometheus.HistogramVec

	// 狀態指標
	jobsPending    prometheus.Gauge
	jobsInFlight   prometheus.Gauge
	pendingCommits prometheus.Gauge

	// 資源指標
	gpuResets       prometheus.Counter
	catalogFailures prometheus.Counter
	imported        *prometheus.CounterVec
}

// NewCollector 創建新的指標收集器並註冊到 DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "darkroom_jobs_submitted_total",
			Help: "Total number of render jobs submitted",
		}, []string{"purpose"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "darkroom_jobs_completed_total",
			Help: "Total number of render jobs delivered successfully",
		}, []string{"purpose", "cache"}),
		jobsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "darkroom_jobs_cancelled_total",
			Help: "Total number of render jobs cancelled before delivery",
		}, []string{"purpose", "reason"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "darkroom_jobs_failed_total",
			Help: "Total number of render jobs that failed",
		}, []string{"purpose"}),
		renderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "darkroom_render_latency_seconds",
			Help:    "Latency from submission to delivery in seconds",
			Buckets: []float64{0.005, 0.01, 0.016, 0.033, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"purpose"}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "darkroom_jobs_pending",
			Help: "Current number of queued render jobs",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "darkroom_jobs_in_flight",
			Help: "Current number of render jobs being executed",
		}),
		pendingCommits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "darkroom_pending_commits",
			Help: "Edit commits waiting to be retried against the catalog",
		}),
		gpuResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "darkroom_gpu_resets_total",
			Help: "Total number of GPU context reinitialisations",
		}),
		catalogFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "darkroom_catalog_write_failures_total",
			Help: "Total number of failed catalog writes",
		}),
		imported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "darkroom_images_imported_total",
			Help: "Total number of import attempts by result",
		}, []string{"result"}),
	}

	// 註冊所有指標
	prometheus.MustRegister(c.jobsSubmitted)
	prometheus.MustRegister(c.jobsCompleted)
	prometheus.MustRegister(c.jobsCancelled)
	prometheus.MustRegister(c.jobsFailed)
	prometheus.MustRegister(c.renderLatency)
	prometheus.MustRegister(c.jobsPending)
	prometheus.MustRegister(c.jobsInFlight)
	prometheus.MustRegister(c.pendingCommits)
	prometheus.MustRegister(c.gpuResets)
	prometheus.MustRegister(c.catalogFailures)
	prometheus.MustRegister(c.imported)

	return c
}

// RecordSubmitted 記錄任務提交
func (c *Collector) RecordSubmitted(purpose types.Purpose) {
	c.jobsSubmitted.WithLabelValues(string(purpose)).Inc()
}

// RecordCompleted 記錄任務完成與延遲
func (c *Collector) RecordCompleted(purpose types.Purpose, latency time.Duration, cacheHit bool) {
	cache := "miss"
	if cacheHit {
		cache = "hit"
	}
	c.jobsCompleted.WithLabelValues(string(purpose), cache).Inc()
	c.renderLatency.WithLabelValues(string(purpose)).Observe(latency.Seconds())
}

// RecordCancelled 記錄任務取消
func (c *Collector) RecordCancelled(purpose types.Purpose, reason string) {
	c.jobsCancelled.WithLabelValues(string(purpose), reason).Inc()
}

// RecordFailed 記錄任務失敗
func (c *Collector) RecordFailed(purpose types.Purpose) {
	c.jobsFailed.WithLabelValues(string(purpose)).Inc()
}

// RecordGPUReset 記錄 GPU context 重建
func (c *Collector) RecordGPUReset() {
	c.gpuResets.Inc()
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pending, inFlight int) {
	c.jobsPending.Set(float64(pending))
	c.jobsInFlight.Set(float64(inFlight))
}

// RecordCatalogWriteFailure 記錄 catalog 寫入失敗
func (c *Collector) RecordCatalogWriteFailure() {
	c.catalogFailures.Inc()
}

// SetPendingCommits 設置待重試提交數
func (c *Collector) SetPendingCommits(n int) {
	c.pendingCommits.Set(float64(n))
}

// RecordImport 記錄一次匯入結果
func (c *Collector) RecordImport(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.imported.WithLabelValues(result).Inc()
}

// ObserveCache 以 stats 函式暴露 render cache 指標，抓取時才讀取
func (c *Collector) ObserveCache(stats func() rendercache.Stats) {
	prometheus.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "darkroom_cache_hits_total",
			Help: "Render cache hits",
		}, func() float64 { return float64(stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "darkroom_cache_misses_total",
			Help: "Render cache misses",
		}, func() float64 { return float64(stats().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "darkroom_cache_evictions_total",
			Help: "Render cache evictions",
		}, func() float64 { return float64(stats().Evictions) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "darkroom_cache_bytes",
			Help: "Bytes held by the render cache",
		}, func() float64 { return float64(stats().UsedBytes) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "darkroom_cache_entries",
			Help: "Entries held by the render cache",
		}, func() float64 { return float64(stats().Entries) }),
	)
}
