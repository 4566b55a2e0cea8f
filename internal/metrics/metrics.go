// ============================================================================
// taskpool Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集 collector 與 worker 的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. Collector 計數器 (Counter)：
//      - taskpool_events_consumed_total: 從 broker 讀到的事件總數
//      - taskpool_events_written_total: 寫入事件日誌的紀錄總數
//      - taskpool_events_skipped_total{reason}: 略過的事件 (non_task, unknown_task, missing_state)
//
//   2. Collector 狀態 (Gauge)：
//      - taskpool_tasks{state}: 各 broker 狀態的任務數
//      - taskpool_active_workers: broker 認為在線的 worker 數
//      - taskpool_drain_seconds: 最近一次 drain 花費時間
//
//   3. Worker 指標：
//      - taskpool_worker_tasks_completed_total / taskpool_worker_tasks_failed_total
//      - taskpool_worker_task_duration_seconds (Histogram)
//
// HTTP 端點:
//   collector.metrics_port > 0 時於 /metrics 暴露
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   rate(taskpool_worker_tasks_completed_total[1m])
//
//   # 寫入落後 (已讀未寫)
//   taskpool_events_consumed_total - taskpool_events_written_total - ignoring(reason) sum(taskpool_events_skipped_total)
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Skip reasons.
const (
	SkipNonTask      = "non_task"
	SkipUnknownTask  = "unknown_task"
	SkipMissingState = "missing_state"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// collector 指標
	eventsConsumed prometheus.Counter
	eventsWritten  prometheus.Counter
	eventsSkipped  *prometheus.CounterVec
	tasks          *prometheus.GaugeVec
	activeWorkers  prometheus.Gauge
	drainSeconds   prometheus.Gauge

	// worker 指標
	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
	taskDuration   prometheus.Histogram
}

// NewCollector 創建並註冊指標；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		eventsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskpool_events_consumed_total",
			Help: "Total number of raw events read from the broker",
		}),
		eventsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskpool_events_written_total",
			Help: "Total number of task events written to the event log",
		}),
		eventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpool_events_skipped_total",
			Help: "Total number of raw events not written, by reason",
		}, []string{"reason"}),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskpool_tasks",
			Help: "Current number of tracked tasks per broker state",
		}, []string{"state"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskpool_active_workers",
			Help: "Number of workers the broker considers online",
		}),
		drainSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskpool_drain_seconds",
			Help: "Time spent draining events after shutdown was requested",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskpool_worker_tasks_completed_total",
			Help: "Total number of tasks a worker completed successfully",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskpool_worker_tasks_failed_total",
			Help: "Total number of tasks that failed on a worker",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskpool_worker_task_duration_seconds",
			Help:    "Task handler run time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
	}

	reg.MustRegister(
		c.eventsConsumed,
		c.eventsWritten,
		c.eventsSkipped,
		c.tasks,
		c.activeWorkers,
		c.drainSeconds,
		c.tasksCompleted,
		c.tasksFailed,
		c.taskDuration,
	)
	return c
}

// RecordConsumed 記錄讀到的原始事件數
func (c *Collector) RecordConsumed(n int) {
	c.eventsConsumed.Add(float64(n))
}

// RecordWritten 記錄一筆寫入
func (c *Collector) RecordWritten() {
	c.eventsWritten.Inc()
}

// RecordSkipped 記錄一筆略過的事件
func (c *Collector) RecordSkipped(reason string) {
	c.eventsSkipped.WithLabelValues(reason).Inc()
}

// UpdateTaskStates 以最新計數覆寫各狀態 gauge
func (c *Collector) UpdateTaskStates(counts map[string]int) {
	c.tasks.Reset()
	for state, n := range counts {
		c.tasks.WithLabelValues(state).Set(float64(n))
	}
}

// SetActiveWorkers 設置在線 worker 數
func (c *Collector) SetActiveWorkers(n int) {
	c.activeWorkers.Set(float64(n))
}

// SetDrainTime 設置 drain 時間
func (c *Collector) SetDrainTime(d time.Duration) {
	c.drainSeconds.Set(d.Seconds())
}

// RecordTaskCompleted 記錄 worker 完成一個任務
func (c *Collector) RecordTaskCompleted(d time.Duration) {
	c.tasksCompleted.Inc()
	c.taskDuration.Observe(d.Seconds())
}

// RecordTaskFailed 記錄 worker 任務失敗
func (c *Collector) RecordTaskFailed(d time.Duration) {
	c.tasksFailed.Inc()
	c.taskDuration.Observe(d.Seconds())
}

// Serve 啟動 /metrics HTTP 伺服器，直到 ctx 結束
//
// 參數：
//   - port: HTTP 伺服器端口
//   - g: 指標來源；nil 時使用 prometheus.DefaultGatherer
func Serve(ctx context.Context, port int, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
