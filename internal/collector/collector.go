// ============================================================================
// taskpool Collector - 事件收集服務
// ============================================================================
//
// Package: internal/collector
// 文件: collector.go
// 功能: 訂閱 broker 事件流，維護任務/worker 視圖，將任務事件正規化後寫入事件日誌
//
// 狀態機:
//   STARTING → RUNNING → DRAINING → STOPPED
//
//   STARTING: 忽略 SIGINT/SIGTERM (是否結束由 coordinator 決定)、開啟事件日誌、連線 broker
//   RUNNING:  以 idle timeout 為上限反覆讀取事件；逾時不是錯誤，而是檢查停止旗標的時機
//   DRAINING: 停止旗標已設定；所有已知 worker 皆 inactive 時立即停止，
//             否則持續讀取，直到 worker 全部 inactive 或超過最長 drain 時間
//   STOPPED:  關閉事件日誌 (任何結束路徑都會執行)、記錄最終統計、寫入摘要
//
// 錯誤分類:
//   - 致命: 未知 broker 狀態、格式錯誤的 hostname、事件日誌寫入失敗 → Run 回傳錯誤
//   - 可恢復: 缺少狀態、未知任務 id、broker 讀取失敗 → 記錄後繼續
//
// ============================================================================

package collector

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/ChuLiYu/taskpool/internal/broker"
	"github.com/ChuLiYu/taskpool/internal/logger"
	"github.com/ChuLiYu/taskpool/internal/metrics"
	"github.com/ChuLiYu/taskpool/internal/normalize"
	"github.com/ChuLiYu/taskpool/internal/snapshot"
	"github.com/ChuLiYu/taskpool/internal/state"
	"github.com/ChuLiYu/taskpool/pkg/types"
)

// Phase collector 生命週期階段
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseRunning
	PhaseDraining
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "STARTING"
	case PhaseRunning:
		return "RUNNING"
	case PhaseDraining:
		return "DRAINING"
	case PhaseStopped:
		return "STOPPED"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// 預設值
const (
	DefaultIdleTimeout  = 5 * time.Second
	DefaultMaxDrainWait = 60 * time.Second
)

// Source 事件來源 (broker.Stream 實作此介面)；若同時實作 io.Closer，停止時會被關閉
type Source interface {
	Consume(ctx context.Context, timeout time.Duration) ([]broker.RawEvent, error)
}

// Sink 事件日誌 (eventlog.Writer 實作此介面)
type Sink interface {
	Write(ev *types.TaskEvent) error
	Close() error
}

// Config Collector 配置
type Config struct {
	TaskName      string        // 寫入每筆事件的 task_name
	Hostname      string        // 本機名稱，用於摘要
	User          string        // 空字串時使用 OS 使用者
	ParentID      *uuid.UUID    // 外層批次作業 id
	IdleTimeout   time.Duration // 單次讀取最長等待
	MaxDrainWait  time.Duration // DRAINING 最長時間
	IgnoreSignals bool          // STARTING 時忽略 SIGINT/SIGTERM
}

// Dependencies 在 STARTING 階段才建立的資源
type Dependencies struct {
	OpenLog func() (Sink, error)
	Connect func(ctx context.Context) (Source, error)
}

// Collector 事件收集服務
type Collector struct {
	cfg     Config
	deps    Dependencies
	flag    *Flag
	tracker *state.Tracker
	log     *logger.Logger
	metrics *metrics.Collector
	summary *snapshot.Manager
	onPhase func(Phase)
	now     func() time.Time

	mu       sync.Mutex
	phase    Phase
	started  time.Time
	consumed uint64
	written  uint64
	skipped  uint64
	outcome  string
	drained  time.Duration
}

// Option 可選設定
type Option func(*Collector)

// WithLogger 設定 logger
func WithLogger(l *logger.Logger) Option { return func(c *Collector) { c.log = l } }

// WithMetrics 設定 Prometheus 指標
func WithMetrics(m *metrics.Collector) Option { return func(c *Collector) { c.metrics = m } }

// WithSummary 停止時寫入摘要檔
func WithSummary(m *snapshot.Manager) Option { return func(c *Collector) { c.summary = m } }

// WithPhaseHook 每次轉換階段時呼叫 (例如更新 health 狀態)
func WithPhaseHook(fn func(Phase)) Option { return func(c *Collector) { c.onPhase = fn } }

// WithClock 測試用時鐘
func WithClock(now func() time.Time) Option { return func(c *Collector) { c.now = now } }

// New 建立 Collector
func New(cfg Config, deps Dependencies, flag *Flag, opts ...Option) *Collector {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxDrainWait <= 0 {
		cfg.MaxDrainWait = DefaultMaxDrainWait
	}
	if cfg.User == "" {
		cfg.User = normalize.DefaultUser()
	}
	c := &Collector{
		cfg:     cfg,
		deps:    deps,
		flag:    flag,
		tracker: state.NewTracker(),
		log:     logger.NewNop(),
		now:     time.Now,
		outcome: snapshot.DrainNotRequested,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tracker 回傳 collector 擁有的狀態追蹤器 (唯讀使用)
func (c *Collector) Tracker() *state.Tracker {
	return c.tracker
}

// Phase 目前階段
func (c *Collector) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Collector) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	c.log.Debug("collector phase", "phase", p.String())
	if c.onPhase != nil {
		c.onPhase(p)
	}
}

// Run 執行完整生命週期，回傳時必定處於 STOPPED
func (c *Collector) Run(ctx context.Context) (err error) {
	c.started = c.now()
	c.setPhase(PhaseStarting)

	if c.cfg.IgnoreSignals {
		signal.Ignore(syscall.SIGINT, syscall.SIGTERM)
		defer signal.Reset(syscall.SIGINT, syscall.SIGTERM)
	}

	sink, err := c.deps.OpenLog()
	if err != nil {
		c.stop(err)
		return fmt.Errorf("open event log: %w", err)
	}
	defer func() {
		if closeErr := sink.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("close event log: %w", closeErr))
		}
		c.stop(err)
	}()

	source, err := c.deps.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	if closer, ok := source.(io.Closer); ok {
		defer closer.Close()
	}

	c.setPhase(PhaseRunning)
	c.log.Info("collector running",
		"idle_timeout", c.cfg.IdleTimeout,
		"max_drain_wait", c.cfg.MaxDrainWait)

	return c.loop(ctx, source, sink)
}

func (c *Collector) loop(ctx context.Context, source Source, sink Sink) error {
	var drainStart time.Time
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		events, err := source.Consume(ctx, c.cfg.IdleTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// broker 暫時無法讀取：視同一次 idle 週期
			c.log.Warn("consume failed", "error", err)
			c.pause(ctx)
		}
		if len(events) > 0 && c.metrics != nil {
			c.metrics.RecordConsumed(len(events))
		}
		for _, ev := range events {
			if err := c.handle(ev, sink); err != nil {
				return err
			}
		}

		if !c.flag.IsSet() {
			continue
		}
		if drainStart.IsZero() {
			drainStart = c.now()
			c.setPhase(PhaseDraining)
			c.log.Info("shutdown requested, draining remaining events")
		}

		// 只有空批次 (idle 週期) 才代表 stream 已讀完
		active := c.tracker.ActiveWorkers()
		elapsed := c.now().Sub(drainStart)
		if len(events) == 0 && len(active) == 0 {
			c.finishDrain(snapshot.DrainClean, elapsed)
			c.log.Info("all workers inactive, stopping", "drain_time", elapsed)
			return nil
		}
		if elapsed >= c.cfg.MaxDrainWait {
			c.finishDrain(snapshot.DrainTimedOut, elapsed)
			c.log.Warn("drain wait exceeded, workers may have unflushed events",
				"max_drain_wait", c.cfg.MaxDrainWait,
				"active_workers", state.Hostnames(active),
				"count", len(active))
			return nil
		}
	}
}

// handle 處理單一事件；只有致命錯誤會回傳
func (c *Collector) handle(ev broker.RawEvent, sink Sink) error {
	c.mu.Lock()
	c.consumed++
	c.mu.Unlock()

	c.tracker.Event(ev)

	if _, ok := state.StateFor(ev.Type); !ok {
		if ev.IsWorkerEvent() && c.metrics != nil {
			c.metrics.SetActiveWorkers(len(c.tracker.ActiveWorkers()))
		}
		c.log.Debug("ignoring non-task event", "type", ev.Type, "hostname", ev.Hostname)
		c.skip(metrics.SkipNonTask)
		return nil
	}

	task, ok := c.tracker.Task(ev.UUID)
	if !ok {
		c.log.Warn("event for unknown task", "type", ev.Type, "uuid", ev.UUID)
		c.skip(metrics.SkipUnknownTask)
		return nil
	}

	record, err := normalize.Normalize(c.cfg.TaskName, task, normalize.Options{
		User:     c.cfg.User,
		ParentID: c.cfg.ParentID,
		Now:      c.now,
	})
	if err != nil {
		return fmt.Errorf("normalize task %s: %w", ev.UUID, err)
	}
	if record == nil {
		c.log.Warn("no state known for task", "uuid", ev.UUID, "type", ev.Type)
		c.skip(metrics.SkipMissingState)
		return nil
	}

	if err := sink.Write(record); err != nil {
		return fmt.Errorf("write event for task %s: %w", ev.UUID, err)
	}
	c.mu.Lock()
	c.written++
	c.mu.Unlock()

	counts := c.tracker.TaskCounts()
	c.log.Info("task states", "counts", counts, "task", ev.UUID, "status", record.Status)
	if c.metrics != nil {
		c.metrics.RecordWritten()
		c.metrics.UpdateTaskStates(counts)
		c.metrics.SetActiveWorkers(len(c.tracker.ActiveWorkers()))
	}
	return nil
}

func (c *Collector) skip(reason string) {
	c.mu.Lock()
	c.skipped++
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.RecordSkipped(reason)
	}
}

func (c *Collector) pause(ctx context.Context) {
	d := c.cfg.IdleTimeout
	if d > time.Second {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Collector) finishDrain(outcome string, elapsed time.Duration) {
	c.mu.Lock()
	c.outcome = outcome
	c.drained = elapsed
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.SetDrainTime(elapsed)
	}
}

// stop 進入 STOPPED：記錄最終統計並寫入摘要
func (c *Collector) stop(runErr error) {
	now := c.now()
	counts := c.tracker.TaskCounts()
	active := c.tracker.ActiveWorkers()
	alive := c.tracker.AliveWorkers(now)

	summary := c.Summary()
	summary.StoppedAt = now.UTC()
	if runErr != nil {
		summary.Error = runErr.Error()
	}

	c.log.Info("collector stopped",
		"task_counts", counts,
		"active_workers", len(active),
		"alive_workers", len(alive),
		"events_written", summary.EventsWritten,
		"drain_outcome", summary.DrainOutcome)

	if c.summary != nil {
		if err := c.summary.Write(summary); err != nil {
			c.log.Error("failed to write collector summary", "path", c.summary.Path(), "error", err)
		}
	}
	c.setPhase(PhaseStopped)
}

// Summary 目前統計的快照
func (c *Collector) Summary() snapshot.Summary {
	now := c.now()
	workers := c.tracker.Workers()
	ws := make([]snapshot.WorkerSummary, 0, len(workers))
	for _, w := range workers {
		ws = append(ws, snapshot.WorkerSummary{
			Hostname:      w.Hostname,
			PID:           w.PID,
			Active:        w.Active,
			LastHeartbeat: w.LastHeartbeat,
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshot.Summary{
		Hostname:       c.cfg.Hostname,
		TaskName:       c.cfg.TaskName,
		StartedAt:      c.started.UTC(),
		EventsConsumed: c.consumed,
		EventsWritten:  c.written,
		EventsSkipped:  c.skipped,
		TaskCounts:     c.tracker.TaskCounts(),
		Workers:        ws,
		ActiveWorkers:  state.Hostnames(c.tracker.ActiveWorkers()),
		AliveWorkers:   len(c.tracker.AliveWorkers(now)),
		DrainOutcome:   c.outcome,
		DrainSeconds:   c.drained.Seconds(),
	}
}
