// ============================================================================
// taskpool Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理一個節點上多個 Worker goroutine 的生命週期
//
// 設計模式:
//   採用 Worker Pool（pull 模式）：
//   1. 固定數量（--nprocs）的 Worker goroutine 持續運行
//   2. 每個 Worker 自行從 broker 佇列拉取任務，沒有中央分發
//   3. 結果直接寫回 broker，由提交端取回
//
// 架構組件:
//   ┌─────────────┐
//   │  Executor   │ --Enqueue()--> broker tasks list
//   └─────────────┘                     │
//                                 Poll()│
//   ┌─────────────┐                     ▼
//   │   Pool      │  ┌────────┐
//   │             │  │Worker 1│──→ events / results
//   │             │  │Worker 2│──→ events / results
//   │             │  │Worker N│──→ events / results
//   └─────────────┘  └────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool
//   2. Start(ctx) - 啟動 N 個 Worker goroutines
//   3. Stop() - 關閉 stopCh，Worker 完成手上任務後退出，等待全部結束
//
// 並發控制:
//   - stopCh: 只停止拉取，不中斷執行中的任務
//   - WaitGroup: 追蹤所有 Worker，確保優雅關閉
//   - Mutex: 保護 started/stopped 狀態
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/taskpool/internal/logger"
	"github.com/ChuLiYu/taskpool/internal/metrics"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStarted 表示 Pool 已經啟動過
	ErrPoolStarted = errors.New("worker pool already started")
)

const (
	// DefaultPollTimeout 是每次阻塞拉取的上限
	DefaultPollTimeout = time.Second
)

// ============================================================================
// 資料結構定義
// ============================================================================

// PoolConfig 描述一個節點上的 Worker Pool
type PoolConfig struct {
	Hostname    string        // 事件上的 hostname，例如 taskpool@gadi-cpu-01
	Procs       int           // Worker goroutine 數量
	PollTimeout time.Duration // 單次拉取阻塞上限
	TaskTimeout time.Duration // 任務未指定 timeout 時使用；0 表示不限
	Handlers    Registry
}

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	cfg     PoolConfig
	src     Source
	log     *logger.Logger
	metrics *metrics.Collector
	now     func() time.Time

	workers []*Worker
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex
}

// PoolOption 調整 Pool
type PoolOption func(*Pool)

// WithLogger 設置 logger
func WithLogger(l *logger.Logger) PoolOption { return func(p *Pool) { p.log = l } }

// WithMetrics 設置指標收集器
func WithMetrics(m *metrics.Collector) PoolOption { return func(p *Pool) { p.metrics = m } }

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) PoolOption { return func(p *Pool) { p.now = now } }

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
func NewPool(src Source, cfg PoolConfig, opts ...PoolOption) *Pool {
	if cfg.Procs < 1 {
		cfg.Procs = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.Handlers == nil {
		cfg.Handlers = Builtins()
	}
	p := &Pool{
		cfg:    cfg,
		src:    src,
		log:    logger.NewNop(),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start 啟動 cfg.Procs 個 Worker
//
// ctx 只在行程結束時才應取消；正常停止請用 Stop()。
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted // 防止重複啟動
	}

	pid := os.Getpid()
	for i := 0; i < p.cfg.Procs; i++ {
		w := &Worker{
			id:             i,
			src:            p.src,
			handlers:       p.cfg.Handlers,
			hostname:       p.cfg.Hostname,
			pid:            pid,
			pollTimeout:    p.cfg.PollTimeout,
			defaultTimeout: p.cfg.TaskTimeout,
			log:            p.log,
			metrics:        p.metrics,
			now:            p.now,
		}
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx, p.stopCh)
		}(w)
	}

	p.started = true
	p.log.Info("worker pool started", "procs", p.cfg.Procs, "hostname", p.cfg.Hostname)
	return nil
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 關閉 stopCh，Worker 不再拉取新任務
//  3. 等待所有 Worker 完成當前任務
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	p.log.Info("worker pool stopped", "hostname", p.cfg.Hostname)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
