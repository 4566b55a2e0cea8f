// ============================================================================
// taskpool Fleet - 啟動與關閉協調器
// ============================================================================
//
// Package: internal/fleet
// 文件: launcher.go
// 功能: 在批次作業分配的節點上啟動 broker、collector 與 worker，並在結束時
//       依序關閉它們
//
// 啟動順序 (Launch):
//   1. 讀取或產生 broker 密碼
//   2. 啟動 broker，健康檢查（預設 5 次，間隔 0.5s），失敗則停止 broker 並回傳錯誤
//   3. 以獨立行程啟動 collector，等待 gRPC health 回報 SERVING
//      （collector 必須先於任何 worker 開始消費，否則會漏掉 task-received）
//   4. 每個節點啟動一個 worker 行程，行程數 = 核心數（主節點減去保留核心，至少 1）
//
// 關閉順序 (Shutdown)，每一步盡力而為、失敗只記錄不中止：
//   1. 透過 broker 廣播停止所有 worker
//   2. 等待每個 worker 行程結束（exit_timeout > 0 時超時即 kill）
//   3. 設定 collector 的停止旗標（必須在 2 之後，collector 才看得到 0 個活躍 worker）
//   4. 等待 collector 自行結束（受其 drain 上限約束）
//   5. 停止 broker
//
// ============================================================================

package fleet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/ChuLiYu/taskpool/internal/broker"
	"github.com/ChuLiYu/taskpool/internal/executor"
	"github.com/ChuLiYu/taskpool/internal/logger"
	"github.com/ChuLiYu/taskpool/internal/pbs"
)

// ============================================================================
// 錯誤與常數
// ============================================================================

var (
	// ErrAlreadyShutdown 表示 Shutdown 已經被呼叫過
	ErrAlreadyShutdown = errors.New("fleet: shutdown already called")
	// ErrNoNodes 表示沒有可用節點
	ErrNoNodes = errors.New("fleet: no nodes to launch on")
)

const (
	// DefaultReservedCores 主節點保留給 coordinator、collector 與 broker 的核心數
	DefaultReservedCores = 2
	// WorkerNamePrefix 加在 worker hostname 前，normalizer 會去掉它
	WorkerNamePrefix = "taskpool@"

	defaultHealthRetries  = 5
	defaultHealthInterval = 500 * time.Millisecond
	defaultReadyTimeout   = 30 * time.Second
	defaultKillGrace      = 10 * time.Second
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Fleet 配置
type Config struct {
	Binary     string // 子行程執行的 taskpool 執行檔
	ConfigPath string // 轉交給子行程的 --config，可為空

	TaskName  string
	EventsDir string
	User      string

	BrokerHost     string // worker 連線用；空字串時使用主節點 hostname
	BrokerPort     int
	Prefix         string
	PasswordFile   string
	ServerBinary   string
	ServerDir      string
	HealthRetries  int
	HealthInterval time.Duration

	HealthPort   int // collector gRPC health；0 表示自動選擇
	MetricsPort  int // collector /metrics；0 表示不啟用
	ReadyTimeout time.Duration
	IdleTimeout  time.Duration
	MaxDrainWait time.Duration

	ReservedCores int
	Heartbeat     time.Duration
	TaskTimeout   time.Duration
	ExitTimeout   time.Duration // 0 表示無限等待
	KillGrace     time.Duration // ExitTimeout 到期後 SIGTERM 與 SIGKILL 之間的等待
	EnvPrefixes   []string
}

func (c *Config) applyDefaults() {
	if c.HealthRetries <= 0 {
		c.HealthRetries = defaultHealthRetries
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = defaultReadyTimeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = defaultKillGrace
	}
	if c.ReservedCores < 0 {
		c.ReservedCores = 0
	}
}

// workerProcess 一個已啟動的 worker 行程
type workerProcess struct {
	node  pbs.Node
	name  string
	procs int
	proc  pbs.Process
}

// Fleet 執行中的 worker 池
type Fleet struct {
	cfg       Config
	log       *logger.Logger
	server    BrokerServer
	control   Control
	collector CollectorProcess
	workers   []workerProcess
	exec      *executor.Executor
	shutdown  atomic.Bool
}

// WorkerProcessCount 計算節點上的 worker 行程數：主節點扣掉 reserved，至少 1
func WorkerProcessCount(node pbs.Node, reserved int) int {
	n := node.NumCores
	if node.IsMain {
		n -= reserved
	}
	if n < 1 {
		n = 1
	}
	return n
}

// WorkerName 是 worker 在事件中使用的 hostname
func WorkerName(node pbs.Node) string {
	return WorkerNamePrefix + pbs.ShortName(node.Hostname)
}

// ============================================================================
// Launch
// ============================================================================

// Launch 啟動 broker、collector 與每個節點上的 worker
//
// 返回值：
//   - *Fleet: 可透過 Executor() 提交任務，結束時呼叫 Shutdown()
//   - error: broker 無法啟動或無法連線、collector 未就緒、worker 無法啟動
func Launch(ctx context.Context, cfg Config, nodes []pbs.Node, deps Deps, log *logger.Logger) (*Fleet, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}
	if log == nil {
		log = logger.NewNop()
	}
	cfg.applyDefaults()
	log = log.With("component", "fleet")

	// 1. 密碼
	password, err := broker.LoadOrCreatePassword(cfg.PasswordFile)
	if err != nil {
		return nil, fmt.Errorf("broker password: %w", err)
	}
	passwordPath, err := broker.ResolvePasswordPath(cfg.PasswordFile)
	if err != nil {
		return nil, fmt.Errorf("broker password: %w", err)
	}

	// 2. Broker
	server, err := deps.StartBroker(broker.ServerConfig{
		Binary:   cfg.ServerBinary,
		Port:     cfg.BrokerPort,
		Password: password,
		Dir:      cfg.ServerDir,
	})
	if err != nil {
		return nil, fmt.Errorf("start broker: %w", err)
	}
	log.Info("broker started", "pid", server.Pid(), "addr", server.Addr())

	f := &Fleet{cfg: cfg, log: log, server: server}

	if err := deps.WaitReachable(ctx, server.Addr(), password, cfg.HealthRetries, cfg.HealthInterval); err != nil {
		return nil, multierr.Append(fmt.Errorf("broker health check: %w", err), f.abort())
	}

	control, err := deps.ConnectBroker(ctx, broker.Config{
		Host:     "127.0.0.1",
		Port:     cfg.BrokerPort,
		Password: password,
		Prefix:   cfg.Prefix,
	})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("connect broker: %w", err), f.abort())
	}
	f.control = control

	// 3. Collector
	healthAddr := "127.0.0.1:" + strconv.Itoa(cfg.HealthPort)
	if cfg.HealthPort == 0 {
		if healthAddr, err = freeLocalAddr(); err != nil {
			return nil, multierr.Append(fmt.Errorf("collector health port: %w", err), f.abort())
		}
	}
	coll, err := deps.StartCollector(f.collectorCommand(healthAddr), map[string]string{broker.PasswordEnv: password})
	if err != nil {
		return nil, multierr.Append(err, f.abort())
	}
	f.collector = coll
	log.Info("collector started", "pid", coll.Pid(), "health", healthAddr)

	readyCtx, cancel := context.WithTimeout(ctx, cfg.ReadyTimeout)
	err = deps.CollectorReady(readyCtx, healthAddr)
	cancel()
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("collector not ready: %w", err), f.abort())
	}

	// 4. Workers
	brokerHost := cfg.BrokerHost
	if brokerHost == "" {
		brokerHost = mainHost(nodes)
	}
	env := pbs.WorkerEnv(cfg.EnvPrefixes)
	env[broker.PasswordFileEnv] = passwordPath

	for _, node := range nodes {
		w := workerProcess{
			node:  node,
			name:  WorkerName(node),
			procs: WorkerProcessCount(node, cfg.ReservedCores),
		}
		proc, err := deps.Spawner.Spawn(node, f.workerCommand(brokerHost, w), env)
		if err != nil {
			spawnErr := fmt.Errorf("spawn worker on %s: %w", node.Hostname, err)
			return nil, multierr.Append(spawnErr, f.Shutdown(ctx))
		}
		w.proc = proc
		f.workers = append(f.workers, w)
		log.Info("worker started", "node", node.Hostname, "offset", node.Offset, "procs", w.procs, "pid", proc.Pid())
	}

	f.exec = executor.New(control, pbs.Hostname(), log)
	log.Info("fleet launched", "nodes", len(nodes), "broker", brokerHost+":"+strconv.Itoa(cfg.BrokerPort))
	return f, nil
}

// abort 啟動失敗時釋放已取得的資源
func (f *Fleet) abort() error {
	var errs error
	f.shutdown.Store(true)
	if f.collector != nil {
		_ = f.collector.Kill()
		_ = f.collector.Wait()
	}
	if f.control != nil {
		errs = multierr.Append(errs, f.control.Close())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.server.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("stop broker: %w", err))
	}
	return errs
}

func (f *Fleet) collectorCommand(healthAddr string) []string {
	cmd := []string{f.cfg.Binary, "collect",
		"--broker", "127.0.0.1:" + strconv.Itoa(f.cfg.BrokerPort),
		"--prefix", f.cfg.Prefix,
		"--task-name", f.cfg.TaskName,
		"--events-dir", f.cfg.EventsDir,
		"--health-addr", healthAddr,
	}
	if f.cfg.IdleTimeout > 0 {
		cmd = append(cmd, "--idle-timeout", f.cfg.IdleTimeout.String())
	}
	if f.cfg.MaxDrainWait > 0 {
		cmd = append(cmd, "--max-drain-wait", f.cfg.MaxDrainWait.String())
	}
	if f.cfg.User != "" {
		cmd = append(cmd, "--user", f.cfg.User)
	}
	if f.cfg.MetricsPort > 0 {
		cmd = append(cmd, "--metrics-port", strconv.Itoa(f.cfg.MetricsPort))
	}
	return f.withConfig(cmd)
}

func (f *Fleet) workerCommand(brokerHost string, w workerProcess) []string {
	cmd := []string{f.cfg.Binary, "worker",
		"--broker", brokerHost + ":" + strconv.Itoa(f.cfg.BrokerPort),
		"--prefix", f.cfg.Prefix,
		"--nprocs", strconv.Itoa(w.procs),
		"--name", w.name,
	}
	if f.cfg.Heartbeat > 0 {
		cmd = append(cmd, "--heartbeat", f.cfg.Heartbeat.String())
	}
	if f.cfg.TaskTimeout > 0 {
		cmd = append(cmd, "--task-timeout", f.cfg.TaskTimeout.String())
	}
	return f.withConfig(cmd)
}

func (f *Fleet) withConfig(cmd []string) []string {
	if f.cfg.ConfigPath != "" {
		cmd = append(cmd, "--config", f.cfg.ConfigPath)
	}
	return cmd
}

func mainHost(nodes []pbs.Node) string {
	for _, n := range nodes {
		if n.IsMain {
			return n.Hostname
		}
	}
	return pbs.Hostname()
}

// Executor 提交任務到執行中的 worker 池
func (f *Fleet) Executor() *executor.Executor {
	return f.exec
}

// WorkerCounts 每個節點的 worker 行程數，依 hostname
func (f *Fleet) WorkerCounts() map[string]int {
	out := make(map[string]int, len(f.workers))
	for _, w := range f.workers {
		out[w.node.Hostname] = w.procs
	}
	return out
}
