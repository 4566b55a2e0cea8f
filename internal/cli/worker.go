package cli

import (
	"context"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/taskpool/internal/fleet"
	"github.com/ChuLiYu/taskpool/internal/metrics"
	"github.com/ChuLiYu/taskpool/internal/pbs"
	"github.com/ChuLiYu/taskpool/internal/worker"
)

func buildWorkerCommand() *cobra.Command {
	var (
		brokerAddr  string
		prefix      string
		nprocs      int
		name        string
		heartbeat   time.Duration
		taskTimeout time.Duration
		metricsPort int
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker process on this node",
		Long:  "Pull tasks from the broker with --nprocs concurrent workers until the pool is shut down or SIGINT/SIGTERM arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFor(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			f := cmd.Flags()
			if f.Changed("heartbeat") {
				cfg.Worker.Heartbeat = heartbeat
			}
			if f.Changed("task-timeout") {
				cfg.Worker.TaskTimeout = taskTimeout
			}
			if f.Changed("metrics-port") {
				cfg.Worker.MetricsPort = metricsPort
			}
			if name == "" {
				name = fleet.WorkerNamePrefix + pbs.Hostname()
			}
			return runWorker(cfg, brokerAddr, prefix, name, nprocs)
		},
	}

	f := cmd.Flags()
	f.StringVar(&brokerAddr, "broker", "", "broker host:port (default from config)")
	f.StringVar(&prefix, "prefix", "", "broker key prefix (default from config)")
	f.IntVar(&nprocs, "nprocs", runtime.NumCPU(), "number of concurrent task slots")
	f.StringVar(&name, "name", "", "worker hostname reported in events (default taskpool@<host>)")
	f.DurationVar(&heartbeat, "heartbeat", 0, "heartbeat interval")
	f.DurationVar(&taskTimeout, "task-timeout", 0, "default per-task timeout (0 = none)")
	f.IntVar(&metricsPort, "metrics-port", 0, "serve /metrics on this port")
	return cmd
}

func runWorker(cfg *Config, brokerAddr, prefix, name string, nprocs int) error {
	log, err := newLogger(cfg, "worker")
	if err != nil {
		return err
	}
	log = log.With("worker", name)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := connectBroker(ctx, cfg, brokerAddr, prefix)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer client.Close()

	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	if cfg.Worker.MetricsPort > 0 {
		go func() {
			if err := metrics.Serve(ctx, cfg.Worker.MetricsPort, reg); err != nil {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	pool := worker.NewPool(client, worker.PoolConfig{
		Hostname:    name,
		Procs:       nprocs,
		TaskTimeout: cfg.Worker.TaskTimeout,
		Handlers:    worker.Builtins(),
	}, worker.WithLogger(log), worker.WithMetrics(m))

	return worker.NewNode(client, pool, cfg.Worker.Heartbeat, log).Run(ctx)
}
