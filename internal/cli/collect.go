package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/taskpool/internal/broker"
	"github.com/ChuLiYu/taskpool/internal/collector"
	"github.com/ChuLiYu/taskpool/internal/eventlog"
	"github.com/ChuLiYu/taskpool/internal/metrics"
	"github.com/ChuLiYu/taskpool/internal/pbs"
	"github.com/ChuLiYu/taskpool/internal/snapshot"
)

type collectOptions struct {
	broker       string
	prefix       string
	taskName     string
	eventsDir    string
	user         string
	healthAddr   string
	idleTimeout  time.Duration
	maxDrainWait time.Duration
	metricsPort  int
}

func buildCollectCommand() *cobra.Command {
	var opts collectOptions

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run the event collector",
		Long: `Consume task events from the broker and append them to <events-dir>/<host>-collected-events.jsonl.
Ignores SIGINT/SIGTERM; stops when "stop" is written to stdin or stdin is closed.`,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFor(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			opts.apply(cmd, cfg)
			return runCollect(cfg, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.broker, "broker", "", "broker host:port")
	f.StringVar(&opts.prefix, "prefix", "", "broker key prefix")
	f.StringVar(&opts.taskName, "task-name", "", "task name written to every event")
	f.StringVar(&opts.eventsDir, "events-dir", "", "directory for the event log")
	f.StringVar(&opts.user, "user", "", "user written to every event (default: OS user)")
	f.StringVar(&opts.healthAddr, "health-addr", "", "serve grpc.health.v1 on this address")
	f.DurationVar(&opts.idleTimeout, "idle-timeout", 0, "longest wait for events before re-checking the stop flag")
	f.DurationVar(&opts.maxDrainWait, "max-drain-wait", 0, "longest drain after stop is requested")
	f.IntVar(&opts.metricsPort, "metrics-port", 0, "serve /metrics on this port")
	return cmd
}

// apply copies explicitly set flags over the file config.
func (o *collectOptions) apply(cmd *cobra.Command, cfg *Config) {
	f := cmd.Flags()
	if f.Changed("prefix") {
		cfg.Broker.Prefix = o.prefix
	}
	if f.Changed("task-name") {
		cfg.Task.Name = o.taskName
	}
	if f.Changed("events-dir") {
		cfg.Task.EventsDir = o.eventsDir
	}
	if f.Changed("user") {
		cfg.Task.User = o.user
	}
	if f.Changed("idle-timeout") {
		cfg.Collector.IdleTimeout = o.idleTimeout
	}
	if f.Changed("max-drain-wait") {
		cfg.Collector.MaxDrainWait = o.maxDrainWait
	}
	if f.Changed("metrics-port") {
		cfg.Collector.MetricsPort = o.metricsPort
	}
}

// brokerSource closes the client along with the stream.
type brokerSource struct {
	*broker.Stream
	client *broker.Client
}

func (s brokerSource) Close() error {
	return s.client.Close()
}

// ignoreStopSignals 在連線與開檔之前就忽略 SIGINT/SIGTERM；
// collector 與 coordinator 同一個程序群組，launch 期間的 Ctrl-C 也會送到這裡
func ignoreStopSignals() {
	signal.Ignore(syscall.SIGINT, syscall.SIGTERM)
}

func runCollect(cfg *Config, opts collectOptions) error {
	ignoreStopSignals()

	log, err := newLogger(cfg, "collector")
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flag := collector.NewFlag()
	go collector.WatchStop(os.Stdin, flag, log)

	hostname := pbs.Hostname()
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	if cfg.Collector.MetricsPort > 0 {
		go func() {
			if err := metrics.Serve(ctx, cfg.Collector.MetricsPort, reg); err != nil {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	collOpts := []collector.Option{
		collector.WithLogger(log),
		collector.WithMetrics(m),
		collector.WithSummary(snapshot.NewManager(snapshot.SummaryPath(cfg.Task.EventsDir, hostname))),
	}
	if opts.healthAddr != "" {
		hs, err := collector.StartHealthServer(opts.healthAddr)
		if err != nil {
			return err
		}
		defer hs.Stop()
		collOpts = append(collOpts, collector.WithPhaseHook(hs.SetPhase))
	}

	deps := collector.Dependencies{
		OpenLog: func() (collector.Sink, error) {
			return eventlog.Open(cfg.Task.EventsDir, hostname)
		},
		Connect: func(ctx context.Context) (collector.Source, error) {
			client, err := connectBroker(ctx, cfg, opts.broker, "")
			if err != nil {
				return nil, err
			}
			stream := client.Subscribe()
			stream.OnMalformed = func(id string, err error) {
				log.Warn("malformed event skipped", "id", id, "error", err)
			}
			return brokerSource{Stream: stream, client: client}, nil
		},
	}

	c := collector.New(collector.Config{
		TaskName:      cfg.Task.Name,
		Hostname:      hostname,
		User:          cfg.Task.User,
		ParentID:      pbs.ParentTaskID(),
		IdleTimeout:   cfg.Collector.IdleTimeout,
		MaxDrainWait:  cfg.Collector.MaxDrainWait,
		IgnoreSignals: true,
	}, deps, flag, collOpts...)

	return c.Run(ctx)
}
