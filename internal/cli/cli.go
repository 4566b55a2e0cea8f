// ============================================================================
// taskpool CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for the coordinator and the processes it spawns
//
// Command Structure:
//   taskpool                       # Root command
//   ├── launch                     # Coordinator: broker + collector + workers
//   │   ├── --tasks               # Submit tasks from a JSON file, then shut down
//   │   └── --local               # Run every worker on this host
//   ├── collect                    # Event collector (spawned by launch)
//   ├── worker                     # Worker process (spawned by launch via pbsdsh)
//   ├── submit                     # Submit tasks to a running pool
//   │   └── --file, -f            # Task JSON file
//   ├── status                     # Latest status per task from the event logs
//   └── --config, -c              # YAML config (default: configs/taskpool.yaml)
//
// launch Command:
//   1. Load config file
//   2. Launch the fleet (broker, collector, one worker per node)
//   3. Run the task file, or wait for SIGINT/SIGTERM
//   4. Run the ordered shutdown sequence
//
//   Examples:
//     taskpool launch --tasks tasks.json
//     taskpool launch --local -c configs/taskpool.yaml
//
// Task file format:
//   [
//     {"name": "exec", "args": "gdalinfo /g/data/x.tif", "timeout": 600},
//     {"name": "sleep", "args": "2s"}
//   ]
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/ChuLiYu/taskpool/internal/broker"
	"github.com/ChuLiYu/taskpool/internal/eventlog"
	"github.com/ChuLiYu/taskpool/internal/executor"
	"github.com/ChuLiYu/taskpool/internal/fleet"
	"github.com/ChuLiYu/taskpool/internal/logger"
	"github.com/ChuLiYu/taskpool/internal/pbs"
	"github.com/ChuLiYu/taskpool/internal/snapshot"
	"github.com/ChuLiYu/taskpool/pkg/types"
)

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "taskpool",
		Short: "taskpool: a transient worker pool for PBS batch jobs",
		Long: `taskpool launches a worker pool across the nodes of a PBS job with:
- one worker process per node, sized by its cores
- a collector persisting every task event to JSONL
- an ordered shutdown that drains events before exiting`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", DefaultConfigPath, "config file path")

	rootCmd.AddCommand(buildLaunchCommand())
	rootCmd.AddCommand(buildCollectCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// configFor loads the config; the file must exist only when --config was given.
func configFor(cmd *cobra.Command) (*Config, error) {
	return loadConfig(configFile, cmd.Flags().Changed("config"))
}

func newLogger(cfg *Config, component string) (*logger.Logger, error) {
	log, err := logger.New(&cfg.Log)
	if err != nil {
		return nil, err
	}
	return log.With("component", component), nil
}

// parseAddr splits host:port.
func parseAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("broker address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return "", 0, fmt.Errorf("broker address %q: bad port", addr)
	}
	return host, port, nil
}

// brokerPassword prefers the environment, then the password file named in
// the environment, then the configured file.
func brokerPassword(cfg *Config) (string, error) {
	if pw := os.Getenv(broker.PasswordEnv); pw != "" {
		return pw, nil
	}
	path := os.Getenv(broker.PasswordFileEnv)
	if path == "" {
		path = cfg.Broker.PasswordFile
	}
	return broker.ReadPassword(path)
}

// connectBroker dials addr (or the configured broker when addr is empty).
func connectBroker(ctx context.Context, cfg *Config, addr, prefix string) (*broker.Client, error) {
	host, port := cfg.Broker.Host, cfg.Broker.Port
	if addr != "" {
		var err error
		if host, port, err = parseAddr(addr); err != nil {
			return nil, err
		}
	}
	if host == "" {
		host = "127.0.0.1"
	}
	if prefix == "" {
		prefix = cfg.Broker.Prefix
	}
	password, err := brokerPassword(cfg)
	if err != nil {
		return nil, err
	}
	return broker.Connect(ctx, broker.Config{Host: host, Port: port, Password: password, Prefix: prefix})
}

// ============================================================================
// launch
// ============================================================================

func buildLaunchCommand() *cobra.Command {
	var taskFile string
	var local bool

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Start the worker pool on the nodes of this job",
		Long:  "Start the broker, the event collector and one worker per node, run tasks, then shut everything down in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFor(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runLaunch(cmd, cfg, taskFile, local)
		},
	}

	cmd.Flags().StringVar(&taskFile, "tasks", "", "JSON file of tasks to run; without it, run until interrupted")
	cmd.Flags().BoolVar(&local, "local", false, "run all workers on this host (development)")
	return cmd
}

func runLaunch(cmd *cobra.Command, cfg *Config, taskFile string, local bool) error {
	log, err := newLogger(cfg, "coordinator")
	if err != nil {
		return err
	}
	defer log.Sync()

	var tasks []executor.Task
	if taskFile != "" {
		if tasks, err = executor.LoadTasks(taskFile); err != nil {
			return err
		}
	}

	nodes, spawner, err := placement(cfg, local)
	if err != nil {
		return err
	}

	binary := cfg.Worker.Binary
	if binary == "" {
		if binary, err = os.Executable(); err != nil {
			return fmt.Errorf("locate taskpool binary: %w", err)
		}
	}
	childConfig := ""
	if cmd.Flags().Changed("config") {
		childConfig = configFile
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f, err := fleet.Launch(ctx, cfg.fleetConfig(binary, childConfig), nodes, fleet.DefaultDeps(spawner, os.Stderr), log)
	if err != nil {
		return fmt.Errorf("launch failed: %w", err)
	}

	var runErr error
	if len(tasks) > 0 {
		outcomes := f.Executor().RunAll(ctx, tasks)
		runErr = printOutcomes(cmd.OutOrStdout(), outcomes)
	} else {
		log.Info("pool running, waiting for SIGINT/SIGTERM")
		<-ctx.Done()
	}
	stop()

	log.Info("shutting down")
	return multierr.Append(runErr, f.Shutdown(context.Background()))
}

// placement picks the nodes and how to start processes on them.
func placement(cfg *Config, local bool) ([]pbs.Node, pbs.Spawner, error) {
	mode := cfg.Worker.Spawner
	if local {
		mode = "local"
	}
	if mode == "auto" {
		mode = "local"
		if pbs.InJob() {
			mode = "pbsdsh"
		}
	}
	if mode == "local" {
		return pbs.LocalNodes(runtime.NumCPU()), pbs.Local{}, nil
	}
	nodes, err := pbs.Nodes()
	if err != nil {
		return nil, nil, err
	}
	return nodes, pbs.Pbsdsh{}, nil
}

func printOutcomes(w io.Writer, outcomes []executor.Outcome) error {
	failed := 0
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			failed++
			fmt.Fprintf(w, "❌ %s %s: %v\n", o.ID, o.Task.Name, o.Err)
		case !o.Result.Success:
			failed++
			fmt.Fprintf(w, "❌ %s %s on %s: %s\n", o.ID, o.Task.Name, o.Result.Hostname, o.Result.Error)
		default:
			fmt.Fprintf(w, "✅ %s %s on %s: %s\n", o.ID, o.Task.Name, o.Result.Hostname, o.Result.Result)
		}
	}
	fmt.Fprintf(w, "\n%d/%d tasks succeeded\n", len(outcomes)-failed, len(outcomes))
	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(outcomes))
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var eventsDir string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest status of every task",
		Long:  "Read every event log in the events directory and tally the latest status of each task",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFor(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if eventsDir == "" {
				eventsDir = cfg.Task.EventsDir
			}
			return showStatus(cmd.OutOrStdout(), eventsDir)
		},
	}
	cmd.Flags().StringVar(&eventsDir, "events-dir", "", "directory holding *-collected-events.jsonl (default from config)")
	return cmd
}

func showStatus(w io.Writer, dir string) error {
	latest, err := eventlog.LatestStatus(dir)
	if err != nil {
		return fmt.Errorf("read event logs: %w", err)
	}
	counts := make(map[types.Status]int)
	for _, s := range latest {
		counts[s]++
	}

	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           taskpool Status                                 ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintf(w, "📁 Events: %s\n\n", dir)

	fmt.Fprintln(w, "📊 Tasks:")
	fmt.Fprintf(w, "  ├─ Total:      %d\n", len(latest))
	for i, s := range types.AllStatuses {
		branch := "├─"
		if i == len(types.AllStatuses)-1 {
			branch = "└─"
		}
		fmt.Fprintf(w, "  %s %-10s  %d\n", branch, s, counts[s])
	}
	fmt.Fprintln(w)

	summaries, err := snapshot.LoadAll(dir)
	if err != nil {
		return fmt.Errorf("read collector summaries: %w", err)
	}
	if len(summaries) == 0 {
		return nil
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Hostname < summaries[j].Hostname })
	fmt.Fprintln(w, "📡 Collectors:")
	for _, s := range summaries {
		fmt.Fprintf(w, "  └─ %s: %d events written, drain %s (%.1fs)", s.Hostname, s.EventsWritten, s.DrainOutcome, s.DrainSeconds)
		if len(s.ActiveWorkers) > 0 {
			fmt.Fprintf(w, ", still active: %v", s.ActiveWorkers)
		}
		if s.Error != "" {
			fmt.Fprintf(w, ", error: %s", s.Error)
		}
		fmt.Fprintln(w)
	}
	return nil
}
