package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/taskpool/internal/broker"
	"github.com/ChuLiYu/taskpool/internal/eventlog"
	"github.com/ChuLiYu/taskpool/internal/executor"
	"github.com/ChuLiYu/taskpool/internal/snapshot"
	"github.com/ChuLiYu/taskpool/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "taskpool", cmd.Use)

	// 檢查子命令
	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Use] = true
	}
	for _, name := range []string{"launch", "collect", "worker", "submit", "status"} {
		assert.True(t, commandNames[name], "Should have '%s' command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, DefaultConfigPath, configFlag.DefValue)
}

func TestCommandFlags(t *testing.T) {
	lookup := func(cmd *cobra.Command, names ...string) {
		t.Helper()
		for _, n := range names {
			assert.NotNil(t, cmd.Flags().Lookup(n), "%s should have --%s", cmd.Use, n)
		}
		assert.NotNil(t, cmd.RunE, "RunE function should be set")
	}
	lookup(buildLaunchCommand(), "tasks", "local")
	lookup(buildCollectCommand(), "broker", "prefix", "task-name", "events-dir", "health-addr", "idle-timeout", "max-drain-wait", "user", "metrics-port")
	lookup(buildWorkerCommand(), "broker", "prefix", "nprocs", "name", "heartbeat", "task-timeout")
	lookup(buildSubmitCommand(), "file", "broker", "prefix", "wait")
	lookup(buildStatusCommand(), "events-dir")

	assert.Equal(t, "f", buildSubmitCommand().Flags().Lookup("file").Shorthand)
	assert.True(t, buildCollectCommand().Hidden)
}

// ============================================================================
// Config
// ============================================================================

func TestLoadConfig_ValidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "taskpool.yaml")
	configContent := `
task:
  name: ingest
  events_dir: /scratch/events
broker:
  port: 7000
  prefix: run-42
  health_interval: 250ms
collector:
  idle_timeout: 2s
  max_drain_wait: 30s
worker:
  reserved_cores: 1
  exit_timeout: 5m
  spawner: pbsdsh
  env_prefixes: [DATACUBE_]
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	cfg, err := loadConfig(configPath, true)
	require.NoError(t, err)

	assert.Equal(t, "ingest", cfg.Task.Name)
	assert.Equal(t, "/scratch/events", cfg.Task.EventsDir)
	assert.Equal(t, 7000, cfg.Broker.Port)
	assert.Equal(t, "run-42", cfg.Broker.Prefix)
	assert.Equal(t, 250*time.Millisecond, cfg.Broker.HealthInterval)
	assert.Equal(t, 2*time.Second, cfg.Collector.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.Collector.MaxDrainWait)
	assert.Equal(t, 1, cfg.Worker.ReservedCores)
	assert.Equal(t, 5*time.Minute, cfg.Worker.ExitTimeout)
	assert.Equal(t, "pbsdsh", cfg.Worker.Spawner)
	assert.Equal(t, []string{"DATACUBE_"}, cfg.Worker.EnvPrefixes)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 檔案未設定的欄位保留預設值
	assert.Equal(t, 5, cfg.Broker.HealthRetries)
	assert.Equal(t, "~/.taskpool/broker.pw", cfg.Broker.PasswordFile)
	assert.Equal(t, 2*time.Second, cfg.Worker.Heartbeat)
}

func TestLoadConfig_ShippedFile(t *testing.T) {
	cfg, err := loadConfig(filepath.Join("..", "..", DefaultConfigPath), true)
	require.NoError(t, err)
	assert.Equal(t, 6379, cfg.Broker.Port)
	assert.Equal(t, time.Duration(0), cfg.Worker.ExitTimeout)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml", true)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")

	cfg, err = loadConfig("/nonexistent/config.yaml", false)
	require.NoError(t, err, "a missing default config falls back to defaults")
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	invalidYAML := `
broker:
  port: "not a number"
  invalid yaml structure
    broken indentation
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0o644))

	cfg, err := loadConfig(configPath, true)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(""), 0o644))

	cfg, err := loadConfig(configPath, true)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_Validation(t *testing.T) {
	cases := map[string]string{
		"port":     "broker:\n  port: 70000\n",
		"prefix":   "broker:\n  prefix: \"\"\n",
		"spawner":  "worker:\n  spawner: ssh\n",
		"reserved": "worker:\n  reserved_cores: -1\n",
		"exit":     "worker:\n  exit_timeout: -1s\n",
		"name":     "task:\n  name: \"\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := loadConfig(path, true)
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}

func TestFleetConfigMapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Worker.ExitTimeout = time.Minute
	cfg.Worker.KillGrace = 3 * time.Second
	cfg.Collector.HealthPort = 50051

	fc := cfg.fleetConfig("/bin/taskpool", "custom.yaml")
	assert.Equal(t, "/bin/taskpool", fc.Binary)
	assert.Equal(t, "custom.yaml", fc.ConfigPath)
	assert.Equal(t, cfg.Broker.Port, fc.BrokerPort)
	assert.Equal(t, cfg.Broker.Prefix, fc.Prefix)
	assert.Equal(t, time.Minute, fc.ExitTimeout)
	assert.Equal(t, 3*time.Second, fc.KillGrace)
	assert.Equal(t, 50051, fc.HealthPort)
	assert.Equal(t, 2, fc.ReservedCores)
	assert.Equal(t, 5*time.Second, fc.IdleTimeout)
	assert.Equal(t, 60*time.Second, fc.MaxDrainWait)
}

// ============================================================================
// Helpers
// ============================================================================

func TestParseAddr(t *testing.T) {
	host, port, err := parseAddr("gadi-cpu-01:6379")
	require.NoError(t, err)
	assert.Equal(t, "gadi-cpu-01", host)
	assert.Equal(t, 6379, port)

	for _, bad := range []string{"gadi-cpu-01", "host:abc", "host:0"} {
		_, _, err := parseAddr(bad)
		assert.Error(t, err, bad)
	}
}

func TestBrokerPasswordPrecedence(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "cfg.pw")
	envFile := filepath.Join(dir, "env.pw")
	require.NoError(t, os.WriteFile(cfgFile, []byte("from-config\n"), 0o600))
	require.NoError(t, os.WriteFile(envFile, []byte("from-env-file\n"), 0o600))

	cfg := DefaultConfig()
	cfg.Broker.PasswordFile = cfgFile

	t.Setenv(broker.PasswordEnv, "")
	t.Setenv(broker.PasswordFileEnv, "")
	pw, err := brokerPassword(cfg)
	require.NoError(t, err)
	assert.Equal(t, "from-config", pw)

	t.Setenv(broker.PasswordFileEnv, envFile)
	pw, err = brokerPassword(cfg)
	require.NoError(t, err)
	assert.Equal(t, "from-env-file", pw)

	t.Setenv(broker.PasswordEnv, "from-env")
	pw, err = brokerPassword(cfg)
	require.NoError(t, err)
	assert.Equal(t, "from-env", pw)
}

func TestPlacementLocal(t *testing.T) {
	cfg := DefaultConfig()
	nodes, _, err := placement(cfg, true)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.True(t, nodes[0].IsMain)
}

func TestPrintOutcomes(t *testing.T) {
	id := uuid.New()
	var out bytes.Buffer
	err := printOutcomes(&out, []executor.Outcome{
		{ID: id, Task: executor.Task{Name: "echo"}, Result: &broker.ResultMessage{Success: true, Result: "hi", Hostname: "taskpool@a"}},
		{ID: id, Task: executor.Task{Name: "exec"}, Result: &broker.ResultMessage{Success: false, Error: "exit status 1", Hostname: "taskpool@b"}},
	})
	assert.ErrorContains(t, err, "1 of 2 tasks failed")
	assert.Contains(t, out.String(), "✅ "+id.String()+" echo on taskpool@a: hi")
	assert.Contains(t, out.String(), "exit status 1")
	assert.Contains(t, out.String(), "1/2 tasks succeeded")
}

// ============================================================================
// status
// ============================================================================

func TestShowStatus(t *testing.T) {
	dir := t.TempDir()
	w, err := eventlog.Open(dir, "gadi-login-01")
	require.NoError(t, err)

	done, failed := uuid.New(), uuid.New()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, ev := range []struct {
		id     uuid.UUID
		status types.Status
	}{
		{done, types.StatusPending},
		{done, types.StatusActive},
		{failed, types.StatusPending},
		{done, types.StatusComplete},
		{failed, types.StatusFailed},
	} {
		require.NoError(t, w.Write(&types.TaskEvent{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Event:     types.EventTag(ev.status),
			TaskName:  "ingest",
			User:      "alice",
			Status:    ev.status,
			TaskID:    ev.id,
		}))
	}
	require.NoError(t, w.Close())

	require.NoError(t, snapshot.NewManager(snapshot.SummaryPath(dir, "gadi-login-01")).Write(snapshot.Summary{
		Hostname:      "gadi-login-01",
		EventsWritten: 5,
		DrainOutcome:  snapshot.DrainClean,
	}))

	var out bytes.Buffer
	require.NoError(t, showStatus(&out, dir))
	text := out.String()
	assert.Contains(t, text, "Total:      2")
	assert.Regexp(t, `COMPLETE\s+1`, text)
	assert.Regexp(t, `FAILED\s+1`, text)
	assert.Regexp(t, `PENDING\s+0`, text)
	assert.Contains(t, text, "gadi-login-01: 5 events written, drain clean")
}

func TestShowStatusEmptyDir(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, showStatus(&out, t.TempDir()))
	assert.Contains(t, out.String(), "Total:      0")
	assert.NotContains(t, out.String(), "Collectors")
}
