package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/taskpool/internal/collector"
	"github.com/ChuLiYu/taskpool/internal/fleet"
	"github.com/ChuLiYu/taskpool/internal/logger"
	"github.com/ChuLiYu/taskpool/internal/worker"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "configs/taskpool.yaml"

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Task      TaskConfig      `yaml:"task"`
	Broker    BrokerConfig    `yaml:"broker"`
	Collector CollectorConfig `yaml:"collector"`
	Worker    WorkerConfig    `yaml:"worker"`
	Log       logger.Config   `yaml:"log"`
}

// TaskConfig names the run and where its events go.
type TaskConfig struct {
	Name      string `yaml:"name"`
	EventsDir string `yaml:"events_dir"`
	User      string `yaml:"user"`
}

// BrokerConfig describes the redis-server the coordinator starts.
type BrokerConfig struct {
	Host           string        `yaml:"host"` // address workers dial; empty = coordinator host
	Port           int           `yaml:"port"`
	Prefix         string        `yaml:"prefix"`
	PasswordFile   string        `yaml:"password_file"`
	ServerBinary   string        `yaml:"server_binary"`
	ServerDir      string        `yaml:"server_dir"`
	HealthRetries  int           `yaml:"health_retries"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// CollectorConfig controls the event collector process.
type CollectorConfig struct {
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxDrainWait time.Duration `yaml:"max_drain_wait"`
	HealthPort   int           `yaml:"health_port"`  // 0 = pick a free port
	MetricsPort  int           `yaml:"metrics_port"` // 0 = disabled
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

// WorkerConfig controls the worker processes.
type WorkerConfig struct {
	ReservedCores int           `yaml:"reserved_cores"`
	Heartbeat     time.Duration `yaml:"heartbeat_interval"`
	TaskTimeout   time.Duration `yaml:"task_timeout"`
	ExitTimeout   time.Duration `yaml:"exit_timeout"` // 0 = wait forever
	KillGrace     time.Duration `yaml:"kill_grace"`   // SIGTERM to SIGKILL after exit_timeout
	Spawner       string        `yaml:"spawner"`      // auto, pbsdsh, local
	EnvPrefixes   []string      `yaml:"env_prefixes"`
	Binary        string        `yaml:"binary"` // empty = this executable
	MetricsPort   int           `yaml:"metrics_port"`
}

// DefaultConfig returns the values used for anything the file leaves out.
func DefaultConfig() *Config {
	return &Config{
		Task: TaskConfig{
			Name:      "taskpool",
			EventsDir: ".",
		},
		Broker: BrokerConfig{
			Port:           6379,
			Prefix:         "taskpool",
			PasswordFile:   "~/.taskpool/broker.pw",
			ServerBinary:   "redis-server",
			HealthRetries:  5,
			HealthInterval: 500 * time.Millisecond,
		},
		Collector: CollectorConfig{
			IdleTimeout:  collector.DefaultIdleTimeout,
			MaxDrainWait: collector.DefaultMaxDrainWait,
			ReadyTimeout: 30 * time.Second,
		},
		Worker: WorkerConfig{
			ReservedCores: fleet.DefaultReservedCores,
			Heartbeat:     worker.DefaultHeartbeat,
			Spawner:       "auto",
		},
		Log: logger.Config{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// loadConfig decodes path over DefaultConfig. A missing file is only an
// error when it was asked for explicitly.
func loadConfig(path string, required bool) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !required {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Task.Name == "" {
		return errors.New("task.name is required")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port %d out of range", c.Broker.Port)
	}
	if c.Broker.Prefix == "" {
		return errors.New("broker.prefix is required")
	}
	if c.Broker.PasswordFile == "" {
		return errors.New("broker.password_file is required")
	}
	if c.Worker.ReservedCores < 0 {
		return errors.New("worker.reserved_cores must not be negative")
	}
	if c.Worker.ExitTimeout < 0 {
		return errors.New("worker.exit_timeout must not be negative")
	}
	if c.Worker.KillGrace < 0 {
		return errors.New("worker.kill_grace must not be negative")
	}
	switch c.Worker.Spawner {
	case "auto", "pbsdsh", "local":
	default:
		return fmt.Errorf("worker.spawner %q: want auto, pbsdsh or local", c.Worker.Spawner)
	}
	return nil
}

// fleetConfig maps the file layout onto the launcher's flat config.
func (c *Config) fleetConfig(binary, configPath string) fleet.Config {
	return fleet.Config{
		Binary:         binary,
		ConfigPath:     configPath,
		TaskName:       c.Task.Name,
		EventsDir:      c.Task.EventsDir,
		User:           c.Task.User,
		BrokerHost:     c.Broker.Host,
		BrokerPort:     c.Broker.Port,
		Prefix:         c.Broker.Prefix,
		PasswordFile:   c.Broker.PasswordFile,
		ServerBinary:   c.Broker.ServerBinary,
		ServerDir:      c.Broker.ServerDir,
		HealthRetries:  c.Broker.HealthRetries,
		HealthInterval: c.Broker.HealthInterval,
		HealthPort:     c.Collector.HealthPort,
		MetricsPort:    c.Collector.MetricsPort,
		ReadyTimeout:   c.Collector.ReadyTimeout,
		IdleTimeout:    c.Collector.IdleTimeout,
		MaxDrainWait:   c.Collector.MaxDrainWait,
		ReservedCores:  c.Worker.ReservedCores,
		Heartbeat:      c.Worker.Heartbeat,
		TaskTimeout:    c.Worker.TaskTimeout,
		ExitTimeout:    c.Worker.ExitTimeout,
		KillGrace:      c.Worker.KillGrace,
		EnvPrefixes:    c.Worker.EnvPrefixes,
	}
}
