package fleet

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/taskpool/internal/broker"
	"github.com/ChuLiYu/taskpool/internal/collector"
	"github.com/ChuLiYu/taskpool/internal/executor"
	"github.com/ChuLiYu/taskpool/internal/pbs"
)

// BrokerServer is a running broker process.
type BrokerServer interface {
	Pid() int
	Addr() string
	Shutdown(ctx context.Context) error
}

// Control is the broker connection the coordinator keeps open.
// *broker.Client satisfies it.
type Control interface {
	executor.Broker
	BroadcastShutdown(ctx context.Context) error
	Close() error
}

// CollectorProcess is the collector child. Stop sets its shutdown flag.
type CollectorProcess interface {
	pbs.Process
	Stop() error
}

// Deps are the collaborators Launch drives. DefaultDeps wires the real ones.
type Deps struct {
	StartBroker    func(cfg broker.ServerConfig) (BrokerServer, error)
	WaitReachable  func(ctx context.Context, addr, password string, attempts int, interval time.Duration) error
	ConnectBroker  func(ctx context.Context, cfg broker.Config) (Control, error)
	StartCollector func(command []string, env map[string]string) (CollectorProcess, error)
	CollectorReady func(ctx context.Context, addr string) error
	Spawner        pbs.Spawner
}

// DefaultDeps returns the production collaborators. Child output goes to out.
func DefaultDeps(spawner pbs.Spawner, out io.Writer) Deps {
	return Deps{
		StartBroker: func(cfg broker.ServerConfig) (BrokerServer, error) {
			return broker.StartServer(cfg)
		},
		WaitReachable: broker.WaitReachable,
		ConnectBroker: func(ctx context.Context, cfg broker.Config) (Control, error) {
			return broker.Connect(ctx, cfg)
		},
		StartCollector: func(command []string, env map[string]string) (CollectorProcess, error) {
			return StartCollector(command, env, out)
		},
		CollectorReady: func(ctx context.Context, addr string) error {
			return collector.WaitServing(ctx, addr, 200*time.Millisecond)
		},
		Spawner: spawner,
	}
}

// ============================================================================
// Collector child process
// ============================================================================

// LocalCollector is a collector started on this host with a pipe to its stdin.
type LocalCollector struct {
	*pbs.CmdProcess
	stdin io.WriteCloser
	once  sync.Once
	err   error
}

// StartCollector runs command with env added and keeps its stdin open.
func StartCollector(command []string, env map[string]string, out io.Writer) (*LocalCollector, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty collector command")
	}
	if out == nil {
		out = os.Stderr
	}
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = os.Environ()
	for _, k := range sortedKeys(env) {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}
	cmd.Stdout = out
	cmd.Stderr = out
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("collector stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start collector: %w", err)
	}
	return &LocalCollector{CmdProcess: pbs.Track(cmd), stdin: stdin}, nil
}

// Stop writes the stop command and closes the pipe. Safe to call more than once.
func (c *LocalCollector) Stop() error {
	c.once.Do(func() {
		_, err := io.WriteString(c.stdin, collector.StopCommand+"\n")
		if cerr := c.stdin.Close(); err == nil {
			err = cerr
		}
		// the collector may already be gone; EOF on its side is equivalent
		select {
		case <-c.Done():
			err = nil
		default:
		}
		c.err = err
	})
	return c.err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// freeLocalAddr reserves and releases a loopback port.
func freeLocalAddr() (string, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := lis.Addr().String()
	if err := lis.Close(); err != nil {
		return "", err
	}
	return addr, nil
}
