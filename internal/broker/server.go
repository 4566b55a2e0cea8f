package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ServerConfig describes the redis-server process started by the coordinator.
type ServerConfig struct {
	Binary   string // default "redis-server"
	Bind     string // default "0.0.0.0"; workers connect from other nodes
	Port     int
	Password string
	Dir      string // working directory and location of the generated config file
}

// Server is a running redis-server child process.
type Server struct {
	cfg      ServerConfig
	cmd      *exec.Cmd
	confPath string

	done    chan struct{}
	waitErr error
	once    sync.Once
}

// StartServer writes a private config file (the password never appears on the
// command line) and starts redis-server in its own process group, so an
// interrupt aimed at the coordinator does not take the broker down before the
// collector has drained.
func StartServer(cfg ServerConfig) (*Server, error) {
	if cfg.Binary == "" {
		cfg.Binary = "redis-server"
	}
	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0"
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid broker port %d", cfg.Port)
	}
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}

	conf, err := os.CreateTemp(cfg.Dir, "taskpool-redis-*.conf")
	if err != nil {
		return nil, fmt.Errorf("create broker config: %w", err)
	}
	confPath := conf.Name()
	body := fmt.Sprintf("bind %s\nport %d\nrequirepass %s\nsave \"\"\nappendonly no\ndir %s\n",
		cfg.Bind, cfg.Port, cfg.Password, cfg.Dir)
	if _, err := conf.WriteString(body); err != nil {
		conf.Close()
		os.Remove(confPath)
		return nil, fmt.Errorf("write broker config: %w", err)
	}
	if err := conf.Close(); err != nil {
		os.Remove(confPath)
		return nil, fmt.Errorf("close broker config: %w", err)
	}

	cmd := exec.Command(cfg.Binary, confPath)
	cmd.Dir = cfg.Dir
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		os.Remove(confPath)
		return nil, fmt.Errorf("start %s: %w", cfg.Binary, err)
	}

	s := &Server{cfg: cfg, cmd: cmd, confPath: confPath, done: make(chan struct{})}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.done)
	}()
	return s, nil
}

// Pid returns the broker process id.
func (s *Server) Pid() int {
	return s.cmd.Process.Pid
}

// Addr returns the address clients on this host should dial.
func (s *Server) Addr() string {
	return Config{Host: "127.0.0.1", Port: s.cfg.Port}.Addr()
}

// Exited reports whether the process has already terminated.
func (s *Server) Exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Shutdown sends SIGTERM and waits for exit; when ctx expires first the
// process is killed. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		defer os.Remove(s.confPath)

		if s.Exited() {
			err = s.exitError()
			return
		}
		if sigErr := s.cmd.Process.Signal(syscall.SIGTERM); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
			err = fmt.Errorf("signal broker: %w", sigErr)
		}

		select {
		case <-s.done:
			if err == nil {
				err = s.exitError()
			}
		case <-ctx.Done():
			_ = s.cmd.Process.Kill()
			select {
			case <-s.done:
			case <-time.After(5 * time.Second):
			}
			err = fmt.Errorf("broker did not stop in time, killed: %w", ctx.Err())
		}
	})
	return err
}

// exitError ignores the exit status produced by our own SIGTERM.
func (s *Server) exitError() error {
	var exitErr *exec.ExitError
	if errors.As(s.waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() && status.Signal() == syscall.SIGTERM {
			return nil
		}
		if exitErr.ExitCode() == 0 {
			return nil
		}
	}
	return s.waitErr
}
