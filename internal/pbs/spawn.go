package pbs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Process is a spawned child.
type Process interface {
	Pid() int
	Wait() error
	Kill() error
}

// Spawner starts command on node with env added to the child's environment.
type Spawner interface {
	Spawn(node Node, command []string, env map[string]string) (Process, error)
}

// Pbsdsh runs commands on job nodes through pbsdsh. The remote task does not
// inherit our environment, so env is passed with env(1).
type Pbsdsh struct {
	Binary string    // default "pbsdsh"
	Output io.Writer // default os.Stderr
}

// Spawn implements Spawner.
func (p Pbsdsh) Spawn(node Node, command []string, env map[string]string) (Process, error) {
	if len(command) == 0 {
		return nil, errors.New("empty command")
	}
	bin := p.Binary
	if bin == "" {
		bin = "pbsdsh"
	}
	args := PbsdshArgs(node.Offset, command, env)
	cmd := exec.Command(bin, args...)
	return start(cmd, p.Output)
}

// PbsdshArgs builds: -n <offset> -- env K=V ... /bin/sh -c 'exec <command>'
func PbsdshArgs(offset int, command []string, env map[string]string) []string {
	quoted := make([]string, len(command))
	for i, c := range command {
		quoted[i] = shellQuote(c)
	}
	args := []string{"-n", strconv.Itoa(offset), "--", "env"}
	args = append(args, envList(env)...)
	return append(args, "/bin/sh", "-c", "exec "+strings.Join(quoted, " "))
}

// Local runs commands on this host in their own process group; the node is ignored.
type Local struct {
	Output io.Writer // default os.Stderr
}

// Spawn implements Spawner.
func (l Local) Spawn(_ Node, command []string, env map[string]string) (Process, error) {
	if len(command) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = append(os.Environ(), envList(env)...)
	return start(cmd, l.Output)
}

func start(cmd *exec.Cmd, out io.Writer) (*CmdProcess, error) {
	if out == nil {
		out = os.Stderr
	}
	cmd.Stdout = out
	cmd.Stderr = out
	configureProcess(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	return Track(cmd), nil
}

// CmdProcess wraps a started exec.Cmd; Wait may be called from several goroutines.
type CmdProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
	once sync.Once
}

// Track starts reaping an already started command.
func Track(cmd *exec.Cmd) *CmdProcess {
	p := &CmdProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p
}

// Pid returns the process id.
func (p *CmdProcess) Pid() int {
	return p.cmd.Process.Pid
}

// Wait blocks until the process exits.
func (p *CmdProcess) Wait() error {
	<-p.done
	return p.err
}

// Done is closed when the process exits.
func (p *CmdProcess) Done() <-chan struct{} {
	return p.done
}

// Kill sends SIGKILL to the process group.
func (p *CmdProcess) Kill() error {
	var err error
	p.once.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		err = killProcessGroup(p.cmd)
	})
	return err
}

// Terminate sends SIGTERM to the process group. For pbsdsh, PBS forwards the
// signal to the remote task.
func (p *CmdProcess) Terminate() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return terminateProcessGroup(p.cmd)
}

// shellQuote quotes s for /bin/sh.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@,+%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
