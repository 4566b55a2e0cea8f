package collector

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/taskpool/internal/logger"
)

// StopCommand is the line the coordinator writes on the collector's stdin.
const StopCommand = "stop"

// Flag 跨進程的停止旗標：只會從 false 變成 true 一次
type Flag struct {
	set  atomic.Bool
	once sync.Once
	done chan struct{}
}

// NewFlag 建立未設定的旗標
func NewFlag() *Flag {
	return &Flag{done: make(chan struct{})}
}

// Set marks the flag. Later calls are no-ops.
func (f *Flag) Set() {
	f.once.Do(func() {
		f.set.Store(true)
		close(f.done)
	})
}

// IsSet 讀取旗標，不會阻塞
func (f *Flag) IsSet() bool {
	return f.set.Load()
}

// Done is closed when the flag is set.
func (f *Flag) Done() <-chan struct{} {
	return f.done
}

// WatchStop reads r (the collector's stdin) until the coordinator writes
// StopCommand or closes its end. EOF also sets the flag: a coordinator that
// died without a clean shutdown still lets the collector drain and exit.
func WatchStop(r io.Reader, f *Flag, log *logger.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == StopCommand {
			log.Info("stop requested by coordinator")
			f.Set()
			return
		}
		if line != "" {
			log.Warn("ignoring unknown control line", "line", line)
		}
	}
	if err := sc.Err(); err != nil {
		log.Warn("control pipe read failed, treating as stop", "error", err)
	} else {
		log.Info("control pipe closed, treating as stop")
	}
	f.Set()
}
