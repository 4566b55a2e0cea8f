package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/taskpool/internal/broker"
	"github.com/ChuLiYu/taskpool/internal/logger"
)

const (
	// DefaultHeartbeat matches the interval the tracker assumes when none is advertised.
	DefaultHeartbeat = 2 * time.Second
	offlineTimeout   = 5 * time.Second
)

// Node is the worker process on one host: a Pool plus worker-online,
// worker-heartbeat and worker-offline events around it.
type Node struct {
	src       ControlSource
	pool      *Pool
	heartbeat time.Duration
	log       *logger.Logger
	now       func() time.Time
	pid       int
}

// NewNode wraps pool. heartbeat <= 0 uses DefaultHeartbeat.
func NewNode(src ControlSource, pool *Pool, heartbeat time.Duration, log *logger.Logger) *Node {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Node{
		src:       src,
		pool:      pool,
		heartbeat: heartbeat,
		log:       log,
		now:       pool.now,
		pid:       os.Getpid(),
	}
}

// Run serves tasks until the broker broadcasts a shutdown or ctx is cancelled
// (SIGINT/SIGTERM). In-flight tasks are finished, then worker-offline is
// emitted as the last event of this node.
func (n *Node) Run(ctx context.Context) error {
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	shutdown, err := n.src.WatchShutdown(watchCtx)
	if err != nil {
		return fmt.Errorf("watch control channel: %w", err)
	}

	// tasks outlive a cancelled ctx; only polling stops
	work := context.WithoutCancel(ctx)

	if err := n.emit(work, broker.WorkerOnline); err != nil {
		return fmt.Errorf("announce worker: %w", err)
	}
	if err := n.pool.Start(work); err != nil {
		n.offline(work)
		return err
	}

	beatDone := make(chan struct{})
	beatStopped := make(chan struct{})
	go func() {
		defer close(beatStopped)
		n.beat(work, beatDone)
	}()

	select {
	case <-shutdown:
		n.log.Info("shutdown broadcast received", "hostname", n.pool.cfg.Hostname)
	case <-ctx.Done():
		n.log.Info("signal received, stopping", "hostname", n.pool.cfg.Hostname)
	}

	n.pool.Stop()
	close(beatDone)
	<-beatStopped
	n.offline(work)
	return nil
}

func (n *Node) beat(ctx context.Context, done <-chan struct{}) {
	t := time.NewTicker(n.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := n.emit(ctx, broker.WorkerHeartbeat); err != nil {
				n.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (n *Node) offline(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, offlineTimeout)
	defer cancel()
	if err := n.emit(ctx, broker.WorkerOffline); err != nil {
		n.log.Error("emit worker-offline failed", "error", err)
	}
}

func (n *Node) emit(ctx context.Context, typ string) error {
	return n.src.Emit(ctx, broker.RawEvent{
		Type:      typ,
		Hostname:  n.pool.cfg.Hostname,
		PID:       n.pid,
		Timestamp: broker.Stamp(n.now()),
		Freq:      n.heartbeat.Seconds(),
	})
}
