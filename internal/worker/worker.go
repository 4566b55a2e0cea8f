// ============================================================================
// taskpool Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that pulls tasks from the broker queue and executes them,
//           each Worker runs in an independent goroutine
//
// How it works:
//   1. Poll the broker queue (bounded block so a stop request is noticed)
//   2. Emit task-received, task-started
//   3. Run the registered handler with a per-task timeout
//   4. Emit task-succeeded / task-failed, store the result
//   5. Repeat until the stop channel is closed
//
// Timeout Control:
//   - Each task has an independent Context (task timeout, else the pool default)
//   - Handlers must honour ctx; an expired task fails with DeadlineExceeded
//
// Stopping:
//   - stop only ends polling; a task already taken is always finished
//   - the run ctx is cancelled only when the process is torn down
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/taskpool/internal/broker"
	"github.com/ChuLiYu/taskpool/internal/logger"
	"github.com/ChuLiYu/taskpool/internal/metrics"
)

var (
	// ErrUnknownTask 表示沒有對應名稱的 handler
	ErrUnknownTask = errors.New("unknown task")
)

// Worker represents a work execution unit
type Worker struct {
	id       int
	src      Source
	handlers Registry
	hostname string
	pid      int

	pollTimeout    time.Duration
	defaultTimeout time.Duration

	log     *logger.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// Run is the main loop of Worker. It returns when stop is closed or ctx ends,
// never in the middle of a task.
func (w *Worker) Run(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		task, err := w.src.Poll(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("poll failed", "worker", w.id, "error", err)
			w.backoff(ctx, stop)
			continue
		}
		if task == nil {
			continue
		}
		w.Execute(ctx, task)
	}
}

// backoff pauses after a broker error; stop or ctx end the pause early.
func (w *Worker) backoff(ctx context.Context, stop <-chan struct{}) {
	t := time.NewTimer(time.Second)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stop:
	case <-ctx.Done():
	}
}

// Execute runs one task and reports it. Reporting failures are logged: the
// task has already left the queue, so there is nothing to retry against.
func (w *Worker) Execute(ctx context.Context, task *broker.TaskMessage) Result {
	w.emit(ctx, broker.RawEvent{
		Type:   broker.TaskReceived,
		UUID:   task.ID,
		Name:   task.Name,
		Args:   task.Args,
		Kwargs: task.Kwargs,
	})

	start := w.now()
	w.emit(ctx, broker.RawEvent{Type: broker.TaskStarted, UUID: task.ID})

	res := w.run(ctx, task)
	res.Duration = w.now().Sub(start)

	if res.Success {
		w.emit(ctx, broker.RawEvent{Type: broker.TaskSucceeded, UUID: task.ID, Result: res.Output})
		if w.metrics != nil {
			w.metrics.RecordTaskCompleted(res.Duration)
		}
	} else {
		w.emit(ctx, broker.RawEvent{Type: broker.TaskFailed, UUID: task.ID, Traceback: res.Error.Error()})
		if w.metrics != nil {
			w.metrics.RecordTaskFailed(res.Duration)
		}
		w.log.Warn("task failed", "worker", w.id, "task", task.ID, "name", task.Name, "error", res.Error)
	}

	if err := w.src.StoreResult(ctx, res.message(w.hostname, w.now())); err != nil {
		w.log.Error("store result failed", "task", task.ID, "error", err)
	}
	return res
}

func (w *Worker) run(ctx context.Context, task *broker.TaskMessage) (res Result) {
	res.TaskID = task.ID

	handler, err := w.handlers.Lookup(task.Name)
	if err != nil {
		res.Error = err
		return res
	}

	timeout := w.defaultTimeout
	if task.Timeout > 0 {
		timeout = time.Duration(task.Timeout * float64(time.Second))
	}
	taskCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Output = ""
			res.Error = fmt.Errorf("handler %s panicked: %v", task.Name, r)
		}
	}()

	out, err := handler(taskCtx, task.Args, task.Kwargs)
	if err == nil && taskCtx.Err() != nil {
		err = taskCtx.Err()
	}
	if err != nil {
		res.Error = err
		return res
	}
	res.Success = true
	res.Output = out
	return res
}

func (w *Worker) emit(ctx context.Context, ev broker.RawEvent) {
	ev.Hostname = w.hostname
	ev.PID = w.pid
	ev.Timestamp = broker.Stamp(w.now())
	if err := w.src.Emit(ctx, ev); err != nil {
		w.log.Error("emit event failed", "type", ev.Type, "task", ev.UUID, "error", err)
	}
}
