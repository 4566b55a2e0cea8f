// Package executor submits tasks to the running worker pool and collects their results.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/taskpool/internal/broker"
	"github.com/ChuLiYu/taskpool/internal/logger"
)

// resultPoll bounds each blocking wait so ctx cancellation is noticed.
const resultPoll = 5 * time.Second

// Broker is the part of the broker client the executor uses.
type Broker interface {
	Emit(ctx context.Context, ev broker.RawEvent) error
	Enqueue(ctx context.Context, task broker.TaskMessage) error
	WaitResult(ctx context.Context, id string, timeout time.Duration) (*broker.ResultMessage, error)
	DropResult(ctx context.Context, id string) error
}

// Task is one unit of work as read from a task file.
type Task struct {
	Name    string  `json:"name"`
	Args    string  `json:"args,omitempty"`
	Kwargs  string  `json:"kwargs,omitempty"`
	Timeout float64 `json:"timeout,omitempty"` // seconds
}

// LoadTasks reads a JSON array of tasks.
func LoadTasks(path string) ([]Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parse task file %s: %w", path, err)
	}
	for i, t := range tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("task %d in %s has no name", i, path)
		}
	}
	return tasks, nil
}

// Executor submits tasks and caches their results until released.
type Executor struct {
	b        Broker
	hostname string
	pid      int
	log      *logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	results map[uuid.UUID]*broker.ResultMessage
}

// New creates an executor that stamps sent events with hostname.
func New(b Broker, hostname string, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.NewNop()
	}
	return &Executor{
		b:        b,
		hostname: hostname,
		pid:      os.Getpid(),
		log:      log,
		now:      time.Now,
		results:  make(map[uuid.UUID]*broker.ResultMessage),
	}
}

// Submit enqueues task. The task-sent event goes out before the task is
// queued, so no worker event for it can precede it on the stream.
func (e *Executor) Submit(ctx context.Context, task Task) (uuid.UUID, error) {
	id := uuid.New()
	now := broker.Stamp(e.now())

	if err := e.b.Emit(ctx, broker.RawEvent{
		Type:      broker.TaskSent,
		UUID:      id.String(),
		Hostname:  e.hostname,
		PID:       e.pid,
		Timestamp: now,
		Name:      task.Name,
		Args:      task.Args,
		Kwargs:    task.Kwargs,
	}); err != nil {
		return uuid.Nil, fmt.Errorf("emit task-sent: %w", err)
	}

	if err := e.b.Enqueue(ctx, broker.TaskMessage{
		ID:      id.String(),
		Name:    task.Name,
		Args:    task.Args,
		Kwargs:  task.Kwargs,
		SentAt:  now,
		Timeout: task.Timeout,
	}); err != nil {
		return uuid.Nil, fmt.Errorf("enqueue task %s: %w", id, err)
	}

	e.log.Debug("task submitted", "task", id, "name", task.Name)
	return id, nil
}

// Result blocks until the result for id is available or ctx ends.
func (e *Executor) Result(ctx context.Context, id uuid.UUID) (*broker.ResultMessage, error) {
	e.mu.Lock()
	if res, ok := e.results[id]; ok {
		e.mu.Unlock()
		return res, nil
	}
	e.mu.Unlock()

	for {
		res, err := e.b.WaitResult(ctx, id.String(), resultPoll)
		if errors.Is(err, broker.ErrNoResult) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.results[id] = res
		e.mu.Unlock()
		return res, nil
	}
}

// Release forgets the result for id, locally and on the broker.
func (e *Executor) Release(ctx context.Context, id uuid.UUID) error {
	e.mu.Lock()
	delete(e.results, id)
	e.mu.Unlock()
	return e.b.DropResult(ctx, id.String())
}

// Outcome pairs a submitted task with its result.
type Outcome struct {
	ID     uuid.UUID
	Task   Task
	Result *broker.ResultMessage
	Err    error
}

// RunAll submits every task, then waits for each result in submission order.
func (e *Executor) RunAll(ctx context.Context, tasks []Task) []Outcome {
	outcomes := make([]Outcome, len(tasks))
	for i, t := range tasks {
		outcomes[i].Task = t
		id, err := e.Submit(ctx, t)
		outcomes[i].ID = id
		outcomes[i].Err = err
	}
	for i := range outcomes {
		if outcomes[i].Err != nil {
			continue
		}
		res, err := e.Result(ctx, outcomes[i].ID)
		outcomes[i].Result = res
		outcomes[i].Err = err
		if err == nil {
			if relErr := e.Release(ctx, outcomes[i].ID); relErr != nil {
				e.log.Warn("release result failed", "task", outcomes[i].ID, "error", relErr)
			}
		}
	}
	return outcomes
}
