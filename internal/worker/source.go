package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/taskpool/internal/broker"
)

// Source is where workers pull tasks from and report to.
// *broker.Client satisfies it.
type Source interface {
	// Poll blocks up to timeout for the next task; no task returns nil, nil.
	Poll(ctx context.Context, timeout time.Duration) (*broker.TaskMessage, error)
	// Emit publishes a task or worker event.
	Emit(ctx context.Context, ev broker.RawEvent) error
	// StoreResult records a finished task's outcome.
	StoreResult(ctx context.Context, res broker.ResultMessage) error
}

// ControlSource adds the stop-all-workers signal used by the node agent.
type ControlSource interface {
	Source
	WatchShutdown(ctx context.Context) (<-chan struct{}, error)
}
