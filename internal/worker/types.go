package worker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/taskpool/internal/broker"
)

// Handler runs one task. The returned string is stored as the task result;
// a non-nil error marks the task failed and its text becomes the traceback.
type Handler func(ctx context.Context, args, kwargs string) (string, error)

// Registry maps task names to handlers.
type Registry map[string]Handler

// Lookup returns the handler for name.
func (r Registry) Lookup(name string) (Handler, error) {
	h, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return h, nil
}

// Names returns the registered task names, sorted.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Result is the local record of one executed task.
type Result struct {
	TaskID   string
	Success  bool
	Output   string
	Error    error
	Duration time.Duration
}

// message converts r into what is stored on the broker.
func (r Result) message(hostname string, finished time.Time) broker.ResultMessage {
	msg := broker.ResultMessage{
		ID:         r.TaskID,
		Success:    r.Success,
		Result:     r.Output,
		Hostname:   hostname,
		FinishedAt: broker.Stamp(finished),
	}
	if r.Error != nil {
		msg.Error = r.Error.Error()
	}
	return msg
}
