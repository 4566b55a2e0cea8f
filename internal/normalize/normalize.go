// Package normalize turns broker task views into TaskEvent records.
package normalize

import (
	"errors"
	"fmt"
	"os/user"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/taskpool/internal/state"
	"github.com/ChuLiYu/taskpool/pkg/types"
)

// ErrUnknownState is matched by UnknownStateError via errors.Is.
var ErrUnknownState = errors.New("unknown broker task state")

// ErrMalformedHostname is matched by HostnameError via errors.Is.
var ErrMalformedHostname = errors.New("malformed worker hostname")

// UnknownStateError 出現在狀態表以外的 broker 狀態
type UnknownStateError struct {
	TaskID string
	State  string
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("task %s: unknown broker state %q", e.TaskID, e.State)
}

func (e *UnknownStateError) Is(target error) bool { return target == ErrUnknownState }

// HostnameError 含有兩個以上 '@' 的 hostname
type HostnameError struct {
	Hostname string
}

func (e *HostnameError) Error() string {
	return fmt.Sprintf("expected at most one '@' in hostname %q", e.Hostname)
}

func (e *HostnameError) Is(target error) bool { return target == ErrMalformedHostname }

// statusTable is total over the broker states a tracker can produce.
var statusTable = map[string]types.Status{
	state.Pending:  types.StatusPending,
	state.Received: types.StatusPending,
	state.Retry:    types.StatusPending,
	state.Ignored:  types.StatusPending,
	state.Started:  types.StatusActive,
	state.Success:  types.StatusComplete,
	state.Failure:  types.StatusFailed,
	state.Revoked:  types.StatusCancelled,
	state.Rejected: types.StatusCancelled,
}

// StatusFor maps a broker state to its Status.
func StatusFor(taskID, brokerState string) (types.Status, error) {
	s, ok := statusTable[brokerState]
	if !ok {
		return "", &UnknownStateError{TaskID: taskID, State: brokerState}
	}
	return s, nil
}

var datasetIDPattern = regexp.MustCompile(`Dataset <id=([a-z0-9-]{36}) `)

// ExtractDatasetIDs scans serialized task arguments for embedded dataset ids.
// Candidates that do not parse as UUIDs are skipped; no match returns nil.
func ExtractDatasetIDs(blobs ...string) []uuid.UUID {
	var ids []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	for _, blob := range blobs {
		for _, m := range datasetIDPattern.FindAllStringSubmatch(blob, -1) {
			id, err := uuid.Parse(m[1])
			if err != nil || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// JustHostname strips an optional "user@" prefix.
func JustHostname(hostname string) (string, error) {
	switch strings.Count(hostname, "@") {
	case 0:
		return hostname, nil
	case 1:
		_, host, _ := strings.Cut(hostname, "@")
		return host, nil
	default:
		return "", &HostnameError{Hostname: hostname}
	}
}

// Options carries the per-collector constants stamped on every event.
type Options struct {
	User     string
	ParentID *uuid.UUID
	Now      func() time.Time
}

// DefaultUser returns the current OS user name, or "unknown".
func DefaultUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

// Normalize builds the TaskEvent for task. A task with no broker state yet
// returns (nil, nil); callers log and skip it. Unknown states, malformed
// hostnames and non-UUID task ids are errors.
func Normalize(name string, task state.TaskView, opts Options) (*types.TaskEvent, error) {
	if task.State == "" {
		return nil, nil
	}
	status, err := StatusFor(task.UUID, task.State)
	if err != nil {
		return nil, err
	}

	taskID, err := uuid.Parse(task.UUID)
	if err != nil {
		return nil, fmt.Errorf("task id %q: %w", task.UUID, err)
	}

	hostname, err := JustHostname(task.Hostname)
	if err != nil {
		return nil, err
	}

	ts := task.Timestamp
	if ts.IsZero() {
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		ts = now()
	}

	var message *string
	if status == types.StatusFailed && task.Traceback != "" {
		tb := task.Traceback
		message = &tb
	}

	return &types.TaskEvent{
		Timestamp:       ts.UTC(),
		Event:           types.EventTag(status),
		TaskName:        name,
		User:            opts.User,
		Status:          status,
		TaskID:          taskID,
		ParentID:        opts.ParentID,
		Message:         message,
		InputDatasetIDs: ExtractDatasetIDs(task.Kwargs, task.Args),
		Node: types.NodeMessage{
			Hostname: hostname,
			PID:      task.PID,
		},
	}, nil
}
