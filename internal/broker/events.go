package broker

import (
	"encoding/json"
	"strings"
	"time"
)

// Event types emitted by workers and the executor onto the event stream.
const (
	TaskSent      = "task-sent"
	TaskReceived  = "task-received"
	TaskStarted   = "task-started"
	TaskSucceeded = "task-succeeded"
	TaskFailed    = "task-failed"
	TaskRejected  = "task-rejected"
	TaskRevoked   = "task-revoked"
	TaskRetried   = "task-retried"

	WorkerOnline    = "worker-online"
	WorkerHeartbeat = "worker-heartbeat"
	WorkerOffline   = "worker-offline"
)

// RawEvent is one delta on the broker's event stream. Only the fields relevant to
// the event type are populated.
type RawEvent struct {
	Type      string  `json:"type"`
	UUID      string  `json:"uuid,omitempty"`
	Hostname  string  `json:"hostname"`
	PID       int     `json:"pid"`
	Timestamp float64 `json:"timestamp,omitempty"` // seconds since the epoch

	Name      string  `json:"name,omitempty"`
	Args      string  `json:"args,omitempty"`
	Kwargs    string  `json:"kwargs,omitempty"`
	Result    string  `json:"result,omitempty"`
	Traceback string  `json:"traceback,omitempty"`
	Freq      float64 `json:"freq,omitempty"` // heartbeat interval in seconds
}

// IsTaskEvent reports whether the event describes a task lifecycle transition.
func (e RawEvent) IsTaskEvent() bool {
	return strings.HasPrefix(e.Type, "task-")
}

// IsWorkerEvent reports whether the event describes worker liveness.
func (e RawEvent) IsWorkerEvent() bool {
	return strings.HasPrefix(e.Type, "worker-")
}

// Time converts the float timestamp; the zero time means "not provided".
func (e RawEvent) Time() time.Time {
	if e.Timestamp <= 0 {
		return time.Time{}
	}
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// Stamp returns a float timestamp for t, as carried on the wire.
func Stamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func encodeEvent(ev RawEvent) (string, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeEvent(raw string) (RawEvent, error) {
	var ev RawEvent
	err := json.Unmarshal([]byte(raw), &ev)
	return ev, err
}
