package broker

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawEventTime(t *testing.T) {
	assert.True(t, RawEvent{}.Time().IsZero())

	ts := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	ev := RawEvent{Timestamp: Stamp(ts)}
	assert.WithinDuration(t, ts, ev.Time(), time.Microsecond)
	assert.Equal(t, time.UTC, ev.Time().Location())
}

func TestRawEventKinds(t *testing.T) {
	assert.True(t, RawEvent{Type: TaskStarted}.IsTaskEvent())
	assert.False(t, RawEvent{Type: TaskStarted}.IsWorkerEvent())
	assert.True(t, RawEvent{Type: WorkerHeartbeat}.IsWorkerEvent())
	assert.False(t, RawEvent{Type: WorkerHeartbeat}.IsTaskEvent())
}

func TestEventEncoding(t *testing.T) {
	ev := RawEvent{Type: TaskFailed, UUID: uuid.NewString(), Hostname: "gadi-cpu-01", PID: 42, Traceback: "boom"}
	raw, err := encodeEvent(ev)
	require.NoError(t, err)

	back, err := decodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, ev, back)

	_, err = decodeEvent("{not json")
	assert.Error(t, err)
}

func TestLoadOrCreatePassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "broker.pw")

	pw, err := LoadOrCreatePassword(path)
	require.NoError(t, err)
	assert.Len(t, pw, passwordBytes*2)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := LoadOrCreatePassword(path)
	require.NoError(t, err)
	assert.Equal(t, pw, again)
}

func TestLoadPasswordRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.pw")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))

	_, err := LoadOrCreatePassword(path)
	assert.Error(t, err)
}

func TestReadPasswordNeverCreates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.pw")

	_, err := ReadPassword(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NoFileExists(t, path)

	created, err := LoadOrCreatePassword(path)
	require.NoError(t, err)
	pw, err := ReadPassword(path)
	require.NoError(t, err)
	assert.Equal(t, created, pw)
}

func TestWaitReachableGivesUp(t *testing.T) {
	start := time.Now()
	err := WaitReachable(context.Background(), "127.0.0.1:1", "", 3, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestStartServerRejectsBadPort(t *testing.T) {
	_, err := StartServer(ServerConfig{Port: 0})
	assert.Error(t, err)
}

// integrationClient connects to TASKPOOL_REDIS_ADDR_INTEGRATION or skips.
func integrationClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TASKPOOL_REDIS_ADDR_INTEGRATION")
	if addr == "" {
		t.Skip("TASKPOOL_REDIS_ADDR_INTEGRATION not set")
	}
	host, portStr, ok := strings.Cut(addr, ":")
	require.True(t, ok)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c, err := Connect(context.Background(), Config{
		Host:     host,
		Port:     port,
		Password: os.Getenv("TASKPOOL_REDIS_PASSWORD_INTEGRATION"),
		Prefix:   "taskpool-test:" + uuid.NewString(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStreamPreservesOrder(t *testing.T) {
	c := integrationClient(t)
	ctx := context.Background()

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = uuid.NewString()
		require.NoError(t, c.Emit(ctx, RawEvent{Type: TaskSent, UUID: ids[i], Hostname: "h", PID: 1}))
	}

	stream := c.Subscribe()
	events, err := stream.Consume(ctx, time.Second)
	require.NoError(t, err)
	require.Len(t, events, len(ids))
	for i, ev := range events {
		assert.Equal(t, ids[i], ev.UUID)
	}

	// nothing new: a timeout is not an error
	events, err = stream.Consume(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestQueueAndResults(t *testing.T) {
	c := integrationClient(t)
	ctx := context.Background()

	task := TaskMessage{ID: uuid.NewString(), Name: "echo", Args: "hi"}
	require.NoError(t, c.Enqueue(ctx, task))

	got, err := c.Poll(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)

	require.NoError(t, c.StoreResult(ctx, ResultMessage{ID: task.ID, Success: true, Result: "hi"}))
	res, err := c.WaitResult(ctx, task.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Result)

	_, err = c.WaitResult(ctx, task.ID, time.Second)
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestShutdownBroadcastIsSticky(t *testing.T) {
	c := integrationClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop, err := c.WatchShutdown(ctx)
	require.NoError(t, err)
	require.NoError(t, c.BroadcastShutdown(ctx))

	select {
	case <-stop:
	case <-time.After(2 * time.Second):
		t.Fatal("stop signal not delivered")
	}

	late, err := c.WatchShutdown(ctx)
	require.NoError(t, err)
	select {
	case <-late:
	default:
		t.Fatal("late watcher missed the sticky stop flag")
	}
}
