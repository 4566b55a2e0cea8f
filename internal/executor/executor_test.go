package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/taskpool/internal/broker"
)

// fakeBroker 以記憶體模擬 broker；呼叫順序記錄在 calls
type fakeBroker struct {
	mu      sync.Mutex
	calls   []string
	events  []broker.RawEvent
	queue   []broker.TaskMessage
	results map[string]*broker.ResultMessage
	dropped []string
	waits   int
	emitErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{results: make(map[string]*broker.ResultMessage)}
}

func (f *fakeBroker) Emit(_ context.Context, ev broker.RawEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.calls = append(f.calls, "emit:"+ev.Type)
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeBroker) Enqueue(_ context.Context, t broker.TaskMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "enqueue")
	f.queue = append(f.queue, t)
	// 立即「執行」：echo 回 args
	f.results[t.ID] = &broker.ResultMessage{ID: t.ID, Success: true, Result: t.Args}
	return nil
}

func (f *fakeBroker) WaitResult(ctx context.Context, id string, _ time.Duration) (*broker.ResultMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits++
	res, ok := f.results[id]
	if !ok {
		return nil, broker.ErrNoResult
	}
	delete(f.results, id)
	return res, nil
}

func (f *fakeBroker) DropResult(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, id)
	return nil
}

func TestSubmitEmitsSentBeforeEnqueue(t *testing.T) {
	fb := newFakeBroker()
	e := New(fb, "gadi-login-01", nil)

	id, err := e.Submit(context.Background(), Task{Name: "echo", Args: "hi", Timeout: 30})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	assert.Equal(t, []string{"emit:" + broker.TaskSent, "enqueue"}, fb.calls)
	ev := fb.events[0]
	assert.Equal(t, id.String(), ev.UUID)
	assert.Equal(t, "gadi-login-01", ev.Hostname)
	assert.Equal(t, "echo", ev.Name)
	assert.Equal(t, "hi", ev.Args)
	assert.Equal(t, 30.0, fb.queue[0].Timeout)
}

func TestSubmitFailsWhenEmitFails(t *testing.T) {
	fb := newFakeBroker()
	fb.emitErr = errors.New("broker down")
	e := New(fb, "h", nil)

	_, err := e.Submit(context.Background(), Task{Name: "echo"})
	assert.Error(t, err)
	assert.Empty(t, fb.queue, "task must not be queued without its sent event")
}

func TestResultCachedUntilRelease(t *testing.T) {
	fb := newFakeBroker()
	e := New(fb, "h", nil)
	ctx := context.Background()

	id, err := e.Submit(ctx, Task{Name: "echo", Args: "42"})
	require.NoError(t, err)

	res, err := e.Result(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "42", res.Result)

	again, err := e.Result(ctx, id)
	require.NoError(t, err)
	assert.Same(t, res, again)
	assert.Equal(t, 1, fb.waits)

	require.NoError(t, e.Release(ctx, id))
	assert.Equal(t, []string{id.String()}, fb.dropped)
}

func TestResultHonoursContext(t *testing.T) {
	fb := newFakeBroker()
	e := New(fb, "h", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Result(ctx, uuid.New())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunAll(t *testing.T) {
	fb := newFakeBroker()
	e := New(fb, "h", nil)

	outcomes := e.RunAll(context.Background(), []Task{{Name: "echo", Args: "a"}, {Name: "echo", Args: "b"}})
	require.Len(t, outcomes, 2)
	for i, want := range []string{"a", "b"} {
		require.NoError(t, outcomes[i].Err)
		assert.Equal(t, want, outcomes[i].Result.Result)
	}
	assert.Len(t, fb.dropped, 2)
}

func TestLoadTasks(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "tasks.json")
	require.NoError(t, os.WriteFile(good, []byte(`[{"name":"exec","args":"echo hi"},{"name":"sleep","args":"1s","timeout":5}]`), 0o644))

	tasks, err := LoadTasks(good)
	require.NoError(t, err)
	assert.Equal(t, []Task{{Name: "exec", Args: "echo hi"}, {Name: "sleep", Args: "1s", Timeout: 5}}, tasks)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[{"args":"x"}]`), 0o644))
	_, err = LoadTasks(bad)
	assert.Error(t, err)
}
