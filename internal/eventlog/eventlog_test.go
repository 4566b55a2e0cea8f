package eventlog

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/taskpool/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newEvent(status types.Status) *types.TaskEvent {
	return &types.TaskEvent{
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		Event:     types.EventTag(status),
		TaskName:  "fc-ls8",
		User:      "dra547",
		Status:    status,
		TaskID:    uuid.New(),
		Node:      types.NodeMessage{Hostname: "gadi-cpu-01", PID: 99},
	}
}

// failingFile 模擬磁碟錯誤
type failingFile struct {
	writeErr error
	syncErr  error
	writes   int
}

func (f *failingFile) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.writes++
	return len(p), nil
}
func (f *failingFile) Sync() error  { return f.syncErr }
func (f *failingFile) Close() error { return nil }

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}

// ============================================================================
// Writer
// ============================================================================

func TestOpenUsesHostnamePath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "events")
	w, err := Open(dir, "gadi-cpu-01")
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, filepath.Join(dir, "gadi-cpu-01-collected-events.jsonl"), w.FilePath())
	_, err = os.Stat(w.FilePath())
	assert.NoError(t, err)
}

func TestWriteAppendsOneLinePerEvent(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "h")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Write(newEvent(types.StatusActive)))
		assert.Equal(t, i+1, countLines(t, w.FilePath()))
	}
	assert.Equal(t, uint64(3), w.Written())
	require.NoError(t, w.Close())

	// 重新開啟後繼續追加，不覆寫
	w2, err := Open(dir, "h")
	require.NoError(t, err)
	require.NoError(t, w2.Write(newEvent(types.StatusComplete)))
	require.NoError(t, w2.Close())
	assert.Equal(t, 4, countLines(t, w2.FilePath()))
}

func TestWriteAfterClose(t *testing.T) {
	w, err := Open(t.TempDir(), "h")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())

	err = w.Write(newEvent(types.StatusPending))
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestWriteFailuresPropagate(t *testing.T) {
	w := newWriter(&failingFile{writeErr: errors.New("no space left on device")}, "mem")
	err := w.Write(newEvent(types.StatusPending))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no space left")

	w = newWriter(&failingFile{syncErr: errors.New("EIO")}, "mem")
	err = w.Write(newEvent(types.StatusPending))
	assert.ErrorIs(t, err, ErrSyncFailed)
	assert.Equal(t, uint64(0), w.Written())
}

// ============================================================================
// Round trip and reader
// ============================================================================

func TestRoundTrip(t *testing.T) {
	w, err := Open(t.TempDir(), "h")
	require.NoError(t, err)

	parent := uuid.New()
	msg := "Traceback (most recent call last):\n  boom"
	full := newEvent(types.StatusFailed)
	full.ParentID = &parent
	full.Message = &msg
	full.InputDatasetIDs = []uuid.UUID{uuid.New(), uuid.New()}
	full.OutputDatasetIDs = []uuid.UUID{uuid.New()}

	minimal := newEvent(types.StatusPending)

	require.NoError(t, w.Write(full))
	require.NoError(t, w.Write(minimal))
	require.NoError(t, w.Close())

	var got []types.TaskEvent
	require.NoError(t, ReadFile(w.FilePath(), func(ev types.TaskEvent) error {
		got = append(got, ev)
		return nil
	}))
	require.Len(t, got, 2)
	assert.Equal(t, *full, got[0])
	assert.Equal(t, *minimal, got[1])
	assert.Equal(t, time.UTC, got[0].Timestamp.Location())
}

func TestOptionalFieldsOmitted(t *testing.T) {
	w, err := Open(t.TempDir(), "h")
	require.NoError(t, err)
	require.NoError(t, w.Write(newEvent(types.StatusActive)))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(w.FilePath())
	require.NoError(t, err)
	line := string(data)
	assert.NotContains(t, line, "parent_id")
	assert.NotContains(t, line, "message")
	assert.Contains(t, line, `"event":"task.active"`)
	assert.Contains(t, line, `"node":{"hostname":"gadi-cpu-01","pid":99}`)
}

func TestScanSkipsTruncatedLastLine(t *testing.T) {
	ev := newEvent(types.StatusActive)
	w, err := Open(t.TempDir(), "h")
	require.NoError(t, err)
	require.NoError(t, w.Write(ev))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(w.FilePath())
	require.NoError(t, err)
	partial := string(data) + `{"timestamp":"2024-01-01T00:00:00Z","event":"task.`

	n := 0
	require.NoError(t, Scan(strings.NewReader(partial), func(types.TaskEvent) error {
		n++
		return nil
	}))
	assert.Equal(t, 1, n)
}

func TestScanReportsCorruption(t *testing.T) {
	err := Scan(strings.NewReader("{}\nnot json\n"), func(types.TaskEvent) error { return nil })
	assert.ErrorIs(t, err, ErrCorruptedLog)
	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 2, ce.Line)
	assert.Equal(t, int64(3), ce.Offset)
}

func TestLatestStatus(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()

	a, err := Open(dir, "node-a")
	require.NoError(t, err)
	b, err := Open(dir, "node-b")
	require.NoError(t, err)

	first := newEvent(types.StatusActive)
	first.TaskID = id
	second := newEvent(types.StatusComplete)
	second.TaskID = id
	second.Timestamp = first.Timestamp.Add(time.Second)

	require.NoError(t, b.Write(second))
	require.NoError(t, a.Write(first))
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	files, err := Files(dir)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	latest, err := LatestStatus(dir)
	require.NoError(t, err)
	assert.Equal(t, types.StatusComplete, latest[id.String()])
}
