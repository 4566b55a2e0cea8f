// ============================================================================
// taskpool 狀態追蹤器 - broker 事件流的記憶體視圖
// ============================================================================
//
// Package: internal/state
// 文件: tracker.go
// 功能: 將 broker 的原始事件套用到 TaskView / WorkerView 兩張表
//
// 設計理念:
//   collector 擁有唯一一個 Tracker，以參考傳遞，不使用全域狀態。
//   tasks map 是任務狀態的單一真實來源；workers map 追蹤 worker 存活狀態。
//
// 任務狀態轉換 (broker 原生狀態):
//   task-sent      → PENDING
//   task-received  → RECEIVED
//   task-started   → STARTED
//   task-succeeded → SUCCESS   (ready)
//   task-failed    → FAILURE   (ready)
//   task-rejected  → REJECTED  (ready)
//   task-revoked   → REVOKED   (ready)
//   task-retried   → RETRY
//
// 狀態轉換規則:
//   - 已進入 ready 狀態的任務不會被較晚抵達的非 ready 事件倒退
//   - 其他欄位 (name, args, hostname, traceback) 一律合併
//
// Worker 規則:
//   - worker-online / worker-heartbeat → active
//   - worker-offline                    → inactive
//   - 任務事件引用未知 worker 時建立其 WorkerView (task-sent 除外，它來自提交端)
//
// 並發安全:
//   - 使用 sync.RWMutex 保護兩張表；讀取一律回傳副本
//
// ============================================================================

package state

import (
	"sort"
	"sync"
	"time"

	"github.com/duke-git/lancet/v2/slice"

	"github.com/ChuLiYu/taskpool/internal/broker"
)

// Broker-native task states.
const (
	Pending  = "PENDING"
	Received = "RECEIVED"
	Started  = "STARTED"
	Success  = "SUCCESS"
	Failure  = "FAILURE"
	Rejected = "REJECTED"
	Revoked  = "REVOKED"
	Retry    = "RETRY"
	Ignored  = "IGNORED"
)

// 預設心跳間隔 (worker 未宣告 freq 時)
const defaultHeartbeatFreq = 2 * time.Second

var eventStates = map[string]string{
	broker.TaskSent:      Pending,
	broker.TaskReceived:  Received,
	broker.TaskStarted:   Started,
	broker.TaskSucceeded: Success,
	broker.TaskFailed:    Failure,
	broker.TaskRejected:  Rejected,
	broker.TaskRevoked:   Revoked,
	broker.TaskRetried:   Retry,
}

var readyStates = map[string]bool{
	Success:  true,
	Failure:  true,
	Rejected: true,
	Revoked:  true,
}

// StateFor returns the broker state a task event type moves a task into.
// ok is false for anything that is not a task lifecycle event.
func StateFor(eventType string) (state string, ok bool) {
	state, ok = eventStates[eventType]
	return state, ok
}

// IsReady reports whether state is terminal.
func IsReady(state string) bool {
	return readyStates[state]
}

// TaskView 單一任務在 broker 端的目前狀態
type TaskView struct {
	UUID      string
	Name      string
	State     string // broker 原生狀態，尚未收到任何狀態事件時為空
	Hostname  string
	PID       int
	Args      string
	Kwargs    string
	Result    string
	Traceback string
	Timestamp time.Time // 最後一次事件時間，未提供時為零值
}

// WorkerView 單一 worker 的存活狀態
type WorkerView struct {
	Hostname      string
	PID           int
	Active        bool
	LastHeartbeat time.Time
	Freq          time.Duration

	offline bool // 收過 worker-offline 且之後沒有再上線
}

// Alive reports whether the last heartbeat is within twice the heartbeat interval.
func (w WorkerView) Alive(now time.Time) bool {
	if !w.Active || w.LastHeartbeat.IsZero() {
		return false
	}
	freq := w.Freq
	if freq <= 0 {
		freq = defaultHeartbeatFreq
	}
	return now.Sub(w.LastHeartbeat) <= 2*freq
}

// Tracker 事件套用器
type Tracker struct {
	mu      sync.RWMutex
	tasks   map[string]*TaskView
	workers map[string]*WorkerView
}

// NewTracker 建立空的追蹤器
func NewTracker() *Tracker {
	return &Tracker{
		tasks:   make(map[string]*TaskView),
		workers: make(map[string]*WorkerView),
	}
}

// Event 套用一個原始事件
//
// 未知事件類型會被忽略；沒有 uuid 的任務事件不會建立 TaskView。
func (t *Tracker) Event(ev broker.RawEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case ev.IsWorkerEvent():
		t.applyWorker(ev)
	case ev.IsTaskEvent():
		t.applyTask(ev)
	}
}

func (t *Tracker) applyWorker(ev broker.RawEvent) {
	if ev.Hostname == "" {
		return
	}
	w := t.worker(ev.Hostname)
	if ev.PID != 0 {
		w.PID = ev.PID
	}
	if ev.Freq > 0 {
		w.Freq = time.Duration(ev.Freq * float64(time.Second))
	}

	switch ev.Type {
	case broker.WorkerOnline, broker.WorkerHeartbeat:
		w.Active = true
		w.offline = false
		w.LastHeartbeat = eventTime(ev)
	case broker.WorkerOffline:
		w.Active = false
		w.offline = true
	}
}

func (t *Tracker) applyTask(ev broker.RawEvent) {
	state, known := eventStates[ev.Type]
	if !known || ev.UUID == "" {
		return
	}

	task, exists := t.tasks[ev.UUID]
	if !exists {
		task = &TaskView{UUID: ev.UUID}
		t.tasks[ev.UUID] = task
	}

	// ready 狀態不倒退
	if !IsReady(task.State) || IsReady(state) {
		task.State = state
	}
	if ts := ev.Time(); !ts.IsZero() {
		task.Timestamp = ts
	}
	mergeString(&task.Name, ev.Name)
	mergeString(&task.Args, ev.Args)
	mergeString(&task.Kwargs, ev.Kwargs)
	mergeString(&task.Result, ev.Result)
	mergeString(&task.Traceback, ev.Traceback)

	// task-sent 來自提交端，不代表 worker
	if ev.Type == broker.TaskSent || ev.Hostname == "" {
		return
	}
	task.Hostname = ev.Hostname
	if ev.PID != 0 {
		task.PID = ev.PID
	}
	w := t.worker(ev.Hostname)
	if w.PID == 0 {
		w.PID = ev.PID
	}
	// 只由任務事件得知的 worker 視為 active，已離線者除外
	if w.LastHeartbeat.IsZero() && !w.offline {
		w.Active = true
	}
}

func (t *Tracker) worker(hostname string) *WorkerView {
	w, ok := t.workers[hostname]
	if !ok {
		w = &WorkerView{Hostname: hostname}
		t.workers[hostname] = w
	}
	return w
}

// Task 取得任務副本
func (t *Tracker) Task(id string) (TaskView, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	task, ok := t.tasks[id]
	if !ok {
		return TaskView{}, false
	}
	return *task, true
}

// Workers 依 hostname 排序回傳所有 worker 的快照
func (t *Tracker) Workers() []WorkerView {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]WorkerView, 0, len(t.workers))
	for _, w := range t.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

// ActiveWorkers 回傳 broker 認為仍在線上的 worker
func (t *Tracker) ActiveWorkers() []WorkerView {
	return slice.Filter(t.Workers(), func(_ int, w WorkerView) bool {
		return w.Active
	})
}

// AliveWorkers 回傳心跳仍在有效期內的 worker
func (t *Tracker) AliveWorkers(now time.Time) []WorkerView {
	return slice.Filter(t.Workers(), func(_ int, w WorkerView) bool {
		return w.Alive(now)
	})
}

// Hostnames 取出 worker 名稱
func Hostnames(workers []WorkerView) []string {
	return slice.Map(workers, func(_ int, w WorkerView) string {
		return w.Hostname
	})
}

// TaskCounts 各 broker 狀態的任務數量
func (t *Tracker) TaskCounts() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[string]int)
	for _, task := range t.tasks {
		if task.State == "" {
			continue
		}
		counts[task.State]++
	}
	return counts
}

// TaskTotal 已追蹤的任務總數
func (t *Tracker) TaskTotal() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tasks)
}

func eventTime(ev broker.RawEvent) time.Time {
	if ts := ev.Time(); !ts.IsZero() {
		return ts
	}
	return time.Now().UTC()
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
