package snapshot

// ============================================================================
// 職責說明：
// 1. collector 停止時，將最終狀態寫成 JSON 摘要檔
// 2. 使用原子性寫入（temp file + rename）防止讀到半成品
// 3. 載入時驗證 schema 版本相容性，供 `taskpool status` 顯示
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSummary    = errors.New("summary file is corrupted")
	ErrIncompatibleVersion = errors.New("summary schema version is incompatible")
	ErrSummaryNotFound     = errors.New("summary file not found")
)

const (
	schemaVersion = 1
	fileSuffix    = "-collector-summary.json"
)

// Drain outcomes recorded in Summary.DrainOutcome.
const (
	DrainNotRequested = "not_requested" // 迴圈因錯誤結束，未收到停止旗標
	DrainClean        = "clean"         // 所有 worker 在上限內變為 inactive
	DrainTimedOut     = "timed_out"     // 達到最長等待時間，仍有 worker active
)

// ============================================================================
// 資料結構定義
// ============================================================================

// WorkerSummary 單一 worker 的最終狀態
type WorkerSummary struct {
	Hostname      string    `json:"hostname"`
	PID           int       `json:"pid"`
	Active        bool      `json:"active"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
}

// Summary collector 停止時的最終狀態
type Summary struct {
	SchemaVer int       `json:"schema_version"`
	Hostname  string    `json:"hostname"`
	TaskName  string    `json:"task_name"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`

	EventsConsumed uint64 `json:"events_consumed"`
	EventsWritten  uint64 `json:"events_written"`
	EventsSkipped  uint64 `json:"events_skipped"`

	TaskCounts    map[string]int  `json:"task_counts"`
	Workers       []WorkerSummary `json:"workers"`
	ActiveWorkers []string        `json:"active_workers"`
	AliveWorkers  int             `json:"alive_workers"`

	DrainOutcome string  `json:"drain_outcome"`
	DrainSeconds float64 `json:"drain_seconds"`
	Error        string  `json:"error,omitempty"`
}

// Manager 摘要檔管理器
type Manager struct {
	path string     // 摘要檔路徑
	mu   sync.Mutex // 保護檔案操作
}

// SummaryPath returns <dir>/<hostname>-collector-summary.json.
func SummaryPath(dir, hostname string) string {
	return filepath.Join(dir, hostname+fileSuffix)
}

// NewManager 建立摘要檔管理器
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write 原子性寫入摘要
//
// 流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(s Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.SchemaVer = schemaVersion

	// 帶縮排，方便人工閱讀
	jsonBytes, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp summary: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename summary: %w", err)
	}
	return nil
}

// Load 載入摘要
func (m *Manager) Load() (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Summary
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, fmt.Errorf("%w: %s", ErrSummaryNotFound, m.path)
		}
		return s, fmt.Errorf("failed to read summary: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrCorruptedSummary, err)
	}
	if s.SchemaVer != schemaVersion {
		return s, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, s.SchemaVer, schemaVersion)
	}
	if s.TaskCounts == nil {
		s.TaskCounts = make(map[string]int)
	}
	return s, nil
}

// Exists 檢查摘要檔是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path 取得摘要檔路徑
func (m *Manager) Path() string {
	return m.path
}

// LoadAll 載入 dir 中所有 collector 摘要，依檔名排序
func LoadAll(dir string) ([]Summary, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+fileSuffix))
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(matches))
	for _, path := range matches {
		s, err := NewManager(path).Load()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
