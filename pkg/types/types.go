// Package types 定義了 taskpool 事件日誌中的公開紀錄格式
//
// 每一行 <events_dir>/<hostname>-collected-events.jsonl 都是一個 TaskEvent。
// 這些型別是對外契約：欄位名稱與 JSON tag 不可隨意更動。
package types

import (
	"time"

	"github.com/google/uuid"
)

// Status 任務生命週期狀態
type Status string

// 定義任務狀態常數
const (
	StatusPending   Status = "PENDING"   // 已送出或已被 worker 接收，尚未執行
	StatusActive    Status = "ACTIVE"    // 執行中
	StatusComplete  Status = "COMPLETE"  // 成功完成
	StatusFailed    Status = "FAILED"    // 執行失敗
	StatusCancelled Status = "CANCELLED" // 被撤銷或拒絕
)

// AllStatuses 依生命週期順序列出所有狀態
var AllStatuses = []Status{StatusPending, StatusActive, StatusComplete, StatusFailed, StatusCancelled}

// Valid reports whether s is one of the five known statuses.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// NodeMessage 執行任務的 worker 位置
type NodeMessage struct {
	Hostname string `json:"hostname"`
	PID      int    `json:"pid"`
}

// TaskEvent 一次任務狀態轉換的不可變紀錄
type TaskEvent struct {
	Timestamp time.Time `json:"timestamp"` // UTC
	Event     string    `json:"event"`     // 例如 task.active
	TaskName  string    `json:"task_name"` // 任務描述識別名稱
	User      string    `json:"user"`
	Status    Status    `json:"status"`
	TaskID    uuid.UUID `json:"task_id"`

	// 可選欄位：缺少時不輸出
	ParentID         *uuid.UUID  `json:"parent_id,omitempty"`
	Message          *string     `json:"message,omitempty"`
	InputDatasetIDs  []uuid.UUID `json:"input_dataset_ids,omitempty"`
	OutputDatasetIDs []uuid.UUID `json:"output_dataset_ids,omitempty"`

	Node NodeMessage `json:"node"`
}

// EventTag returns the event tag recorded for a status, e.g. "task.complete".
func EventTag(s Status) string {
	switch s {
	case StatusPending:
		return "task.pending"
	case StatusActive:
		return "task.active"
	case StatusComplete:
		return "task.complete"
	case StatusFailed:
		return "task.failed"
	case StatusCancelled:
		return "task.cancelled"
	}
	return "task.unknown"
}
