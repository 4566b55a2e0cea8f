package eventlog

// ============================================================================
// 事件日誌寫入器
// 職責：
// 1. 每個 collector 進程獨佔一個 append-only 檔案
// 2. 每筆 TaskEvent 寫成一行 JSON，寫完立即 fsync
// 3. 寫入失敗一律回傳給呼叫端，不吞錯誤
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/taskpool/pkg/types"
)

// FileSuffix 事件日誌檔名後綴
const FileSuffix = "-collected-events.jsonl"

// File 定義寫入器所需的檔案操作，測試可注入會失敗的實作
type File interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Writer 事件日誌寫入器
type Writer struct {
	mu      sync.Mutex
	file    File
	path    string
	written uint64
	closed  bool
}

// Path returns <dir>/<hostname>-collected-events.jsonl.
func Path(dir, hostname string) string {
	return filepath.Join(dir, hostname+FileSuffix)
}

/*
Open 開啟 (或建立) dir 底下此主機的事件日誌

行為：
- dir 不存在時建立
- 以 O_APPEND 開啟，既有紀錄永不覆寫
*/
func Open(dir, hostname string) (*Writer, error) {
	if hostname == "" {
		return nil, fmt.Errorf("eventlog: hostname required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create dir %s: %w", dir, err)
	}
	path := Path(dir, hostname)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	return newWriter(file, path), nil
}

func newWriter(file File, path string) *Writer {
	return &Writer{file: file, path: path}
}

// Write 追加一筆紀錄並同步到磁碟
//
// 整行 (含換行) 以單次 Write 寫出，讀取端不會看到半筆 JSON 後接另一筆。
func (w *Writer) Write(ev *types.TaskEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventlog: encode task %s: %w", ev.TaskID, err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("eventlog: write %s: %w", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSyncFailed, w.path, err)
	}
	w.written++
	return nil
}

// Written 本次開啟後成功寫入的筆數
func (w *Writer) Written() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// FilePath 檔案路徑
func (w *Writer) FilePath() string {
	return w.path
}

// Close 同步並關閉檔案；重複呼叫回傳 nil
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	syncErr := w.file.Sync()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("eventlog: close %s: %w", w.path, err)
	}
	if syncErr != nil {
		return fmt.Errorf("%w: %s: %v", ErrSyncFailed, w.path, syncErr)
	}
	return nil
}
