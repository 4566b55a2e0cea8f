package eventlog

// ============================================================================
// 事件日誌讀取
// 職責：串流讀取 (檔案可能仍在被追加)，最後一行若缺少換行視為寫入中，略過
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/ChuLiYu/taskpool/pkg/types"
)

// Scan 逐行解碼 r 中的紀錄並交給 fn
//
// fn 回傳錯誤時停止並回傳該錯誤。完整但無法解碼的行回傳 *CorruptionError。
func Scan(r io.Reader, fn func(types.TaskEvent) error) error {
	return scan(r, "", fn)
}

func scan(r io.Reader, path string, fn func(types.TaskEvent) error) error {
	br := bufio.NewReader(r)
	var offset int64
	for lineNo := 1; ; lineNo++ {
		line, err := br.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// 沒有換行：寫入中的最後一行
			return nil
		}
		if err != nil {
			return fmt.Errorf("eventlog: read %s: %w", path, err)
		}

		start := offset
		offset += int64(len(line))
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var ev types.TaskEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return &CorruptionError{Path: path, Line: lineNo, Offset: start, Cause: err}
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// ReadFile 串流讀取單一事件日誌
func ReadFile(path string, fn func(types.TaskEvent) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer f.Close()
	return scan(f, path, fn)
}

// Files 列出 dir 中所有事件日誌，依檔名排序
func Files(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+FileSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// LatestStatus 讀取 dir 中所有事件日誌，回傳每個任務最後觀察到的狀態
func LatestStatus(dir string) (map[string]types.Status, error) {
	files, err := Files(dir)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]types.TaskEvent)
	for _, path := range files {
		err := ReadFile(path, func(ev types.TaskEvent) error {
			id := ev.TaskID.String()
			if prev, ok := latest[id]; !ok || !ev.Timestamp.Before(prev.Timestamp) {
				latest[id] = ev
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	out := make(map[string]types.Status, len(latest))
	for id, ev := range latest {
		out[id] = ev.Status
	}
	return out, nil
}
