// Package applog 增量读取日志文件（应用日志、隧道守护进程日志、HTTP 代理日志）。
package applog

import (
	"errors"
	"io"
	"os"
	"sort"
	"time"
)

const maxChunkBytes int64 = 512 * 1024

// 日志来源名称
const (
	SourceApp    = "app"
	SourceTunnel = "tunnel"
	SourceHTTP   = "http"
)

var ErrUnknownSource = errors.New("unknown log source")

// Snapshot 一次增量读取的结果。客户端下次请求时把 To 作为 since 传回。
type Snapshot struct {
	Source    string `json:"source"`
	Path      string `json:"path,omitempty"`
	StartedAt string `json:"startedAt,omitempty"`

	From int64 `json:"from"`
	To   int64 `json:"to"`
	End  int64 `json:"end"`
	// Lost 文件被截断或轮转，since 已失效，从头读取
	Lost bool   `json:"lost"`
	Text string `json:"text"`

	Error string `json:"error,omitempty"`
}

// Sources 已登记的日志文件
type Sources struct {
	paths     map[string]string
	startedAt time.Time
}

// NewSources 创建日志来源表，startedAt 为应用启动时间
func NewSources(startedAt time.Time) *Sources {
	return &Sources{paths: make(map[string]string), startedAt: startedAt}
}

// Register 登记来源（在启动时调用，之后只读）
func (s *Sources) Register(name, path string) {
	s.paths[name] = path
}

// Names 已登记的来源名称
func (s *Sources) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.paths))
	for name := range s.paths {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Since 从 since 字节偏移开始读取指定来源
func (s *Sources) Since(name string, since int64) (Snapshot, error) {
	if s == nil {
		return Snapshot{}, ErrUnknownSource
	}
	path, ok := s.paths[name]
	if !ok {
		return Snapshot{}, ErrUnknownSource
	}
	snap := Since(path, since)
	snap.Source = name
	if name == SourceApp && !s.startedAt.IsZero() {
		snap.StartedAt = s.startedAt.Format(time.RFC3339Nano)
	}
	return snap, nil
}

// Since 读取 path 从 since 开始的内容，单次最多 512 KiB；文件不存在视为空
func Since(path string, since int64) Snapshot {
	snap := Snapshot{Path: path}
	if path == "" {
		return snap
	}
	from, to, end, lost, text, err := readChunk(path, since, maxChunkBytes)
	snap.From = from
	snap.To = to
	snap.End = end
	snap.Lost = lost
	snap.Text = text
	if err != nil {
		snap.Error = err.Error()
	}
	return snap
}

func readChunk(path string, since, maxBytes int64) (from, to, end int64, lost bool, text string, err error) {
	if since < 0 {
		since = 0
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, 0, false, "", nil
		}
		return 0, 0, 0, false, "", err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, 0, 0, false, "", err
	}
	end = st.Size()

	from = since
	if from > end {
		from = 0
		lost = true
	}
	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return 0, 0, 0, false, "", err
	}

	toRead := end - from
	if toRead <= 0 {
		return from, from, end, lost, "", nil
	}
	if toRead > maxBytes {
		toRead = maxBytes
	}

	data, err := io.ReadAll(io.LimitReader(f, toRead))
	if err != nil {
		return 0, 0, 0, false, "", err
	}
	return from, from + int64(len(data)), end, lost, string(data), nil
}
