package shared

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RotateLogFile 把非空日志重命名为带时间戳的文件，并清理超过 retain 的旧文件。
//
//	/path/privoxy.log -> /path/privoxy-20260116-235959.log
func RotateLogFile(path string, retain time.Duration) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}

	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(filepath.Base(path), ext)
	if stem == "" {
		return nil
	}

	if st, err := os.Stat(path); err == nil && st.Size() > 0 {
		rotated, err := nextRotatedName(dir, stem, ext, time.Now())
		if err != nil {
			return err
		}
		if err := os.Rename(path, rotated); err != nil {
			return err
		}
	}

	if retain <= 0 {
		return nil
	}
	return pruneRotated(dir, stem+"-", ext, time.Now().Add(-retain))
}

func nextRotatedName(dir, stem, ext string, now time.Time) (string, error) {
	ts := now.Format("20060102-150405")
	candidate := filepath.Join(dir, fmt.Sprintf("%s-%s%s", stem, ts, ext))
	for i := 1; ; i++ {
		_, err := os.Stat(candidate)
		if os.IsNotExist(err) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s-%s-%d%s", stem, ts, i, ext))
	}
}

func pruneRotated(dir, prefix, ext string, cutoff time.Time) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || (ext != "" && !strings.HasSuffix(name, ext)) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
	return nil
}
