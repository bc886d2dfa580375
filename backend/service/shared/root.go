package shared

import (
	"log"
	"os"
	"path/filepath"
	"strings"
)

const (
	// EnvRootDir 强制指定共享数据目录（控制进程与隧道进程必须一致）
	EnvRootDir = "TUNNELMGR_ROOT"

	appDirName = "tunnelmgr"
)

// ResolveRootDir 解析共享数据目录
//
// 顺序：configured（配置文件）→ TUNNELMGR_ROOT → 用户配置目录 → 当前目录。
// 不可写的候选会被跳过：以前用 sudo 跑过时目录可能是 root-owned。
func ResolveRootDir(configured string) string {
	candidates := []struct {
		source string
		path   string
	}{
		{"config", configured},
		{EnvRootDir, os.Getenv(EnvRootDir)},
		{"user config dir", defaultUserRoot()},
	}
	for _, c := range candidates {
		p := absPath(c.path)
		if p == "" {
			continue
		}
		if isWritableDir(p) {
			log.Printf("[Init] root dir (%s): %s", c.source, p)
			return p
		}
		log.Printf("[Init] root dir (%s) is not writable: %s; falling back", c.source, p)
	}

	cwd, _ := os.Getwd()
	p := absPath(filepath.Join(cwd, appDirName))
	log.Printf("[Init] root dir (cwd): %s", p)
	return p
}

// DefaultStatePath state.json 默认位置
func DefaultStatePath(root string) string {
	if strings.TrimSpace(root) == "" {
		return filepath.Join("data", "state.json")
	}
	return filepath.Join(root, "data", "state.json")
}

// DefaultSettingsPath 设置库默认位置
func DefaultSettingsPath(root string) string {
	return filepath.Join(root, "data", "settings.db")
}

// ExecutableDir 可执行文件所在目录（bundle 默认位于其旁边）
func ExecutableDir() string {
	exePath, err := os.Executable()
	if err == nil {
		if realPath, err := filepath.EvalSymlinks(exePath); err == nil {
			exePath = realPath
		}
		return filepath.Dir(exePath)
	}
	cwd, _ := os.Getwd()
	return cwd
}

func defaultUserRoot() string {
	// - Linux: ~/.config/tunnelmgr
	// - macOS: ~/Library/Application Support/tunnelmgr
	// - Windows: %APPDATA%\tunnelmgr
	base, err := os.UserConfigDir()
	if err == nil && strings.TrimSpace(base) != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err == nil && strings.TrimSpace(home) != "" {
		return filepath.Join(home, "."+appDirName)
	}
	return ""
}

func absPath(path string) string {
	if strings.TrimSpace(path) == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func isWritableDir(dir string) bool {
	if strings.TrimSpace(dir) == "" {
		return false
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}

	probe := filepath.Join(dir, ".tunnelmgr_write_probe")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return false
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return true
}
