package generator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DebugMask HTTP 代理的 debug 位掩码
	DebugMask = 131071

	defaultsFileName = "proxy.yaml"
)

// LoadDefaults 读取 bundle 中的 HTTP 代理默认配置（proxy.yaml）。
// 文件不存在时返回空字典。
func LoadDefaults(bundleDir string) (map[string]any, error) {
	if strings.TrimSpace(bundleDir) == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(filepath.Join(bundleDir, defaultsFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", defaultsFileName, err)
	}
	return out, nil
}

// mainConfig 合并默认配置与运行期键，运行期键覆盖默认值
func (g *Generator) mainConfig(globalMode bool) map[string]any {
	conf := make(map[string]any, len(g.defaults)+10)
	for k, v := range g.defaults {
		conf[k] = v
	}
	conf["confdir"] = g.paths.HTTPConfDir
	conf["templdir"] = g.paths.TemplateDir
	conf["logdir"] = g.paths.LogDir
	conf["mmdbpath"] = g.paths.GeoIPDB
	conf["global-mode"] = globalMode
	conf["debug"] = DebugMask
	if g.logToFile {
		conf["logfile"] = g.paths.HTTPLogFile
	} else {
		delete(conf, "logfile")
	}
	conf["actionsfile"] = g.paths.ActionsFile
	conf["tolerate-pipelining"] = 1
	return conf
}

// RenderMainConfig 每行 "key value"，按 key 排序保证输出稳定。
// 列表值展开为多行同名 key（如多个 listen-address）。
func RenderMainConfig(conf map[string]any) string {
	keys := make([]string, 0, len(conf))
	for k := range conf {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := conf[k].(type) {
		case []any:
			for _, item := range v {
				lines = append(lines, k+" "+formatValue(item))
			}
		case []string:
			for _, item := range v {
				lines = append(lines, k+" "+item)
			}
		default:
			lines = append(lines, k+" "+formatValue(v))
		}
	}
	return strings.Join(lines, "\n")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case bool:
		if x {
			return "1"
		}
		return "0"
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
