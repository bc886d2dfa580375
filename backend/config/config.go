// Package config 读取应用配置文件（YAML）。文件不存在时写出默认配置。
package config

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tunnelmgr/backend/service/geo"
	"tunnelmgr/backend/service/shared"
	"tunnelmgr/backend/service/tunnel"
)

// LogLevel 日志级别
type LogLevel string

const (
	LogOff   LogLevel = "off"
	LogError LogLevel = "error"
	LogInfo  LogLevel = "info"
	LogDebug LogLevel = "debug"
)

// LogConfig 日志配置
type LogConfig struct {
	// Level 为 off 时 HTTP 代理守护进程不写日志文件
	Level LogLevel `yaml:"level"`
}

// GeoIPConfig GeoIP 数据库来源
type GeoIPConfig struct {
	URL             string `yaml:"url"`
	RefreshInterval string `yaml:"refresh_interval"`
	// UseSystemProxy 下载时走环境代理；默认直连，避免绕回隧道自身
	UseSystemProxy bool `yaml:"use_system_proxy,omitempty"`
}

// TunnelConfig 隧道相关配置
type TunnelConfig struct {
	AppName       string `yaml:"app_name"`
	TriggerDomain string `yaml:"trigger_domain"`
	// Command 隧道守护进程命令；为空时无法启动隧道
	Command []string `yaml:"command,omitempty"`
}

// Config 应用配置
type Config struct {
	// RootDir 共享目录（生成的配置、GeoIP、设置库）；为空时自动解析
	RootDir   string       `yaml:"root_dir,omitempty"`
	BundleDir string       `yaml:"bundle_dir,omitempty"`
	Pollution []string     `yaml:"dns_pollution,omitempty"`
	GeoIP     GeoIPConfig  `yaml:"geoip"`
	Tunnel    TunnelConfig `yaml:"tunnel"`
	Logging   LogConfig    `yaml:"logging"`
}

// Default 默认配置
func Default() Config {
	return Config{
		GeoIP: GeoIPConfig{
			URL:             geo.DefaultURL,
			RefreshInterval: shared.DefaultGeoIPRefreshInterval.String(),
		},
		Tunnel: TunnelConfig{
			AppName:       "tunnelmgr",
			TriggerDomain: tunnel.DefaultTriggerDomain,
		},
		Logging: LogConfig{Level: LogInfo},
	}
}

// Load 读取配置；文件不存在时把默认配置写回磁盘
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[Config] %s not found, writing defaults", path)
			cfg := Default()
			if saveErr := Save(path, cfg); saveErr != nil {
				return Config{}, fmt.Errorf("create default config: %w", saveErr)
			}
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save 写配置文件
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return shared.WriteAtomic(path, data, 0o644)
}

func (c *Config) normalize() error {
	c.Logging.Level = LogLevel(strings.ToLower(strings.TrimSpace(string(c.Logging.Level))))
	switch c.Logging.Level {
	case "":
		c.Logging.Level = LogInfo
	case LogOff, LogError, LogInfo, LogDebug:
	default:
		return fmt.Errorf("parse config: unknown logging level %q", c.Logging.Level)
	}
	if strings.TrimSpace(c.GeoIP.URL) == "" {
		c.GeoIP.URL = geo.DefaultURL
	}
	if strings.TrimSpace(c.Tunnel.AppName) == "" {
		c.Tunnel.AppName = "tunnelmgr"
	}
	if strings.TrimSpace(c.Tunnel.TriggerDomain) == "" {
		c.Tunnel.TriggerDomain = tunnel.DefaultTriggerDomain
	}
	if _, err := c.RefreshInterval(); err != nil {
		return err
	}
	return nil
}

// RefreshInterval GeoIP 刷新间隔，未配置时为默认值
func (c Config) RefreshInterval() (time.Duration, error) {
	raw := strings.TrimSpace(c.GeoIP.RefreshInterval)
	if raw == "" {
		return shared.DefaultGeoIPRefreshInterval, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("parse config: invalid geoip refresh_interval %q", raw)
	}
	return d, nil
}

// GeoIPClient 下载 GeoIP 使用的 HTTP 客户端
func (c Config) GeoIPClient() *http.Client {
	if c.GeoIP.UseSystemProxy {
		return shared.HTTPClient
	}
	return shared.HTTPClientDirect
}

// LogToFile HTTP 代理守护进程是否写日志文件
func (c Config) LogToFile() bool {
	return c.Logging.Level != LogOff
}
