// Package geo 负责共享目录中 GeoIP 数据库的供给与更新。
//
// 所有网络操作都不经过隧道生命周期队列，失败只降级（GEOIP 规则失效），不阻塞启动/停止。
package geo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"

	"tunnelmgr/backend/domain"
	"tunnelmgr/backend/repository"
	"tunnelmgr/backend/service/shared"
)

// 错误定义
var (
	ErrDownloadFailed  = errors.New("download failed")
	ErrNotProvisioned  = errors.New("geoip database not provisioned")
	ErrInvalidDatabase = errors.New("invalid geoip database")
)

const (
	// DefaultURL GeoIP 数据库下载地址
	DefaultURL = "https://github.com/P3TERX/GeoLite.mmdb/raw/download/GeoLite2-Country.mmdb"

	// DefaultLastModified 从未下载过时使用的 If-Modified-Since
	DefaultLastModified = "Tue, 20 Dec 2016 12:53:05 GMT"

	// MinDatabaseSize 小于此大小的响应视为无效
	MinDatabaseSize = 1024
)

// Options GeoIP 服务配置
type Options struct {
	// Path 共享目录中的数据库路径
	Path string
	// BundleDir 随程序分发的资源目录，可为空
	BundleDir string
	URL       string
	Client    *http.Client
}

// Service GeoIP 服务
type Service struct {
	path      string
	bundleDir string
	url       string
	client    *http.Client
	settings  repository.SettingsRepository

	refreshMu sync.Mutex
}

// Info 数据库元信息
type Info struct {
	Path         string    `json:"path"`
	SizeBytes    int64     `json:"sizeBytes"`
	ModifiedAt   time.Time `json:"modifiedAt"`
	DatabaseType string    `json:"databaseType"`
	BuildTime    time.Time `json:"buildTime"`
	IPVersion    uint      `json:"ipVersion"`
	NodeCount    uint      `json:"nodeCount"`
	LastModified string    `json:"lastModified,omitempty"`
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
}

// NewService 创建 GeoIP 服务
func NewService(opts Options, settings repository.SettingsRepository) *Service {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.Client == nil {
		opts.Client = shared.HTTPClientDirect
	}
	return &Service{
		path:      opts.Path,
		bundleDir: opts.BundleDir,
		url:       opts.URL,
		client:    opts.Client,
		settings:  settings,
	}
}

// Path 数据库路径
func (s *Service) Path() string { return s.path }

// Provision 首次启动的供给：共享目录没有数据库且 bundle 中有，则复制；否则走条件刷新。
// 尽力而为，错误只记录日志。返回是否发起过刷新（调度器据此跳过首次刷新）。
func (s *Service) Provision(ctx context.Context) (refreshed bool) {
	bundled := ""
	if s.bundleDir != "" {
		bundled = filepath.Join(s.bundleDir, filepath.Base(s.path))
	}
	if !shared.FileExists(s.path) && bundled != "" && shared.FileExists(bundled) {
		if err := shared.CopyFile(bundled, s.path); err != nil {
			log.Printf("[GeoIP] copy bundled database failed: %v", err)
			return false
		}
		log.Printf("[GeoIP] copied bundled database to %s", s.path)
		return false
	}
	if _, err := s.Refresh(ctx); err != nil {
		log.Printf("[GeoIP] refresh failed: %v", err)
	}
	return true
}

// Refresh 条件下载：带上记住的 If-Modified-Since，仅在 200 且大小合理时替换文件，
// 并记住响应中的 Last-Modified。返回是否替换了文件。
func (s *Service) Refresh(ctx context.Context) (bool, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	lastModified := s.lastModified(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("If-Modified-Since", lastModified)

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		log.Printf("[GeoIP] not modified since %s", lastModified)
		return false, nil
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("%w: unexpected status %s", ErrDownloadFailed, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, shared.MaxDownloadSize+1))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if len(data) > shared.MaxDownloadSize {
		return false, fmt.Errorf("%w: body exceeds %d bytes", ErrDownloadFailed, shared.MaxDownloadSize)
	}
	if len(data) <= MinDatabaseSize {
		log.Printf("[GeoIP] response too small (%d bytes), keep current database", len(data))
		return false, nil
	}

	if err := shared.WriteAtomic(s.path, data, 0o644); err != nil {
		return false, err
	}
	log.Printf("[GeoIP] database updated: %d bytes", len(data))

	if lm := strings.TrimSpace(resp.Header.Get("Last-Modified")); lm != "" {
		if err := s.settings.SetString(ctx, domain.SettingGeoIPLastModified, lm); err != nil {
			log.Printf("[GeoIP] remember Last-Modified failed: %v", err)
		}
	}
	return true, nil
}

func (s *Service) lastModified(ctx context.Context) string {
	if s.settings == nil {
		return DefaultLastModified
	}
	v, ok, err := s.settings.GetString(ctx, domain.SettingGeoIPLastModified)
	if err != nil {
		log.Printf("[GeoIP] read Last-Modified failed: %v", err)
	}
	if !ok || strings.TrimSpace(v) == "" {
		return DefaultLastModified
	}
	return v
}

// Inspect 读取当前数据库的元信息
func (s *Service) Inspect(ctx context.Context) (Info, error) {
	st, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{}, ErrNotProvisioned
		}
		return Info{}, err
	}

	reader, err := maxminddb.Open(s.path)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidDatabase, err)
	}
	defer reader.Close()

	meta := reader.Metadata
	info := Info{
		Path:         s.path,
		SizeBytes:    st.Size(),
		ModifiedAt:   st.ModTime(),
		DatabaseType: meta.DatabaseType,
		BuildTime:    time.Unix(int64(meta.BuildEpoch), 0).UTC(),
		IPVersion:    meta.IPVersion,
		NodeCount:    meta.NodeCount,
	}
	if s.settings != nil {
		if v, ok, _ := s.settings.GetString(ctx, domain.SettingGeoIPLastModified); ok {
			info.LastModified = v
		}
	}
	return info, nil
}

// Lookup 查询 IP 所属国家（ISO 代码，大写）
func (s *Service) Lookup(ip string) (string, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "", fmt.Errorf("invalid ip %q", ip)
	}
	if !shared.FileExists(s.path) {
		return "", ErrNotProvisioned
	}
	reader, err := maxminddb.Open(s.path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDatabase, err)
	}
	defer reader.Close()

	var record countryRecord
	if err := reader.Lookup(parsed, &record); err != nil {
		return "", err
	}
	code := strings.TrimSpace(record.Country.ISOCode)
	if code == "" {
		code = strings.TrimSpace(record.RegisteredCountry.ISOCode)
	}
	return strings.ToUpper(code), nil
}
