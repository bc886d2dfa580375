package shared

import (
	"net"
	"net/http"
	"time"
)

// 常量定义
const (
	DefaultGeoIPRefreshInterval = 24 * time.Hour
	DownloadTimeout             = 5 * time.Minute // 支持慢速网络
	MaxDownloadSize             = 50 << 20        // 50 MiB
)

// HTTP 客户端
var (
	// HTTPClient 默认 HTTP 客户端（遵循环境代理）
	HTTPClient = newHTTPClient(false)

	// HTTPClientDirect 不使用代理的 HTTP 客户端
	// 隧道自身可能就是系统代理，下载 GeoIP 时不能绕回去。
	HTTPClientDirect = newHTTPClient(true)
)

func newHTTPClient(bypassProxy bool) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 60 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:   true,
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: 30 * time.Second,
	}
	if bypassProxy {
		tr.Proxy = nil
	}
	return &http.Client{
		Timeout:   DownloadTimeout,
		Transport: tr,
	}
}
