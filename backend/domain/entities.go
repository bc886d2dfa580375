package domain

import (
	"fmt"
	"strings"
	"time"
)

// ProxyType 代理类型
type ProxyType string

const (
	ProxyShadowsocks  ProxyType = "Shadowsocks"
	ProxyShadowsocksR ProxyType = "ShadowsocksR"
	ProxySocks5       ProxyType = "Socks5"
	ProxyHTTP         ProxyType = "HTTP"
	ProxyHTTPS        ProxyType = "HTTPS"
)

// Proxy 代理服务器（由 ConfigStore 持有）
// 一旦被某次生成的配置引用，修改后必须重新生成配置。
type Proxy struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       ProxyType `json:"type"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Password   string    `json:"password,omitempty"`
	AuthScheme string    `json:"authscheme,omitempty"`
	OTA        bool      `json:"ota"`
	// 仅 ShadowsocksR 使用
	SSRProtocol  string    `json:"ssrProtocol,omitempty"`
	SSRObfs      string    `json:"ssrObfs,omitempty"`
	SSRObfsParam string    `json:"ssrObfsParam,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RuleType 规则类型（分类只看类型）
type RuleType string

const (
	RuleURL          RuleType = "URL"
	RuleURLMatch     RuleType = "URL-MATCH"
	RuleDomain       RuleType = "DOMAIN"
	RuleDomainSuffix RuleType = "DOMAIN-SUFFIX"
	RuleDomainMatch  RuleType = "DOMAIN-MATCH"
	RuleIPCIDR       RuleType = "IP-CIDR"
	RuleGeoIP        RuleType = "GEOIP"
	RuleDNSIPCIDR    RuleType = "DNS-IP-CIDR"
)

// RuleAction 规则动作
type RuleAction string

const (
	ActionProxy  RuleAction = "PROXY"
	ActionDirect RuleAction = "DIRECT"
	ActionReject RuleAction = "REJECT"
)

type Rule struct {
	Type   RuleType   `json:"type"`
	Value  string     `json:"value"`
	Action RuleAction `json:"action"`
}

// Description 返回写入 action 文件的原样文本，例如 "DOMAIN-SUFFIX, google.com, PROXY"。
func (r Rule) Description() string {
	return fmt.Sprintf("%s, %s, %s", r.Type, strings.TrimSpace(r.Value), r.Action)
}

type RuleSet struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Rules     []Rule    `json:"rules"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConfigurationGroup 配置组
// - ProxyIDs / RuleSetIDs 只是引用，实体由各自仓储持有；顺序有意义。
// - ProxyIDs 的第一个元素即“上游代理”，不存在其他选择规则。
// - 是否为默认组不记录在实体上，而是记在 settings 里。
type ConfigurationGroup struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	ProxyIDs       []string  `json:"proxyIds"`
	RuleSetIDs     []string  `json:"ruleSetIds"`
	DNS            string    `json:"dns,omitempty"`
	DefaultToProxy bool      `json:"defaultToProxy"`
	Deleted        bool      `json:"deleted,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ExpandedGroup 展开引用后的配置组，只在一次生成周期内存在
type ExpandedGroup struct {
	Group    ConfigurationGroup
	Proxies  []Proxy
	RuleSets []RuleSet
}

// UpstreamProxy 返回上游代理（代理列表第一个元素）
func (g ExpandedGroup) UpstreamProxy() (Proxy, bool) {
	if len(g.Proxies) == 0 {
		return Proxy{}, false
	}
	return g.Proxies[0], true
}

// GlobalMode 上游代理存在且组设置为默认走代理
func (g ExpandedGroup) GlobalMode() bool {
	_, ok := g.UpstreamProxy()
	return ok && g.Group.DefaultToProxy
}

// TunnelStatus 隧道状态（进程级单例，只由生命周期管理器修改）
type TunnelStatus int

const (
	TunnelOff TunnelStatus = iota
	TunnelConnecting
	TunnelOn
	TunnelDisconnecting
)

func (s TunnelStatus) String() string {
	switch s {
	case TunnelOff:
		return "off"
	case TunnelConnecting:
		return "connecting"
	case TunnelOn:
		return "on"
	case TunnelDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

func (s TunnelStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ServiceState 持久化快照
type ServiceState struct {
	SchemaVersion string               `json:"schemaVersion,omitempty"`
	Groups        []ConfigurationGroup `json:"groups"`
	Proxies       []Proxy              `json:"proxies"`
	RuleSets      []RuleSet            `json:"ruleSets"`
	GeneratedAt   time.Time            `json:"generatedAt"`
}
