package tunnel

import (
	"context"

	"tunnelmgr/backend/domain"
)

// NativeStatus 隧道提供方上报的原生连接状态
type NativeStatus int

const (
	NativeInvalid NativeStatus = iota
	NativeDisconnected
	NativeConnecting
	NativeConnected
	NativeReasserting
	NativeDisconnecting
)

func (s NativeStatus) String() string {
	switch s {
	case NativeInvalid:
		return "invalid"
	case NativeDisconnected:
		return "disconnected"
	case NativeConnecting:
		return "connecting"
	case NativeConnected:
		return "connected"
	case NativeReasserting:
		return "reasserting"
	case NativeDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Stopped 未运行（可以发起启动）
func (s NativeStatus) Stopped() bool {
	return s == NativeDisconnected || s == NativeInvalid
}

// MapStatus 原生状态 → TunnelStatus
func MapStatus(s NativeStatus) domain.TunnelStatus {
	switch s {
	case NativeConnected:
		return domain.TunnelOn
	case NativeConnecting, NativeReasserting:
		return domain.TunnelConnecting
	case NativeDisconnecting:
		return domain.TunnelDisconnecting
	default:
		return domain.TunnelOff
	}
}

// OnDemandConnectIfNeeded 命中触发域名时按需连接
const OnDemandConnectIfNeeded = "ConnectIfNeeded"

// OnDemandRule 按需连接规则
type OnDemandRule struct {
	Action       string   `yaml:"action" json:"action"`
	MatchDomains []string `yaml:"matchDomains" json:"matchDomains"`
}

// Registration 持久化的隧道注册信息
type Registration struct {
	Enabled         bool           `yaml:"enabled" json:"enabled"`
	Description     string         `yaml:"description" json:"description"`
	ServerAddress   string         `yaml:"serverAddress" json:"serverAddress"`
	OnDemandEnabled bool           `yaml:"onDemandEnabled" json:"onDemandEnabled"`
	OnDemandRules   []OnDemandRule `yaml:"onDemandRules,omitempty" json:"onDemandRules,omitempty"`
	// ProviderConfiguration 只在新建注册时写入（Shadowsocks 上游的 host/port）
	ProviderConfiguration map[string]any `yaml:"providerConfiguration,omitempty" json:"providerConfiguration,omitempty"`
}

// StartOptions 启动隧道的附加选项
type StartOptions map[string]string

// Handle 一个已持久化的隧道注册
//
// 状态回调可以在任意 goroutine 上触发；管理器只把它们投递到自己的串行队列。
type Handle interface {
	ID() string
	Status() NativeStatus
	Registration() Registration
	// Configure 只修改内存中的注册信息，Save 后才生效
	Configure(reg Registration)
	Save(ctx context.Context) error
	Reload(ctx context.Context) error
	StartTunnel(opts StartOptions) error
	StopTunnel()
	// Subscribe 订阅状态变化，返回取消订阅函数
	Subscribe(fn func(NativeStatus)) (unsubscribe func())
	SendMessage(ctx context.Context, payload []byte) ([]byte, error)
}

// Provider 隧道注册的存取
type Provider interface {
	// Load 返回已有的注册；不存在时返回 (nil, nil)
	Load(ctx context.Context) (Handle, error)
	// Create 构造一个尚未保存的新注册
	Create(reg Registration) Handle
}
