package events

import "tunnelmgr/backend/domain"

// EventType 事件类型
type EventType string

const (
	// 配置组事件
	EventGroupCreated EventType = "group.created"
	EventGroupUpdated EventType = "group.updated"
	EventGroupDeleted EventType = "group.deleted"

	// 代理事件
	EventProxyCreated EventType = "proxy.created"
	EventProxyUpdated EventType = "proxy.updated"
	EventProxyDeleted EventType = "proxy.deleted"

	// 规则集事件
	EventRuleSetCreated EventType = "ruleset.created"
	EventRuleSetUpdated EventType = "ruleset.updated"
	EventRuleSetDeleted EventType = "ruleset.deleted"

	// 设置事件
	EventSettingsChanged EventType = "settings.changed"

	// 隧道状态事件（不触发持久化）
	EventTunnelStatusChanged EventType = "tunnel.status_changed"

	// 通配符事件（用于订阅所有事件）
	EventAll EventType = "*"
)

// Event 事件接口
type Event interface {
	Type() EventType
}

// GroupEvent 配置组事件
type GroupEvent struct {
	EventType EventType
	GroupID   string
	Group     domain.ConfigurationGroup
}

func (e GroupEvent) Type() EventType { return e.EventType }

// ProxyEvent 代理事件
type ProxyEvent struct {
	EventType EventType
	ProxyID   string
	Proxy     domain.Proxy
}

func (e ProxyEvent) Type() EventType { return e.EventType }

// RuleSetEvent 规则集事件
type RuleSetEvent struct {
	EventType EventType
	RuleSetID string
	RuleSet   domain.RuleSet
}

func (e RuleSetEvent) Type() EventType { return e.EventType }

// SettingsEvent 设置事件
type SettingsEvent struct {
	EventType EventType
	Keys      []string
}

func (e SettingsEvent) Type() EventType { return e.EventType }

// TunnelStatusEvent 隧道状态变更
// 同一状态可能被重复通知，订阅者需要幂等。
type TunnelStatusEvent struct {
	Status domain.TunnelStatus
}

func (e TunnelStatusEvent) Type() EventType { return EventTunnelStatusChanged }

// IsEntityEvent 是否为需要持久化的实体事件
func IsEntityEvent(event Event) bool {
	switch event.Type() {
	case EventTunnelStatusChanged, EventSettingsChanged:
		return false
	default:
		return true
	}
}
