// Package tunnel 隧道生命周期状态机。
//
// 状态：Off / Connecting / On / Disconnecting，进程生命周期内不终止。
// 所有操作与提供方的状态回调都在同一个 FIFO 串行队列上执行。
//
// 已知的活性缺口：平台的启动/停止没有超时，唯一的完成信号是状态回调。
// 如果提供方一直不上报终态，状态会停在 Connecting/Disconnecting，
// 此期间 Switch 全部被忽略，直到下一次回调或 Switch 的重新同步看到新状态。
package tunnel

import (
	"context"
	"fmt"
	"log"
	"sync"

	"tunnelmgr/backend/domain"
	"tunnelmgr/backend/repository/events"
)

// DefaultTriggerDomain 按需连接的触发域名
const DefaultTriggerDomain = "connect.tunnelmgr.vpn"

// ConfigSource 启动前同步重新生成当前配置组的产物
type ConfigSource interface {
	RegenerateActive(ctx context.Context) error
}

// UpstreamFunc 返回当前配置组的上游代理（新建注册时写入 host/port）
type UpstreamFunc func(ctx context.Context) (domain.Proxy, bool)

// Options 管理器配置
type Options struct {
	AppName       string
	TriggerDomain string
	Upstream      UpstreamFunc
}

// Manager 隧道生命周期管理器
type Manager struct {
	provider Provider
	config   ConfigSource
	bus      *events.Bus
	opts     Options

	queue *serialQueue

	statusMu sync.RWMutex
	status   domain.TunnelStatus

	// 以下字段只在队列内访问
	observerAdded bool
	observedID    string
	unsubscribe   func()
}

// NewManager 创建管理器；调用方需要随后调用 Init 同步已有注册的状态
func NewManager(provider Provider, config ConfigSource, bus *events.Bus, opts Options) *Manager {
	if opts.AppName == "" {
		opts.AppName = "tunnelmgr"
	}
	if opts.TriggerDomain == "" {
		opts.TriggerDomain = DefaultTriggerDomain
	}
	return &Manager{
		provider: provider,
		config:   config,
		bus:      bus,
		opts:     opts,
		queue:    newSerialQueue(),
		status:   domain.TunnelOff,
	}
}

// Status 当前状态（可在任意 goroutine 调用）
func (m *Manager) Status() domain.TunnelStatus {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

// setStatus 每次赋值都会发布事件，即使状态未变化（订阅者需幂等）
func (m *Manager) setStatus(s domain.TunnelStatus) {
	m.statusMu.Lock()
	prev := m.status
	m.status = s
	m.statusMu.Unlock()

	if prev != s {
		log.Printf("[Tunnel] status %s -> %s", prev, s)
	}
	if m.bus != nil {
		m.bus.PublishSync(events.TunnelStatusEvent{Status: s})
	}
}

func (m *Manager) syncFrom(h Handle) {
	m.setStatus(MapStatus(h.Status()))
}

// do 在串行队列上执行 fn 并等待结果
func (m *Manager) do(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	// 入队后即使调用方放弃等待，任务仍会执行
	jobCtx := context.WithoutCancel(ctx)
	if !m.queue.submit(func() { done <- fn(jobCtx) }) {
		return ErrManagerClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Init 加载已有注册并同步状态；已连接时直接挂上状态观察者
func (m *Manager) Init(ctx context.Context) error {
	return m.do(ctx, func(ctx context.Context) error {
		h, err := m.provider.Load(ctx)
		if err != nil {
			log.Printf("[Tunnel] load registration failed: %v", err)
			return fmt.Errorf("%w: %v", ErrInvalidProvider, err)
		}
		if h == nil {
			return nil
		}
		m.syncFrom(h)
		if m.Status() == domain.TunnelOn {
			m.observe(h)
		}
		return nil
	})
}

// Switch 先与提供方重新同步状态；过渡中（Connecting/Disconnecting）直接忽略，
// Off 时启动，否则停止。
func (m *Manager) Switch(ctx context.Context) error {
	return m.do(ctx, func(ctx context.Context) error {
		h, err := m.provider.Load(ctx)
		if err != nil {
			log.Printf("[Tunnel] load registration failed: %v", err)
		}
		if h != nil {
			m.syncFrom(h)
		}

		switch m.Status() {
		case domain.TunnelConnecting, domain.TunnelDisconnecting:
			log.Printf("[Tunnel] switch ignored while %s", m.Status())
			return nil
		case domain.TunnelOff:
			return m.start(ctx)
		default:
			m.stop(ctx)
			return nil
		}
	})
}

// Start 重新生成配置 → 加载或创建注册 → 必要时启动隧道 → 挂观察者
func (m *Manager) Start(ctx context.Context) error {
	return m.do(ctx, m.start)
}

// Stop 发出停止请求，不等待也不校验结果（结果从状态回调到达）
func (m *Manager) Stop(ctx context.Context) {
	if err := m.do(ctx, func(ctx context.Context) error {
		m.stop(ctx)
		return nil
	}); err != nil {
		log.Printf("[Tunnel] stop not delivered: %v", err)
	}
}

// IsRunning 原生状态是否为 Connected；没有注册时 handle 为 nil
func (m *Manager) IsRunning(ctx context.Context) (bool, Handle, error) {
	var (
		running bool
		handle  Handle
	)
	err := m.do(ctx, func(ctx context.Context) error {
		h, err := m.provider.Load(ctx)
		if err != nil || h == nil {
			return err
		}
		handle = h
		running = h.Status() == NativeConnected
		return nil
	})
	return running, handle, err
}

// SendMessage 向隧道进程发送不透明消息（注册不存在或无效时返回 ErrInvalidProvider）
func (m *Manager) SendMessage(ctx context.Context, payload []byte) ([]byte, error) {
	var handle Handle
	err := m.do(ctx, func(ctx context.Context) error {
		h, err := m.provider.Load(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProvider, err)
		}
		if h == nil || h.Status() == NativeInvalid {
			return ErrInvalidProvider
		}
		handle = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	// 等待回复不占用队列
	resp, err := handle.SendMessage(ctx, payload)
	if err != nil {
		log.Printf("[Tunnel] send message failed: %v", err)
		return nil, err
	}
	return resp, nil
}

// Close 取消观察并停止队列（不会停止隧道本身）
func (m *Manager) Close() {
	m.queue.submit(func() {
		if m.unsubscribe != nil {
			m.unsubscribe()
			m.unsubscribe = nil
		}
	})
	m.queue.close()
}

// ========== 以下只在队列内调用 ==========

func (m *Manager) start(ctx context.Context) error {
	// 配置生成失败时不碰注册，状态保持不变
	if err := m.config.RegenerateActive(ctx); err != nil {
		log.Printf("[Tunnel] regenerate config failed: %v", err)
		return fmt.Errorf("regenerate config: %w", err)
	}

	h, err := m.loadOrCreate(ctx)
	if err != nil {
		log.Printf("[Tunnel] prepare registration failed: %v", err)
		return err
	}

	if h.Status().Stopped() {
		if err := h.StartTunnel(nil); err != nil {
			log.Printf("[Tunnel] start tunnel failed: %v", err)
			return fmt.Errorf("%w: %v", ErrTunnelStartFailure, err)
		}
		log.Printf("[Tunnel] start requested (registration %s)", h.ID())
	} else {
		log.Printf("[Tunnel] already %s, treat as started", h.Status())
	}
	m.observe(h)
	return nil
}

func (m *Manager) stop(ctx context.Context) {
	h, err := m.provider.Load(ctx)
	if err != nil {
		log.Printf("[Tunnel] load registration failed: %v", err)
		return
	}
	if h == nil {
		return
	}
	h.StopTunnel()
	log.Printf("[Tunnel] stop requested (registration %s)", h.ID())
}

// loadOrCreate 加载已有注册或新建，写入启用/描述/按需规则后保存并重新加载
func (m *Manager) loadOrCreate(ctx context.Context) (Handle, error) {
	h, err := m.provider.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %v", ErrInvalidProvider, err)
	}
	if h == nil {
		h = m.provider.Create(m.newRegistration(ctx))
		if h == nil {
			return nil, ErrInvalidProvider
		}
	}

	reg := h.Registration()
	reg.Enabled = true
	reg.Description = m.opts.AppName
	reg.ServerAddress = m.opts.AppName
	reg.OnDemandEnabled = true
	reg.OnDemandRules = []OnDemandRule{{
		Action:       OnDemandConnectIfNeeded,
		MatchDomains: []string{m.opts.TriggerDomain},
	}}
	h.Configure(reg)

	if err := h.Save(ctx); err != nil {
		return nil, fmt.Errorf("%w: save: %v", ErrInvalidProvider, err)
	}
	if err := h.Reload(ctx); err != nil {
		return nil, fmt.Errorf("%w: reload: %v", ErrInvalidProvider, err)
	}
	return h, nil
}

func (m *Manager) newRegistration(ctx context.Context) Registration {
	reg := Registration{}
	if m.opts.Upstream == nil {
		return reg
	}
	if p, ok := m.opts.Upstream(ctx); ok && p.Type == domain.ProxyShadowsocks {
		reg.ProviderConfiguration = map[string]any{
			"host": p.Host,
			"port": p.Port,
		}
	}
	return reg
}

// observe 挂状态观察者，整个进程生命周期最多一次
func (m *Manager) observe(h Handle) {
	if m.observerAdded {
		return
	}
	m.observerAdded = true
	m.observedID = h.ID()
	m.unsubscribe = h.Subscribe(func(NativeStatus) {
		// 回调线程上不改状态，投递到队列后按当时的原生状态同步
		m.queue.submit(func() { m.syncFrom(h) })
	})
	log.Printf("[Tunnel] observing registration %s", m.observedID)
}
