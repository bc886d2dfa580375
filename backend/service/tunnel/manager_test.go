package tunnel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tunnelmgr/backend/domain"
	"tunnelmgr/backend/repository/events"
)

type statusRecorder struct {
	mu       sync.Mutex
	statuses []domain.TunnelStatus
}

func (r *statusRecorder) handle(e events.Event) {
	ev, ok := e.(events.TunnelStatusEvent)
	if !ok {
		return
	}
	r.mu.Lock()
	r.statuses = append(r.statuses, ev.Status)
	r.mu.Unlock()
}

func (r *statusRecorder) all() []domain.TunnelStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TunnelStatus(nil), r.statuses...)
}

func newTestManager(t *testing.T, provider Provider, config ConfigSource, opts Options) (*Manager, *statusRecorder) {
	t.Helper()
	bus := events.NewBus()
	rec := &statusRecorder{}
	bus.Subscribe(events.EventTunnelStatusChanged, rec.handle)
	m := NewManager(provider, config, bus, opts)
	t.Cleanup(m.Close)
	return m, rec
}

// flush 等待队列中已有的任务执行完
func flush(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.do(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestMapStatus(t *testing.T) {
	t.Parallel()

	cases := map[NativeStatus]domain.TunnelStatus{
		NativeConnected:     domain.TunnelOn,
		NativeConnecting:    domain.TunnelConnecting,
		NativeReasserting:   domain.TunnelConnecting,
		NativeDisconnecting: domain.TunnelDisconnecting,
		NativeDisconnected:  domain.TunnelOff,
		NativeInvalid:       domain.TunnelOff,
	}
	for native, want := range cases {
		if got := MapStatus(native); got != want {
			t.Fatalf("MapStatus(%s) = %s, want %s", native, got, want)
		}
	}
}

func TestInit_ConnectedAttachesObserver(t *testing.T) {
	t.Parallel()

	h := newFakeHandle("h1", NativeConnected)
	m, rec := newTestManager(t, &fakeProvider{handle: h}, &fakeConfig{}, Options{})

	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if m.Status() != domain.TunnelOn {
		t.Fatalf("expected On, got %s", m.Status())
	}
	if h.subscriberCount() != 1 {
		t.Fatalf("expected observer to be attached without Start, got %d", h.subscriberCount())
	}

	h.report(NativeDisconnecting)
	flush(t, m)
	if m.Status() != domain.TunnelDisconnecting {
		t.Fatalf("expected Disconnecting after callback, got %s", m.Status())
	}
	if got := rec.all(); len(got) != 2 || got[0] != domain.TunnelOn || got[1] != domain.TunnelDisconnecting {
		t.Fatalf("unexpected published statuses %v", got)
	}
}

func TestInit_NoRegistrationStaysOff(t *testing.T) {
	t.Parallel()

	m, rec := newTestManager(t, &fakeProvider{}, &fakeConfig{}, Options{})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if m.Status() != domain.TunnelOff {
		t.Fatalf("expected Off, got %s", m.Status())
	}
	if len(rec.all()) != 0 {
		t.Fatalf("expected no status events")
	}
}

func TestInit_DisconnectedDoesNotObserve(t *testing.T) {
	t.Parallel()

	h := newFakeHandle("h1", NativeDisconnected)
	m, _ := newTestManager(t, &fakeProvider{handle: h}, &fakeConfig{}, Options{})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if h.subscriberCount() != 0 {
		t.Fatalf("expected no observer, got %d", h.subscriberCount())
	}
}

func TestStart_CreatesRegistrationAndStarts(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{}
	upstream := func(context.Context) (domain.Proxy, bool) {
		return domain.Proxy{Type: domain.ProxyShadowsocks, Host: "1.2.3.4", Port: 8388}, true
	}
	m, _ := newTestManager(t, provider, &fakeConfig{}, Options{AppName: "TestApp", Upstream: upstream})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h := provider.handle
	if h == nil {
		t.Fatalf("expected registration to be created")
	}
	if provider.created.ProviderConfiguration["host"] != "1.2.3.4" || provider.created.ProviderConfiguration["port"] != 8388 {
		t.Fatalf("unexpected provider configuration %+v", provider.created.ProviderConfiguration)
	}

	reg := h.Registration()
	if !reg.Enabled || !reg.OnDemandEnabled || reg.Description != "TestApp" || reg.ServerAddress != "TestApp" {
		t.Fatalf("unexpected registration %+v", reg)
	}
	if len(reg.OnDemandRules) != 1 || reg.OnDemandRules[0].Action != OnDemandConnectIfNeeded ||
		len(reg.OnDemandRules[0].MatchDomains) != 1 || reg.OnDemandRules[0].MatchDomains[0] != DefaultTriggerDomain {
		t.Fatalf("unexpected on-demand rules %+v", reg.OnDemandRules)
	}
	start, _, save := h.counts()
	if start != 1 || save != 1 || h.reloadCalls != 1 {
		t.Fatalf("expected one save/reload/start, got start=%d save=%d reload=%d", start, save, h.reloadCalls)
	}
	if h.subscriberCount() != 1 {
		t.Fatalf("expected observer after Start")
	}

	// 状态只从回调推进
	if m.Status() != domain.TunnelOff {
		t.Fatalf("expected Off until provider reports, got %s", m.Status())
	}
	h.report(NativeConnecting)
	h.report(NativeConnected)
	flush(t, m)
	if m.Status() != domain.TunnelOn {
		t.Fatalf("expected On, got %s", m.Status())
	}
}

func TestStart_ObserverAttachedOnce(t *testing.T) {
	t.Parallel()

	h := newFakeHandle("h1", NativeDisconnected)
	m, rec := newTestManager(t, &fakeProvider{handle: h}, &fakeConfig{}, Options{})

	for i := 0; i < 3; i++ {
		if err := m.Start(context.Background()); err != nil {
			t.Fatalf("Start #%d: %v", i, err)
		}
	}
	if h.subscriberCount() != 1 {
		t.Fatalf("expected exactly one observer, got %d", h.subscriberCount())
	}

	h.report(NativeConnected)
	flush(t, m)
	if got := rec.all(); len(got) != 1 || got[0] != domain.TunnelOn {
		t.Fatalf("expected a single notification, got %v", got)
	}
}

func TestStart_AlreadyRunningSkipsStartTunnel(t *testing.T) {
	t.Parallel()

	h := newFakeHandle("h1", NativeConnected)
	m, _ := newTestManager(t, &fakeProvider{handle: h}, &fakeConfig{}, Options{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if start, _, _ := h.counts(); start != 0 {
		t.Fatalf("expected no start request, got %d", start)
	}
	if h.subscriberCount() != 1 {
		t.Fatalf("expected observer to be attached")
	}
}

func TestStart_RegenerationFailureLeavesHandleUntouched(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{}
	config := &fakeConfig{err: errRegenerate}
	m, rec := newTestManager(t, provider, config, Options{})

	err := m.Start(context.Background())
	if !errors.Is(err, errRegenerate) {
		t.Fatalf("expected regeneration error, got %v", err)
	}
	load, create := provider.calls()
	if load != 0 || create != 0 {
		t.Fatalf("handle must not be loaded or created, load=%d create=%d", load, create)
	}
	if m.Status() != domain.TunnelOff {
		t.Fatalf("expected Off, got %s", m.Status())
	}
	if len(rec.all()) != 0 {
		t.Fatalf("expected no status events")
	}
}

func TestStart_SaveFailureIsInvalidProvider(t *testing.T) {
	t.Parallel()

	h := newFakeHandle("h1", NativeDisconnected)
	h.saveErr = errors.New("permission denied")
	m, _ := newTestManager(t, &fakeProvider{handle: h}, &fakeConfig{}, Options{})

	if err := m.Start(context.Background()); !errors.Is(err, ErrInvalidProvider) {
		t.Fatalf("expected ErrInvalidProvider, got %v", err)
	}
	if start, _, _ := h.counts(); start != 0 {
		t.Fatalf("tunnel must not start after save failure")
	}
}

func TestStart_LoadFailureIsInvalidProvider(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, &fakeProvider{loadErr: errors.New("denied")}, &fakeConfig{}, Options{})
	if err := m.Start(context.Background()); !errors.Is(err, ErrInvalidProvider) {
		t.Fatalf("expected ErrInvalidProvider, got %v", err)
	}
}

func TestStart_PlatformRejectsStart(t *testing.T) {
	t.Parallel()

	h := newFakeHandle("h1", NativeInvalid)
	h.startErr = errors.New("rejected")
	m, _ := newTestManager(t, &fakeProvider{handle: h}, &fakeConfig{}, Options{})

	if err := m.Start(context.Background()); !errors.Is(err, ErrTunnelStartFailure) {
		t.Fatalf("expected ErrTunnelStartFailure, got %v", err)
	}
	if h.subscriberCount() != 0 {
		t.Fatalf("observer must not be attached after a failed start")
	}
}

func TestSwitch_NoOpWhileTransitioning(t *testing.T) {
	t.Parallel()

	for _, native := range []NativeStatus{NativeConnecting, NativeReasserting, NativeDisconnecting} {
		h := newFakeHandle("h1", native)
		provider := &fakeProvider{handle: h}
		config := &fakeConfig{}
		m, _ := newTestManager(t, provider, config, Options{})

		if err := m.Switch(context.Background()); err != nil {
			t.Fatalf("%s: Switch: %v", native, err)
		}
		start, stop, save := h.counts()
		if start != 0 || stop != 0 || save != 0 || config.calls != 0 {
			t.Fatalf("%s: expected no-op, start=%d stop=%d save=%d regen=%d", native, start, stop, save, config.calls)
		}
		if want := MapStatus(native); m.Status() != want {
			t.Fatalf("%s: expected status %s, got %s", native, want, m.Status())
		}
	}
}

func TestSwitch_OffStartsOnStops(t *testing.T) {
	t.Parallel()

	h := newFakeHandle("h1", NativeDisconnected)
	config := &fakeConfig{}
	m, _ := newTestManager(t, &fakeProvider{handle: h}, config, Options{})

	if err := m.Switch(context.Background()); err != nil {
		t.Fatalf("Switch: %v", err)
	}
	if start, _, _ := h.counts(); start != 1 || config.calls != 1 {
		t.Fatalf("expected start from Off, start=%d regen=%d", start, config.calls)
	}

	h.report(NativeConnected)
	flush(t, m)
	if err := m.Switch(context.Background()); err != nil {
		t.Fatalf("Switch: %v", err)
	}
	if _, stop, _ := h.counts(); stop != 1 {
		t.Fatalf("expected stop from On, got %d", stop)
	}
}

func TestSwitch_LivenessGapStaysConnecting(t *testing.T) {
	t.Parallel()

	h := newFakeHandle("h1", NativeDisconnected)
	m, _ := newTestManager(t, &fakeProvider{handle: h}, &fakeConfig{}, Options{})

	if err := m.Switch(context.Background()); err != nil {
		t.Fatalf("Switch: %v", err)
	}
	// 提供方进入 Connecting 后再也不上报终态
	h.report(NativeConnecting)
	flush(t, m)

	for i := 0; i < 3; i++ {
		if err := m.Switch(context.Background()); err != nil {
			t.Fatalf("Switch: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if m.Status() != domain.TunnelConnecting {
		t.Fatalf("expected to stay Connecting, got %s", m.Status())
	}
	start, stop, _ := h.counts()
	if start != 1 || stop != 0 {
		t.Fatalf("expected no further requests while stuck, start=%d stop=%d", start, stop)
	}
}

func TestStop_FireAndForget(t *testing.T) {
	t.Parallel()

	h := newFakeHandle("h1", NativeConnected)
	m, _ := newTestManager(t, &fakeProvider{handle: h}, &fakeConfig{}, Options{})
	m.Stop(context.Background())
	if _, stop, _ := h.counts(); stop != 1 {
		t.Fatalf("expected one stop request, got %d", stop)
	}
	// 没有注册时什么也不做
	m2, _ := newTestManager(t, &fakeProvider{}, &fakeConfig{}, Options{})
	m2.Stop(context.Background())
}

func TestIsRunning(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, &fakeProvider{}, &fakeConfig{}, Options{})
	running, h, err := m.IsRunning(context.Background())
	if err != nil || running || h != nil {
		t.Fatalf("expected not running without registration, running=%v h=%v err=%v", running, h, err)
	}

	fh := newFakeHandle("h1", NativeConnected)
	m2, _ := newTestManager(t, &fakeProvider{handle: fh}, &fakeConfig{}, Options{})
	running, h, err = m2.IsRunning(context.Background())
	if err != nil || !running || h == nil || h.ID() != "h1" {
		t.Fatalf("expected running handle h1, running=%v err=%v", running, err)
	}
}

func TestSendMessage(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, &fakeProvider{}, &fakeConfig{}, Options{})
	if _, err := m.SendMessage(context.Background(), []byte("Hello")); !errors.Is(err, ErrInvalidProvider) {
		t.Fatalf("expected ErrInvalidProvider without registration, got %v", err)
	}

	h := newFakeHandle("h1", NativeConnected)
	m2, _ := newTestManager(t, &fakeProvider{handle: h}, &fakeConfig{}, Options{})
	resp, err := m2.SendMessage(context.Background(), []byte("Hello"))
	if err != nil || string(resp) != "ack" {
		t.Fatalf("unexpected response %q err=%v", resp, err)
	}
}

func TestManager_ConcurrentCallsAreSerialized(t *testing.T) {
	t.Parallel()

	h := newFakeHandle("h1", NativeDisconnected)
	config := &fakeConfig{}
	m, _ := newTestManager(t, &fakeProvider{handle: h}, config, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Start(context.Background())
		}()
	}
	wg.Wait()
	if h.subscriberCount() != 1 {
		t.Fatalf("expected one observer across concurrent starts, got %d", h.subscriberCount())
	}
}

func TestManager_ClosedRejectsCalls(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeProvider{}, &fakeConfig{}, nil, Options{})
	m.Close()
	if err := m.Start(context.Background()); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
}
