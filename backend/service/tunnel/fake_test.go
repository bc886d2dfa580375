package tunnel

import (
	"context"
	"errors"
	"sync"
)

type fakeHandle struct {
	mu          sync.Mutex
	id          string
	status      NativeStatus
	reg         Registration
	saved       Registration
	saveErr     error
	startErr    error
	startCalls  int
	stopCalls   int
	saveCalls   int
	reloadCalls int
	subscribers map[int]func(NativeStatus)
	nextSub     int
	messages    [][]byte
}

func newFakeHandle(id string, status NativeStatus) *fakeHandle {
	return &fakeHandle{id: id, status: status, subscribers: map[int]func(NativeStatus){}}
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Status() NativeStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *fakeHandle) Registration() Registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reg
}

func (h *fakeHandle) Configure(reg Registration) {
	h.mu.Lock()
	h.reg = reg
	h.mu.Unlock()
}

func (h *fakeHandle) Save(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saveCalls++
	if h.saveErr != nil {
		return h.saveErr
	}
	h.saved = h.reg
	return nil
}

func (h *fakeHandle) Reload(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reloadCalls++
	h.reg = h.saved
	return nil
}

func (h *fakeHandle) StartTunnel(StartOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startCalls++
	return h.startErr
}

func (h *fakeHandle) StopTunnel() {
	h.mu.Lock()
	h.stopCalls++
	h.mu.Unlock()
}

func (h *fakeHandle) Subscribe(fn func(NativeStatus)) func() {
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subscribers[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subscribers, id)
		h.mu.Unlock()
	}
}

func (h *fakeHandle) SendMessage(_ context.Context, payload []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, payload)
	return []byte("ack"), nil
}

// report 模拟提供方上报状态变化（在调用方 goroutine 上同步回调）
func (h *fakeHandle) report(s NativeStatus) {
	h.mu.Lock()
	h.status = s
	subs := make([]func(NativeStatus), 0, len(h.subscribers))
	for _, fn := range h.subscribers {
		subs = append(subs, fn)
	}
	h.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func (h *fakeHandle) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *fakeHandle) counts() (start, stop, save int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startCalls, h.stopCalls, h.saveCalls
}

type fakeProvider struct {
	mu          sync.Mutex
	handle      *fakeHandle
	loadErr     error
	loadCalls   int
	createCalls int
	created     Registration
}

func (p *fakeProvider) Load(context.Context) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadCalls++
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	if p.handle == nil {
		return nil, nil
	}
	return p.handle, nil
}

func (p *fakeProvider) Create(reg Registration) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	p.created = reg
	p.handle = newFakeHandle("created", NativeDisconnected)
	p.handle.reg = reg
	return p.handle
}

func (p *fakeProvider) calls() (load, create int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadCalls, p.createCalls
}

type fakeConfig struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (c *fakeConfig) RegenerateActive(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

var errRegenerate = errors.New("disk full")
