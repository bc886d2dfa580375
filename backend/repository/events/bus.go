package events

import "sync"

// Handler 事件处理器
type Handler func(event Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus 事件总线
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventType][]subscription
}

// NewBus 创建新的事件总线
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]subscription),
	}
}

// Subscribe 订阅指定类型的事件，返回取消订阅函数
func (b *Bus) Subscribe(eventType EventType, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(eventType, id) })
	}
}

// SubscribeAll 订阅所有事件
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	return b.Subscribe(EventAll, handler)
}

func (b *Bus) remove(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.handlers[eventType]) == 0 {
		delete(b.handlers, eventType)
	}
}

func (b *Bus) collect(eventType EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	// 复制处理器列表，避免在锁内执行用户代码
	handlers := make([]Handler, 0, len(b.handlers[eventType])+len(b.handlers[EventAll]))
	for _, s := range b.handlers[eventType] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range b.handlers[EventAll] {
		handlers = append(handlers, s.handler)
	}
	return handlers
}

// Publish 发布事件（异步执行所有处理器，不保证顺序）
func (b *Bus) Publish(event Event) {
	for _, h := range b.collect(event.Type()) {
		go h(event)
	}
}

// PublishSync 发布事件（同步执行所有处理器，按订阅顺序）
func (b *Bus) PublishSync(event Event) {
	for _, h := range b.collect(event.Type()) {
		h(event)
	}
}

// HasSubscribers 检查是否有订阅者
func (b *Bus) HasSubscribers(eventType EventType) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType]) > 0 || len(b.handlers[EventAll]) > 0
}
