package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"tunnelmgr/backend/domain"
	"tunnelmgr/backend/repository"
	"tunnelmgr/backend/repository/events"
)

// ProxyRepo 代理仓储实现（内存）
type ProxyRepo struct {
	store *Store
}

func NewProxyRepo(store *Store) *ProxyRepo {
	return &ProxyRepo{store: store}
}

func (r *ProxyRepo) Get(_ context.Context, id string) (domain.Proxy, error) {
	r.store.RLock()
	defer r.store.RUnlock()
	p, ok := r.store.Proxies()[id]
	if !ok {
		return domain.Proxy{}, repository.ErrProxyNotFound
	}
	return p, nil
}

func (r *ProxyRepo) List(_ context.Context) ([]domain.Proxy, error) {
	r.store.RLock()
	defer r.store.RUnlock()
	items := make([]domain.Proxy, 0, len(r.store.Proxies()))
	for _, p := range r.store.Proxies() {
		items = append(items, p)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Name == items[j].Name {
			return lessByCreated(items[i].CreatedAt, items[j].CreatedAt, items[i].ID, items[j].ID)
		}
		return items[i].Name < items[j].Name
	})
	return items, nil
}

func (r *ProxyRepo) Create(_ context.Context, p domain.Proxy) (domain.Proxy, error) {
	now := time.Now()
	r.store.Lock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	r.store.Proxies()[p.ID] = p
	r.store.Unlock()

	r.store.PublishEvent(events.ProxyEvent{
		EventType: events.EventProxyCreated,
		ProxyID:   p.ID,
		Proxy:     p,
	})
	return p, nil
}

func (r *ProxyRepo) Update(_ context.Context, id string, p domain.Proxy) (domain.Proxy, error) {
	r.store.Lock()
	current, ok := r.store.Proxies()[id]
	if !ok {
		r.store.Unlock()
		return domain.Proxy{}, repository.ErrProxyNotFound
	}
	p.ID = id
	p.CreatedAt = current.CreatedAt
	p.UpdatedAt = time.Now()
	r.store.Proxies()[id] = p
	r.store.Unlock()

	r.store.PublishEvent(events.ProxyEvent{
		EventType: events.EventProxyUpdated,
		ProxyID:   id,
		Proxy:     p,
	})
	return p, nil
}

func (r *ProxyRepo) Delete(_ context.Context, id string) error {
	r.store.Lock()
	current, ok := r.store.Proxies()[id]
	if !ok {
		r.store.Unlock()
		return repository.ErrProxyNotFound
	}
	delete(r.store.Proxies(), id)
	r.store.Unlock()

	r.store.PublishEvent(events.ProxyEvent{
		EventType: events.EventProxyDeleted,
		ProxyID:   id,
		Proxy:     current,
	})
	return nil
}

var _ repository.ProxyRepository = (*ProxyRepo)(nil)
