package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"tunnelmgr/backend/domain"
	"tunnelmgr/backend/repository"
	"tunnelmgr/backend/repository/events"
)

// GroupRepo 配置组仓储实现（内存）
type GroupRepo struct {
	store *Store
}

func NewGroupRepo(store *Store) *GroupRepo {
	return &GroupRepo{store: store}
}

func (r *GroupRepo) Get(_ context.Context, id string) (domain.ConfigurationGroup, error) {
	r.store.RLock()
	defer r.store.RUnlock()
	group, ok := r.store.Groups()[id]
	if !ok {
		return domain.ConfigurationGroup{}, repository.ErrGroupNotFound
	}
	return cloneGroup(group), nil
}

func (r *GroupRepo) List(_ context.Context) ([]domain.ConfigurationGroup, error) {
	return r.list(false), nil
}

func (r *GroupRepo) ListNotDeleted(_ context.Context) ([]domain.ConfigurationGroup, error) {
	return r.list(true), nil
}

func (r *GroupRepo) list(skipDeleted bool) []domain.ConfigurationGroup {
	r.store.RLock()
	defer r.store.RUnlock()
	items := make([]domain.ConfigurationGroup, 0, len(r.store.Groups()))
	for _, g := range r.store.Groups() {
		if skipDeleted && g.Deleted {
			continue
		}
		items = append(items, cloneGroup(g))
	}
	sort.Slice(items, func(i, j int) bool {
		return lessByCreated(items[i].CreatedAt, items[j].CreatedAt, items[i].ID, items[j].ID)
	})
	return items
}

func (r *GroupRepo) Create(_ context.Context, group domain.ConfigurationGroup) (domain.ConfigurationGroup, error) {
	if strings.TrimSpace(group.Name) == "" {
		return domain.ConfigurationGroup{}, repository.ErrInvalidData
	}
	now := time.Now()
	r.store.Lock()
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	if _, exists := r.store.Groups()[group.ID]; exists {
		r.store.Unlock()
		return domain.ConfigurationGroup{}, repository.ErrInvalidData
	}
	if group.CreatedAt.IsZero() {
		group.CreatedAt = now
	}
	group.UpdatedAt = now
	group = cloneGroup(group)
	r.store.Groups()[group.ID] = group
	r.store.Unlock()

	r.store.PublishEvent(events.GroupEvent{
		EventType: events.EventGroupCreated,
		GroupID:   group.ID,
		Group:     group,
	})
	return cloneGroup(group), nil
}

func (r *GroupRepo) Update(_ context.Context, id string, group domain.ConfigurationGroup) (domain.ConfigurationGroup, error) {
	r.store.Lock()
	current, ok := r.store.Groups()[id]
	if !ok {
		r.store.Unlock()
		return domain.ConfigurationGroup{}, repository.ErrGroupNotFound
	}
	group.ID = id
	group.CreatedAt = current.CreatedAt
	group.UpdatedAt = time.Now()
	group = cloneGroup(group)
	r.store.Groups()[id] = group
	r.store.Unlock()

	r.store.PublishEvent(events.GroupEvent{
		EventType: events.EventGroupUpdated,
		GroupID:   id,
		Group:     group,
	})
	return cloneGroup(group), nil
}

func (r *GroupRepo) Delete(_ context.Context, id string) error {
	r.store.Lock()
	current, ok := r.store.Groups()[id]
	if !ok {
		r.store.Unlock()
		return repository.ErrGroupNotFound
	}
	current.Deleted = true
	current.UpdatedAt = time.Now()
	r.store.Groups()[id] = current
	r.store.Unlock()

	r.store.PublishEvent(events.GroupEvent{
		EventType: events.EventGroupDeleted,
		GroupID:   id,
		Group:     current,
	})
	return nil
}

// 确保实现接口
var _ repository.GroupRepository = (*GroupRepo)(nil)
