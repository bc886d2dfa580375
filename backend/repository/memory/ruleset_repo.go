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

// RuleSetRepo 规则集仓储实现（内存）
type RuleSetRepo struct {
	store *Store
}

func NewRuleSetRepo(store *Store) *RuleSetRepo {
	return &RuleSetRepo{store: store}
}

func (r *RuleSetRepo) Get(_ context.Context, id string) (domain.RuleSet, error) {
	r.store.RLock()
	defer r.store.RUnlock()
	rs, ok := r.store.RuleSets()[id]
	if !ok {
		return domain.RuleSet{}, repository.ErrRuleSetNotFound
	}
	return cloneRuleSet(rs), nil
}

func (r *RuleSetRepo) List(_ context.Context) ([]domain.RuleSet, error) {
	r.store.RLock()
	defer r.store.RUnlock()
	items := make([]domain.RuleSet, 0, len(r.store.RuleSets()))
	for _, rs := range r.store.RuleSets() {
		items = append(items, cloneRuleSet(rs))
	}
	sort.Slice(items, func(i, j int) bool {
		return lessByCreated(items[i].CreatedAt, items[j].CreatedAt, items[i].ID, items[j].ID)
	})
	return items, nil
}

func (r *RuleSetRepo) Create(_ context.Context, rs domain.RuleSet) (domain.RuleSet, error) {
	now := time.Now()
	r.store.Lock()
	if rs.ID == "" {
		rs.ID = uuid.NewString()
	}
	if rs.CreatedAt.IsZero() {
		rs.CreatedAt = now
	}
	rs.UpdatedAt = now
	rs = cloneRuleSet(rs)
	r.store.RuleSets()[rs.ID] = rs
	r.store.Unlock()

	r.store.PublishEvent(events.RuleSetEvent{
		EventType: events.EventRuleSetCreated,
		RuleSetID: rs.ID,
		RuleSet:   rs,
	})
	return cloneRuleSet(rs), nil
}

func (r *RuleSetRepo) Update(_ context.Context, id string, rs domain.RuleSet) (domain.RuleSet, error) {
	r.store.Lock()
	current, ok := r.store.RuleSets()[id]
	if !ok {
		r.store.Unlock()
		return domain.RuleSet{}, repository.ErrRuleSetNotFound
	}
	rs.ID = id
	rs.CreatedAt = current.CreatedAt
	rs.UpdatedAt = time.Now()
	rs = cloneRuleSet(rs)
	r.store.RuleSets()[id] = rs
	r.store.Unlock()

	r.store.PublishEvent(events.RuleSetEvent{
		EventType: events.EventRuleSetUpdated,
		RuleSetID: id,
		RuleSet:   rs,
	})
	return cloneRuleSet(rs), nil
}

func (r *RuleSetRepo) Delete(_ context.Context, id string) error {
	r.store.Lock()
	current, ok := r.store.RuleSets()[id]
	if !ok {
		r.store.Unlock()
		return repository.ErrRuleSetNotFound
	}
	delete(r.store.RuleSets(), id)
	r.store.Unlock()

	r.store.PublishEvent(events.RuleSetEvent{
		EventType: events.EventRuleSetDeleted,
		RuleSetID: id,
		RuleSet:   current,
	})
	return nil
}

var _ repository.RuleSetRepository = (*RuleSetRepo)(nil)
