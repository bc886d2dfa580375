package memory

import (
	"sort"
	"sync"
	"time"

	"tunnelmgr/backend/domain"
	"tunnelmgr/backend/repository/events"

	"github.com/google/uuid"
)

// Store 内存存储引擎
type Store struct {
	mu sync.RWMutex

	// 数据存储
	groups   map[string]domain.ConfigurationGroup
	proxies  map[string]domain.Proxy
	ruleSets map[string]domain.RuleSet

	// 键值设置（不进入快照）
	settings map[string]string

	// 事件总线
	eventBus *events.Bus
}

// NewStore 创建新的内存存储
func NewStore(eventBus *events.Bus) *Store {
	return &Store{
		groups:   make(map[string]domain.ConfigurationGroup),
		proxies:  make(map[string]domain.Proxy),
		ruleSets: make(map[string]domain.RuleSet),
		settings: make(map[string]string),
		eventBus: eventBus,
	}
}

// ========== 锁操作（供仓储使用）==========

// RLock 获取读锁
func (s *Store) RLock() { s.mu.RLock() }

// RUnlock 释放读锁
func (s *Store) RUnlock() { s.mu.RUnlock() }

// Lock 获取写锁
func (s *Store) Lock() { s.mu.Lock() }

// Unlock 释放写锁
func (s *Store) Unlock() { s.mu.Unlock() }

// ========== 事件发布 ==========

// PublishEvent 发布事件（异步，应在锁外调用）
func (s *Store) PublishEvent(event events.Event) {
	if s.eventBus != nil {
		s.eventBus.Publish(event)
	}
}

// ========== 数据访问（需持有锁）==========

func (s *Store) Groups() map[string]domain.ConfigurationGroup { return s.groups }

func (s *Store) Proxies() map[string]domain.Proxy { return s.proxies }

func (s *Store) RuleSets() map[string]domain.RuleSet { return s.ruleSets }

func (s *Store) Settings() map[string]string { return s.settings }

// ========== 快照与恢复 ==========

// Snapshot 生成状态快照（按创建时间排序，保证输出稳定）
func (s *Store) Snapshot() domain.ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	groups := make([]domain.ConfigurationGroup, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, cloneGroup(g))
	}
	sort.Slice(groups, func(i, j int) bool {
		return lessByCreated(groups[i].CreatedAt, groups[j].CreatedAt, groups[i].ID, groups[j].ID)
	})

	proxies := make([]domain.Proxy, 0, len(s.proxies))
	for _, p := range s.proxies {
		proxies = append(proxies, p)
	}
	sort.Slice(proxies, func(i, j int) bool {
		return lessByCreated(proxies[i].CreatedAt, proxies[j].CreatedAt, proxies[i].ID, proxies[j].ID)
	})

	ruleSets := make([]domain.RuleSet, 0, len(s.ruleSets))
	for _, rs := range s.ruleSets {
		ruleSets = append(ruleSets, cloneRuleSet(rs))
	}
	sort.Slice(ruleSets, func(i, j int) bool {
		return lessByCreated(ruleSets[i].CreatedAt, ruleSets[j].CreatedAt, ruleSets[i].ID, ruleSets[j].ID)
	})

	return domain.ServiceState{
		Groups:      groups,
		Proxies:     proxies,
		RuleSets:    ruleSets,
		GeneratedAt: time.Now(),
	}
}

// LoadState 加载状态
func (s *Store) LoadState(state domain.ServiceState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	s.groups = make(map[string]domain.ConfigurationGroup)
	for _, g := range state.Groups {
		if g.ID == "" {
			g.ID = uuid.NewString()
		}
		if g.CreatedAt.IsZero() {
			g.CreatedAt = now
		}
		if g.UpdatedAt.IsZero() {
			g.UpdatedAt = g.CreatedAt
		}
		g = cloneGroup(g)
		s.groups[g.ID] = g
	}

	s.proxies = make(map[string]domain.Proxy)
	for _, p := range state.Proxies {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = p.CreatedAt
		}
		s.proxies[p.ID] = p
	}

	s.ruleSets = make(map[string]domain.RuleSet)
	for _, rs := range state.RuleSets {
		if rs.ID == "" {
			rs.ID = uuid.NewString()
		}
		if rs.CreatedAt.IsZero() {
			rs.CreatedAt = now
		}
		if rs.UpdatedAt.IsZero() {
			rs.UpdatedAt = rs.CreatedAt
		}
		s.ruleSets[rs.ID] = cloneRuleSet(rs)
	}
}

func lessByCreated(a, b time.Time, idA, idB string) bool {
	if a.Equal(b) {
		return idA < idB
	}
	return a.Before(b)
}

func cloneGroup(g domain.ConfigurationGroup) domain.ConfigurationGroup {
	g.ProxyIDs = cloneStrings(g.ProxyIDs)
	g.RuleSetIDs = cloneStrings(g.RuleSetIDs)
	return g
}

func cloneRuleSet(rs domain.RuleSet) domain.RuleSet {
	rules := make([]domain.Rule, len(rs.Rules))
	copy(rules, rs.Rules)
	rs.Rules = rules
	return rs
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
