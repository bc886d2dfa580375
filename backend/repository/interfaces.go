package repository

import (
	"context"

	"tunnelmgr/backend/domain"
)

// GroupRepository 配置组仓储接口
type GroupRepository interface {
	// 基础 CRUD
	Get(ctx context.Context, id string) (domain.ConfigurationGroup, error)
	List(ctx context.Context) ([]domain.ConfigurationGroup, error)
	Create(ctx context.Context, group domain.ConfigurationGroup) (domain.ConfigurationGroup, error)
	Update(ctx context.Context, id string, group domain.ConfigurationGroup) (domain.ConfigurationGroup, error)
	// Delete 软删除（Deleted=true），Get 仍可取到
	Delete(ctx context.Context, id string) error

	// ListNotDeleted 未删除的组，按创建时间升序
	ListNotDeleted(ctx context.Context) ([]domain.ConfigurationGroup, error)
}

// ProxyRepository 代理仓储接口
type ProxyRepository interface {
	Get(ctx context.Context, id string) (domain.Proxy, error)
	List(ctx context.Context) ([]domain.Proxy, error)
	Create(ctx context.Context, proxy domain.Proxy) (domain.Proxy, error)
	Update(ctx context.Context, id string, proxy domain.Proxy) (domain.Proxy, error)
	Delete(ctx context.Context, id string) error
}

// RuleSetRepository 规则集仓储接口
type RuleSetRepository interface {
	Get(ctx context.Context, id string) (domain.RuleSet, error)
	List(ctx context.Context) ([]domain.RuleSet, error)
	Create(ctx context.Context, rs domain.RuleSet) (domain.RuleSet, error)
	Update(ctx context.Context, id string, rs domain.RuleSet) (domain.RuleSet, error)
	Delete(ctx context.Context, id string) error
}

// SettingsRepository 键值设置（默认组、GeoIP Last-Modified 等）
type SettingsRepository interface {
	// GetString 不存在时返回 ("", false, nil)
	GetString(ctx context.Context, key string) (string, bool, error)
	SetString(ctx context.Context, key, value string) error
	// SetStrings 批量写入，要么全部成功要么全部失败
	SetStrings(ctx context.Context, values map[string]string) error
}

// Repositories 聚合所有仓储的容器接口
type Repositories interface {
	Group() GroupRepository
	Proxy() ProxyRepository
	RuleSet() RuleSetRepository
	Settings() SettingsRepository
}

// RepositoriesImpl 仓储容器实现
type RepositoriesImpl struct {
	Store Snapshottable

	GroupRepo    GroupRepository
	ProxyRepo    ProxyRepository
	RuleSetRepo  RuleSetRepository
	SettingsRepo SettingsRepository
}

// NewRepositories 创建仓储容器
func NewRepositories(store Snapshottable, groups GroupRepository, proxies ProxyRepository, ruleSets RuleSetRepository, settings SettingsRepository) *RepositoriesImpl {
	return &RepositoriesImpl{
		Store:        store,
		GroupRepo:    groups,
		ProxyRepo:    proxies,
		RuleSetRepo:  ruleSets,
		SettingsRepo: settings,
	}
}

// 实现 Repositories 接口
func (r *RepositoriesImpl) Group() GroupRepository       { return r.GroupRepo }
func (r *RepositoriesImpl) Proxy() ProxyRepository       { return r.ProxyRepo }
func (r *RepositoriesImpl) RuleSet() RuleSetRepository   { return r.RuleSetRepo }
func (r *RepositoriesImpl) Settings() SettingsRepository { return r.SettingsRepo }

func (r *RepositoriesImpl) Snapshot() domain.ServiceState {
	if r.Store == nil {
		return domain.ServiceState{}
	}
	return r.Store.Snapshot()
}

func (r *RepositoriesImpl) LoadState(state domain.ServiceState) {
	if r.Store == nil {
		return
	}
	r.Store.LoadState(state)
}

// Snapshottable 可快照的存储接口
type Snapshottable interface {
	// Snapshot 生成状态快照
	Snapshot() domain.ServiceState

	// LoadState 加载状态
	LoadState(state domain.ServiceState)
}
