package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"tunnelmgr/backend/domain"
	"tunnelmgr/backend/repository"
	"tunnelmgr/backend/repository/events"
	"tunnelmgr/backend/service/applog"
	"tunnelmgr/backend/service/generator"
	"tunnelmgr/backend/service/geo"
	"tunnelmgr/backend/service/groups"
	"tunnelmgr/backend/service/tunnel"
)

// Facade 服务门面（API 聚合层）
type Facade struct {
	repos    repository.Repositories
	resolver *groups.Resolver
	gen      *generator.Generator
	geo      *geo.Service
	tunnel   *tunnel.Manager
	bus      *events.Bus
	logs     *applog.Sources
}

// NewFacade 创建门面服务
func NewFacade(
	repos repository.Repositories,
	resolver *groups.Resolver,
	gen *generator.Generator,
	geoSvc *geo.Service,
	tunnelMgr *tunnel.Manager,
	bus *events.Bus,
) *Facade {
	return &Facade{
		repos:    repos,
		resolver: resolver,
		gen:      gen,
		geo:      geoSvc,
		tunnel:   tunnelMgr,
		bus:      bus,
	}
}

// SetLogSources 设置可供查询的日志文件
func (f *Facade) SetLogSources(sources *applog.Sources) {
	f.logs = sources
}

// Snapshot 获取完整状态快照
func (f *Facade) Snapshot() domain.ServiceState {
	if s, ok := f.repos.(repository.Snapshottable); ok {
		return s.Snapshot()
	}
	return domain.ServiceState{}
}

// ========== 隧道 ==========

// TunnelStatus 当前隧道状态
func (f *Facade) TunnelStatus() domain.TunnelStatus {
	return f.tunnel.Status()
}

// SwitchTunnel 开关切换（过渡状态下忽略）
func (f *Facade) SwitchTunnel(ctx context.Context) error {
	return f.tunnel.Switch(ctx)
}

func (f *Facade) StartTunnel(ctx context.Context) error {
	return f.tunnel.Start(ctx)
}

func (f *Facade) StopTunnel(ctx context.Context) {
	f.tunnel.Stop(ctx)
}

// TunnelRunning 询问提供方隧道是否已连接
func (f *Facade) TunnelRunning(ctx context.Context) (bool, error) {
	running, _, err := f.tunnel.IsRunning(ctx)
	return running, err
}

// SendTunnelMessage 转发给隧道进程的消息
func (f *Facade) SendTunnelMessage(ctx context.Context, payload []byte) ([]byte, error) {
	return f.tunnel.SendMessage(ctx, payload)
}

// SubscribeTunnelStatus 订阅状态变化；同一状态可能重复推送
func (f *Facade) SubscribeTunnelStatus(fn func(domain.TunnelStatus)) (unsubscribe func()) {
	if f.bus == nil {
		return func() {}
	}
	return f.bus.Subscribe(events.EventTunnelStatusChanged, func(event events.Event) {
		if e, ok := event.(events.TunnelStatusEvent); ok {
			fn(e.Status)
		}
	})
}

// ========== 配置组 ==========

// GroupView 配置组及其是否为默认组
type GroupView struct {
	domain.ConfigurationGroup
	Default bool `json:"default"`
}

// ListGroups 列出未删除的配置组
func (f *Facade) ListGroups(ctx context.Context) ([]GroupView, error) {
	list, err := f.repos.Group().ListNotDeleted(ctx)
	if err != nil {
		return nil, err
	}
	current, err := f.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]GroupView, 0, len(list))
	for _, g := range list {
		views = append(views, GroupView{ConfigurationGroup: g, Default: g.ID == current.ID})
	}
	return views, nil
}

// CreateGroup 创建配置组
func (f *Facade) CreateGroup(ctx context.Context, group domain.ConfigurationGroup) (domain.ConfigurationGroup, error) {
	if err := f.validateRefs(ctx, group); err != nil {
		return domain.ConfigurationGroup{}, err
	}
	return f.repos.Group().Create(ctx, group)
}

// UpdateGroup 修改配置组；是默认组时立即重新生成配置
func (f *Facade) UpdateGroup(ctx context.Context, id string, updateFn func(domain.ConfigurationGroup) (domain.ConfigurationGroup, error)) (domain.ConfigurationGroup, error) {
	current, err := f.repos.Group().Get(ctx, id)
	if err != nil {
		return domain.ConfigurationGroup{}, err
	}
	if current.Deleted {
		return domain.ConfigurationGroup{}, fmt.Errorf("%w: %s", repository.ErrGroupNotFound, id)
	}
	next, err := updateFn(current)
	if err != nil {
		return domain.ConfigurationGroup{}, err
	}
	if err := f.validateRefs(ctx, next); err != nil {
		return domain.ConfigurationGroup{}, err
	}
	updated, err := f.repos.Group().Update(ctx, id, next)
	if err != nil {
		return domain.ConfigurationGroup{}, err
	}
	if f.resolver.IsDefault(ctx, id) {
		f.regenerateQuietly(ctx, "group "+id)
	}
	return updated, nil
}

// DeleteGroup 软删除配置组；删除默认组后由解析器选出新的默认组
func (f *Facade) DeleteGroup(ctx context.Context, id string) error {
	wasDefault := f.resolver.IsDefault(ctx, id)
	if err := f.repos.Group().Delete(ctx, id); err != nil {
		return err
	}
	if wasDefault {
		f.regenerateQuietly(ctx, "deleted default group "+id)
	}
	return nil
}

// DefaultGroup 当前生效的配置组
func (f *Facade) DefaultGroup(ctx context.Context) (GroupView, error) {
	g, err := f.resolver.Resolve(ctx)
	if err != nil {
		return GroupView{}, err
	}
	return GroupView{ConfigurationGroup: g, Default: true}, nil
}

// SetDefaultGroup 切换默认组（同步重新生成配置）
func (f *Facade) SetDefaultGroup(ctx context.Context, id string) (GroupView, error) {
	g, err := f.repos.Group().Get(ctx, id)
	if err != nil {
		return GroupView{}, err
	}
	if g.Deleted {
		return GroupView{}, fmt.Errorf("%w: %s", repository.ErrGroupNotFound, id)
	}
	if err := f.resolver.SetDefault(ctx, g.ID, g.Name); err != nil {
		return GroupView{}, err
	}
	return GroupView{ConfigurationGroup: g, Default: true}, nil
}

func (f *Facade) validateRefs(ctx context.Context, group domain.ConfigurationGroup) error {
	if strings.TrimSpace(group.Name) == "" {
		return fmt.Errorf("%w: name is required", repository.ErrInvalidData)
	}
	for _, id := range group.ProxyIDs {
		if _, err := f.repos.Proxy().Get(ctx, id); err != nil {
			return fmt.Errorf("%w: proxy %s: %v", repository.ErrInvalidData, id, err)
		}
	}
	for _, id := range group.RuleSetIDs {
		if _, err := f.repos.RuleSet().Get(ctx, id); err != nil {
			return fmt.Errorf("%w: rule set %s: %v", repository.ErrInvalidData, id, err)
		}
	}
	return nil
}

// ========== 代理 / 规则集 ==========

func (f *Facade) ListProxies(ctx context.Context) ([]domain.Proxy, error) {
	return f.repos.Proxy().List(ctx)
}

func (f *Facade) CreateProxy(ctx context.Context, proxy domain.Proxy) (domain.Proxy, error) {
	return f.repos.Proxy().Create(ctx, proxy)
}

// UpdateProxy 修改代理；被默认组引用时重新生成配置
func (f *Facade) UpdateProxy(ctx context.Context, id string, proxy domain.Proxy) (domain.Proxy, error) {
	updated, err := f.repos.Proxy().Update(ctx, id, proxy)
	if err != nil {
		return domain.Proxy{}, err
	}
	if f.defaultReferences(ctx, func(g domain.ConfigurationGroup) []string { return g.ProxyIDs }, id) {
		f.regenerateQuietly(ctx, "proxy "+id)
	}
	return updated, nil
}

func (f *Facade) ListRuleSets(ctx context.Context) ([]domain.RuleSet, error) {
	return f.repos.RuleSet().List(ctx)
}

func (f *Facade) CreateRuleSet(ctx context.Context, rs domain.RuleSet) (domain.RuleSet, error) {
	return f.repos.RuleSet().Create(ctx, rs)
}

// UpdateRuleSet 修改规则集；被默认组引用时重新生成配置
func (f *Facade) UpdateRuleSet(ctx context.Context, id string, rs domain.RuleSet) (domain.RuleSet, error) {
	updated, err := f.repos.RuleSet().Update(ctx, id, rs)
	if err != nil {
		return domain.RuleSet{}, err
	}
	if f.defaultReferences(ctx, func(g domain.ConfigurationGroup) []string { return g.RuleSetIDs }, id) {
		f.regenerateQuietly(ctx, "rule set "+id)
	}
	return updated, nil
}

func (f *Facade) defaultReferences(ctx context.Context, ids func(domain.ConfigurationGroup) []string, id string) bool {
	g, err := f.resolver.Resolve(ctx)
	if err != nil {
		return false
	}
	for _, ref := range ids(g) {
		if ref == id {
			return true
		}
	}
	return false
}

// ========== 配置生成 ==========

// Regenerate 为当前配置组重新生成配置文件
func (f *Facade) Regenerate(ctx context.Context) error {
	return f.resolver.RegenerateActive(ctx)
}

// Paths 生成产物路径
func (f *Facade) Paths() generator.Paths {
	return f.gen.Paths()
}

func (f *Facade) regenerateQuietly(ctx context.Context, reason string) {
	if err := f.resolver.RegenerateActive(ctx); err != nil {
		log.Printf("[Generator] regenerate after %s failed: %v", reason, err)
	}
}

// ========== GeoIP ==========

func (f *Facade) GeoIPInfo(ctx context.Context) (geo.Info, error) {
	return f.geo.Inspect(ctx)
}

// RefreshGeoIP 条件下载 GeoIP 数据库，返回是否更新
func (f *Facade) RefreshGeoIP(ctx context.Context) (bool, error) {
	return f.geo.Refresh(ctx)
}

// LookupCountry 查询 IP 所属国家
func (f *Facade) LookupCountry(ip string) (string, error) {
	return f.geo.Lookup(ip)
}

// ========== 日志 ==========

func (f *Facade) LogSources() []string {
	return f.logs.Names()
}

func (f *Facade) Logs(source string, since int64) (applog.Snapshot, error) {
	return f.logs.Since(source, since)
}

// IsNotFound 是否为实体不存在错误（API 层映射 404）
func IsNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound) ||
		errors.Is(err, repository.ErrGroupNotFound) ||
		errors.Is(err, repository.ErrProxyNotFound) ||
		errors.Is(err, repository.ErrRuleSetNotFound) ||
		errors.Is(err, applog.ErrUnknownSource)
}
