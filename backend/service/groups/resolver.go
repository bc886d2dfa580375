// Package groups 解析当前生效的（默认）配置组。
package groups

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"tunnelmgr/backend/domain"
	"tunnelmgr/backend/repository"
)

// Regenerator 由配置生成器实现。resolve 在生成锁内调用，
// 读取配置组与写产物之间不会插入另一次生成。
type Regenerator interface {
	RegenerateWith(ctx context.Context, resolve func(ctx context.Context) (domain.ConfigurationGroup, error)) error
}

// FatalFunc 首次创建默认组失败时调用（默认 log.Fatalf）
type FatalFunc func(format string, args ...any)

// Resolver 默认组解析器
//
// 默认组只记录在 settings（defaultGroup / defaultGroupName），不是实体字段。
type Resolver struct {
	groups   repository.GroupRepository
	settings repository.SettingsRepository
	gen      Regenerator
	fatal    FatalFunc

	// 串行化解析，避免空库时并发创建两个 Default
	mu sync.Mutex
	// 后台记录默认组的任务
	wg sync.WaitGroup
}

// NewResolver 创建解析器
func NewResolver(groups repository.GroupRepository, settings repository.SettingsRepository, gen Regenerator) *Resolver {
	return &Resolver{
		groups:   groups,
		settings: settings,
		gen:      gen,
		fatal:    log.Fatalf,
	}
}

// SetFatalHook 替换不可恢复错误的处理（测试用）
func (r *Resolver) SetFatalHook(fn FatalFunc) {
	if fn == nil {
		fn = log.Fatalf
	}
	r.fatal = fn
}

// Resolve 返回当前生效的配置组
//
//   - 记住的 id 能找到（且未删除）则直接返回
//   - 否则取最早创建的未删除组；没有则新建 "Default"
//   - 走了后两条路径时，在后台记录默认组并重新生成配置，调用方立即拿到组。
//     此时产物可能尚未落盘；Start 会同步重新生成，所以不影响启动。
func (r *Resolver) Resolve(ctx context.Context) (domain.ConfigurationGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.remembered(ctx); ok {
		return g, nil
	}

	list, err := r.groups.ListNotDeleted(ctx)
	if err != nil {
		return domain.ConfigurationGroup{}, err
	}

	var group domain.ConfigurationGroup
	if len(list) > 0 {
		group = list[0]
	} else {
		group, err = r.groups.Create(ctx, domain.ConfigurationGroup{Name: domain.DefaultGroupName})
		if err != nil {
			// 没有任何配置组系统无法工作
			r.fatal("[Group] 创建默认配置组失败: %v", err)
			return domain.ConfigurationGroup{}, fmt.Errorf("%w: create default group: %v", repository.ErrStoreUnavailable, err)
		}
		log.Printf("[Group] created default group %s", group.ID)
	}

	r.recordAsync(ctx, group)
	return group, nil
}

func (r *Resolver) remembered(ctx context.Context) (domain.ConfigurationGroup, bool) {
	id, ok, err := r.settings.GetString(ctx, domain.SettingDefaultGroupID)
	if err != nil {
		log.Printf("[Group] read default group id failed: %v", err)
		return domain.ConfigurationGroup{}, false
	}
	if !ok || id == "" {
		return domain.ConfigurationGroup{}, false
	}
	g, err := r.groups.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, repository.ErrGroupNotFound) {
			log.Printf("[Group] load default group %s failed: %v", id, err)
		}
		return domain.ConfigurationGroup{}, false
	}
	if g.Deleted {
		return domain.ConfigurationGroup{}, false
	}
	return g, true
}

func (r *Resolver) recordAsync(ctx context.Context, group domain.ConfigurationGroup) {
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[Group] record default group panic: %v", rec)
			}
		}()
		if err := r.SetDefault(ctx, group.ID, group.Name); err != nil {
			log.Printf("[Group] record default group %s failed: %v", group.ID, err)
		}
	}()
}

// SetDefault 先同步重新生成配置（错误只记录），再记住 id 与名称
func (r *Resolver) SetDefault(ctx context.Context, id, name string) error {
	group, err := r.groups.Get(ctx, id)
	if err != nil {
		return err
	}
	if name == "" {
		name = group.Name
	}

	if r.gen != nil {
		// 锁内重新读取，拿到的是生成时刻的最新内容
		err := r.gen.RegenerateWith(ctx, func(ctx context.Context) (domain.ConfigurationGroup, error) {
			return r.groups.Get(ctx, id)
		})
		if err != nil {
			log.Printf("[Group] regenerate for default group %s failed: %v", id, err)
		}
	}

	return r.settings.SetStrings(ctx, map[string]string{
		domain.SettingDefaultGroupID:   id,
		domain.SettingDefaultGroupName: name,
	})
}

// RegenerateActive 解析当前组并同步重新生成配置，错误原样返回
func (r *Resolver) RegenerateActive(ctx context.Context) error {
	if r.gen == nil {
		_, err := r.Resolve(ctx)
		return err
	}
	return r.gen.RegenerateWith(ctx, r.Resolve)
}

// IsDefault 判断给定组是否为当前默认组
func (r *Resolver) IsDefault(ctx context.Context, id string) bool {
	g, err := r.Resolve(ctx)
	return err == nil && g.ID == id
}

// DefaultName 记住的默认组名称（控制端展示用，不触发解析）
func (r *Resolver) DefaultName(ctx context.Context) string {
	name, _, _ := r.settings.GetString(ctx, domain.SettingDefaultGroupName)
	return name
}

// Wait 等待后台记录任务完成
func (r *Resolver) Wait() {
	r.wg.Wait()
}
