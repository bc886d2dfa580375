// Package generator 把配置组写成代理守护进程启动时读取的四个文件。
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"tunnelmgr/backend/domain"
	"tunnelmgr/backend/repository"
	"tunnelmgr/backend/service/rules"
	"tunnelmgr/backend/service/shared"
)

// DefaultPollutionList 已知的 DNS 污染地址，写入 action 文件的最后一段
var DefaultPollutionList = []string{
	"8.7.198.45",
	"37.61.54.158",
	"46.82.174.68",
	"59.24.3.173",
	"78.16.49.15",
	"93.46.8.89",
	"159.106.121.75",
	"203.98.7.65",
	"243.185.187.39",
}

// Options 生成器配置
type Options struct {
	Paths     Paths
	BundleDir string
	// Pollution 为 nil 时使用 DefaultPollutionList
	Pollution []string
	// LogToFile 为 true 时 HTTP 代理配置带 logfile
	LogToFile bool
}

// Generator 配置生成器
//
// 生成内部串行（含读取代理与规则集）：解析器后台生成、控制接口触发的生成
// 与生命周期队列内的生成不会重叠。
type Generator struct {
	paths     Paths
	bundleDir string
	pollution []string
	logToFile bool
	defaults  map[string]any

	proxies  repository.ProxyRepository
	ruleSets repository.RuleSetRepository

	mu sync.Mutex
}

// New 创建生成器。bundle 默认配置读取失败只记录日志。
func New(opts Options, proxies repository.ProxyRepository, ruleSets repository.RuleSetRepository) *Generator {
	pollution := opts.Pollution
	if pollution == nil {
		pollution = DefaultPollutionList
	}
	defaults, err := LoadDefaults(opts.BundleDir)
	if err != nil {
		log.Printf("[Generator] 读取默认 HTTP 代理配置失败: %v", err)
		defaults = map[string]any{}
	}
	return &Generator{
		paths:     opts.Paths,
		bundleDir: opts.BundleDir,
		pollution: append([]string(nil), pollution...),
		logToFile: opts.LogToFile,
		defaults:  defaults,
		proxies:   proxies,
		ruleSets:  ruleSets,
	}
}

// Paths 返回产物路径
func (g *Generator) Paths() Paths { return g.paths }

// Expand 展开配置组中的代理与规则集引用（保持顺序，缺失的 ID 跳过）
func (g *Generator) Expand(ctx context.Context, group domain.ConfigurationGroup) (domain.ExpandedGroup, error) {
	expanded := domain.ExpandedGroup{
		Group:    group,
		Proxies:  make([]domain.Proxy, 0, len(group.ProxyIDs)),
		RuleSets: make([]domain.RuleSet, 0, len(group.RuleSetIDs)),
	}
	for _, id := range group.ProxyIDs {
		p, err := g.proxies.Get(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrProxyNotFound) {
				log.Printf("[Generator] group %s references missing proxy %s, skipped", group.ID, id)
				continue
			}
			return domain.ExpandedGroup{}, err
		}
		expanded.Proxies = append(expanded.Proxies, p)
	}
	for _, id := range group.RuleSetIDs {
		rs, err := g.ruleSets.Get(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrRuleSetNotFound) {
				log.Printf("[Generator] group %s references missing rule set %s, skipped", group.ID, id)
				continue
			}
			return domain.ExpandedGroup{}, err
		}
		expanded.RuleSets = append(expanded.RuleSets, rs)
	}
	return expanded, nil
}

// Regenerate 重新生成全部产物（整体覆盖，不做增量）
//
//  1. 确保工作目录存在
//  2. general.json（失败只记录日志）
//  3. proxy.json（失败返回 ErrConfigWrite）
//  4. http.conf（失败返回 ErrConfigWrite）
//  5. action 文件（失败返回 ErrConfigWrite）
//
// 展开引用也在锁内：先开始的生成不会晚于后开始的生成落盘。
func (g *Generator) Regenerate(ctx context.Context, group domain.ConfigurationGroup) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.regenerateLocked(ctx, group)
}

// RegenerateWith 在同一临界区内解析配置组并生成
func (g *Generator) RegenerateWith(ctx context.Context, resolve func(ctx context.Context) (domain.ConfigurationGroup, error)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	group, err := resolve(ctx)
	if err != nil {
		return err
	}
	return g.regenerateLocked(ctx, group)
}

func (g *Generator) regenerateLocked(ctx context.Context, group domain.ConfigurationGroup) error {
	expanded, err := g.Expand(ctx, group)
	if err != nil {
		return err
	}
	out, err := rules.Compile(expanded, g.pollution)
	if err != nil {
		return err
	}

	for _, dir := range g.paths.workDirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Printf("[Generator] 创建目录失败 %s: %v", dir, err)
		}
	}

	general, err := json.Marshal(out.General)
	if err == nil {
		err = shared.WriteAtomic(g.paths.GeneralConf, general, 0o644)
	}
	if err != nil {
		log.Printf("[Generator] 写入 general 配置失败: %v", err)
	}

	if err := shared.WriteAtomic(g.paths.ForwarderConf, out.Forwarder, 0o644); err != nil {
		return fmt.Errorf("%w: forwarder config: %v", ErrConfigWrite, err)
	}

	mainConf := RenderMainConfig(g.mainConfig(out.GlobalMode))
	if err := shared.WriteAtomic(g.paths.HTTPMainConf, []byte(mainConf), 0o644); err != nil {
		return fmt.Errorf("%w: http proxy config: %v", ErrConfigWrite, err)
	}

	if err := shared.WriteAtomic(g.paths.ActionsFile, []byte(out.ActionText), 0o644); err != nil {
		return fmt.Errorf("%w: action file: %v", ErrConfigWrite, err)
	}

	log.Printf("[Generator] regenerated config for group %s (%s), upstream=%d rulesets=%d global=%v",
		group.ID, group.Name, len(expanded.Proxies), len(expanded.RuleSets), out.GlobalMode)
	return nil
}
