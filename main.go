package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"tunnelmgr/backend/api"
	"tunnelmgr/backend/config"
	"tunnelmgr/backend/domain"
	"tunnelmgr/backend/persist"
	"tunnelmgr/backend/repository"
	"tunnelmgr/backend/repository/events"
	"tunnelmgr/backend/repository/memory"
	"tunnelmgr/backend/repository/sqlite"
	"tunnelmgr/backend/service"
	"tunnelmgr/backend/service/applog"
	"tunnelmgr/backend/service/generator"
	"tunnelmgr/backend/service/geo"
	"tunnelmgr/backend/service/groups"
	"tunnelmgr/backend/service/provider"
	"tunnelmgr/backend/service/shared"
	"tunnelmgr/backend/service/tunnel"
	"tunnelmgr/backend/tasks"

	"github.com/gin-gonic/gin"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "127.0.0.1:19080", "HTTP listen address")
	configPath := flag.String("config", "", "path to config file (default <root>/tunnelmgr.yaml)")
	statePath := flag.String("state", "", "path to state snapshot (default <root>/data/state.json)")
	dev := flag.Bool("dev", false, "enable development mode with verbose logging")
	flag.Parse()

	// 配置日志级别
	if *dev {
		gin.SetMode(gin.DebugMode)
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		log.Println("运行在开发模式 - 显示所有日志")
	} else {
		gin.SetMode(gin.ReleaseMode)
		log.SetFlags(log.LstdFlags)
	}

	// 1. 配置与共享目录
	root := shared.ResolveRootDir("")
	if strings.TrimSpace(*configPath) == "" {
		*configPath = filepath.Join(root, "tunnelmgr.yaml")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[Config] %v", err)
		return 1
	}
	if cfg.RootDir != "" {
		root = shared.ResolveRootDir(cfg.RootDir)
	}
	if strings.TrimSpace(*statePath) == "" {
		*statePath = shared.DefaultStatePath(root)
	}
	bundleDir := cfg.BundleDir
	if bundleDir == "" {
		bundleDir = filepath.Join(shared.ExecutableDir(), "bundle")
	}

	appLogPath, appLogStartedAt, closeAppLog := setupAppLogging(root)
	if closeAppLog != nil {
		defer closeAppLog()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 2. 事件总线与内存存储
	eventBus := events.NewBus()
	memStore := memory.NewStore(eventBus)

	snapshotter := persist.NewSnapshotter(*statePath, memStore)
	state, err := snapshotter.Load()
	if err != nil {
		log.Printf("load snapshot failed: %v", err)
		log.Printf("拒绝启动以避免覆盖 state 文件: %s", *statePath)
		log.Printf("请移动/删除该文件或修正 schemaVersion 后重试")
		return 1
	}
	memStore.LoadState(state)
	log.Printf("[Snapshot] state loaded from %s (%d groups, %d proxies, %d rule sets)",
		*statePath, len(state.Groups), len(state.Proxies), len(state.RuleSets))
	unsubscribeSnapshots := snapshotter.SubscribeEvents(eventBus)
	defer unsubscribeSnapshots()

	// 3. 设置库：与隧道进程共享；打不开时退化为仅内存（重启后丢失默认组记录）
	var settingsRepo repository.SettingsRepository
	sqliteSettings, err := sqlite.Open(shared.DefaultSettingsPath(root), eventBus)
	if err != nil {
		log.Printf("[Settings] %v; falling back to in-memory settings", err)
		settingsRepo = memory.NewSettingsRepo(memStore)
	} else {
		defer sqliteSettings.Close()
		settingsRepo = sqliteSettings
	}

	repos := repository.NewRepositories(memStore,
		memory.NewGroupRepo(memStore),
		memory.NewProxyRepo(memStore),
		memory.NewRuleSetRepo(memStore),
		settingsRepo,
	)

	// 4. 配置生成与首次启动供给
	paths := generator.NewPaths(root)
	var pollution []string
	if len(cfg.Pollution) > 0 {
		pollution = cfg.Pollution
	}
	gen := generator.New(generator.Options{
		Paths:     paths,
		BundleDir: bundleDir,
		Pollution: pollution,
		LogToFile: cfg.LogToFile(),
	}, repos.Proxy(), repos.RuleSet())
	gen.CopyTemplates()

	geoSvc := geo.NewService(geo.Options{
		Path:      paths.GeoIPDB,
		BundleDir: bundleDir,
		URL:       cfg.GeoIP.URL,
		Client:    cfg.GeoIPClient(),
	}, repos.Settings())

	resolver := groups.NewResolver(repos.Group(), repos.Settings(), gen)
	if g, err := resolver.Resolve(ctx); err != nil {
		log.Printf("[Group] resolve default group failed: %v", err)
	} else {
		log.Printf("[Group] active group: %s (%s)", g.Name, g.ID)
	}

	// 5. 隧道生命周期
	prov := provider.NewProcess(provider.Options{
		RegistrationPath: filepath.Join(root, "data", "tunnel.yaml"),
		Command:          cfg.Tunnel.Command,
		RootDir:          root,
	})
	tunnelMgr := tunnel.NewManager(prov, resolver, eventBus, tunnel.Options{
		AppName:       cfg.Tunnel.AppName,
		TriggerDomain: cfg.Tunnel.TriggerDomain,
		Upstream: func(ctx context.Context) (domain.Proxy, bool) {
			g, err := resolver.Resolve(ctx)
			if err != nil {
				return domain.Proxy{}, false
			}
			expanded, err := gen.Expand(ctx, g)
			if err != nil {
				return domain.Proxy{}, false
			}
			return expanded.UpstreamProxy()
		},
	})
	if err := tunnelMgr.Init(ctx); err != nil {
		log.Printf("[Tunnel] init failed: %v", err)
	}

	// 6. Facade 与后台任务
	facade := service.NewFacade(repos, resolver, gen, geoSvc, tunnelMgr, eventBus)
	logSources := applog.NewSources(appLogStartedAt)
	if appLogPath != "" {
		logSources.Register(applog.SourceApp, appLogPath)
	}
	logSources.Register(applog.SourceTunnel, provider.LogPath(root))
	logSources.Register(applog.SourceHTTP, paths.HTTPLogFile)
	facade.SetLogSources(logSources)

	interval, _ := cfg.RefreshInterval()
	scheduler := tasks.NewScheduler(geoSvc, interval)
	scheduler.RotateLogs(7*24*time.Hour, paths.HTTPLogFile, provider.LogPath(root))
	// GeoIP 供给可能需要下载，不阻塞启动；定时刷新在供给完成后开始
	go func() {
		if geoSvc.Provision(ctx) {
			scheduler.MarkGeoIPFresh()
		}
		scheduler.Start(ctx)
	}()

	// 7. 控制接口
	srv := &http.Server{
		Addr:    *addr,
		Handler: api.NewRouter(facade),
	}

	cleanupDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		log.Println("收到退出信号，正在清理...")

		stopCtx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
		tunnelMgr.Stop(stopCtx)
		cancelStop()
		tunnelMgr.Close()
		resolver.Wait()

		// 保存最终状态
		if err := snapshotter.SaveNow(); err != nil {
			log.Printf("保存状态失败: %v", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
		}
		close(cleanupDone)
	}()

	log.Printf("server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("listen: %v", err)
		cancel()
		<-cleanupDone
		return 1
	}
	<-cleanupDone
	return 0
}

func setupAppLogging(root string) (path string, startedAt time.Time, closeFn func()) {
	startedAt = time.Now()
	path = filepath.Join(root, "runtime", "app.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("[AppLog] create log dir failed: %v", err)
		return "", startedAt, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		log.Printf("[AppLog] open log file failed (%s): %v", path, err)
		return "", startedAt, nil
	}

	_, _ = fmt.Fprintf(f, "----- app start %s pid=%d -----\n", startedAt.Format(time.RFC3339Nano), os.Getpid())
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	log.Printf("[AppLog] writing to %s", path)
	return path, startedAt, func() { _ = f.Close() }
}
