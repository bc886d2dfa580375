package tasks

import (
	"context"
	"log"
	"time"

	"tunnelmgr/backend/service/shared"
)

// GeoIPRefresher 条件刷新 GeoIP 数据库
type GeoIPRefresher interface {
	Refresh(ctx context.Context) (bool, error)
}

type Scheduler struct {
	geo             GeoIPRefresher
	geoInterval     time.Duration
	logs            []string
	logRetain       time.Duration
	logRotatePeriod time.Duration
	// geoFresh 启动供给刚刷新过，首次刷新等一个周期
	geoFresh bool
}

func NewScheduler(geo GeoIPRefresher, geoInterval time.Duration) *Scheduler {
	if geoInterval <= 0 {
		geoInterval = shared.DefaultGeoIPRefreshInterval
	}
	return &Scheduler{
		geo:             geo,
		geoInterval:     geoInterval,
		logRetain:       7 * 24 * time.Hour,
		logRotatePeriod: 24 * time.Hour,
	}
}

// RotateLogs 按天轮转守护进程日志，保留 retain
func (s *Scheduler) RotateLogs(retain time.Duration, paths ...string) {
	s.logs = append(s.logs, paths...)
	if retain > 0 {
		s.logRetain = retain
	}
}

// MarkGeoIPFresh 供给阶段已做过条件刷新，跳过启动时的立即刷新
func (s *Scheduler) MarkGeoIPFresh() {
	s.geoFresh = true
}

func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}

	if s.geo != nil {
		go runWithTicker(ctx, s.geoInterval, !s.geoFresh, "geoip refresh", func(ctx context.Context) {
			updated, err := s.geo.Refresh(ctx)
			if err != nil {
				log.Printf("[tasks] geoip refresh failed: %v", err)
				return
			}
			if updated {
				log.Printf("[tasks] geoip database updated")
			}
		})
	}
	if len(s.logs) > 0 {
		go runWithTicker(ctx, s.logRotatePeriod, true, "log rotate", func(context.Context) {
			for _, p := range s.logs {
				if err := shared.RotateLogFile(p, s.logRetain); err != nil {
					log.Printf("[tasks] rotate %s failed: %v", p, err)
				}
			}
		})
	}
}

func runWithTicker(ctx context.Context, interval time.Duration, immediate bool, name string, fn func(context.Context)) {
	if interval <= 0 {
		interval = time.Minute
	}

	// 启动后先跑一次，避免“等待一个周期才生效”。
	if immediate {
		safeRun(ctx, name, fn)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			safeRun(ctx, name, fn)
		}
	}
}

func safeRun(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[tasks] %s panicked: %v", name, r)
		}
	}()
	fn(ctx)
}
