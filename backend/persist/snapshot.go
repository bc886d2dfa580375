package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tunnelmgr/backend/domain"
	"tunnelmgr/backend/repository"
	"tunnelmgr/backend/repository/events"
)

// Snapshotter 状态快照管理器（防抖写入 state.json）
type Snapshotter struct {
	path     string
	store    repository.Snapshottable
	migrator *Migrator

	mu       sync.Mutex
	pending  bool
	dirty    bool
	debounce time.Duration
	idle     *sync.Cond

	saveMu sync.Mutex
}

// NewSnapshotter 创建快照管理器
func NewSnapshotter(path string, store repository.Snapshottable) *Snapshotter {
	s := &Snapshotter{
		path:     path,
		store:    store,
		migrator: NewMigrator(),
		debounce: 200 * time.Millisecond,
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Path 快照文件路径
func (s *Snapshotter) Path() string { return s.path }

// SetDebounce 设置防抖延迟
func (s *Snapshotter) SetDebounce(d time.Duration) {
	s.mu.Lock()
	s.debounce = d
	s.mu.Unlock()
}

// SubscribeEvents 订阅事件总线（仅实体写操作触发持久化）
func (s *Snapshotter) SubscribeEvents(bus *events.Bus) func() {
	return bus.SubscribeAll(func(event events.Event) {
		if !events.IsEntityEvent(event) {
			return
		}
		s.Schedule()
	})
}

// Schedule 调度快照（防抖）
func (s *Snapshotter) Schedule() {
	s.mu.Lock()
	if s.pending {
		s.dirty = true
		s.mu.Unlock()
		return
	}
	s.pending = true
	s.dirty = false
	s.mu.Unlock()

	go func() {
		for {
			s.mu.Lock()
			debounce := s.debounce
			s.mu.Unlock()

			time.Sleep(debounce)
			_ = s.save()

			s.mu.Lock()
			if s.dirty {
				s.dirty = false
				s.mu.Unlock()
				continue
			}
			s.pending = false
			s.idle.Broadcast()
			s.mu.Unlock()
			return
		}
	}()
}

// WaitIdle 等待挂起的快照写完（退出前调用）
func (s *Snapshotter) WaitIdle(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		for s.pending {
			s.idle.Wait()
		}
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("snapshot still pending after %s", timeout)
	}
}

// SaveNow 立即保存（同步）
func (s *Snapshotter) SaveNow() error {
	return s.save()
}

func (s *Snapshotter) save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	state := s.store.Snapshot()
	if err := SaveState(s.path, state); err != nil {
		log.Printf("[Snapshot] write failed: %v", err)
		return err
	}
	return nil
}

// Load 加载状态（严格版本校验）
func (s *Snapshotter) Load() (domain.ServiceState, error) {
	return loadWith(s.path, s.migrator)
}

// LoadState 静态函数：加载状态
func LoadState(path string) (domain.ServiceState, error) {
	return loadWith(path, NewMigrator())
}

func loadWith(path string, m *Migrator) (domain.ServiceState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.ServiceState{SchemaVersion: SchemaVersion}, nil
		}
		return domain.ServiceState{}, err
	}
	return m.Migrate(data)
}

// SaveState 静态函数：原子写入状态
func SaveState(path string, state domain.ServiceState) error {
	state.SchemaVersion = SchemaVersion
	state.GeneratedAt = time.Now()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
