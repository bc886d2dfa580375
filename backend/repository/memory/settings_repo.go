package memory

import (
	"context"
	"sort"

	"tunnelmgr/backend/repository"
	"tunnelmgr/backend/repository/events"
)

// SettingsRepo 键值设置仓储实现（内存，进程内有效）
type SettingsRepo struct {
	store *Store
}

// NewSettingsRepo 创建设置仓储
func NewSettingsRepo(store *Store) *SettingsRepo {
	return &SettingsRepo{store: store}
}

func (r *SettingsRepo) GetString(_ context.Context, key string) (string, bool, error) {
	r.store.RLock()
	defer r.store.RUnlock()
	v, ok := r.store.Settings()[key]
	return v, ok, nil
}

func (r *SettingsRepo) SetString(ctx context.Context, key, value string) error {
	return r.SetStrings(ctx, map[string]string{key: value})
}

func (r *SettingsRepo) SetStrings(_ context.Context, values map[string]string) error {
	keys := make([]string, 0, len(values))
	r.store.Lock()
	for k, v := range values {
		r.store.Settings()[k] = v
		keys = append(keys, k)
	}
	r.store.Unlock()
	sort.Strings(keys)

	// 在锁外发布事件
	r.store.PublishEvent(events.SettingsEvent{
		EventType: events.EventSettingsChanged,
		Keys:      keys,
	})
	return nil
}

// 确保实现接口
var _ repository.SettingsRepository = (*SettingsRepo)(nil)
