// Package sqlite 提供基于 SQLite 的键值设置存储。
// 设置需要跨进程重启保留（默认组、GeoIP Last-Modified），与 state.json 快照分开存放。
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	gsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tunnelmgr/backend/repository"
	"tunnelmgr/backend/repository/events"
)

// Setting settings 表的一行
type Setting struct {
	Key       string `gorm:"primaryKey;column:name"`
	Value     string `gorm:"column:value;not null"`
	UpdatedAt int64  `gorm:"column:updated_at"`
}

func (Setting) TableName() string { return "settings" }

// SettingsRepo 持久化设置仓储
type SettingsRepo struct {
	db       *gorm.DB
	eventBus *events.Bus
}

// Open 打开（必要时创建）数据库文件并完成表迁移
func Open(path string, eventBus *events.Bus) (*SettingsRepo, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: create settings dir: %v", repository.ErrStoreUnavailable, err)
		}
	}
	db, err := gorm.Open(gsqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open settings db: %v", repository.ErrStoreUnavailable, err)
	}
	if path == ":memory:" {
		// 每个连接都是独立的内存库
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	if err := db.AutoMigrate(&Setting{}); err != nil {
		return nil, fmt.Errorf("%w: migrate settings: %v", repository.ErrStoreUnavailable, err)
	}
	return &SettingsRepo{db: db, eventBus: eventBus}, nil
}

// Close 关闭底层连接
func (r *SettingsRepo) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *SettingsRepo) GetString(ctx context.Context, key string) (string, bool, error) {
	if r == nil || r.db == nil {
		return "", false, repository.ErrStoreUnavailable
	}
	var row Setting
	err := r.db.WithContext(ctx).Where("name = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", repository.ErrStoreUnavailable, err)
	}
	return row.Value, true, nil
}

func (r *SettingsRepo) SetString(ctx context.Context, key, value string) error {
	return r.SetStrings(ctx, map[string]string{key: value})
}

// SetStrings 在一个事务内写入全部键值
func (r *SettingsRepo) SetStrings(ctx context.Context, values map[string]string) error {
	if r == nil || r.db == nil {
		return repository.ErrStoreUnavailable
	}
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := time.Now().UnixMilli()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, k := range keys {
			row := Setting{Key: k, Value: values[k], UpdatedAt: now}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", repository.ErrStoreUnavailable, err)
	}

	if r.eventBus != nil {
		r.eventBus.Publish(events.SettingsEvent{
			EventType: events.EventSettingsChanged,
			Keys:      keys,
		})
	}
	return nil
}

var _ repository.SettingsRepository = (*SettingsRepo)(nil)
