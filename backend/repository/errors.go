package repository

import "errors"

// 通用仓储错误
var (
	// ErrNotFound 实体不存在
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidData 数据无效
	ErrInvalidData = errors.New("invalid entity data")

	// ErrStoreUnavailable 持久化失败（首次启动创建默认组时为致命错误）
	ErrStoreUnavailable = errors.New("config store unavailable")
)

var (
	ErrGroupNotFound   = errors.New("configuration group not found")
	ErrProxyNotFound   = errors.New("proxy not found")
	ErrRuleSetNotFound = errors.New("rule set not found")
)
