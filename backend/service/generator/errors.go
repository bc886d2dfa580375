package generator

import "errors"

var (
	// ErrConfigWrite 写入生成产物失败
	ErrConfigWrite = errors.New("config write failed")
)
