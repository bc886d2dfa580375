package tunnel

import "errors"

var (
	// ErrInvalidProvider 隧道注册无法加载/创建/保存
	ErrInvalidProvider = errors.New("invalid tunnel provider")
	// ErrTunnelStartFailure 平台拒绝启动隧道
	ErrTunnelStartFailure = errors.New("tunnel start failed")
	// ErrManagerClosed 管理器已关闭
	ErrManagerClosed = errors.New("tunnel manager closed")
)
