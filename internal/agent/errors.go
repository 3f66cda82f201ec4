package agent

import "errors"

var (
	// ErrInstallFailed 表示清单中至少一个资源拉取或写入失败，安装整体失败。
	ErrInstallFailed = errors.New("install failed")
	// ErrActivateFailed 表示清理旧命名空间时出现删除失败。
	ErrActivateFailed = errors.New("activate failed")
	// ErrOfflineUnavailable 表示网络失败且离线页面不在缓存中。
	ErrOfflineUnavailable = errors.New("offline fallback unavailable")
)
