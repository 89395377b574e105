package version

import "fmt"

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("bundle-hub %s (%s)", Version, Commit)
}

// CacheToken 参与缓存指纹，二进制版本变化后旧快照不再恢复。
func CacheToken() string {
	return Version + "+" + Commit
}
