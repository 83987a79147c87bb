package version

import "fmt"

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("audio-edge %s (%s)", Version, Commit)
}

// Generation 从构建元数据推导缓存世代标识。部署工具可以通过
// 配置或环境变量覆盖，但运行期内一经注入不再变化。
func Generation() string {
	return fmt.Sprintf("v%s-%s", Version, Commit)
}
