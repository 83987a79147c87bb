package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "60s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述全局运行时行为，代理与缓存 worker 共享同一份参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// StoragePath 是缓存数据库目录；QueuePath 是离线请求队列目录。
	// 二者必须分开：世代切换会清理所有旧命名空间，但队列要求跨部署存活。
	StoragePath string `mapstructure:"StoragePath"`
	QueuePath   string `mapstructure:"QueuePath"`

	// Generation 为部署世代标识；为空时回退到版本号 + 提交哈希。
	Generation string `mapstructure:"Generation"`

	MaxAudioCacheSize int64    `mapstructure:"MaxAudioCacheSize"`
	UpstreamTimeout   Duration `mapstructure:"UpstreamTimeout"`
	ChunkSize         int      `mapstructure:"ChunkSize"`
	UserAgent         string   `mapstructure:"UserAgent"`
}

// OriginsConfig 汇总所有主机名单，用于请求分类与代理 SSRF 防护。
type OriginsConfig struct {
	// Allowed 是代理端点允许回源的主机白名单，匹配失败时绝不发起上游请求。
	Allowed []string `mapstructure:"Allowed"`
	// Audio 列出音频文件所在主机，用于把裸 GET 识别为音频请求。
	Audio []string `mapstructure:"Audio"`
	// Data 列出数据源（如 Supabase）主机，其写请求失败后进入离线队列。
	Data []string `mapstructure:"Data"`
	// ApiHosts 列出必须直通、不被任何缓存拦截的 API 主机。
	ApiHosts []string `mapstructure:"ApiHosts"`
	// ApiPatterns 是 path 级别的直通匹配（如 /api/proxy-audio）。
	ApiPatterns []string `mapstructure:"ApiPatterns"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig  `mapstructure:",squash"`
	Origins OriginsConfig `mapstructure:"Origins"`
}
