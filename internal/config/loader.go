package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyOriginDefaults(&cfg.Origins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	absQueue, err := filepath.Abs(cfg.Global.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析队列目录: %w", err)
	}
	cfg.Global.QueuePath = absQueue

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage/cache")
	v.SetDefault("QueuePath", "./storage/queue")
	v.SetDefault("MaxAudioCacheSize", 100*1024*1024)
	v.SetDefault("UpstreamTimeout", "60s")
	v.SetDefault("ChunkSize", 64*1024)
	v.SetDefault("UserAgent", "audio-edge/1.0")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.MaxAudioCacheSize == 0 {
		g.MaxAudioCacheSize = 100 * 1024 * 1024
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(60 * time.Second)
	}
	if g.ChunkSize == 0 {
		g.ChunkSize = 64 * 1024
	}
	if g.UserAgent == "" {
		g.UserAgent = "audio-edge/1.0"
	}
}

// applyOriginDefaults 补齐原始站点的 path 级直通匹配；主机名单没有合理默认值，
// 必须由部署方显式提供。
func applyOriginDefaults(o *OriginsConfig) {
	if len(o.ApiPatterns) == 0 {
		o.ApiPatterns = []string{
			"/api/upload",
			"/api/upload/info/",
			"/api/upload/files",
			"/api/assemblyai",
			"/api/proxy-audio",
		}
	}
	for i, host := range o.Allowed {
		o.Allowed[i] = strings.ToLower(strings.TrimSpace(host))
	}
	for i, host := range o.Audio {
		o.Audio[i] = strings.ToLower(strings.TrimSpace(host))
	}
	for i, host := range o.Data {
		o.Data[i] = strings.ToLower(strings.TrimSpace(host))
	}
	for i, host := range o.ApiHosts {
		o.ApiHosts[i] = strings.ToLower(strings.TrimSpace(host))
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
