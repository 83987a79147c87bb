package config

import (
	"errors"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.QueuePath == "" {
		return newFieldError("Global.QueuePath", "不能为空")
	}
	if g.StoragePath == g.QueuePath {
		return newFieldError("Global.QueuePath", "不能与 StoragePath 相同")
	}
	if g.MaxAudioCacheSize <= 0 {
		return newFieldError("Global.MaxAudioCacheSize", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.ChunkSize <= 0 {
		return newFieldError("Global.ChunkSize", "必须大于 0")
	}

	if len(c.Origins.Allowed) == 0 {
		return newFieldError("Origins.Allowed", "至少需要一个允许回源的主机")
	}
	for _, host := range c.Origins.Allowed {
		if err := validateHost(host); err != nil {
			return newFieldError("Origins.Allowed", err.Error())
		}
	}
	for _, host := range c.Origins.Audio {
		if err := validateHost(host); err != nil {
			return newFieldError("Origins.Audio", err.Error())
		}
	}
	for _, host := range c.Origins.Data {
		if err := validateHost(host); err != nil {
			return newFieldError("Origins.Data", err.Error())
		}
	}

	return nil
}

// validateHost 拒绝带 scheme 或路径的条目，名单里只允许纯主机名。
func validateHost(host string) error {
	if host == "" {
		return errors.New("主机名不能为空")
	}
	if strings.Contains(host, "://") {
		return errors.New("主机名不应包含 scheme: " + host)
	}
	if strings.ContainsAny(host, "/ ") {
		return errors.New("主机名不应包含路径或空格: " + host)
	}
	return nil
}
