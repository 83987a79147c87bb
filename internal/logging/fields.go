package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FetchFields 提供分类/命中状态字段，供缓存 worker 的请求日志复用。
func FetchFields(category, url string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"category":  category,
		"url":       url,
		"cache_hit": cacheHit,
	}
}

// ProxyFields 提供代理回源日志字段，目标主机单独成列便于审计白名单命中。
func ProxyFields(target, host string, status int) logrus.Fields {
	return logrus.Fields{
		"action": "proxy_fetch",
		"target": target,
		"host":   host,
		"status": status,
	}
}
