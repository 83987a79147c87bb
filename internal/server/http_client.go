package server

import (
	"net"
	"net/http"
	"time"

	"github.com/audio-edge/audio-edge/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	// 压缩会破坏 Range 的字节偏移计算，上游请求统一走 identity。
	DisableCompression: true,
}

// NewUpstreamClient 返回共享 http.Client，用于所有回源请求。
// 音频流的总时长可能超过任何固定超时，所以 Client 本身不设 Timeout，
// 由调用方用 context 控制每次请求。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	return &http.Client{
		Transport: defaultTransport.Clone(),
	}
}

// NewDataClient 返回数据源直通与队列重放使用的 Client，这类请求
// 不是流式的，直接用全局超时兜底。
func NewDataClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}
