// Package proxy implements the origin-facing range proxy: it validates the
// target against a host allow-list, forwards Range semantics verbatim and
// streams the origin body back in bounded chunks.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/audio-edge/audio-edge/internal/config"
	"github.com/audio-edge/audio-edge/internal/logging"
	"github.com/audio-edge/audio-edge/internal/server"
)

// mirroredHeaders 是成功响应中透传给客户端的上游头。
var mirroredHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
}

// Handler 负责 /proxy 端点：校验 → 回源 → 流式转发。
// 白名单校验失败时绝不发起上游请求，这是 SSRF 防线而非可选加固。
type Handler struct {
	client  *http.Client
	logger  *logrus.Logger
	allowed []string
	timeout time.Duration
	agent   string
	chunk   int
}

// NewHandler constructs the proxy handler with a shared HTTP client.
func NewHandler(client *http.Client, logger *logrus.Logger, cfg *config.Config) *Handler {
	return &Handler{
		client:  client,
		logger:  logger,
		allowed: cfg.Origins.Allowed,
		timeout: cfg.Global.UpstreamTimeout.DurationValue(),
		agent:   cfg.Global.UserAgent,
		chunk:   cfg.Global.ChunkSize,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	switch c.Method() {
	case http.MethodOptions:
		return h.handlePreflight(c)
	case http.MethodGet:
	default:
		return c.Status(fiber.StatusMethodNotAllowed).SendString("method not allowed")
	}

	target, err := h.resolveTarget(c.Query("url"))
	if err != nil {
		h.logReject(c, err)
		return c.Status(fiber.StatusBadRequest).SendString(err.Error())
	}

	// 超时覆盖整个回源过程，包括正文流式转发；cancel 由流式回调
	// 在转发结束后调用，失败的早退路径各自负责。
	ctx, cancel := context.WithTimeout(c.Context(), h.timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		cancel()
		return c.Status(fiber.StatusBadRequest).SendString("invalid target url")
	}
	req.Header.Set("User-Agent", h.agent)
	// 上游压缩会让 Range 的字节偏移失真，必须显式关掉。
	req.Header.Set("Accept-Encoding", "identity")
	if rangeHeader := c.Get("Range"); rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		cancel()
		// 错误正文保持纯文本：流式错误路径上客户端不应尝试解析 JSON。
		reason := "upstream fetch failed: " + err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "upstream fetch timed out"
		}
		h.logger.WithFields(logging.ProxyFields(target.String(), target.Hostname(), 0)).
			Warn(reason)
		return c.Status(fiber.StatusInternalServerError).SendString(reason)
	}

	h.logger.WithFields(logging.ProxyFields(target.String(), target.Hostname(), resp.StatusCode)).
		Debug("upstream responded")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel()
		return c.Status(resp.StatusCode).SendString("upstream error")
	}

	for _, name := range mirroredHeaders {
		if value := resp.Header.Get(name); value != "" {
			c.Set(name, value)
		}
	}
	c.Set("Cache-Control", "public, max-age=86400")
	c.Set("Access-Control-Allow-Origin", "*")
	c.Status(resp.StatusCode)

	return h.streamBody(ctx, cancel, c, resp.Body)
}

// handlePreflight 响应 CORS 预检，允许带 Range 头的跨域 GET。
func (h *Handler) handlePreflight(c fiber.Ctx) error {
	c.Set("Access-Control-Allow-Origin", "*")
	c.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	c.Set("Access-Control-Allow-Headers", "Content-Type, Range")
	return c.SendStatus(fiber.StatusOK)
}

// resolveTarget 解码并校验目标 URL；任何失败都意味着不会联系上游。
func (h *Handler) resolveTarget(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("missing url parameter")
	}

	// PathUnescape 只还原百分号编码，不把 '+' 当空格，
	// 与浏览器端 decodeURIComponent 的行为一致。
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url encoding: %w", err)
	}

	target, err := url.Parse(decoded)
	if err != nil || target.Hostname() == "" {
		return nil, errors.New("invalid target url")
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, errors.New("unsupported target scheme")
	}

	if !hostAllowed(target.Hostname(), h.allowed) {
		return nil, errors.New("origin host not allowed")
	}
	return target, nil
}

// streamBody 以固定大小的块转发正文，每块写完立即 Flush 到连接上，
// 整个文件不会在内存里缓冲。客户端中途断开表现为 Flush 失败，
// 循环随即终止并关闭上游正文。
func (h *Handler) streamBody(ctx context.Context, cancel context.CancelFunc, c fiber.Ctx, body io.ReadCloser) error {
	buf := make([]byte, h.chunk)

	// fiber v3.0.0-beta.3 没有 SendStreamWriter；它在后续版本里等价于
	// c.Response().SetBodyStreamWriter(...) 并返回 nil。
	c.Response().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer body.Close()

		for {
			if ctx.Err() != nil {
				return
			}
			n, err := body.Read(buf)
			if n > 0 {
				if _, wErr := w.Write(buf[:n]); wErr != nil {
					return
				}
				if wErr := w.Flush(); wErr != nil {
					// 客户端中途断开，静默收尾。
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					h.logger.WithFields(logrus.Fields{
						"action": "proxy_stream",
					}).Warn(err.Error())
				}
				return
			}
		}
	})
	return nil
}

func (h *Handler) logReject(c fiber.Ctx, err error) {
	h.logger.WithFields(logrus.Fields{
		"action":     "proxy_reject",
		"request_id": server.RequestID(c),
		"raw_url":    c.Query("url"),
	}).Warn(err.Error())
}

// hostAllowed 同时接受精确与子域匹配，比较前统一小写。
func hostAllowed(host string, allowed []string) bool {
	host = strings.ToLower(host)
	for _, candidate := range allowed {
		if candidate == "" {
			continue
		}
		if host == candidate || strings.HasSuffix(host, "."+candidate) {
			return true
		}
	}
	return false
}
