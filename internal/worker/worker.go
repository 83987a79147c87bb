// Package worker ties the caching layer together: requests are classified,
// audio GETs are answered from the range-aware cache with origin fallthrough,
// data-origin mutations that die on the wire are queued for replay, and a
// control channel accepts fire-and-forget commands from the host application.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/audio-edge/audio-edge/internal/cache"
	"github.com/audio-edge/audio-edge/internal/classify"
	"github.com/audio-edge/audio-edge/internal/config"
	"github.com/audio-edge/audio-edge/internal/logging"
	"github.com/audio-edge/audio-edge/internal/queue"
)

// Request 是 worker 处理的入站请求描述。Body 已被调用方读完，
// worker 需要时按原样转发。
type Request struct {
	Method      string
	URL         string
	Headers     map[string]string
	Body        []byte
	Destination string
	Accept      string
	Mode        string
}

// Response 是 worker 产出的响应。
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Worker 持有三个世代命名空间与离线队列，按分类结果分派请求。
type Worker struct {
	logger *logrus.Logger
	rules  classify.Rules
	client *http.Client

	namespaces *cache.Namespaces
	static     *cache.Store
	dynamic    *cache.Store
	audio      *cache.Store

	queue *queue.Queue

	// 同一音频 URL 的并发首次拉取合并为一次回源。
	group singleflight.Group

	cmds   chan Command
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New 打开三个命名空间并构造 worker。音频命名空间受体积预算约束，
// static/dynamic 不设预算。
func New(cfg *config.Config, logger *logrus.Logger, namespaces *cache.Namespaces, q *queue.Queue, client *http.Client) (*Worker, error) {
	static, err := namespaces.Open(cache.NamespaceStatic, 0)
	if err != nil {
		return nil, err
	}
	dynamic, err := namespaces.Open(cache.NamespaceDynamic, 0)
	if err != nil {
		return nil, err
	}
	audio, err := namespaces.Open(cache.NamespaceAudio, cfg.Global.MaxAudioCacheSize)
	if err != nil {
		return nil, err
	}

	return &Worker{
		logger: logger,
		rules: classify.Rules{
			ApiHosts:    cfg.Origins.ApiHosts,
			ApiPatterns: cfg.Origins.ApiPatterns,
			AudioHosts:  cfg.Origins.Audio,
			DataHosts:   cfg.Origins.Data,
		},
		client:     client,
		namespaces: namespaces,
		static:     static,
		dynamic:    dynamic,
		audio:      audio,
		queue:      q,
		cmds:       make(chan Command, 64),
		stopCh:     make(chan struct{}),
	}, nil
}

// Activate 执行世代切换：删除所有旧世代命名空间。必须在处理任何
// 请求之前调用一次。
func (w *Worker) Activate() error {
	removed, err := w.namespaces.Activate()
	if err != nil {
		return fmt.Errorf("generation cutover: %w", err)
	}
	w.logger.WithFields(logrus.Fields{
		"action":     "activate",
		"generation": w.namespaces.Generation(),
		"removed":    removed,
	}).Info("cache generation active")
	return nil
}

// HandleFetch 是请求管线的入口，按分类结果分派处理策略。
func (w *Worker) HandleFetch(ctx context.Context, req Request) (*Response, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}

	category := w.rules.Classify(classify.Request{
		Method:      req.Method,
		URL:         parsed,
		Destination: req.Destination,
		Accept:      req.Accept,
		Mode:        req.Mode,
	})

	switch category {
	case classify.CategoryApiPassthrough:
		// API 流量必须原样直通，任何缓存拦截都可能破坏其错误语义。
		return w.fetchDirect(ctx, req)
	case classify.CategoryAudio:
		if strings.EqualFold(req.Method, http.MethodGet) {
			return w.handleAudio(ctx, req)
		}
		return w.fetchDirect(ctx, req)
	case classify.CategoryOriginData:
		return w.handleData(ctx, req)
	case classify.CategoryNavigation:
		return w.handleNavigation(ctx, req, parsed)
	case classify.CategoryStaticAsset:
		return w.handleStatic(ctx, req)
	default:
		return w.handleOther(ctx, req)
	}
}

// handleAudio 实现音频管线：命中走范围重建，未命中回源，
// 200 全量响应写回缓存。
func (w *Worker) handleAudio(ctx context.Context, req Request) (*Response, error) {
	rangeHeader := headerGet(req.Headers, "Range")

	if res, err := w.audio.Get(req.URL); err == nil {
		w.logger.WithFields(logging.FetchFields("audio", req.URL, true)).Debug("serving audio from cache")
		return serveCached(res, rangeHeader), nil
	} else if !errors.Is(err, cache.ErrNotFound) {
		w.logger.WithFields(logging.FetchFields("audio", req.URL, false)).Warn(err.Error())
	}

	if rangeHeader != "" {
		// 缓存未命中的 Range 请求直接透传：部分响应永远不入库。
		resp, err := w.fetchDirect(ctx, req)
		if err != nil {
			return offlineAudioResponse(), nil
		}
		return resp, nil
	}

	value, err, _ := w.group.Do(req.URL, func() (interface{}, error) {
		return w.fetchAndStoreAudio(ctx, req)
	})
	if err != nil {
		return offlineAudioResponse(), nil
	}
	return value.(*Response), nil
}

// fetchAndStoreAudio 回源取全量音频；写缓存失败只记日志——缓存是优化，
// 不是正确性要求。
func (w *Worker) fetchAndStoreAudio(ctx context.Context, req Request) (*Response, error) {
	resp, err := w.fetchDirect(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.Status == http.StatusOK {
		if err := w.audio.Put(req.URL, resp.Status, resp.Headers, resp.Body); err != nil {
			w.logger.WithFields(logging.FetchFields("audio", req.URL, false)).Warn(err.Error())
		} else {
			w.logger.WithFields(logging.FetchFields("audio", req.URL, false)).Info("audio cached")
		}
	}
	return resp, nil
}

// handleData 对数据源采用网络优先：成功的 GET 进 dynamic 命名空间；
// 传输失败的 GET 回落缓存，写请求进离线队列并返回合成成功响应。
func (w *Worker) handleData(ctx context.Context, req Request) (*Response, error) {
	resp, err := w.fetchDirect(ctx, req)
	if err == nil {
		if strings.EqualFold(req.Method, http.MethodGet) && resp.Status == http.StatusOK {
			if putErr := w.dynamic.Put(req.URL, resp.Status, resp.Headers, resp.Body); putErr != nil {
				w.logger.WithFields(logging.FetchFields("origin_data", req.URL, false)).Warn(putErr.Error())
			}
		}
		return resp, nil
	}

	if strings.EqualFold(req.Method, http.MethodGet) {
		if res, cacheErr := w.dynamic.Get(req.URL); cacheErr == nil {
			w.logger.WithFields(logging.FetchFields("origin_data", req.URL, true)).Info("serving data from cache")
			return cachedResponse(res), nil
		}
		return plainResponse(http.StatusServiceUnavailable, "Data not available offline"), nil
	}

	if classify.IsMutation(req.Method) {
		id, qErr := w.queue.Enqueue(queue.Mutation{
			URL:     req.URL,
			Method:  req.Method,
			Headers: req.Headers,
			Body:    req.Body,
		})
		if qErr != nil {
			w.logger.WithFields(logging.FetchFields("origin_data", req.URL, false)).Error(qErr.Error())
			return plainResponse(http.StatusServiceUnavailable, "Data not available offline"), nil
		}
		w.logger.WithFields(logrus.Fields{
			"action": "enqueue_mutation",
			"id":     id,
			"method": req.Method,
			"url":    req.URL,
		}).Info("mutation queued for replay")
		return syntheticOfflineResponse(), nil
	}

	return plainResponse(http.StatusServiceUnavailable, "Data not available offline"), nil
}

// handleStatic 网络优先拿最新构建产物，离线时回落 static 命名空间。
func (w *Worker) handleStatic(ctx context.Context, req Request) (*Response, error) {
	resp, err := w.fetchDirect(ctx, req)
	if err == nil {
		if resp.Status == http.StatusOK {
			if putErr := w.static.Put(req.URL, resp.Status, resp.Headers, resp.Body); putErr != nil {
				w.logger.WithFields(logging.FetchFields("static", req.URL, false)).Warn(putErr.Error())
			}
		}
		return resp, nil
	}

	if res, cacheErr := w.static.Get(req.URL); cacheErr == nil {
		return cachedResponse(res), nil
	}
	return plainResponse(http.StatusServiceUnavailable, "Resource not available offline"), nil
}

// handleNavigation 与静态资源同策略，但离线回落到缓存的入口文档。
func (w *Worker) handleNavigation(ctx context.Context, req Request, parsed *url.URL) (*Response, error) {
	resp, err := w.fetchDirect(ctx, req)
	if err == nil {
		if resp.Status == http.StatusOK {
			if putErr := w.static.Put(req.URL, resp.Status, resp.Headers, resp.Body); putErr != nil {
				w.logger.WithFields(logging.FetchFields("navigation", req.URL, false)).Warn(putErr.Error())
			}
		}
		return resp, nil
	}

	indexURL := parsed.Scheme + "://" + parsed.Host + "/index.html"
	if res, cacheErr := w.static.Get(indexURL); cacheErr == nil {
		return cachedResponse(res), nil
	}
	return plainResponse(http.StatusServiceUnavailable, "App not available offline"), nil
}

// handleOther 网络优先，失败时尝试 dynamic 命名空间。
func (w *Worker) handleOther(ctx context.Context, req Request) (*Response, error) {
	resp, err := w.fetchDirect(ctx, req)
	if err == nil {
		return resp, nil
	}
	if res, cacheErr := w.dynamic.Get(req.URL); cacheErr == nil {
		return cachedResponse(res), nil
	}
	return plainResponse(http.StatusServiceUnavailable, "Resource not available offline"), nil
}

// fetchDirect 发出真实网络请求并读完正文。返回 error 仅代表传输失败；
// 上游的 4xx/5xx 会作为正常 Response 返回。
func (w *Worker) fetchDirect(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &Response{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    payload,
	}, nil
}

// serveCached 根据有无 Range 头决定全量返回还是切片重建。
// 无法解析的 Range 头按原始实现的行为回退为全量返回。
func serveCached(res *cache.Resource, rangeHeader string) *Response {
	if rangeHeader != "" {
		if spec, ok := cache.ParseRange(rangeHeader); ok {
			result := cache.ServeRange(res, spec)
			return &Response{Status: result.Status, Headers: result.Headers, Body: result.Body}
		}
	}
	result := cache.ServeFull(res)
	return &Response{Status: result.Status, Headers: result.Headers, Body: result.Body}
}

func cachedResponse(res *cache.Resource) *Response {
	return &Response{
		Status:  res.Status,
		Headers: res.Headers,
		Body:    res.Body,
	}
}

func offlineAudioResponse() *Response {
	return plainResponse(http.StatusServiceUnavailable, "Audio not available offline")
}

func plainResponse(status int, message string) *Response {
	return &Response{
		Status:  status,
		Headers: map[string]string{"Content-Type": "text/plain"},
		Body:    []byte(message),
	}
}

// syntheticOfflineResponse 让 UI 在断网时拿到可解析的成功应答，
// 真正的投递由重放流程完成。
func syntheticOfflineResponse() *Response {
	return &Response{
		Status:  http.StatusOK,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{"success":true,"offline":true,"message":"Request queued for sync when online"}`),
	}
}

func headerGet(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
