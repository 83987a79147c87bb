package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/audio-edge/audio-edge/internal/cache"
	"github.com/audio-edge/audio-edge/internal/config"
	"github.com/audio-edge/audio-edge/internal/queue"
)

type testEnv struct {
	worker *Worker
	queue  *queue.Queue
}

func newTestWorker(t *testing.T, hosts ...string) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{
		Global: config.GlobalConfig{
			MaxAudioCacheSize: 100 * 1024 * 1024,
			UpstreamTimeout:   config.Duration(5 * time.Second),
		},
		Origins: config.OriginsConfig{
			Data: hosts,
		},
	}

	ns, err := cache.OpenNamespaces(t.TempDir(), "test-gen")
	if err != nil {
		t.Fatalf("open namespaces: %v", err)
	}
	t.Cleanup(func() { ns.Close() })

	q, err := queue.Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	w, err := New(cfg, logger, ns, q, &http.Client{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := w.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return &testEnv{worker: w, queue: q}
}

func hostOf(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return u.Hostname()
}

func TestAudioMissFetchesAndCaches(t *testing.T) {
	payload := []byte("complete audio payload for episode one")
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write(payload)
	}))
	defer upstream.Close()

	env := newTestWorker(t)
	audioURL := upstream.URL + "/ep1.mp3"

	resp, err := env.worker.HandleFetch(context.Background(), Request{Method: "GET", URL: audioURL})
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if string(resp.Body) != string(payload) {
		t.Fatalf("body mismatch")
	}

	// 第二次请求带 Range，必须由缓存切片应答，不再回源。
	resp2, err := env.worker.HandleFetch(context.Background(), Request{
		Method:  "GET",
		URL:     audioURL,
		Headers: map[string]string{"Range": "bytes=9-13"},
	})
	if err != nil {
		t.Fatalf("range fetch error: %v", err)
	}
	if resp2.Status != 206 {
		t.Fatalf("expected 206 from cache, got %d", resp2.Status)
	}
	if string(resp2.Body) != string(payload[9:14]) {
		t.Fatalf("slice mismatch: %q", resp2.Body)
	}
	if got := resp2.Headers["Content-Range"]; got == "" {
		t.Fatalf("missing Content-Range on cached slice")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected a single origin fetch, got %d", hits)
	}
}

func TestAudioCachedFullServeIs200(t *testing.T) {
	env := newTestWorker(t)
	audioURL := "https://cdn.example.com/ep2.mp3"
	body := []byte("cached body")

	if err := env.worker.audio.Put(audioURL, 200, nil, body); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	resp, err := env.worker.HandleFetch(context.Background(), Request{Method: "GET", URL: audioURL})
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("no-Range cached serve must be 200, got %d", resp.Status)
	}
	if string(resp.Body) != string(body) {
		t.Fatalf("body mismatch: %q", resp.Body)
	}
}

func TestAudioInvalidRangeFallsBackToFullBody(t *testing.T) {
	env := newTestWorker(t)
	audioURL := "https://cdn.example.com/ep3.mp3"
	body := []byte("full body despite weird header")

	if err := env.worker.audio.Put(audioURL, 200, nil, body); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	resp, err := env.worker.HandleFetch(context.Background(), Request{
		Method:  "GET",
		URL:     audioURL,
		Headers: map[string]string{"Range": "minutes=1-2"},
	})
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.Status != 200 || string(resp.Body) != string(body) {
		t.Fatalf("expected full-body fallback, got %d / %q", resp.Status, resp.Body)
	}
}

func TestAudioOutOfRangeIs416(t *testing.T) {
	env := newTestWorker(t)
	audioURL := "https://cdn.example.com/ep4.mp3"

	if err := env.worker.audio.Put(audioURL, 200, nil, []byte("0123456789")); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	resp, err := env.worker.HandleFetch(context.Background(), Request{
		Method:  "GET",
		URL:     audioURL,
		Headers: map[string]string{"Range": "bytes=50-60"},
	})
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.Status != 416 {
		t.Fatalf("expected 416, got %d", resp.Status)
	}
	if got := resp.Headers["Content-Range"]; got != "bytes */10" {
		t.Fatalf("unexpected Content-Range: %s", got)
	}
	if len(resp.Body) != 0 {
		t.Fatalf("416 body must be empty")
	}
}

func TestAudioOfflineWithoutCacheIs503(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	env := newTestWorker(t)

	resp, err := env.worker.HandleFetch(context.Background(), Request{Method: "GET", URL: deadURL + "/ep1.mp3"})
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 offline answer, got %d", resp.Status)
	}
}

func TestMutationTransportFailureQueuesAndSynthesizes(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	deadHost := hostOf(t, deadURL)
	dead.Close()

	env := newTestWorker(t, deadHost)

	resp, err := env.worker.HandleFetch(context.Background(), Request{
		Method:  "POST",
		URL:     deadURL + "/rest/v1/episodes",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{"slug":"ep1"}`),
	})
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected synthetic 200, got %d", resp.Status)
	}

	var parsed struct {
		Success bool `json:"success"`
		Offline bool `json:"offline"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		t.Fatalf("synthetic response must be JSON: %v", err)
	}
	if !parsed.Success || !parsed.Offline {
		t.Fatalf("unexpected synthetic payload: %s", resp.Body)
	}

	queued, err := env.queue.All()
	if err != nil {
		t.Fatalf("queue read: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("expected one queued mutation, got %d", len(queued))
	}
	if queued[0].Method != "POST" || string(queued[0].Body) != `{"slug":"ep1"}` {
		t.Fatalf("mutation not persisted verbatim: %+v", queued[0])
	}
}

func TestMutationHTTPErrorIsNotQueued(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	env := newTestWorker(t, hostOf(t, upstream.URL))

	resp, err := env.worker.HandleFetch(context.Background(), Request{
		Method: "POST",
		URL:    upstream.URL + "/rest/v1/episodes",
		Body:   []byte("{}"),
	})
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("HTTP errors are real answers, expected 500, got %d", resp.Status)
	}

	count, _ := env.queue.Len()
	if count != 0 {
		t.Fatalf("5xx must not be queued, got %d records", count)
	}
}

func TestDataGetFallsBackToCacheOffline(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"slug":"ep1"}]`))
	}))
	dataHost := hostOf(t, upstream.URL)
	dataURL := upstream.URL + "/rest/v1/episodes"

	env := newTestWorker(t, dataHost)

	resp, err := env.worker.HandleFetch(context.Background(), Request{Method: "GET", URL: dataURL})
	if err != nil {
		t.Fatalf("online fetch error: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected 200 online, got %d", resp.Status)
	}

	upstream.Close()

	resp2, err := env.worker.HandleFetch(context.Background(), Request{Method: "GET", URL: dataURL})
	if err != nil {
		t.Fatalf("offline fetch error: %v", err)
	}
	if resp2.Status != 200 {
		t.Fatalf("expected cached fallback 200, got %d", resp2.Status)
	}
	if string(resp2.Body) != `[{"slug":"ep1"}]` {
		t.Fatalf("cached body mismatch: %q", resp2.Body)
	}
}

func TestCommandCacheResourceAndClear(t *testing.T) {
	payload := []byte("proactively cached audio")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write(payload)
	}))
	defer upstream.Close()

	env := newTestWorker(t)
	audioURL := upstream.URL + "/ep9.mp3"

	env.worker.handleCommand(Command{Kind: CommandCacheResource, URL: audioURL})

	res, err := env.worker.audio.Get(audioURL)
	if err != nil {
		t.Fatalf("expected resource cached by command: %v", err)
	}
	if string(res.Body) != string(payload) {
		t.Fatalf("cached body mismatch")
	}

	env.worker.handleCommand(Command{Kind: CommandClearAllCaches})
	if _, err := env.worker.audio.Get(audioURL); err != cache.ErrNotFound {
		t.Fatalf("expected cache cleared, got %v", err)
	}
}

func TestCommandRefreshCacheReplacesEntry(t *testing.T) {
	version := int32(0)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&version) == 0 {
			w.Write([]byte("old bytes"))
			return
		}
		w.Write([]byte("new bytes"))
	}))
	defer upstream.Close()

	env := newTestWorker(t)
	audioURL := upstream.URL + "/ep10.mp3"

	env.worker.handleCommand(Command{Kind: CommandCacheResource, URL: audioURL})
	atomic.StoreInt32(&version, 1)
	env.worker.handleCommand(Command{Kind: CommandRefreshCache, URL: audioURL})

	res, err := env.worker.audio.Get(audioURL)
	if err != nil {
		t.Fatalf("expected refreshed entry: %v", err)
	}
	if string(res.Body) != "new bytes" {
		t.Fatalf("expected refreshed body, got %q", res.Body)
	}
}

func TestCommandSyncOfflineRequests(t *testing.T) {
	var replayed int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&replayed, 1)
	}))
	defer upstream.Close()

	env := newTestWorker(t)
	if _, err := env.queue.Enqueue(queue.Mutation{URL: upstream.URL + "/rest/v1/x", Method: "POST"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	env.worker.handleCommand(Command{Kind: CommandSyncOfflineRequests})

	if atomic.LoadInt32(&replayed) != 1 {
		t.Fatalf("expected one replayed request, got %d", replayed)
	}
	count, _ := env.queue.Len()
	if count != 0 {
		t.Fatalf("expected empty queue after sync, got %d", count)
	}
}

func TestControlChannelLifecycle(t *testing.T) {
	payload := []byte("channel cached")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer upstream.Close()

	env := newTestWorker(t)
	env.worker.Start()

	audioURL := upstream.URL + "/ep11.mp3"
	env.worker.Send(Command{Kind: CommandCacheResource, URL: audioURL})

	deadline := time.After(3 * time.Second)
	for {
		if _, err := env.worker.audio.Get(audioURL); err == nil {
			break
		}
		select {
		case <-deadline:
			env.worker.Stop()
			t.Fatalf("command was not processed in time")
		case <-time.After(20 * time.Millisecond):
		}
	}
	env.worker.Stop()
}

func TestApiRequestsBypassCache(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("api answer"))
	}))
	defer upstream.Close()

	env := newTestWorker(t)
	apiURL := upstream.URL + "/api/upload/info/ep1.mp3"

	for i := 0; i < 2; i++ {
		resp, err := env.worker.HandleFetch(context.Background(), Request{Method: "GET", URL: apiURL})
		if err != nil {
			t.Fatalf("fetch error: %v", err)
		}
		if resp.Status != 200 {
			t.Fatalf("expected 200, got %d", resp.Status)
		}
	}

	// API 直通：两次请求都到达上游，缓存层完全不插手。
	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("expected passthrough to hit upstream twice, got %d", hits)
	}
	if env.worker.audio.Len() != 0 || env.worker.dynamic.Len() != 0 {
		t.Fatalf("api responses must never be cached")
	}
}
