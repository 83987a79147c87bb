package worker

import (
	"context"
	"net/http"
)

// CommandKind 是控制通道消息的封闭枚举。
type CommandKind int

const (
	// CommandCacheResource 主动抓取并缓存一个音频 URL。
	CommandCacheResource CommandKind = iota
	// CommandClearAllCaches 清空所有命名空间。
	CommandClearAllCaches
	// CommandSyncOfflineRequests 触发离线队列重放。
	CommandSyncOfflineRequests
	// CommandRefreshCache 删除并重新抓取一个音频 URL。
	CommandRefreshCache
)

// Command 是宿主应用发往缓存 worker 的控制消息，不保证应答。
type Command struct {
	Kind CommandKind
	URL  string
}

// Send 投递控制消息。通道满时丢弃并记日志：控制消息是
// fire-and-forget 信号，不值得让调用方阻塞。
func (w *Worker) Send(cmd Command) {
	select {
	case w.cmds <- cmd:
	default:
		w.logger.WithField("action", "command_dropped").
			Warn("control channel full, command dropped")
	}
}

// Start 启动命令处理循环。
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.commandLoop()
	}()
}

// Stop 停止命令循环并等待在途命令处理完毕。
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) commandLoop() {
	for {
		select {
		case <-w.stopCh:
			return
		case cmd := <-w.cmds:
			w.handleCommand(cmd)
		}
	}
}

func (w *Worker) handleCommand(cmd Command) {
	ctx := context.Background()

	switch cmd.Kind {
	case CommandCacheResource:
		w.cacheResource(ctx, cmd.URL)
	case CommandClearAllCaches:
		// 用户显式触发的清理必须暴露失败，不能静默吞掉。
		if err := w.namespaces.ClearAll(); err != nil {
			w.logger.WithField("action", "clear_caches").Error(err.Error())
			return
		}
		w.logger.WithField("action", "clear_caches").Info("all caches cleared")
	case CommandSyncOfflineRequests:
		if err := w.queue.ReplayAll(ctx, w.client); err != nil {
			w.logger.WithField("action", "sync_offline").Warn(err.Error())
		}
	case CommandRefreshCache:
		w.refreshCache(ctx, cmd.URL)
	}
}

// cacheResource 主动抓取全量音频并写入缓存，供"预下载"场景使用。
func (w *Worker) cacheResource(ctx context.Context, url string) {
	if url == "" {
		return
	}
	if _, err := w.fetchAndStoreAudio(ctx, Request{Method: http.MethodGet, URL: url}); err != nil {
		w.logger.WithField("action", "cache_resource").Warn(err.Error())
	}
}

// refreshCache 先删后取：旧条目立即失效，在线时尽力重新缓存。
func (w *Worker) refreshCache(ctx context.Context, url string) {
	if url == "" {
		return
	}
	if err := w.audio.Delete(url); err != nil {
		w.logger.WithField("action", "refresh_cache").Warn(err.Error())
		return
	}
	if _, err := w.fetchAndStoreAudio(ctx, Request{Method: http.MethodGet, URL: url}); err != nil {
		w.logger.WithField("action", "refresh_cache").Warn(err.Error())
	}
}
