// Package classify maps inbound requests onto a closed set of categories that
// drive the caching worker's routing: API traffic is never intercepted, audio
// goes through the range-aware cache, data-origin traffic gets offline
// handling. Classification is a pure function over the request descriptor so
// it can be tested without any I/O.
package classify

import (
	"net/url"
	"strings"
)

// Category 是分类结果的封闭枚举，worker 据此分派处理策略。
type Category int

const (
	// CategoryOther 表示未匹配任何规则，采用网络优先的兜底策略。
	CategoryOther Category = iota
	// CategoryApiPassthrough 的请求必须直通，绕过一切缓存拦截。
	CategoryApiPassthrough
	// CategoryAudio 的 GET 进入范围感知的音频缓存管线。
	CategoryAudio
	// CategoryOriginData 指向数据源（Supabase 等），写失败进离线队列。
	CategoryOriginData
	// CategoryStaticAsset 是打包产物（JS/CSS/图片）。
	CategoryStaticAsset
	// CategoryNavigation 是顶层文档请求。
	CategoryNavigation
)

// String 输出日志用的稳定标签。
func (c Category) String() string {
	switch c {
	case CategoryApiPassthrough:
		return "api"
	case CategoryAudio:
		return "audio"
	case CategoryOriginData:
		return "origin_data"
	case CategoryStaticAsset:
		return "static"
	case CategoryNavigation:
		return "navigation"
	default:
		return "other"
	}
}

// Request 是分类所需的最小请求描述，由调用方从真实请求中摘取。
type Request struct {
	Method string
	URL    *url.URL
	// Destination 对应浏览器 fetch 的 destination 提示（如 "audio"）。
	Destination string
	Accept      string
	// Mode 为 "navigate" 时表示顶层文档请求。
	Mode string
}

// Rules 由配置注入的主机与路径名单，构造后不再变化。
type Rules struct {
	ApiHosts    []string
	ApiPatterns []string
	AudioHosts  []string
	DataHosts   []string
}

var audioExtensions = []string{".mp3", ".wav", ".m4a", ".aac", ".ogg", ".webm"}

var staticExtensions = []string{".js", ".css", ".svg", ".png", ".jpg", ".jpeg"}

// Classify 按固定优先级返回请求类别：API 直通永远最先判定，
// 避免形如 /api/upload/info/x.mp3 的元数据端点被误判为音频。
func (r Rules) Classify(req Request) Category {
	if req.URL == nil {
		return CategoryOther
	}

	if r.isApi(req.URL) {
		return CategoryApiPassthrough
	}
	if r.isAudio(req) {
		return CategoryAudio
	}
	if r.isData(req.URL) {
		return CategoryOriginData
	}
	if isStaticAsset(req.URL) {
		return CategoryStaticAsset
	}
	if req.Mode == "navigate" {
		return CategoryNavigation
	}
	return CategoryOther
}

func (r Rules) isApi(u *url.URL) bool {
	path := u.Path
	if strings.HasPrefix(path, "/api/") || strings.HasPrefix(path, "/upload") {
		return true
	}
	if hostMatches(u.Hostname(), r.ApiHosts) {
		return true
	}
	for _, pattern := range r.ApiPatterns {
		if strings.Contains(path, pattern) {
			return true
		}
	}
	return false
}

func (r Rules) isAudio(req Request) bool {
	u := req.URL

	// 文件元数据端点可能以 .mp3 结尾，但并不是音频正文。
	if strings.Contains(u.Path, "/upload/info/") {
		return false
	}

	if req.Destination == "audio" {
		return true
	}

	lowerPath := strings.ToLower(u.Path)
	for _, ext := range audioExtensions {
		if strings.Contains(lowerPath, ext) {
			return true
		}
	}

	if strings.Contains(req.Accept, "audio/") {
		return true
	}
	if u.Query().Has("audio") {
		return true
	}
	return hostMatches(u.Hostname(), r.AudioHosts)
}

func (r Rules) isData(u *url.URL) bool {
	return hostMatches(u.Hostname(), r.DataHosts)
}

func isStaticAsset(u *url.URL) bool {
	if strings.Contains(u.Path, "/assets/") {
		return true
	}
	lowerPath := strings.ToLower(u.Path)
	for _, ext := range staticExtensions {
		if strings.HasSuffix(lowerPath, ext) {
			return true
		}
	}
	return false
}

// hostMatches 同时接受精确匹配与子域匹配（host 以 ".suffix" 结尾）。
func hostMatches(host string, list []string) bool {
	host = strings.ToLower(host)
	for _, candidate := range list {
		if candidate == "" {
			continue
		}
		if host == candidate || strings.HasSuffix(host, "."+candidate) {
			return true
		}
	}
	return false
}

// IsMutation 判断方法是否属于需要离线排队的写请求。
func IsMutation(method string) bool {
	switch strings.ToUpper(method) {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	default:
		return false
	}
}
