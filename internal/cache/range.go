package cache

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// RangeSpec 描述 `Range: bytes=start-end` 解析结果；end 可以缺省。
type RangeSpec struct {
	Start  int64
	End    int64
	HasEnd bool
}

// ParseRange 解析单段字节范围。无法识别的头返回 ok=false，
// 调用方应当回退为返回完整正文，而不是报错。
func ParseRange(header string) (RangeSpec, bool) {
	header = strings.TrimSpace(header)
	rest, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return RangeSpec{}, false
	}

	// 多段范围在音频场景不会出现，这里只取第一段。
	if idx := strings.IndexByte(rest, ','); idx >= 0 {
		rest = rest[:idx]
	}

	startRaw, endRaw, found := strings.Cut(rest, "-")
	if !found {
		return RangeSpec{}, false
	}

	start, err := strconv.ParseInt(strings.TrimSpace(startRaw), 10, 64)
	if err != nil || start < 0 {
		return RangeSpec{}, false
	}

	spec := RangeSpec{Start: start}
	if trimmed := strings.TrimSpace(endRaw); trimmed != "" {
		end, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil || end < 0 {
			return RangeSpec{}, false
		}
		spec.End = end
		spec.HasEnd = true
	}
	return spec, true
}

// RangeResult 是从缓存正文重建出的响应。
type RangeResult struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// ServeFull 把缓存条目按原状态返回，并补齐音频播放所需的头。
func ServeFull(res *Resource) RangeResult {
	headers := cloneHeaders(res.Headers)
	if headers["Content-Type"] == "" {
		headers["Content-Type"] = "audio/mpeg"
	}
	headers["Content-Length"] = strconv.FormatInt(int64(len(res.Body)), 10)
	headers["Accept-Ranges"] = "bytes"
	headers["Cache-Control"] = "public, max-age=86400"

	return RangeResult{
		Status:  res.Status,
		Headers: headers,
		Body:    res.Body,
	}
}

// ServeRange 从完整正文切出请求的字节范围。越界范围返回 416 与
// `Content-Range: bytes */<len>`，正文为空。
func ServeRange(res *Resource, spec RangeSpec) RangeResult {
	length := int64(len(res.Body))

	end := spec.End
	if !spec.HasEnd {
		end = length - 1
	}

	if spec.Start >= length || end >= length || spec.Start > end {
		return RangeResult{
			Status: http.StatusRequestedRangeNotSatisfiable,
			Headers: map[string]string{
				"Content-Range": fmt.Sprintf("bytes */%d", length),
				"Content-Type":  contentTypeOf(res),
			},
		}
	}

	body := res.Body[spec.Start : end+1]
	headers := map[string]string{
		"Content-Type":   contentTypeOf(res),
		"Content-Length": strconv.FormatInt(int64(len(body)), 10),
		"Content-Range":  fmt.Sprintf("bytes %d-%d/%d", spec.Start, end, length),
		"Accept-Ranges":  "bytes",
		"Cache-Control":  "public, max-age=86400",
	}

	return RangeResult{
		Status:  http.StatusPartialContent,
		Headers: headers,
		Body:    body,
	}
}

func contentTypeOf(res *Resource) string {
	if ct := res.Headers["Content-Type"]; ct != "" {
		return ct
	}
	return "audio/mpeg"
}
