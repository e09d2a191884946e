package http

import (
	"context"
	"io"
	"time"
)

type IClient interface {
	DoHTTPRequest(ctx context.Context, requestParam *RequestParam) error
}

// IStreamer 流式下载大文件（模型权重），调用方负责关闭 body
type IStreamer interface {
	Stream(ctx context.Context, url string) (body io.ReadCloser, contentLength int64, err error)
}

type RequestParam struct {
	RequestURI string
	Method     string
	Header     map[string]string
	Response   interface{}

	Timeout time.Duration
}
