package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ResponseType 区分同源 basic 响应与跨源 opaque 响应。
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeOpaque ResponseType = "opaque"
	TypeError  ResponseType = "error"
)

// Source 标记响应来自缓存还是网络。
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

// ErrNonOK 表示 addAll 过程中出现非 2xx 响应。
var ErrNonOK = errors.New("non-ok response")

// Response 描述一次 fetch 的结果。Body 只能被消费一次。
type Response struct {
	Status int
	Header http.Header
	Type   ResponseType
	URL    string
	Body   io.ReadCloser
	Source Source
}

// OK 对应 2xx 状态。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Cacheable 只有 200 且同源的响应可以被写入缓存。
func (r *Response) Cacheable() bool {
	return r != nil && r.Status == http.StatusOK && r.Type == TypeBasic
}

// Close 释放 Body，nil 安全。
func (r *Response) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// Fetcher 抽象网络访问，install 与 fetch 阶段共用。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

type readCloser struct {
	io.Reader
	closer io.Closer
}

func (r readCloser) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Duplicate 读取 resp.Body 并返回一份独立副本，原响应换上新的 Reader 继续交给调用方。
// limit > 0 时最多缓冲 limit 字节；超限时原响应仍能完整读取，但 ok=false 表示不可缓存。
func Duplicate(resp *Response, limit int64) (*Response, bool, error) {
	if resp == nil {
		return nil, false, errors.New("nil response")
	}
	if resp.Body == nil {
		resp.Body = io.NopCloser(bytes.NewReader(nil))
	}

	original := resp.Body
	var (
		buf []byte
		err error
	)
	if limit > 0 {
		buf, err = io.ReadAll(io.LimitReader(original, limit+1))
	} else {
		buf, err = io.ReadAll(original)
	}
	if err != nil {
		original.Close()
		return nil, false, fmt.Errorf("read response body: %w", err)
	}

	if limit > 0 && int64(len(buf)) > limit {
		resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), original), closer: original}
		return nil, false, nil
	}
	original.Close()
	resp.Body = io.NopCloser(bytes.NewReader(buf))

	copyBuf := make([]byte, len(buf))
	copy(copyBuf, buf)
	dup := &Response{
		Status: resp.Status,
		Header: resp.Header.Clone(),
		Type:   resp.Type,
		URL:    resp.URL,
		Body:   io.NopCloser(bytes.NewReader(copyBuf)),
		Source: resp.Source,
	}
	return dup, true, nil
}

// NewBufferedResponse 构建一个 Body 来自内存的响应，供缓存层和测试使用。
func NewBufferedResponse(status int, header http.Header, typ ResponseType, rawURL string, body []byte) *Response {
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status: status,
		Header: header,
		Type:   typ,
		URL:    rawURL,
		Body:   io.NopCloser(bytes.NewReader(body)),
	}
}
