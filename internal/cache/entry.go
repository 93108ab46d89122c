package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quran-companion/shell-cache/internal/fetch"
)

// Entry 是持久化的缓存条目，所有驱动都以 gob 编码存放。
type Entry struct {
	Key      string
	Method   string
	URL      string
	Status   int
	Header   http.Header
	Type     fetch.ResponseType
	Body     []byte
	StoredAt time.Time
}

// NewEntry 读取并关闭 resp.Body，生成可持久化的条目。
func NewEntry(req *fetch.Request, resp *fetch.Response) (*Entry, error) {
	if req == nil || req.URL == nil {
		return nil, fmt.Errorf("cache entry requires a request url")
	}
	if resp == nil {
		return nil, fmt.Errorf("cache entry requires a response")
	}

	var body []byte
	if resp.Body != nil {
		data, err := io.ReadAll(resp.Body)
		closeErr := resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read body for %s: %w", req.Key(), err)
		}
		if closeErr != nil {
			return nil, closeErr
		}
		body = data
	}

	return &Entry{
		Key:      req.Key(),
		Method:   req.Method,
		URL:      fetch.CanonicalURL(req.URL),
		Status:   resp.Status,
		Header:   resp.Header.Clone(),
		Type:     resp.Type,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Response 还原为一个来源为 cache 的响应，每次调用都得到独立的 Body。
func (e *Entry) Response() *fetch.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &fetch.Response{
		Status: e.Status,
		Header: header,
		Type:   e.Type,
		URL:    e.URL,
		Body:   io.NopCloser(bytes.NewReader(e.Body)),
		Source: fetch.SourceCache,
	}
}

// Encode 使用 gob 编码条目。
func (e *Entry) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("encode entry %s: %w", e.Key, err)
	}
	return buf.Bytes(), nil
}

// DecodeEntry 解码 Encode 生成的字节。
func DecodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &e, nil
}
