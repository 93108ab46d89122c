package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"

	"github.com/quran-companion/shell-cache/internal/fetch"
	"github.com/quran-companion/shell-cache/internal/server"
)

// ErrOriginUnmapped 表示请求的公开 Host 未在配置中声明。
var ErrOriginUnmapped = errors.New("origin not mapped")

// Network 把公开 URL 的请求改写到对应 Origin 的上游并执行，install 与 fetch 阶段共用。
type Network struct {
	client   *http.Client
	registry *server.OriginRegistry
}

// NewNetwork constructs the upstream fetcher.
func NewNetwork(client *http.Client, registry *server.OriginRegistry) (*Network, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if registry == nil {
		return nil, errors.New("origin registry is required")
	}
	return &Network{client: client, registry: registry}, nil
}

// Fetch 实现 fetch.Fetcher。primary origin 的响应为 basic，其余 origin 视为跨源 opaque。
func (n *Network) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url is required")
	}
	route, ok := n.registry.Resolve(req.URL)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOriginUnmapped, req.URL.Host)
	}

	upstream := resolveUpstreamURL(route.UpstreamURL, req.URL)
	httpReq, err := buildUpstreamRequest(ctx, req, route, upstream)
	if err != nil {
		return nil, err
	}

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", upstream.Redacted(), err)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	typ := fetch.TypeOpaque
	if route.Primary {
		typ = fetch.TypeBasic
	}
	return &fetch.Response{
		Status: resp.StatusCode,
		Header: header,
		Type:   typ,
		URL:    fetch.CanonicalURL(req.URL),
		Body:   resp.Body,
		Source: fetch.SourceNetwork,
	}, nil
}

func buildUpstreamRequest(ctx context.Context, req *fetch.Request, route *server.OriginRoute, upstream *url.URL) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	body := req.Body
	if body == nil {
		body = http.NoBody
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, upstream.String(), body)
	if err != nil {
		return nil, err
	}

	if req.Header != nil {
		server.CopyHeaders(httpReq.Header, req.Header)
	}
	// 缓存保存未压缩的原文，交给 fiber 按需压缩
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Host = upstream.Host
	httpReq.Header.Set("X-Forwarded-Host", req.URL.Host)
	httpReq.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
	httpReq.Header.Set("X-Forwarded-Port", routePort(route))
	return httpReq, nil
}

// resolveUpstreamURL 保留公开 URL 的 path 与 query，替换 scheme/host。
func resolveUpstreamURL(base *url.URL, public *url.URL) *url.URL {
	clean := public.Path
	if clean == "" {
		clean = "/"
	}
	clean = path.Clean("/" + clean)
	if public.Path != "" && public.Path[len(public.Path)-1] == '/' && clean != "/" {
		clean += "/"
	}
	relative := &url.URL{Path: clean, RawQuery: public.RawQuery}
	return base.ResolveReference(relative)
}

func routePort(route *server.OriginRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return strconv.Itoa(route.ListenPort)
}
