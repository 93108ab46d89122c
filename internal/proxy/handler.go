package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quran-companion/shell-cache/internal/fetch"
	"github.com/quran-companion/shell-cache/internal/lifecycle"
	"github.com/quran-companion/shell-cache/internal/logging"
	"github.com/quran-companion/shell-cache/internal/server"
)

const (
	// ClientCookie 标识一个客户端页面，导航时签发。
	ClientCookie = "shell_cache_client"

	HeaderCacheHit   = "X-Shell-Cache-Hit"
	HeaderGeneration = "X-Shell-Cache-Generation"
)

// Dispatcher 抽象 lifecycle.Host 的 fetch 入口，便于测试注入。
type Dispatcher interface {
	Dispatch(ctx context.Context, clientID string, req *fetch.Request) (lifecycle.Outcome, error)
}

// Handler 把 Fiber 请求转换为 fetch 事件交给宿主处理，并把结果写回客户端。
type Handler struct {
	host   Dispatcher
	scope  *url.URL
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler. scope 决定公开 URL 的 scheme，保证与
// install 阶段写入的缓存键一致。
func NewHandler(host Dispatcher, scope *url.URL, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		host:   host,
		scope:  scope,
		logger: logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)
	clientID := ""

	defer func() {
		if r := recover(); r != nil {
			panicErr := fmt.Errorf("panic: %v", r)
			h.logResult(route, clientID, lifecycle.Outcome{}, requestID, fiber.StatusInternalServerError, started, panicErr)
			err = h.writeError(c, fiber.StatusInternalServerError, "handler_panic", requestID)
		}
	}()

	req := h.buildRequest(c, route)
	clientID = h.resolveClient(c, req)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	outcome, dispatchErr := h.host.Dispatch(ctx, clientID, req)
	if dispatchErr != nil {
		h.logResult(route, clientID, outcome, requestID, fiber.StatusBadGateway, started, dispatchErr)
		return h.writeError(c, fiber.StatusBadGateway, "network_failed", requestID)
	}
	if outcome.Response == nil {
		h.logResult(route, clientID, outcome, requestID, fiber.StatusBadGateway, started, errors.New("empty response"))
		return h.writeError(c, fiber.StatusBadGateway, "empty_response", requestID)
	}
	return h.writeResponse(c, route, clientID, outcome, requestID, started)
}

func (h *Handler) buildRequest(c fiber.Ctx, route *server.OriginRoute) *fetch.Request {
	header := fiberHeadersAsHTTP(c)
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}

	method := c.Method()
	req := fetch.NewRequest(method, h.publicURL(c, route))
	req.Header = header
	req.Body = bytesReader(c.Body())
	req.Mode, req.Destination = fetch.Classify(method, header, string(c.Request().URI().Path()))
	return req
}

// publicURL 由 scope scheme + Origin 域名 + 原始 URI 组成，监听端口不参与缓存键。
func (h *Handler) publicURL(c fiber.Ctx, route *server.OriginRoute) *url.URL {
	scheme := "https"
	if h.scope != nil && h.scope.Scheme != "" {
		scheme = h.scope.Scheme
	}
	uri := c.Request().URI()
	u := &url.URL{
		Scheme:   scheme,
		Host:     route.Config.Domain,
		Path:     string(uri.Path()),
		RawQuery: string(uri.QueryString()),
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u
}

// resolveClient 读取客户端 cookie；导航请求没有 cookie 时签发新的 id。
func (h *Handler) resolveClient(c fiber.Ctx, req *fetch.Request) string {
	if id := c.Cookies(ClientCookie); id != "" {
		if _, err := uuid.Parse(id); err == nil {
			return id
		}
	}
	if !req.IsNavigation() {
		return ""
	}
	id := uuid.NewString()
	c.Cookie(&fiber.Cookie{
		Name:     ClientCookie,
		Value:    id,
		Path:     "/",
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return id
}

func (h *Handler) writeResponse(
	c fiber.Ctx,
	route *server.OriginRoute,
	clientID string,
	outcome lifecycle.Outcome,
	requestID string,
	started time.Time,
) error {
	resp := outcome.Response
	defer resp.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderCacheHit, strconv.FormatBool(outcome.CacheHit()))
	if outcome.Generation != "" {
		c.Set(HeaderGeneration, outcome.Generation)
	}
	if requestID != "" {
		c.Set(server.HeaderRequestID, requestID)
	}
	c.Status(resp.Status)

	if c.Method() == http.MethodHead || resp.Body == nil {
		h.logResult(route, clientID, outcome, requestID, resp.Status, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, clientID, outcome, requestID, resp.Status, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code, requestID string) error {
	if requestID != "" {
		c.Set(server.HeaderRequestID, requestID)
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.OriginRoute,
	clientID string,
	outcome lifecycle.Outcome,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	name, domain := "", ""
	if route != nil {
		name, domain = route.Config.Name, route.Config.Domain
	}
	fields := logging.RequestFields(name, domain, outcome.Generation, clientID, outcome.CacheHit())
	fields["action"] = "proxy"
	fields["status"] = status
	fields["intercepted"] = outcome.Intercepted
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return nil
	}
	return bytes.NewReader(append([]byte(nil), b...))
}
