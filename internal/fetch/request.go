package fetch

import (
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Mode 对应浏览器 Sec-Fetch-Mode，用于区分页面导航与子资源请求。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeCORS       Mode = "cors"
	ModeNoCORS     Mode = "no-cors"
	ModeSameOrigin Mode = "same-origin"
)

// Destination 对应 Sec-Fetch-Dest，描述资源的用途。
type Destination string

const (
	DestinationDocument Destination = "document"
	DestinationImage    Destination = "image"
	DestinationScript   Destination = "script"
	DestinationStyle    Destination = "style"
	DestinationFont     Destination = "font"
	DestinationEmpty    Destination = "empty"
)

// Request 是一次 fetch 事件携带的请求描述。URL 为客户端视角的公开地址。
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Mode        Mode
	Destination Destination
	// Body 仅在透传到网络时使用，缓存层从不读取。
	Body io.Reader
}

// NewRequest 以 GET + 给定 URL 构建请求，常用于 install 阶段的 manifest 拉取。
func NewRequest(method string, u *url.URL) *Request {
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: http.Header{},
	}
}

// Key 返回缓存键：METHOD + 空格 + 规范化 URL。
func (r *Request) Key() string {
	if r == nil {
		return ""
	}
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + CanonicalURL(r.URL)
}

// IsNavigation 表示请求是否为页面导航。
func (r *Request) IsNavigation() bool {
	return r != nil && r.Mode == ModeNavigate
}

// CanonicalURL 小写 scheme/host，去掉默认端口与 fragment，保留 query。
func CanonicalURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clone := *u
	clone.Scheme = strings.ToLower(clone.Scheme)
	clone.Fragment = ""
	clone.RawFragment = ""
	clone.User = nil

	host := strings.ToLower(clone.Hostname())
	port := clone.Port()
	if (clone.Scheme == "http" && port == "80") || (clone.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host = host + ":" + port
	}
	clone.Host = host
	if clone.Path == "" && clone.Opaque == "" {
		clone.Path = "/"
	}
	return clone.String()
}

var imageExtensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".gif":  {},
	".webp": {},
	".svg":  {},
	".ico":  {},
	".avif": {},
	".bmp":  {},
}

// Classify 依据 Sec-Fetch-* 头推断 mode/destination。旧客户端不发送这些头时，
// 通过 Accept 与路径扩展名做保守推断。
func Classify(method string, header http.Header, requestPath string) (Mode, Destination) {
	mode := Mode(strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode"))))
	dest := Destination(strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Dest"))))
	if mode != "" || dest != "" {
		if dest == "" {
			dest = DestinationEmpty
		}
		if mode == "" {
			mode = ModeNoCORS
		}
		return mode, dest
	}

	if strings.EqualFold(method, http.MethodGet) && strings.Contains(header.Get("Accept"), "text/html") {
		return ModeNavigate, DestinationDocument
	}

	ext := strings.ToLower(path.Ext(requestPath))
	switch ext {
	case ".js", ".mjs":
		return ModeNoCORS, DestinationScript
	case ".css":
		return ModeNoCORS, DestinationStyle
	case ".woff", ".woff2", ".ttf", ".otf":
		return ModeCORS, DestinationFont
	}
	if _, ok := imageExtensions[ext]; ok {
		return ModeNoCORS, DestinationImage
	}
	return ModeCORS, DestinationEmpty
}
