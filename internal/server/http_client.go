package server

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/issue-hub/issue-hub/internal/config"
)

// InternalHeaderPrefix 标记 issue-hub 自己写入的诊断头，转发到源站前会被剥离。
const InternalHeaderPrefix = "X-Issue-Hub-"

const (
	defaultOriginTimeout = 30 * time.Second
	defaultAPITimeout    = 15 * time.Second
)

func newTransport(maxIdlePerHost int) *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
}

// NewOriginTransport 返回缓存代理访问源站的 RoundTripper。
// 代理与后台刷新都以 RoundTripper 形式组合，因此超时落在等待响应头上。
func NewOriginTransport(cfg *config.Config) http.RoundTripper {
	timeout := defaultOriginTimeout
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}
	transport := newTransport(32)
	transport.ResponseHeaderTimeout = timeout
	return transport
}

// NewAPIClient 返回投递客户端与连通性探测共用的 http.Client。
// 单次请求的超时由调用方的 context 控制，Client.Timeout 只是兜底上限。
func NewAPIClient(cfg *config.Config) *http.Client {
	timeout := defaultAPITimeout
	if cfg != nil {
		if d := cfg.Sync.DeliveryTimeout.DurationValue(); d > 0 {
			timeout = d
		}
		if d := cfg.Connectivity.ProbeTimeout.DurationValue(); d > timeout {
			timeout = d
		}
	}
	return &http.Client{
		Timeout:   2 * timeout,
		Transport: newTransport(4),
	}
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

// ForwardHeaders 把客户端请求头复制给源站请求：跳过 hop-by-hop 字段、
// Connection 中点名的字段以及 issue-hub 自身的诊断头。
func ForwardHeaders(dst, src http.Header) {
	named := connectionTokens(src)
	for key, values := range src {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if IsHopByHopHeader(canonical) || strings.HasPrefix(canonical, InternalHeaderPrefix) {
			continue
		}
		if _, ok := named[canonical]; ok {
			continue
		}
		for _, value := range values {
			dst.Add(canonical, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

func connectionTokens(h http.Header) map[string]struct{} {
	tokens := map[string]struct{}{}
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				tokens[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
			}
		}
	}
	return tokens
}
