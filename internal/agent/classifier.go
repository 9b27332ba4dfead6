package agent

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Bypass 原因。空字符串表示请求可以走缓存。
const (
	BypassNone        = ""
	BypassScheme      = "scheme"
	BypassMethod      = "method"
	BypassAPI         = "api"
	BypassCrossOrigin = "cross_origin"
)

// Classifier 判定请求是否绕过缓存。规则按顺序匹配：
// 非 http(s) scheme、非 GET、动态 API 主机/端口/路径前缀、与应用源不同的主机。
type Classifier struct {
	origin      *url.URL
	apiHosts    map[string]struct{}
	apiPorts    map[string]struct{}
	apiPrefixes []string
}

// NewClassifier 以应用自身源（scheme://host[:port]）构建分类器。
// apiHosts 支持 "host"、"host:port" 与 ":port" 三种写法。
func NewClassifier(origin *url.URL, apiHosts, apiPrefixes []string) Classifier {
	c := Classifier{
		origin:   origin,
		apiHosts: make(map[string]struct{}),
		apiPorts: make(map[string]struct{}),
	}
	for _, raw := range apiHosts {
		entry := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case entry == "":
		case strings.HasPrefix(entry, ":"):
			c.apiPorts[strings.TrimPrefix(entry, ":")] = struct{}{}
		default:
			c.apiHosts[entry] = struct{}{}
		}
	}
	for _, prefix := range apiPrefixes {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			c.apiPrefixes = append(c.apiPrefixes, prefix)
		}
	}
	return c
}

// Classify 返回 bypass 原因；BypassNone 表示可以缓存。
func (c Classifier) Classify(req *http.Request) string {
	if req == nil || req.URL == nil {
		return BypassScheme
	}
	target := req.URL

	scheme := strings.ToLower(target.Scheme)
	if scheme != "http" && scheme != "https" {
		return BypassScheme
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet {
		return BypassMethod
	}

	host := strings.ToLower(target.Hostname())
	port := effectivePort(scheme, target.Port())
	if _, ok := c.apiHosts[host]; ok {
		return BypassAPI
	}
	if _, ok := c.apiHosts[net.JoinHostPort(host, port)]; ok {
		return BypassAPI
	}
	if _, ok := c.apiPorts[port]; ok {
		return BypassAPI
	}
	path := target.EscapedPath()
	for _, prefix := range c.apiPrefixes {
		if strings.HasPrefix(path, prefix) {
			return BypassAPI
		}
	}

	if c.origin != nil && !sameOrigin(c.origin, target) {
		return BypassCrossOrigin
	}
	return BypassNone
}

func sameOrigin(a, b *url.URL) bool {
	schemeA, schemeB := strings.ToLower(a.Scheme), strings.ToLower(b.Scheme)
	if schemeA != schemeB {
		return false
	}
	if !strings.EqualFold(a.Hostname(), b.Hostname()) {
		return false
	}
	return effectivePort(schemeA, a.Port()) == effectivePort(schemeB, b.Port())
}

func effectivePort(scheme, port string) string {
	if port != "" {
		return port
	}
	if scheme == "https" {
		return "443"
	}
	return "80"
}
