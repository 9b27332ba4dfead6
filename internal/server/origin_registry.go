package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/issue-hub/issue-hub/internal/agent"
	"github.com/issue-hub/issue-hub/internal/cache"
	"github.com/issue-hub/issue-hub/internal/config"
)

// OriginRoute 将 Origin 配置与派生属性（解析后的 Upstream、缓存代控制器）聚合在一起，
// 供路由/代理层直接复用。
type OriginRoute struct {
	// Config 是 config.toml 中声明的 Origin 字段副本。
	Config config.OriginConfig
	// ListenPort 记录当前进程监听端口，方便日志输出。
	ListenPort int
	// UpstreamURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
	// Controller 持有该 Origin 当前激活的缓存代。
	Controller *agent.Controller
}

// OriginRegistry 提供 Host/Host:port 到 OriginRoute 的查询能力，所有 Origin 共享同一个监听端口。
type OriginRegistry struct {
	routes  map[string]*OriginRoute
	byName  map[string]*OriginRoute
	ordered []*OriginRoute
}

// RegistryOptions 提供构建控制器所需的共享依赖。
type RegistryOptions struct {
	Store   cache.Store
	Network http.RoundTripper
	Logger  *logrus.Logger
}

// NewOriginRegistry 根据配置构建 Host 映射与每个 Origin 的控制器。控制器此时尚未部署缓存代，
// 调用方需在启动阶段执行 DeployAll。
func NewOriginRegistry(cfg *config.Config, opts RegistryOptions) (*OriginRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &OriginRegistry{
		routes: make(map[string]*OriginRoute, len(cfg.Origins)),
		byName: make(map[string]*OriginRoute, len(cfg.Origins)),
	}

	for _, origin := range cfg.Origins {
		normalizedHost := normalizeDomain(origin.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for origin %s", origin.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}
		if _, exists := registry.byName[origin.Name]; exists {
			return nil, fmt.Errorf("duplicate origin name %s", origin.Name)
		}

		route, err := buildOriginRoute(cfg, origin, opts)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.byName[origin.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 OriginRoute。
func (r *OriginRegistry) Lookup(host string) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// ByName 根据 Origin 名称查找。
func (r *OriginRegistry) ByName(name string) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[strings.TrimSpace(name)]
	return route, ok
}

// List 返回按配置顺序排列的 OriginRoute。
func (r *OriginRegistry) List() []*OriginRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*OriginRoute(nil), r.ordered...)
}

// DeployAll 为每个 Origin 部署配置中的缓存命名空间。单个 Origin 失败不会影响其他 Origin。
func (r *OriginRegistry) DeployAll(ctx context.Context) ([]agent.DeployReport, error) {
	if r == nil {
		return nil, nil
	}
	var (
		reports []agent.DeployReport
		errs    []error
	)
	for _, route := range r.ordered {
		report, err := route.Controller.Deploy(ctx, route.Config.CacheNamespace)
		if err != nil {
			errs = append(errs, fmt.Errorf("origin %s: %w", route.Config.Name, err))
			continue
		}
		reports = append(reports, report)
	}
	return reports, errors.Join(errs...)
}

// Close 停止所有控制器的后台刷新。
func (r *OriginRegistry) Close() {
	if r == nil {
		return
	}
	for _, route := range r.ordered {
		route.Controller.Close()
	}
}

func buildOriginRoute(cfg *config.Config, origin config.OriginConfig, opts RegistryOptions) (*OriginRoute, error) {
	upstreamURL, err := url.Parse(origin.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for origin %s: %w", origin.Name, err)
	}
	manifest, err := origin.ManifestURLs()
	if err != nil {
		return nil, fmt.Errorf("invalid manifest for origin %s: %w", origin.Name, err)
	}

	controller := agent.NewController(agent.ControllerOptions{
		Origin:           origin.Name,
		Manifest:         manifest,
		Store:            opts.Store,
		Network:          opts.Network,
		Classifier:       agent.NewClassifier(upstreamURL, origin.APIHosts, origin.APIPrefixes),
		MaxEntrySize:     cfg.Global.MaxEntrySize,
		RefreshPerSecond: origin.RefreshPerSecond,
		Logger:           opts.Logger,
	})

	return &OriginRoute{
		Config:      origin,
		ListenPort:  cfg.Global.ListenPort,
		UpstreamURL: upstreamURL,
		Controller:  controller,
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
