package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/issue-hub/issue-hub/internal/logging"
)

// ProxyHandler answers requests for a resolved origin. Tests inject fakes.
type ProxyHandler interface {
	Handle(fiber.Ctx, *OriginRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *OriginRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *OriginRoute) error {
	return f(c, route)
}

// AppOptions controls the hub-facing Fiber application.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *OriginRegistry
	Proxy      ProxyHandler
	ListenPort int
}

const (
	contextKeyRoute     = "_issuehub_route"
	contextKeyRequestID = "_issuehub_request_id"

	// HeaderOrigin 回写命中的 Origin 名称。
	HeaderOrigin = InternalHeaderPrefix + "Origin"
	// HeaderHost 在 host 未映射时回写收到的 Host。
	HeaderHost = InternalHeaderPrefix + "Host"

	// ControlPrefix 下的路径不走 Host 路由，留给诊断与控制接口。
	ControlPrefix = "/-/"
)

// NewApp builds the Fiber application: request ID, Host/port routing to an
// origin, then the proxy handler. Control routes are registered by the caller.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("origin registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	r := &router{opts: opts, logger: logging.Component(opts.Logger, "router")}

	app := fiber.New(fiber.Config{CaseSensitive: true})
	app.Use(recover.New())
	app.Use(RequestIDMiddleware())
	app.Use(r.lookup)
	app.All("/*", r.dispatch)
	return app, nil
}

type router struct {
	opts   AppOptions
	logger *logrus.Entry
}

// RequestIDMiddleware 复用合法的上游 X-Request-ID，否则生成新的 UUID，并写回响应头。
func RequestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := strings.TrimSpace(c.Get(fiber.HeaderXRequestID))
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.NewString()
		}
		c.Locals(contextKeyRequestID, reqID)
		c.Set(fiber.HeaderXRequestID, reqID)
		return c.Next()
	}
}

// lookup 基于 Host/Host:port 查找 OriginRoute。
func (r *router) lookup(c fiber.Ctx) error {
	if IsControlPath(c.Path()) {
		return c.Next()
	}

	rawHost := strings.TrimSpace(hostHeader(c))
	route, ok := r.opts.Registry.Lookup(rawHost)
	if !ok {
		return r.hostUnmapped(c, rawHost)
	}
	c.Locals(contextKeyRoute, route)
	c.Set(HeaderOrigin, route.Config.Name)
	return c.Next()
}

func (r *router) dispatch(c fiber.Ctx) error {
	if IsControlPath(c.Path()) {
		return c.Next()
	}
	route, ok := RouteFromContext(c)
	if !ok {
		return r.hostUnmapped(c, "")
	}
	return r.opts.Proxy.Handle(c, route)
}

// hostUnmapped 返回 404，并列出已配置的域名便于排查 DNS/Host 配置。
func (r *router) hostUnmapped(c fiber.Ctx, host string) error {
	r.logger.WithFields(logrus.Fields{
		"action":     "host_lookup",
		"host":       host,
		"port":       r.opts.ListenPort,
		"request_id": RequestID(c),
	}).Warn("host unmapped")

	if host != "" {
		c.Set(HeaderHost, host)
	}
	domains := make([]string, 0, len(r.opts.Registry.List()))
	for _, route := range r.opts.Registry.List() {
		domains = append(domains, route.Config.Domain)
	}
	sort.Strings(domains)
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error":   "host_unmapped",
		"domains": domains,
	})
}

func hostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

// RouteFromContext 返回 lookup 中间件解析出的 Origin。
func RouteFromContext(c fiber.Ctx) (*OriginRoute, bool) {
	route, ok := c.Locals(contextKeyRoute).(*OriginRoute)
	return route, ok && route != nil
}

// RequestID returns the request identifier stored by RequestIDMiddleware.
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(contextKeyRequestID).(string)
	return reqID
}

// IsControlPath 判断路径是否属于 /-/ 控制接口。
func IsControlPath(path string) bool {
	return strings.HasPrefix(path, ControlPrefix)
}
