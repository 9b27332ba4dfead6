package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedDrivers = map[string]struct{}{
	"sqlite":   {},
	"postgres": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。返回的错误都满足 errors.Is(err, ErrInvalid)。
func (c *Config) Validate() error {
	err := c.validate()
	if err == nil || errors.Is(err, ErrInvalid) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInvalid, err)
}

func (c *Config) validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogFormat != "json" && g.LogFormat != "text" {
		return newFieldError("Global.LogFormat", "仅支持 json|text")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.QueuePath == "" {
		return newFieldError("Global.QueuePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaxEntrySize <= 0 {
		return newFieldError("Global.MaxEntrySize", "必须大于 0")
	}

	if err := c.Sync.validate(); err != nil {
		return err
	}
	if err := c.Connectivity.validate(); err != nil {
		return err
	}
	if err := c.API.validate(); err != nil {
		return err
	}

	if len(c.Origins) == 0 {
		return errors.New("至少需要配置一个 Origin")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Origins {
		origin := &c.Origins[i]
		if origin.Name == "" {
			return newFieldError("Origin[].Name", "不能为空")
		}
		if strings.ContainsAny(origin.Name, `/\ `) {
			return newFieldError(originField(origin.Name, "Name"), "不允许包含路径分隔符或空格")
		}
		if _, exists := seenNames[origin.Name]; exists {
			return newFieldError(originField(origin.Name, "Name"), "重复")
		}
		seenNames[origin.Name] = struct{}{}

		if err := validateDomain(origin.Domain); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Domain"), err)
		}
		if _, exists := seenDomains[origin.Domain]; exists {
			return newFieldError(originField(origin.Name, "Domain"), "重复")
		}
		seenDomains[origin.Domain] = struct{}{}

		if err := validateUpstream(origin.Upstream); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Upstream"), err)
		}
		if err := validateNamespace(origin.CacheNamespace); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "CacheNamespace"), err)
		}
		if _, err := origin.ManifestURLs(); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Manifest"), err)
		}
		for _, host := range origin.APIHosts {
			if host == "" || strings.Contains(host, "/") {
				return newFieldError(originField(origin.Name, "APIHosts"), "必须是 host 或 host:port")
			}
		}
		for _, prefix := range origin.APIPrefixes {
			if !strings.HasPrefix(prefix, "/") {
				return newFieldError(originField(origin.Name, "APIPrefixes"), "必须以 / 开头")
			}
		}
	}

	return nil
}

func (s SyncConfig) validate() error {
	if err := validateUpstream(s.Endpoint); err != nil {
		return fmt.Errorf("Sync.Endpoint: %w", err)
	}
	if s.StagingEndpoint != "" {
		if err := validateUpstream(s.StagingEndpoint); err != nil {
			return fmt.Errorf("Sync.StagingEndpoint: %w", err)
		}
	}
	if s.Interval.DurationValue() <= 0 {
		return newFieldError("Sync.Interval", "必须大于 0")
	}
	if s.DeliveryTimeout.DurationValue() <= 0 {
		return newFieldError("Sync.DeliveryTimeout", "必须大于 0")
	}
	if s.MaxAttempts < 0 {
		return newFieldError("Sync.MaxAttempts", "不能为负数")
	}
	if s.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Sync.InitialBackoff", "必须大于 0")
	}
	if s.MaxBackoff.DurationValue() < s.InitialBackoff.DurationValue() {
		return newFieldError("Sync.MaxBackoff", "不能小于 InitialBackoff")
	}
	return nil
}

func (c ConnectivityConfig) validate() error {
	if c.ProbeURL != "" {
		if err := validateUpstream(c.ProbeURL); err != nil {
			return fmt.Errorf("Connectivity.ProbeURL: %w", err)
		}
	}
	if c.ProbeInterval.DurationValue() <= 0 {
		return newFieldError("Connectivity.ProbeInterval", "必须大于 0")
	}
	if c.ProbeTimeout.DurationValue() <= 0 {
		return newFieldError("Connectivity.ProbeTimeout", "必须大于 0")
	}
	return nil
}

func (a APIConfig) validate() error {
	if a.ListenPort <= 0 || a.ListenPort > 65535 {
		return newFieldError("API.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedDrivers[a.Driver]; !ok {
		return newFieldError("API.Driver", "仅支持 sqlite|postgres")
	}
	if strings.TrimSpace(a.DSN) == "" {
		return newFieldError("API.DSN", "不能为空")
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateNamespace(ns string) error {
	if ns == "" {
		return errors.New("CacheNamespace 不能为空")
	}
	if strings.ContainsAny(ns, `/\ `) || ns == "." || ns == ".." || strings.HasPrefix(ns, ".") {
		return fmt.Errorf("非法命名空间: %s", ns)
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
