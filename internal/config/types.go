package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述代理进程的全局运行参数，所有 Origin 共享。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFormat       string   `mapstructure:"LogFormat"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	QueuePath       string   `mapstructure:"QueuePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	MaxEntrySize    int64    `mapstructure:"MaxEntrySize"`
}

// SyncConfig 控制待同步提交的投递目标与重试策略。
type SyncConfig struct {
	Endpoint        string   `mapstructure:"Endpoint"`
	StagingEndpoint string   `mapstructure:"StagingEndpoint"`
	OwnerID         string   `mapstructure:"OwnerID"`
	Interval        Duration `mapstructure:"Interval"`
	DeliveryTimeout Duration `mapstructure:"DeliveryTimeout"`
	MaxAttempts     int      `mapstructure:"MaxAttempts"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	MaxBackoff      Duration `mapstructure:"MaxBackoff"`
}

// ConnectivityConfig 描述兜底探测：平台通知缺失时按间隔探测 ProbeURL。
type ConnectivityConfig struct {
	ProbeURL      string   `mapstructure:"ProbeURL"`
	ProbeInterval Duration `mapstructure:"ProbeInterval"`
	ProbeTimeout  Duration `mapstructure:"ProbeTimeout"`
	AssumeOnline  bool     `mapstructure:"AssumeOnline"`
}

// APIConfig 仅供 `issue-hub api` 参考服务端使用。
type APIConfig struct {
	ListenPort int    `mapstructure:"ListenPort"`
	Driver     string `mapstructure:"Driver"`
	DSN        string `mapstructure:"DSN"`
}

// OriginConfig 决定单个应用源站如何被缓存代理。
type OriginConfig struct {
	Name             string   `mapstructure:"Name"`
	Domain           string   `mapstructure:"Domain"`
	Upstream         string   `mapstructure:"Upstream"`
	CacheNamespace   string   `mapstructure:"CacheNamespace"`
	Manifest         []string `mapstructure:"Manifest"`
	APIHosts         []string `mapstructure:"APIHosts"`
	APIPrefixes      []string `mapstructure:"APIPrefixes"`
	RefreshPerSecond float64  `mapstructure:"RefreshPerSecond"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global       GlobalConfig       `mapstructure:",squash"`
	Sync         SyncConfig         `mapstructure:"Sync"`
	Connectivity ConnectivityConfig `mapstructure:"Connectivity"`
	API          APIConfig          `mapstructure:"API"`
	Origins      []OriginConfig     `mapstructure:"Origin"`
}

// ManifestURLs 将 Manifest 中的相对路径解析为基于 Upstream 的绝对地址。
func (o OriginConfig) ManifestURLs() ([]string, error) {
	base, err := url.Parse(o.Upstream)
	if err != nil {
		return nil, err
	}
	result := make([]string, 0, len(o.Manifest))
	for _, entry := range o.Manifest {
		ref, err := url.Parse(strings.TrimSpace(entry))
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", entry, err)
		}
		result = append(result, base.ResolveReference(ref).String())
	}
	return result, nil
}

// OriginNames 返回所有 Origin 的名称与命名空间摘要，例如 portal:shell-v3。
func OriginNames(origins []OriginConfig) []string {
	if len(origins) == 0 {
		return nil
	}
	result := make([]string, len(origins))
	for i, origin := range origins {
		result[i] = fmt.Sprintf("%s:%s", origin.Name, origin.CacheNamespace)
	}
	return result
}
