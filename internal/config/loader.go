package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 是可覆盖配置项的环境变量前缀，例如 ISSUE_HUB_LISTENPORT。
const EnvPrefix = "ISSUE_HUB"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applySyncDefaults(&cfg.Sync)
	applyConnectivityDefaults(&cfg.Connectivity)
	applyAPIDefaults(&cfg.API)
	for i := range cfg.Origins {
		applyOriginDefaults(&cfg.Origins[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	absQueue, err := filepath.Abs(cfg.Global.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析队列路径: %w", err)
	}
	cfg.Global.QueuePath = absQueue

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5100)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFormat", "json")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("QueuePath", "./storage/pending.db")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxEntrySize", 16*1024*1024)

	v.SetDefault("Sync.Interval", "30s")
	v.SetDefault("Sync.DeliveryTimeout", "15s")
	v.SetDefault("Sync.MaxAttempts", 10)
	v.SetDefault("Sync.InitialBackoff", "5s")
	v.SetDefault("Sync.MaxBackoff", "10m")

	v.SetDefault("Connectivity.ProbeInterval", "30s")
	v.SetDefault("Connectivity.ProbeTimeout", "5s")

	v.SetDefault("API.ListenPort", 5200)
	v.SetDefault("API.Driver", "sqlite")
	v.SetDefault("API.DSN", "./storage/staging.db")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5100
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.LogFormat = strings.ToLower(strings.TrimSpace(g.LogFormat))
	if g.LogFormat == "" {
		g.LogFormat = "json"
	}
	if g.MaxEntrySize == 0 {
		g.MaxEntrySize = 16 * 1024 * 1024
	}
	if g.QueuePath == "" && g.StoragePath != "" {
		g.QueuePath = filepath.Join(g.StoragePath, "pending.db")
	}
}

func applySyncDefaults(s *SyncConfig) {
	if s.Interval.DurationValue() == 0 {
		s.Interval = Duration(30 * time.Second)
	}
	if s.DeliveryTimeout.DurationValue() == 0 {
		s.DeliveryTimeout = Duration(15 * time.Second)
	}
	if s.InitialBackoff.DurationValue() == 0 {
		s.InitialBackoff = Duration(5 * time.Second)
	}
	if s.MaxBackoff.DurationValue() == 0 {
		s.MaxBackoff = Duration(10 * time.Minute)
	}
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.StagingEndpoint = strings.TrimSpace(s.StagingEndpoint)
}

func applyConnectivityDefaults(c *ConnectivityConfig) {
	if c.ProbeInterval.DurationValue() == 0 {
		c.ProbeInterval = Duration(30 * time.Second)
	}
	if c.ProbeTimeout.DurationValue() == 0 {
		c.ProbeTimeout = Duration(5 * time.Second)
	}
}

func applyAPIDefaults(a *APIConfig) {
	if a.ListenPort == 0 {
		a.ListenPort = 5200
	}
	a.Driver = strings.ToLower(strings.TrimSpace(a.Driver))
	if a.Driver == "" {
		a.Driver = "sqlite"
	}
}

func applyOriginDefaults(o *OriginConfig) {
	o.Domain = strings.ToLower(strings.TrimSpace(o.Domain))
	o.CacheNamespace = strings.TrimSpace(o.CacheNamespace)
	if o.RefreshPerSecond <= 0 {
		o.RefreshPerSecond = 2
	}
	if len(o.APIPrefixes) == 0 {
		o.APIPrefixes = []string{"/api/"}
	}
	for i, host := range o.APIHosts {
		o.APIHosts[i] = strings.ToLower(strings.TrimSpace(host))
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
