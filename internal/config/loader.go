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

	"github.com/quran-companion/shell-cache/internal/cache"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值、合并 manifest 文件并校验。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	if err := rejectOriginLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyCacheDefaults(&cfg.Cache)
	for i := range cfg.Origins {
		applyOriginDefaults(&cfg.Origins[i])
	}

	if cfg.Cache.ManifestFile != "" {
		manifestPath := cfg.Cache.ManifestFile
		if !filepath.IsAbs(manifestPath) {
			manifestPath = filepath.Join(filepath.Dir(v.ConfigFileUsed()), manifestPath)
		}
		file, err := LoadManifestFile(manifestPath)
		if err != nil {
			return nil, newFieldError("Cache.ManifestFile", err.Error())
		}
		cfg.Cache.ManifestFile = manifestPath
		cfg.Cache.Manifest = mergeManifest(cfg.Cache.Manifest, file.Assets)
		if file.Generation != "" {
			cfg.Cache.Generation = file.Generation
		}
	}

	if cfg.Cache.Scope == "" {
		if primary, ok := cfg.PrimaryOrigin(); ok && primary.Domain != "" {
			cfg.Cache.Scope = "https://" + primary.Domain + "/"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Cache.StoragePath != "" {
		absStorage, err := filepath.Abs(cfg.Cache.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Cache.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("ClientIdleTimeout", "30m")
	v.SetDefault("Cache.SkipWaiting", true)
	v.SetDefault("Cache.MaxEntrySize", 32*1024*1024)
	v.SetDefault("Cache.InstallConcurrency", 8)
	v.SetDefault("Cache.Driver", cache.DefaultDriverKey)
	v.SetDefault("Cache.StoragePath", "./storage")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.ClientIdleTimeout.DurationValue() == 0 {
		g.ClientIdleTimeout = Duration(30 * time.Minute)
	}
}

func applyCacheDefaults(c *CacheConfig) {
	c.Generation = strings.TrimSpace(c.Generation)
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver == "" {
		c.Driver = cache.DefaultDriverKey
	}
	if c.InstallConcurrency <= 0 {
		c.InstallConcurrency = 8
	}
	manifest := make([]string, 0, len(c.Manifest))
	for _, item := range c.Manifest {
		manifest = append(manifest, strings.TrimSpace(item))
	}
	c.Manifest = mergeManifest(nil, manifest)
}

func applyOriginDefaults(o *OriginConfig) {
	o.Domain = strings.ToLower(strings.TrimSpace(o.Domain))
	o.Upstream = strings.TrimRight(strings.TrimSpace(o.Upstream), "/")
}

// mergeManifest 追加 extra 并去重，保持首次出现的顺序。
func mergeManifest(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, item := range list {
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			out = append(out, item)
		}
	}
	return out
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

// rejectOriginLevelPorts 拒绝 Origin 级别的端口配置，端口只能通过全局 ListenPort 指定。
func rejectOriginLevelPorts(v *viper.Viper) error {
	raw := v.Get("Origin")
	origins, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range origins {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if _, exists := m["Port"]; exists {
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := m["Name"].(string); ok && rawName != "" {
				name = rawName
			}
			return newFieldError(originField(name, "Port"), "字段不受支持，请使用全局 ListenPort")
		}
	}

	return nil
}
