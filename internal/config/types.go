package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/quran-companion/shell-cache/internal/cache"
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

// GlobalConfig 描述进程级运行参数，所有 Origin 共享。
type GlobalConfig struct {
	ListenPort        int      `mapstructure:"ListenPort"`
	LogLevel          string   `mapstructure:"LogLevel"`
	LogFilePath       string   `mapstructure:"LogFilePath"`
	LogMaxSize        int      `mapstructure:"LogMaxSize"`
	LogMaxBackups     int      `mapstructure:"LogMaxBackups"`
	LogCompress       bool     `mapstructure:"LogCompress"`
	MaxRetries        int      `mapstructure:"MaxRetries"`
	InitialBackoff    Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout   Duration `mapstructure:"UpstreamTimeout"`
	ClientIdleTimeout Duration `mapstructure:"ClientIdleTimeout"`
}

// CacheConfig 描述 generation、manifest 与缓存后端。
type CacheConfig struct {
	Generation         string   `mapstructure:"Generation"`
	Manifest           []string `mapstructure:"Manifest"`
	ManifestFile       string   `mapstructure:"ManifestFile"`
	Scope              string   `mapstructure:"Scope"`
	SkipWaiting        bool     `mapstructure:"SkipWaiting"`
	MaxEntrySize       int64    `mapstructure:"MaxEntrySize"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`

	Driver         string `mapstructure:"Driver"`
	StoragePath    string `mapstructure:"StoragePath"`
	KeyPrefix      string `mapstructure:"KeyPrefix"`
	RedisAddr      string `mapstructure:"RedisAddr"`
	RedisPassword  string `mapstructure:"RedisPassword"`
	RedisDB        int    `mapstructure:"RedisDB"`
	S3Bucket       string `mapstructure:"S3Bucket"`
	S3Region       string `mapstructure:"S3Region"`
	S3Endpoint     string `mapstructure:"S3Endpoint"`
	S3AccessKey    string `mapstructure:"S3AccessKey"`
	S3SecretKey    string `mapstructure:"S3SecretKey"`
	DynamoTable    string `mapstructure:"DynamoTable"`
	DynamoRegion   string `mapstructure:"DynamoRegion"`
	DynamoEndpoint string `mapstructure:"DynamoEndpoint"`
	PostgresDSN    string `mapstructure:"PostgresDSN"`
}

// OriginConfig 把一个公开域名映射到上游站点。Primary 标记应用自身的同源站点。
type OriginConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Upstream string `mapstructure:"Upstream"`
	Primary  bool   `mapstructure:"Primary"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Cache   CacheConfig    `mapstructure:"Cache"`
	Origins []OriginConfig `mapstructure:"Origin"`
}

// DriverConfig 转换为缓存驱动参数。
func (c CacheConfig) DriverConfig() cache.DriverConfig {
	return cache.DriverConfig{
		StoragePath:    c.StoragePath,
		KeyPrefix:      c.KeyPrefix,
		RedisAddr:      c.RedisAddr,
		RedisPassword:  c.RedisPassword,
		RedisDB:        c.RedisDB,
		S3Bucket:       c.S3Bucket,
		S3Region:       c.S3Region,
		S3Endpoint:     c.S3Endpoint,
		S3AccessKey:    c.S3AccessKey,
		S3SecretKey:    c.S3SecretKey,
		DynamoTable:    c.DynamoTable,
		DynamoRegion:   c.DynamoRegion,
		DynamoEndpoint: c.DynamoEndpoint,
		PostgresDSN:    c.PostgresDSN,
		MaxEntrySize:   c.MaxEntrySize,
	}
}

// PrimaryOrigin 返回同源站点；只有一个 Origin 时它默认就是 primary。
func (c *Config) PrimaryOrigin() (OriginConfig, bool) {
	if len(c.Origins) == 1 {
		return c.Origins[0], true
	}
	for _, origin := range c.Origins {
		if origin.Primary {
			return origin, true
		}
	}
	return OriginConfig{}, false
}

// OriginNames 返回 name:domain 摘要，供启动日志使用。
func OriginNames(origins []OriginConfig) []string {
	if len(origins) == 0 {
		return nil
	}
	result := make([]string, len(origins))
	for i, origin := range origins {
		result[i] = fmt.Sprintf("%s:%s", origin.Name, origin.Domain)
	}
	return result
}
