package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultDriverKey 是未显式配置时使用的驱动。
const DefaultDriverKey = "fs"

// ErrDriverUnknown 表示驱动未注册。
var ErrDriverUnknown = errors.New("cache driver not registered")

// DriverConfig 汇总所有驱动可能用到的连接参数，由 config 包填充。
type DriverConfig struct {
	StoragePath string
	KeyPrefix   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	DynamoTable    string
	DynamoRegion   string
	DynamoEndpoint string

	PostgresDSN string

	// MaxEntrySize 是 Cache.MaxEntrySize，供有单条目大小上限的驱动校验。
	MaxEntrySize int64
}

// Driver 描述一个可插拔的存储后端，驱动包在 init() 中调用 MustRegisterDriver。
type Driver struct {
	Key         string
	Description string
	// Durable 表示进程重启后数据仍然存在。
	Durable  bool
	Validate func(DriverConfig) error
	Open     func(ctx context.Context, cfg DriverConfig) (Store, error)
}

var drivers = newDriverRegistry()

type driverRegistry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func newDriverRegistry() *driverRegistry {
	return &driverRegistry{drivers: make(map[string]Driver)}
}

// RegisterDriver 将驱动加入全局注册表，重复键会返回错误。
func RegisterDriver(d Driver) error {
	return drivers.register(d)
}

// MustRegisterDriver 在注册失败时 panic，适合驱动 init() 中调用。
func MustRegisterDriver(d Driver) {
	if err := RegisterDriver(d); err != nil {
		panic(err)
	}
}

// ResolveDriver 返回指定键的驱动。
func ResolveDriver(key string) (Driver, bool) {
	return drivers.resolve(key)
}

// Drivers 返回按键排序的驱动列表。
func Drivers() []Driver {
	return drivers.list()
}

// DriverKeys 返回所有已注册驱动的键值，供诊断和配置提示使用。
func DriverKeys() []string {
	items := Drivers()
	result := make([]string, len(items))
	for i, d := range items {
		result[i] = d.Key
	}
	return result
}

// OpenStore 按驱动键打开存储，空键回退到 DefaultDriverKey。
func OpenStore(ctx context.Context, key string, cfg DriverConfig) (Store, error) {
	if strings.TrimSpace(key) == "" {
		key = DefaultDriverKey
	}
	d, ok := ResolveDriver(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDriverUnknown, key)
	}
	if d.Validate != nil {
		if err := d.Validate(cfg); err != nil {
			return nil, fmt.Errorf("driver %s: %w", d.Key, err)
		}
	}
	store, err := d.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open driver %s: %w", d.Key, err)
	}
	return store, nil
}

func normalizeDriverKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *driverRegistry) register(d Driver) error {
	key := normalizeDriverKey(d.Key)
	if key == "" {
		return fmt.Errorf("driver key is required")
	}
	if d.Open == nil {
		return fmt.Errorf("driver %s: open func is required", key)
	}
	d.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drivers[key]; exists {
		return fmt.Errorf("driver %s already registered", key)
	}
	r.drivers[key] = d
	return nil
}

func (r *driverRegistry) resolve(key string) (Driver, bool) {
	normalized := normalizeDriverKey(key)
	if normalized == "" {
		return Driver{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drivers[normalized]
	return d, ok
}

func (r *driverRegistry) list() []Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.drivers) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.drivers))
	for key := range r.drivers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Driver, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.drivers[key])
	}
	return result
}

func init() {
	MustRegisterDriver(Driver{
		Key:         "memory",
		Description: "in-process map, lost on restart",
		Open: func(context.Context, DriverConfig) (Store, error) {
			return NewMemoryStore(), nil
		},
	})
	MustRegisterDriver(Driver{
		Key:         DefaultDriverKey,
		Description: "one file per entry under StoragePath",
		Durable:     true,
		Validate: func(cfg DriverConfig) error {
			if strings.TrimSpace(cfg.StoragePath) == "" {
				return errors.New("StoragePath is required")
			}
			return nil
		},
		Open: func(_ context.Context, cfg DriverConfig) (Store, error) {
			return NewStore(cfg.StoragePath)
		},
	})
}
