// Package redisstore keeps cache partitions in Redis so several shell-cache
// instances can share one installed generation.
//
// Key layout:
//
//	<prefix>partitions           SET of partition names
//	<prefix>partition:<name>     HASH request key -> gob-encoded entry
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/quran-companion/shell-cache/internal/cache"
	"github.com/quran-companion/shell-cache/internal/fetch"
)

const defaultPrefix = "shell-cache:"

// putAllScript 只在分区仍登记在集合中时写入，保证删除后的迟到写入不会复活分区。
var putAllScript = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 0 then
	return 0
end
for i = 2, #ARGV, 2 do
	redis.call("HSET", KEYS[2], ARGV[i], ARGV[i + 1])
end
return 1
`)

func init() {
	cache.MustRegisterDriver(cache.Driver{
		Key:         "redis",
		Description: "Redis hashes, one per partition",
		Durable:     true,
		Validate: func(cfg cache.DriverConfig) error {
			if strings.TrimSpace(cfg.RedisAddr) == "" {
				return errors.New("RedisAddr is required")
			}
			if cfg.RedisDB < 0 {
				return errors.New("RedisDB must not be negative")
			}
			return nil
		},
		Open: func(ctx context.Context, cfg cache.DriverConfig) (cache.Store, error) {
			client := NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
			if err := client.Ping(ctx).Err(); err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
			}
			return New(client, cfg.KeyPrefix), nil
		},
	})
}

// NewRedisClient 构建 go-redis 客户端。
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Store 实现 cache.Store。
type Store struct {
	client *redis.Client
	prefix string
}

type partition struct {
	store *Store
	name  string
}

// New 包装已有客户端，prefix 为空时使用默认前缀。
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) setKey() string {
	return s.prefix + "partitions"
}

func (s *Store) hashKey(name string) string {
	return s.prefix + "partition:" + name
}

func (s *Store) Open(ctx context.Context, name string) (cache.Partition, error) {
	if err := cache.ValidatePartitionName(name); err != nil {
		return nil, err
	}
	if err := s.client.SAdd(ctx, s.setKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &partition{store: s, name: name}, nil
}

func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	return s.client.SIsMember(ctx, s.setKey(), name).Result()
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Delete 在 MULTI/EXEC 中同时移除登记与哈希。
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, s.setKey(), name)
		pipe.Del(ctx, s.hashKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (p *partition) Name() string {
	return p.name
}

func (p *partition) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	data, err := p.store.client.HGet(ctx, p.store.hashKey(p.name), req.Key()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, cache.ErrNotFound
		}
		return nil, err
	}
	entry, err := cache.DecodeEntry(data)
	if err != nil {
		return nil, err
	}
	return entry.Response(), nil
}

func (p *partition) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	entry, err := cache.NewEntry(req, resp)
	if err != nil {
		return err
	}
	return p.PutAll(ctx, []*cache.Entry{entry})
}

func (p *partition) PutAll(ctx context.Context, entries []*cache.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	args := make([]interface{}, 0, 1+2*len(entries))
	args = append(args, p.name)
	for _, entry := range entries {
		data, err := entry.Encode()
		if err != nil {
			return err
		}
		args = append(args, entry.Key, data)
	}

	keys := []string{p.store.setKey(), p.store.hashKey(p.name)}
	ok, err := putAllScript.Run(ctx, p.store.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("write partition %s: %w", p.name, err)
	}
	if ok == 0 {
		return fmt.Errorf("partition %s: %w", p.name, cache.ErrNotFound)
	}
	return nil
}

func (p *partition) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	n, err := p.store.client.HDel(ctx, p.store.hashKey(p.name), req.Key()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *partition) Keys(ctx context.Context) ([]string, error) {
	keys, err := p.store.client.HKeys(ctx, p.store.hashKey(p.name)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
