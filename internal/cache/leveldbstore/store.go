// Package leveldbstore keeps cache partitions in an embedded LevelDB database.
//
// Key layout:
//
//	p:<partition>              partition marker
//	e:<partition>\x00<key>     gob-encoded cache entry
package leveldbstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/quran-companion/shell-cache/internal/cache"
	"github.com/quran-companion/shell-cache/internal/fetch"
)

const (
	markerPrefix = "p:"
	entryPrefix  = "e:"
)

func init() {
	cache.MustRegisterDriver(cache.Driver{
		Key:         "leveldb",
		Description: "embedded LevelDB database under StoragePath",
		Durable:     true,
		Validate: func(cfg cache.DriverConfig) error {
			if strings.TrimSpace(cfg.StoragePath) == "" {
				return errors.New("StoragePath is required")
			}
			return nil
		},
		Open: func(_ context.Context, cfg cache.DriverConfig) (cache.Store, error) {
			return Open(cfg.StoragePath)
		},
	})
}

// Store 基于 LevelDB，分区级操作（删除/写入）通过 RWMutex 串行化，避免删除期间写入复活分区。
type Store struct {
	db *leveldb.DB
	mu sync.RWMutex
}

type partition struct {
	store *Store
	name  string
}

// Open 打开（或创建）path 处的数据库。
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func markerKey(name string) []byte {
	return []byte(markerPrefix + name)
}

func entryKeyPrefix(name string) []byte {
	return []byte(entryPrefix + name + "\x00")
}

func entryKey(name, key string) []byte {
	return append(entryKeyPrefix(name), key...)
}

func (s *Store) Open(ctx context.Context, name string) (cache.Partition, error) {
	if err := cache.ValidatePartitionName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has(markerKey(name), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano))
		if err := s.db.Put(markerKey(name), stamp, nil); err != nil {
			return nil, fmt.Errorf("create partition %s: %w", name, err)
		}
	}
	return &partition{store: s, name: name}, nil
}

func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.db.Has(markerKey(name), nil)
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(markerPrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		names = append(names, strings.TrimPrefix(string(it.Key()), markerPrefix))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Delete 在一个 Batch 中删除分区标记与全部条目。
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has(markerKey(name), nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(markerKey(name))
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	return true, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (p *partition) Name() string {
	return p.name
}

func (p *partition) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := p.store.db.Get(entryKey(p.name, req.Key()), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
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
	batch := new(leveldb.Batch)
	for _, entry := range entries {
		data, err := entry.Encode()
		if err != nil {
			return err
		}
		batch.Put(entryKey(p.name, entry.Key), data)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	ok, err := p.store.db.Has(markerKey(p.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("partition %s: %w", p.name, cache.ErrNotFound)
	}
	return p.store.db.Write(batch, nil)
}

func (p *partition) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := entryKey(p.name, req.Key())
	ok, err := p.store.db.Has(key, nil)
	if err != nil || !ok {
		return false, err
	}
	if err := p.store.db.Delete(key, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (p *partition) Keys(ctx context.Context) ([]string, error) {
	prefix := entryKeyPrefix(p.name)
	it := p.store.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		keys = append(keys, string(it.Key()[len(prefix):]))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
