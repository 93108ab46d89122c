package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/quran-companion/shell-cache/internal/fetch"
)

const (
	entrySuffix = ".entry"
	trashPrefix = ".trash-"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	s := &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}
	s.sweepTrash()
	return s, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type filePartition struct {
	store *fileStore
	name  string
	dir   string
}

func (s *fileStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &filePartition{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		names = append(names, item.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Delete 先把目录 rename 到回收区，使分区立即不可见，再递归删除。
func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return false, err
	}

	trash, err := os.MkdirTemp(s.basePath, trashPrefix+name+"-")
	if err != nil {
		return false, err
	}
	target := filepath.Join(trash, "data")
	if err := os.Rename(dir, target); err != nil {
		os.Remove(trash)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, fmt.Errorf("purge partition %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStore) Close() error {
	return nil
}

// sweepTrash 清理上次进程中断遗留的回收目录。
func (s *fileStore) sweepTrash() {
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return
	}
	for _, item := range items {
		if item.IsDir() && strings.HasPrefix(item.Name(), trashPrefix) {
			_ = os.RemoveAll(filepath.Join(s.basePath, item.Name()))
		}
	}
}

func (s *fileStore) partitionDir(name string) (string, error) {
	if err := ValidatePartitionName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, name)
	if !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return dir, nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (p *filePartition) Name() string {
	return p.name
}

func (p *filePartition) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := req.Key()
	data, err := os.ReadFile(p.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	entry, err := DecodeEntry(data)
	if err != nil {
		return nil, err
	}
	if entry.Key != key {
		return nil, ErrNotFound
	}
	return entry.Response(), nil
}

func (p *filePartition) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	entry, err := NewEntry(req, resp)
	if err != nil {
		return err
	}
	return p.PutAll(ctx, []*Entry{entry})
}

// PutAll 先把所有条目写入临时文件，全部成功后再逐个 rename；任一 rename 失败时
// 回滚本批次已落地的条目。
func (p *filePartition) PutAll(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if info, err := os.Stat(p.dir); err != nil || !info.IsDir() {
		return fmt.Errorf("partition %s: %w", p.name, ErrNotFound)
	}

	type staged struct {
		temp   string
		target string
		key    string
	}
	batch := make([]staged, 0, len(entries))
	cleanup := func() {
		for _, item := range batch {
			os.Remove(item.temp)
		}
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}
		data, err := entry.Encode()
		if err != nil {
			cleanup()
			return err
		}
		temp, err := writeTemp(ctx, p.dir, data)
		if err != nil {
			cleanup()
			return err
		}
		batch = append(batch, staged{temp: temp, target: p.entryPath(entry.Key), key: entry.Key})
	}

	for i, item := range batch {
		unlock := p.store.lockEntry(p.name + "::" + item.key)
		err := os.Rename(item.temp, item.target)
		unlock()
		if err != nil {
			for _, done := range batch[:i] {
				os.Remove(done.target)
			}
			for _, rest := range batch[i:] {
				os.Remove(rest.temp)
			}
			return fmt.Errorf("commit entry %s: %w", item.key, err)
		}
	}
	return nil
}

func (p *filePartition) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := req.Key()
	unlock := p.store.lockEntry(p.name + "::" + key)
	defer unlock()

	if err := os.Remove(p.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *filePartition) Keys(ctx context.Context) ([]string, error) {
	items, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if item.IsDir() || !strings.HasSuffix(item.Name(), entrySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.dir, item.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		entry, err := DecodeEntry(data)
		if err != nil {
			return nil, err
		}
		keys = append(keys, entry.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *filePartition) entryPath(key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(p.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func writeTemp(ctx context.Context, dir string, data []byte) (string, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, bytes.NewReader(data))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
