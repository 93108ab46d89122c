package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sourcegraph/conc/pool"

	"github.com/quran-companion/shell-cache/internal/fetch"
)

type indexedEntry struct {
	index int
	entry *Entry
}

// AddAll 并发拉取 requests 并一次性写入分区：任一请求失败或返回非 2xx，
// 其余请求会被取消且分区不写入任何条目。concurrency <= 0 表示不限制。
func AddAll(ctx context.Context, part Partition, fetcher fetch.Fetcher, requests []*fetch.Request, concurrency int) error {
	if part == nil {
		return errors.New("partition is required")
	}
	if fetcher == nil {
		return errors.New("fetcher is required")
	}
	if len(requests) == 0 {
		return nil
	}

	p := pool.NewWithResults[indexedEntry]().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()
	if concurrency > 0 {
		p = p.WithMaxGoroutines(concurrency)
	}

	for i, req := range requests {
		p.Go(func(ctx context.Context) (indexedEntry, error) {
			entry, err := fetchEntry(ctx, fetcher, req)
			if err != nil {
				return indexedEntry{}, err
			}
			return indexedEntry{index: i, entry: entry}, nil
		})
	}

	results, err := p.Wait()
	if err != nil {
		return err
	}
	if len(results) != len(requests) {
		return fmt.Errorf("addAll: fetched %d of %d requests", len(results), len(requests))
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].index < results[j].index
	})
	entries := make([]*Entry, len(results))
	for i, item := range results {
		entries[i] = item.entry
	}
	return part.PutAll(ctx, entries)
}

func fetchEntry(ctx context.Context, fetcher fetch.Fetcher, req *fetch.Request) (*Entry, error) {
	resp, err := fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.Key(), err)
	}
	if resp == nil {
		return nil, fmt.Errorf("fetch %s: empty response", req.Key())
	}
	if !resp.OK() {
		resp.Close()
		return nil, fmt.Errorf("fetch %s: status %d: %w", req.Key(), resp.Status, fetch.ErrNonOK)
	}
	return NewEntry(req, resp)
}
