package controller

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/quran-companion/shell-cache/internal/fetch"
)

var generationIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Generation 是一次部署注入的缓存版本：ID 命名分区，Manifest 列出 install 时必须预取的资源。
type Generation struct {
	ID       string
	Manifest []string
}

// Validate 检查 ID 格式与 manifest 条目。
func (g Generation) Validate() error {
	if !generationIDPattern.MatchString(g.ID) {
		return fmt.Errorf("invalid generation id %q", g.ID)
	}
	if len(g.Manifest) == 0 {
		return errors.New("manifest must not be empty")
	}
	for _, item := range g.Manifest {
		if strings.TrimSpace(item) == "" {
			return errors.New("manifest contains an empty entry")
		}
		u, err := url.Parse(item)
		if err != nil {
			return fmt.Errorf("manifest entry %q: %w", item, err)
		}
		if u.IsAbs() {
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("manifest entry %q: only http/https urls are supported", item)
			}
			continue
		}
		if !strings.HasPrefix(u.Path, "/") {
			return fmt.Errorf("manifest entry %q: relative paths must start with /", item)
		}
	}
	return nil
}

// Requests 将 manifest 解析为相对 scope 的 GET 请求，重复 URL 只保留第一次出现。
func (g Generation) Requests(scope *url.URL) ([]*fetch.Request, error) {
	if scope == nil {
		return nil, errors.New("scope is required")
	}
	seen := make(map[string]struct{}, len(g.Manifest))
	reqs := make([]*fetch.Request, 0, len(g.Manifest))
	for _, item := range g.Manifest {
		ref, err := url.Parse(item)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", item, err)
		}
		target := scope.ResolveReference(ref)
		req := fetch.NewRequest(http.MethodGet, target)
		if _, dup := seen[req.Key()]; dup {
			continue
		}
		seen[req.Key()] = struct{}{}
		req.Mode, req.Destination = fetch.Classify(http.MethodGet, req.Header, target.Path)
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// SameManifest 判断两个 generation 在 scope 下是否预取同一组请求，忽略顺序与重复条目。
func (g Generation) SameManifest(other Generation, scope *url.URL) bool {
	a, errA := g.requestKeys(scope)
	b, errB := other.requestKeys(scope)
	if errA != nil || errB != nil {
		return slices.Equal(g.Manifest, other.Manifest)
	}
	return slices.Equal(a, b)
}

func (g Generation) requestKeys(scope *url.URL) ([]string, error) {
	reqs, err := g.Requests(scope)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(reqs))
	for _, req := range reqs {
		keys = append(keys, req.Key())
	}
	sort.Strings(keys)
	return keys, nil
}
