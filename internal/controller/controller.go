// Package controller implements the offline cache controller of one cache
// generation: install pre-populates the generation's partition from the
// manifest, activate removes every other partition and claims open clients,
// and Respond answers eligible requests cache-first.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/quran-companion/shell-cache/internal/cache"
	"github.com/quran-companion/shell-cache/internal/fetch"
	"github.com/quran-companion/shell-cache/internal/logging"
)

// State 是控制器生命周期阶段。
type State string

const (
	StateUninstalled State = "uninstalled"
	StateInstalling  State = "installing"
	StateInstalled   State = "installed"
	StateActivating  State = "activating"
	StateActive      State = "active"
	StateRedundant   State = "redundant"
)

var (
	// ErrInvalidTransition 表示当前状态不允许该生命周期事件。
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	// ErrNotActive 表示控制器尚未激活，不能处理 fetch。
	ErrNotActive = errors.New("controller is not active")
)

// Claimer 接管已打开的客户端页面，由宿主实现。
type Claimer interface {
	Claim(ctx context.Context, c *Controller) error
}

// Options 描述控制器依赖。
type Options struct {
	Generation         Generation
	Scope              *url.URL
	Store              cache.Store
	Network            fetch.Fetcher
	Claimer            Claimer
	Logger             *logrus.Logger
	SkipWaiting        bool
	MaxEntrySize       int64
	InstallConcurrency int
}

// Controller 管理单个 generation 的 install/activate/fetch。
type Controller struct {
	gen                Generation
	scope              *url.URL
	store              cache.Store
	network            fetch.Fetcher
	claimer            Claimer
	logger             *logrus.Logger
	skipWaiting        bool
	maxEntrySize       int64
	installConcurrency int

	mu                sync.RWMutex
	state             State
	skipWaitingSignal bool
	partition         cache.Partition
}

// New 校验依赖并返回处于 uninstalled 状态的控制器。
func New(opts Options) (*Controller, error) {
	if err := opts.Generation.Validate(); err != nil {
		return nil, err
	}
	if opts.Scope == nil || !opts.Scope.IsAbs() {
		return nil, errors.New("scope must be an absolute url")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network fetcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	manifest := make([]string, len(opts.Generation.Manifest))
	copy(manifest, opts.Generation.Manifest)

	return &Controller{
		gen:                Generation{ID: opts.Generation.ID, Manifest: manifest},
		scope:              opts.Scope,
		store:              opts.Store,
		network:            opts.Network,
		claimer:            opts.Claimer,
		logger:             logger,
		skipWaiting:        opts.SkipWaiting,
		maxEntrySize:       opts.MaxEntrySize,
		installConcurrency: opts.InstallConcurrency,
		state:              StateUninstalled,
	}, nil
}

// Generation 返回控制器负责的 generation 副本。
func (c *Controller) Generation() Generation {
	manifest := make([]string, len(c.gen.Manifest))
	copy(manifest, c.gen.Manifest)
	return Generation{ID: c.gen.ID, Manifest: manifest}
}

// ID 是 generation id 的简写。
func (c *Controller) ID() string {
	return c.gen.ID
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SkipWaitingRequested 在 install 成功且配置了 SkipWaiting 时为 true。
func (c *Controller) SkipWaitingRequested() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.skipWaitingSignal
}

// MarkRedundant 将控制器标记为废弃，之后不再处理 fetch。
func (c *Controller) MarkRedundant() {
	c.setState(StateRedundant)
}

// Install 打开以 generation id 命名的分区并一次性预取全部 manifest 资源。
// 任一资源失败则整个 install 失败，控制器变为 redundant，由宿主决定是否重试。
func (c *Controller) Install(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUninstalled {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: install from %s", ErrInvalidTransition, state)
	}
	c.state = StateInstalling
	c.mu.Unlock()

	fields := logging.LifecycleFields(c.gen.ID, "install")
	part, err := c.install(ctx)
	if err != nil {
		c.setState(StateRedundant)
		c.logger.WithFields(fields).WithError(err).Error("install_failed")
		return fmt.Errorf("install generation %s: %w", c.gen.ID, err)
	}

	c.mu.Lock()
	c.partition = part
	c.state = StateInstalled
	c.skipWaitingSignal = c.skipWaiting
	c.mu.Unlock()

	c.logger.WithFields(fields).WithFields(logrus.Fields{
		"assets":       len(c.gen.Manifest),
		"skip_waiting": c.skipWaiting,
	}).Info("install_complete")
	return nil
}

func (c *Controller) install(ctx context.Context) (cache.Partition, error) {
	requests, err := c.gen.Requests(c.scope)
	if err != nil {
		return nil, err
	}
	existed, err := c.store.Has(ctx, c.gen.ID)
	if err != nil {
		return nil, fmt.Errorf("check partition: %w", err)
	}
	part, err := c.store.Open(ctx, c.gen.ID)
	if err != nil {
		return nil, fmt.Errorf("open partition: %w", err)
	}
	if err := cache.AddAll(ctx, part, c.network, requests, c.installConcurrency); err != nil {
		if !existed {
			if _, delErr := c.store.Delete(context.WithoutCancel(ctx), c.gen.ID); delErr != nil {
				c.logger.WithFields(logging.LifecycleFields(c.gen.ID, "install")).
					WithError(delErr).Warn("install_cleanup_failed")
			}
		}
		return nil, err
	}
	return part, nil
}

// Activate 删除所有非当前 generation 的分区，全部删除成功后才接管客户端。
// 删除失败时保持 activating 状态并返回合并后的错误，宿主可以重试。
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInstalled && c.state != StateActivating {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: activate from %s", ErrInvalidTransition, state)
	}
	c.state = StateActivating
	c.mu.Unlock()

	fields := logging.LifecycleFields(c.gen.ID, "activate")
	names, err := c.store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}

	var errs []error
	for _, name := range names {
		if name == c.gen.ID {
			continue
		}
		if _, err := c.store.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete partition %s: %w", name, err))
			continue
		}
		c.logger.WithFields(fields).WithField("partition", name).Info("partition_deleted")
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("activate_cleanup_failed")
		return err
	}

	if c.claimer != nil {
		if err := c.claimer.Claim(ctx, c); err != nil {
			return fmt.Errorf("claim clients: %w", err)
		}
	}

	c.setState(StateActive)
	c.logger.WithFields(fields).Info("activate_complete")
	return nil
}

// Intercepts 判断请求是否由控制器处理：GET 且为页面导航或 image/script/style 资源。
func (c *Controller) Intercepts(req *fetch.Request) bool {
	if req == nil || req.Method != http.MethodGet {
		return false
	}
	if req.Mode == fetch.ModeNavigate {
		return true
	}
	switch req.Destination {
	case fetch.DestinationImage, fetch.DestinationScript, fetch.DestinationStyle:
		return true
	default:
		return false
	}
}

// Respond 先查当前分区，命中即返回；未命中走网络，仅 200 + basic 的响应会复制一份写入缓存。
// 网络失败直接返回错误，不生成离线兜底页面。
func (c *Controller) Respond(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	c.mu.RLock()
	state, part := c.state, c.partition
	c.mu.RUnlock()
	if state != StateActive {
		return nil, fmt.Errorf("%w: %s", ErrNotActive, state)
	}

	resp, err := part.Match(ctx, req)
	switch {
	case err == nil:
		return resp, nil
	case errors.Is(err, cache.ErrNotFound):
	default:
		c.logger.WithFields(logging.LifecycleFields(c.gen.ID, "fetch")).
			WithField("key", req.Key()).
			WithError(err).
			Warn("cache_match_failed")
	}

	resp, err = c.network.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	if !resp.Cacheable() {
		return resp, nil
	}

	dup, ok, err := fetch.Duplicate(resp, c.maxEntrySize)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	if !ok {
		c.logger.WithFields(logging.LifecycleFields(c.gen.ID, "fetch")).
			WithField("key", req.Key()).
			Debug("cache_skip_oversize")
		return resp, nil
	}
	// 写缓存失败只记录日志，响应照常返回
	if err := part.Put(context.WithoutCancel(ctx), req, dup); err != nil {
		c.logger.WithFields(logging.LifecycleFields(c.gen.ID, "fetch")).
			WithField("key", req.Key()).
			WithError(err).
			Warn("cache_put_failed")
	}
	return resp, nil
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}
