// Package lifecycle hosts cache controllers: it dispatches install, activate
// and fetch events, waits for each to settle, tracks client pages and
// implements the claim operation that moves open pages onto a new generation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quran-companion/shell-cache/internal/cache"
	"github.com/quran-companion/shell-cache/internal/controller"
	"github.com/quran-companion/shell-cache/internal/fetch"
	"github.com/quran-companion/shell-cache/internal/logging"
)

// ErrNotActivating 表示 Claim 的调用方不处于 activating 阶段。
var ErrNotActivating = errors.New("controller is not activating")

// ErrNoGeneration 表示尚未注册过任何 generation。
var ErrNoGeneration = errors.New("no generation registered")

// Options 描述宿主依赖与重试参数。
type Options struct {
	Store              cache.Store
	Network            fetch.Fetcher
	Logger             *logrus.Logger
	Scope              *url.URL
	SkipWaiting        bool
	MaxEntrySize       int64
	InstallConcurrency int
	MaxRetries         int
	InitialBackoff     time.Duration
	ClientIdleTimeout  time.Duration
}

type client struct {
	ctrl     *controller.Controller
	lastSeen time.Time
}

// Host 持有 active/waiting 控制器与客户端页面表。
type Host struct {
	store              cache.Store
	network            fetch.Fetcher
	logger             *logrus.Logger
	scope              *url.URL
	skipWaiting        bool
	maxEntrySize       int64
	installConcurrency int
	maxRetries         int
	initialBackoff     time.Duration
	clientIdleTimeout  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// regMu 串行化 install/activate，mu 保护下面的状态
	regMu     sync.Mutex
	mu        sync.RWMutex
	active    *controller.Controller
	waiting   *controller.Controller
	clients   map[string]*client
	requested *controller.Generation
	lastErr   error
}

// New 构建宿主。
func New(opts Options) (*Host, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network fetcher is required")
	}
	if opts.Scope == nil || !opts.Scope.IsAbs() {
		return nil, errors.New("scope must be an absolute url")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Host{
		store:              opts.Store,
		network:            opts.Network,
		logger:             logger,
		scope:              opts.Scope,
		skipWaiting:        opts.SkipWaiting,
		maxEntrySize:       opts.MaxEntrySize,
		installConcurrency: opts.InstallConcurrency,
		maxRetries:         opts.MaxRetries,
		initialBackoff:     opts.InitialBackoff,
		clientIdleTimeout:  opts.ClientIdleTimeout,
		now:                time.Now,
		sleep:              sleepContext,
		clients:            make(map[string]*client),
	}, nil
}

// Register 安装并（在允许时）激活 gen。id 与 manifest 都与 active 或 waiting 相同时视为无变化；
// id 相同而 manifest 不同则刷新该分区。install 失败时返回错误，原有 active 控制器继续服务。
func (h *Host) Register(ctx context.Context, gen controller.Generation) error {
	h.regMu.Lock()
	defer h.regMu.Unlock()

	requested := controller.Generation{ID: gen.ID, Manifest: append([]string(nil), gen.Manifest...)}
	h.mu.Lock()
	h.requested = &requested
	active, waiting := h.active, h.waiting
	h.mu.Unlock()

	// 同一 id 但 manifest 变化时在原分区上重新 install，并立即激活
	refresh := false
	if active != nil && active.ID() == gen.ID {
		if active.Generation().SameManifest(gen, h.scope) {
			return nil
		}
		refresh = true
	}
	if !refresh && waiting != nil && waiting.ID() == gen.ID && waiting.Generation().SameManifest(gen, h.scope) {
		if waiting.State() == controller.StateActivating {
			return h.activate(ctx, waiting)
		}
		return h.promoteWaitingLocked(ctx)
	}

	ctrl, err := controller.New(controller.Options{
		Generation:         gen,
		Scope:              h.scope,
		Store:              h.store,
		Network:            h.network,
		Claimer:            h,
		Logger:             h.logger,
		SkipWaiting:        h.skipWaiting,
		MaxEntrySize:       h.maxEntrySize,
		InstallConcurrency: h.installConcurrency,
	})
	if err != nil {
		h.setLastError(err)
		return err
	}
	if err := ctrl.Install(ctx); err != nil {
		h.setLastError(err)
		return err
	}

	h.mu.Lock()
	if h.waiting != nil {
		h.waiting.MarkRedundant()
	}
	h.waiting = ctrl
	h.mu.Unlock()

	if refresh {
		h.logger.WithFields(logging.LifecycleFields(gen.ID, "refresh")).
			WithField("manifest", len(gen.Manifest)).
			Info("generation_refreshed")
		return h.activate(ctx, ctrl)
	}
	if ctrl.SkipWaitingRequested() {
		return h.activate(ctx, ctrl)
	}
	if err := h.promoteWaitingLocked(ctx); err != nil {
		return err
	}
	if ctrl.State() == controller.StateInstalled {
		h.logger.WithFields(logging.LifecycleFields(gen.ID, "waiting")).Info("generation_waiting")
	}
	return nil
}

// Update 重新注册最近一次请求的 generation，相当于 install 失败后的重新加载。
func (h *Host) Update(ctx context.Context) error {
	h.mu.RLock()
	requested := h.requested
	h.mu.RUnlock()
	if requested == nil {
		return ErrNoGeneration
	}
	return h.Register(ctx, *requested)
}

// Claim 把 ctrl 设为 active 并接管全部已知客户端，无需页面重新加载。
func (h *Host) Claim(ctx context.Context, ctrl *controller.Controller) error {
	if ctrl == nil || ctrl.State() != controller.StateActivating {
		return ErrNotActivating
	}
	h.mu.Lock()
	prev := h.active
	h.active = ctrl
	if h.waiting == ctrl {
		h.waiting = nil
	}
	for _, c := range h.clients {
		c.ctrl = ctrl
	}
	claimed := len(h.clients)
	h.mu.Unlock()

	if prev != nil && prev != ctrl {
		prev.MarkRedundant()
	}
	h.logger.WithFields(logging.LifecycleFields(ctrl.ID(), "claim")).
		WithField("clients", claimed).
		Info("clients_claimed")
	return nil
}

// activate 在有限次数内重试 Activate，退避时间逐次翻倍。
func (h *Host) activate(ctx context.Context, ctrl *controller.Controller) error {
	backoff := h.initialBackoff
	fields := logging.LifecycleFields(ctrl.ID(), "activate")
	for attempt := 0; ; attempt++ {
		err := ctrl.Activate(ctx)
		if err == nil {
			h.setLastError(nil)
			return nil
		}
		if attempt >= h.maxRetries {
			h.setLastError(err)
			h.logger.WithFields(fields).WithError(err).WithField("attempts", attempt+1).Error("activate_failed")
			return fmt.Errorf("activate generation %s: %w", ctrl.ID(), err)
		}
		h.logger.WithFields(fields).WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"backoff": backoff.String(),
		}).Warn("activate_retry")
		if err := h.sleep(ctx, backoff); err != nil {
			return err
		}
		if backoff > 0 {
			backoff *= 2
		}
	}
}

// promoteWaitingLocked 在 active 不再控制任何客户端时激活 waiting，调用方需持有 regMu。
func (h *Host) promoteWaitingLocked(ctx context.Context) error {
	h.mu.Lock()
	h.pruneLocked()
	waiting := h.waiting
	ready := waiting != nil && (h.active == nil || h.controlledLocked(h.active) == 0)
	h.mu.Unlock()
	if !ready {
		return nil
	}
	return h.activate(ctx, waiting)
}

// Dispatch 把一次 fetch 事件交给客户端所属控制器。导航请求会把客户端绑定到当前 active；
// 未被拦截或控制器未激活时请求直接走网络。
func (h *Host) Dispatch(ctx context.Context, clientID string, req *fetch.Request) (Outcome, error) {
	h.mu.Lock()
	h.pruneLocked()
	ctrl := h.active
	if clientID != "" {
		c, ok := h.clients[clientID]
		if !ok {
			c = &client{ctrl: h.active}
			h.clients[clientID] = c
		} else if req.IsNavigation() {
			c.ctrl = h.active
		}
		c.lastSeen = h.now()
		ctrl = c.ctrl
	}
	h.mu.Unlock()

	if ctrl != nil && ctrl.State() == controller.StateActive && ctrl.Intercepts(req) {
		resp, err := ctrl.Respond(ctx, req)
		if !errors.Is(err, controller.ErrNotActive) {
			return Outcome{Response: resp, Generation: ctrl.ID(), Intercepted: true}, err
		}
	}

	resp, err := h.network.Fetch(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Response: resp}, nil
}

// ReleaseClient 标记页面关闭；若 active 不再控制任何页面则激活 waiting。
func (h *Host) ReleaseClient(ctx context.Context, id string) (bool, error) {
	h.mu.Lock()
	_, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()

	h.regMu.Lock()
	defer h.regMu.Unlock()
	return ok, h.promoteWaitingLocked(ctx)
}

// Sweep 清理空闲客户端，并在条件满足时激活 waiting。
func (h *Host) Sweep(ctx context.Context) error {
	h.regMu.Lock()
	defer h.regMu.Unlock()
	return h.promoteWaitingLocked(ctx)
}

// Active 返回当前 active 控制器，可能为 nil。
func (h *Host) Active() *controller.Controller {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active
}

// Waiting 返回等待激活的控制器，可能为 nil。
func (h *Host) Waiting() *controller.Controller {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.waiting
}

func (h *Host) pruneLocked() {
	if h.clientIdleTimeout <= 0 {
		return
	}
	deadline := h.now().Add(-h.clientIdleTimeout)
	for id, c := range h.clients {
		if c.lastSeen.Before(deadline) {
			delete(h.clients, id)
		}
	}
}

func (h *Host) controlledLocked(ctrl *controller.Controller) int {
	count := 0
	for _, c := range h.clients {
		if c.ctrl == ctrl {
			count++
		}
	}
	return count
}

func (h *Host) setLastError(err error) {
	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
