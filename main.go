package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/quran-companion/shell-cache/internal/cache"
	"github.com/quran-companion/shell-cache/internal/config"
	"github.com/quran-companion/shell-cache/internal/controller"
	"github.com/quran-companion/shell-cache/internal/lifecycle"
	"github.com/quran-companion/shell-cache/internal/logging"
	"github.com/quran-companion/shell-cache/internal/proxy"
	"github.com/quran-companion/shell-cache/internal/server"
	"github.com/quran-companion/shell-cache/internal/server/routes"
	"github.com/quran-companion/shell-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	listenPort  int
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}
	if opts.listenPort > 0 {
		cfg.Global.ListenPort = opts.listenPort
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := summaryFields("check_config", opts.configPath, cfg)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 缓存驱动 → Origin 注册表 → 控制器宿主 → Fiber server，
	// 首个 generation 在后台安装，安装完成前请求直接透传到上游。
	store, err := cache.OpenStore(ctx, cfg.Cache.Driver, cfg.Cache.DriverConfig())
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存驱动失败: %v\n", err)
		return 1
	}
	defer store.Close()

	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 Origin 注册表失败: %v\n", err)
		return 1
	}

	network, err := proxy.NewNetwork(server.NewUpstreamClient(cfg), registry)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化上游客户端失败: %v\n", err)
		return 1
	}

	host, err := newHost(cfg, store, network, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化控制器宿主失败: %v\n", err)
		return 1
	}

	fields := summaryFields("startup", opts.configPath, cfg)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	go registerGeneration(ctx, host, generationFromConfig(cfg), logger)

	onReload := reloadHandler(ctx, host, cfg, logger)
	if err := config.Watch(opts.configPath, onReload, func(err error) {
		logger.WithFields(logging.BaseFields("config_reload", opts.configPath)).
			WithError(err).
			Warn("config_reload_failed")
	}); err != nil {
		logger.WithFields(logging.BaseFields("config_watch", opts.configPath)).
			WithError(err).
			Warn("config_watch_disabled")
	}

	if interval := sweepInterval(cfg.Global.ClientIdleTimeout.DurationValue()); interval > 0 {
		go sweepLoop(ctx, host, interval, logger)
	}

	if err := startHTTPServer(ctx, cfg, registry, host, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shell-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		listenPort int
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELL_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.IntVar(&listenPort, "listen-port", 0, "覆盖配置中的 ListenPort")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if listenPort < 0 || listenPort > 65535 {
		return cliOptions{}, errors.New("解析参数失败: listen-port 必须在 0-65535")
	}

	path := os.Getenv("SHELL_CACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		listenPort:  listenPort,
	}, nil
}

func summaryFields(action, configPath string, cfg *config.Config) logrus.Fields {
	fields := logging.BaseFields(action, configPath)
	fields["origins"] = config.OriginNames(cfg.Origins)
	fields["driver"] = cfg.Cache.Driver
	fields["generation"] = cfg.Cache.Generation
	fields["manifest"] = len(cfg.Cache.Manifest)
	return fields
}

func newHost(cfg *config.Config, store cache.Store, network *proxy.Network, logger *logrus.Logger) (*lifecycle.Host, error) {
	scope, err := url.Parse(cfg.Cache.Scope)
	if err != nil {
		return nil, fmt.Errorf("解析 Cache.Scope 失败: %w", err)
	}
	return lifecycle.New(lifecycle.Options{
		Store:              store,
		Network:            network,
		Logger:             logger,
		Scope:              scope,
		SkipWaiting:        cfg.Cache.SkipWaiting,
		MaxEntrySize:       cfg.Cache.MaxEntrySize,
		InstallConcurrency: cfg.Cache.InstallConcurrency,
		MaxRetries:         cfg.Global.MaxRetries,
		InitialBackoff:     cfg.Global.InitialBackoff.DurationValue(),
		ClientIdleTimeout:  cfg.Global.ClientIdleTimeout.DurationValue(),
	})
}

func generationFromConfig(cfg *config.Config) controller.Generation {
	return controller.Generation{
		ID:       cfg.Cache.Generation,
		Manifest: slices.Clone(cfg.Cache.Manifest),
	}
}

// registerGeneration 安装失败只记录日志，旧 generation 继续服务，可通过 /-/update 重试。
func registerGeneration(ctx context.Context, host *lifecycle.Host, gen controller.Generation, logger *logrus.Logger) {
	fields := logging.LifecycleFields(gen.ID, "register")
	fields["action"] = "register"
	fields["manifest"] = len(gen.Manifest)
	if err := host.Register(ctx, gen); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.WithFields(fields).WithError(err).Error("register_failed")
		return
	}
	logger.WithFields(fields).Info("register_complete")
}

// reloadHandler 处理配置热加载：更新日志级别并注册新的 generation。
// Origin 与缓存驱动的变化需要重启进程才会生效，每次变化相对上一次加载的配置只提示一次。
func reloadHandler(ctx context.Context, host *lifecycle.Host, current *config.Config, logger *logrus.Logger) func(*config.Config) {
	var (
		mu   sync.Mutex
		last = current
	)
	return func(next *config.Config) {
		mu.Lock()
		prev := last
		last = next
		mu.Unlock()

		fields := logging.BaseFields("config_reload", "")
		fields["generation"] = next.Cache.Generation

		if err := logging.ApplyLevel(logger, next.Global.LogLevel); err != nil {
			logger.WithFields(fields).WithError(err).Warn("log_level_unchanged")
		}
		if !slices.Equal(prev.Origins, next.Origins) ||
			prev.Cache.Driver != next.Cache.Driver ||
			prev.Cache.DriverConfig() != next.Cache.DriverConfig() {
			logger.WithFields(fields).Warn("restart_required")
		}
		logger.WithFields(fields).Info("config_reloaded")

		registerGeneration(ctx, host, generationFromConfig(next), logger)
	}
}

func sweepInterval(idle time.Duration) time.Duration {
	if idle <= 0 {
		return 0
	}
	interval := idle / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// sweepLoop 定期清理空闲客户端，使 waiting generation 能在页面关闭后激活。
func sweepLoop(ctx context.Context, host *lifecycle.Host, interval time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := host.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithField("action", "sweep").WithError(err).Warn("sweep_failed")
			}
		}
	}
}

func startHTTPServer(ctx context.Context, cfg *config.Config, registry *server.OriginRegistry, host *lifecycle.Host, logger *logrus.Logger) error {
	scope, err := url.Parse(cfg.Cache.Scope)
	if err != nil {
		return err
	}

	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewHandler(host, scope, logger),
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnostics(app, host, registry, logger)

	go func() {
		<-ctx.Done()
		if err := app.Shutdown(); err != nil {
			logger.WithField("action", "shutdown").WithError(err).Warn("shutdown_failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
