package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/issue-hub/issue-hub/internal/cache"
	"github.com/issue-hub/issue-hub/internal/config"
	"github.com/issue-hub/issue-hub/internal/connectivity"
	"github.com/issue-hub/issue-hub/internal/delivery"
	"github.com/issue-hub/issue-hub/internal/logging"
	"github.com/issue-hub/issue-hub/internal/proxy"
	"github.com/issue-hub/issue-hub/internal/queue"
	"github.com/issue-hub/issue-hub/internal/server"
	"github.com/issue-hub/issue-hub/internal/server/routes"
	"github.com/issue-hub/issue-hub/internal/syncloop"
	"github.com/issue-hub/issue-hub/internal/version"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动缓存代理、提交队列与同步循环",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// clientStack 是 serve 与 sync 共用的客户端侧组件。
type clientStack struct {
	queue    *queue.Store
	monitor  *connectivity.Monitor
	prober   *connectivity.Prober
	delivery *delivery.Client
	loop     *syncloop.Loop
}

func (s *clientStack) Close() {
	if s.queue != nil {
		_ = s.queue.Close()
	}
}

// buildClientStack 按“队列 → 连通性 → 投递客户端 → 同步循环”顺序构建组件。
// forceOnline 时不安装探测器，监视器固定为在线，同步前的复查也不会改判离线。
func buildClientStack(ctx context.Context, cfg *config.Config, logger *logrus.Logger, forceOnline bool) (*clientStack, error) {
	q, err := queue.Open(cfg.Global.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("打开提交队列失败: %w", err)
	}
	stack := &clientStack{queue: q}

	httpClient := server.NewAPIClient(cfg)
	if cfg.Connectivity.ProbeURL != "" && !forceOnline {
		stack.prober = connectivity.NewProber(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeTimeout.DurationValue(), httpClient)
	}
	monitorOpts := connectivity.Options{Initial: connectivity.Online, Logger: logger}
	if stack.prober != nil {
		monitorOpts.Checker = stack.prober
		if !cfg.Connectivity.AssumeOnline {
			monitorOpts.Initial = stack.prober.Probe(ctx)
		}
	}
	stack.monitor = connectivity.NewMonitor(monitorOpts)

	stack.delivery, err = delivery.New(delivery.Options{
		Endpoint:        cfg.Sync.Endpoint,
		StagingEndpoint: cfg.Sync.StagingEndpoint,
		OwnerID:         cfg.Sync.OwnerID,
		Timeout:         cfg.Sync.DeliveryTimeout.DurationValue(),
		HTTPClient:      httpClient,
		Logger:          logger,
	})
	if err != nil {
		stack.Close()
		return nil, err
	}

	stack.loop, err = syncloop.New(syncloop.Options{
		Queue:     q,
		Deliverer: stack.delivery,
		Monitor:   stack.monitor,
		Interval:  cfg.Sync.Interval.DurationValue(),
		Policy: syncloop.RetryPolicy{
			Initial:     cfg.Sync.InitialBackoff.DurationValue(),
			Max:         cfg.Sync.MaxBackoff.DurationValue(),
			MaxAttempts: cfg.Sync.MaxAttempts,
		},
		Logger: logger,
	})
	if err != nil {
		stack.Close()
		return nil, err
	}
	return stack, nil
}

// runServe 启动顺序：配置 → 磁盘缓存 → 客户端组件 → Origin 注册表（部署缓存代际）→ Fiber server。
func runServe(parent context.Context, opts *rootOptions) error {
	cfg, logger, path, err := loadRuntime(opts)
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	stack, err := buildClientStack(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer stack.Close()

	registry, err := server.NewOriginRegistry(cfg, server.RegistryOptions{
		Store:   store,
		Network: server.NewOriginTransport(cfg),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("构建 Origin 注册表失败: %w", err)
	}
	defer registry.Close()

	if _, err := registry.DeployAll(ctx); err != nil {
		// 预缓存失败不阻止启动，未激活的 Origin 会返回 503 直到重新部署。
		logger.WithField("action", "deploy").WithError(err).Warn("部分 Origin 缓存代际部署失败")
	}

	fields := logging.BaseFields("startup", path)
	fields["origins"] = config.OriginNames(cfg.Origins)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["connectivity"] = stack.monitor.State().String()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := stack.loop.Start(ctx); err != nil {
		return err
	}
	defer stack.loop.Stop()
	if stack.prober != nil {
		go connectivity.Watch(ctx, stack.monitor, stack.prober, cfg.Connectivity.ProbeInterval.DurationValue(), logger)
	}
	if stack.monitor.Online() {
		go func() {
			if _, err := stack.loop.Trigger(ctx, syncloop.TriggerOnline, syncloop.ModeAll); err != nil {
				logger.WithField("action", "sync_trigger").WithError(err).Error("启动同步失败")
			}
		}()
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewForwarder(proxy.NewHandler(logger), logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return err
	}
	routes.RegisterControlRoutes(app, routes.ControlDeps{
		Registry: registry,
		Queue:    stack.queue,
		Loop:     stack.loop,
		Monitor:  stack.monitor,
		Logger:   logger,
	})

	return listenUntilDone(ctx, app, cfg.Global.ListenPort, logger)
}

// listenUntilDone 阻塞运行 Fiber 服务，收到信号后优雅关闭。
func listenUntilDone(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，正在关闭")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("关闭 HTTP 服务失败: %w", err)
	}
	return <-errCh
}
