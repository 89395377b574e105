package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/bundle-hub/bundle-hub/internal/builder"
	"github.com/bundle-hub/bundle-hub/internal/config"
	"github.com/bundle-hub/bundle-hub/internal/handler"
	"github.com/bundle-hub/bundle-hub/internal/logging"
	"github.com/bundle-hub/bundle-hub/internal/server"
	"github.com/bundle-hub/bundle-hub/internal/server/routes"
	"github.com/bundle-hub/bundle-hub/internal/version"
)

const configEnv = "BUNDLE_HUB_CONFIG"

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
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

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["modules"] = strings.Join(cfg.ModuleNames(), ",")
		fields["builders"] = strings.Join(builder.Keys(), ",")
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存管理器（快照恢复或冷启动）→ 配置监听 → Fiber server。
	svc, err := newService(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存失败: %v\n", err)
		return 1
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.WithError(err).Warn("cache_close_failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watchConfig(ctx, svc, cfg.Path, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["modules"] = len(cfg.Modules)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["development"] = cfg.Global.DevelopmentMode
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, cfg, svc, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("bundle-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnv)
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
	}, nil
}

// printVersion 输出注入的版本 + 提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}

// watchConfig 在后台监听配置文件，变化时重新加载；监听失败只记录日志。
func watchConfig(ctx context.Context, svc *service, path string, logger *logrus.Logger) {
	watcher, err := config.NewWatcher(path, 0, logger)
	if err != nil {
		logger.WithFields(logging.BaseFields("config_watch", path)).WithError(err).Warn("config_watch_disabled")
		return
	}
	go func() {
		defer watcher.Close()
		watcher.Run(ctx, func() {
			if err := svc.Reload(); err != nil {
				logger.WithFields(logging.BaseFields("config_reload", path)).WithError(err).Error("config_reload_failed")
			}
		})
	}()
}

func startHTTPServer(ctx context.Context, cfg *config.Config, svc *service, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	h := handler.New(handler.Options{
		Caches:      svc.manager,
		Compressor:  svc.compressor,
		Converter:   svc.converter,
		Resources:   svc.resources,
		Development: cfg.Global.DevelopmentMode,
		Logger:      logger,
	})
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Handler:    h,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterBuilderRoutes(app, svc.Registry)
	routes.RegisterCacheRoutes(app, svc, logger)
	server.RegisterFallback(app, logger)

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("Fiber 服务停止")
		if err := app.Shutdown(); err != nil {
			logger.WithError(err).Warn("shutdown_failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	if err := app.Listen(fmt.Sprintf(":%d", port)); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
