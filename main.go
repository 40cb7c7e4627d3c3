package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/version"
)

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
		fields["site"] = cfg.Site.Name
		fields["site_version"] = cfg.Site.Version
		fields["store_driver"] = cfg.Global.StoreDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// CLI 启动遵循“配置 → 缓存存储 → 安装并激活首个 worker → Fiber server”顺序，
	// shell 预热失败时直接退出，避免在没有离线副本的情况下对外服务。
	rt, err := bootstrap(context.Background(), cfg, opts.configPath, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "启动 worker 失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["site"] = cfg.Site.Name
	fields["site_version"] = cfg.Site.Version
	fields["listen_port"] = cfg.Global.ListenPort
	fields["store_driver"] = cfg.Global.StoreDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(rt, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
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

// startHTTPServer 启动 Fiber 并阻塞处理信号：SIGHUP 重新加载配置并注册新版本 worker，
// SIGINT/SIGTERM 停止接收请求、排空进行中的缓存写入后退出。
func startHTTPServer(rt *siteRuntime, logger *logrus.Logger) error {
	port := rt.cfg.Global.ListenPort
	forwarder := proxy.NewForwarder(proxy.NewHandler(logger), logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Workers:    rt.controller,
		Proxy:      forwarder,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, rt.controller)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	for {
		select {
		case err := <-listenErr:
			rt.close()
			return err
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				if err := rt.reload(context.Background()); err != nil {
					logger.WithField("action", "reload").WithError(err).Warn("重新加载失败，继续使用当前版本")
				}
				continue
			}
			return shutdown(app, rt, logger, sig)
		}
	}
}

func shutdown(app *fiber.App, rt *siteRuntime, logger *logrus.Logger, sig os.Signal) error {
	timeout := rt.cfg.Global.ShutdownTimeout.DurationValue()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	fields := logrus.Fields{"action": "shutdown", "signal": sig.String(), "timeout": timeout.String()}
	logger.WithFields(fields).Info("收到退出信号，开始排空")

	var errs []error
	if err := app.ShutdownWithTimeout(timeout); err != nil {
		errs = append(errs, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := rt.controller.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := rt.close(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		logger.WithFields(fields).WithError(err).Warn("排空未完成")
		return err
	}
	logger.WithFields(fields).Info("服务已退出")
	return nil
}
