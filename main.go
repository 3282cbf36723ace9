package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/atlas-ai/atlas-cache/internal/cache"
	"github.com/atlas-ai/atlas-cache/internal/config"
	"github.com/atlas-ai/atlas-cache/internal/logging"
	"github.com/atlas-ai/atlas-cache/internal/proxy"
	"github.com/atlas-ai/atlas-cache/internal/server"
	"github.com/atlas-ai/atlas-cache/internal/server/routes"
	"github.com/atlas-ai/atlas-cache/internal/version"
	"github.com/atlas-ai/atlas-cache/internal/worker"
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

// listenAndServe 可在测试中替换，避免真正监听端口。
var listenAndServe = startHTTPServer

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
		fields["origin"] = cfg.Worker.Origin
		fields["hosts"] = cfg.Worker.HostSummary()
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	registry, err := server.NewTargetRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 Host 注册表失败: %v\n", err)
		return 1
	}

	// 启动遵循“配置 → 日志 → 缓存存储 → worker install/activate → Fiber server”顺序，
	// 安装失败时直接退出，旧分区保持不变。
	storage, err := cache.NewStorage(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	origin, err := cfg.Worker.OriginURL()
	if err != nil {
		fmt.Fprintf(stdErr, "解析源站失败: %v\n", err)
		return 1
	}
	httpClient := server.NewUpstreamClient(cfg)
	w, err := worker.New(worker.Options{
		Origin:           origin,
		CacheName:        cfg.Worker.CacheName,
		RuntimeCacheName: cfg.Worker.RuntimeCacheName,
		StaticAssets:     cfg.Worker.StaticAssets,
		CDNHosts:         cfg.Worker.CDNHosts,
	}, storage, worker.NewClientFetcher(httpClient), logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化 worker 失败: %v\n", err)
		return 1
	}
	defer w.Wait()

	ctx := context.Background()
	if err := w.Install(ctx); err != nil {
		fmt.Fprintf(stdErr, "安装静态资源失败: %v\n", err)
		return 1
	}
	if err := w.Activate(ctx); err != nil {
		// 删除旧分区失败不影响接管
		logger.WithFields(logging.BaseFields("activate", opts.configPath)).WithError(err).Warn("旧分区清理不完整")
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origin"] = cfg.Worker.Origin
	fields["hosts"] = cfg.Worker.HostSummary()
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["cache_name"] = cfg.Worker.CacheName
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := listenAndServe(cfg, registry, w, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("atlas-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ATLAS_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ATLAS_CACHE_CONFIG")
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

func startHTTPServer(cfg *config.Config, registry *server.TargetRegistry, w *worker.Worker, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewHandler(w, logger),
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterStatusRoutes(app, registry, w)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logger.WithField("action", "shutdown").Info("收到退出信号，等待后台刷新完成")
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
