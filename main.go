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

	"github.com/oficina/offline-agent/internal/agent"
	"github.com/oficina/offline-agent/internal/cache"
	"github.com/oficina/offline-agent/internal/config"
	"github.com/oficina/offline-agent/internal/logging"
	"github.com/oficina/offline-agent/internal/server"
	"github.com/oficina/offline-agent/internal/server/routes"
	"github.com/oficina/offline-agent/internal/version"
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
		fields["cache_name"] = cfg.Agent.CacheName
		fields["manifest"] = len(cfg.Agent.Manifest)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序为“配置 → 磁盘缓存 → 代理 → 宿主 → Fiber server”，
	// 安装在后台进行，期间请求直接透传到网络。
	store, err := cache.NewStore(cfg.Global.StoragePath, cache.WithFetchConcurrency(cfg.Agent.InstallConcurrency))
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	network := agent.NewHTTPNetwork(server.NewUpstreamClient(cfg))
	agentOpts, err := agent.OptionsFromConfig(cfg.Agent)
	if err != nil {
		fmt.Fprintf(stdErr, "解析代理配置失败: %v\n", err)
		return 1
	}
	offlineAgent, err := agent.New(agentOpts, store, network, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建离线代理失败: %v\n", err)
		return 1
	}

	host, err := server.NewHost(server.HostOptions{
		Agent:          offlineAgent,
		Network:        network,
		Logger:         logger,
		CacheName:      offlineAgent.CacheName(),
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建生命周期宿主失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["cache_name"] = cfg.Agent.CacheName
	fields["origin"] = cfg.Agent.Origin
	fields["manifest"] = len(cfg.Agent.Manifest)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go startLifecycle(ctx, host, cfg.Agent.CacheName, logger)

	if err := startHTTPServer(ctx, cfg, host, store, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-agent", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_AGENT_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_AGENT_CONFIG")
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

func startLifecycle(ctx context.Context, host *server.Host, cacheName string, logger *logrus.Logger) {
	fields := logging.LifecycleFields("start", cacheName)
	if err := host.Start(ctx); err != nil {
		fields["state"] = string(host.Status().State)
		logger.WithFields(fields).WithError(err).Error("生命周期启动失败，代理未接管请求")
		return
	}
	logger.WithFields(fields).Info("代理已激活")
}

func startHTTPServer(ctx context.Context, cfg *config.Config, host *server.Host, store cache.Storage, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	origin, err := agent.OptionsFromConfig(cfg.Agent)
	if err != nil {
		return err
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:           logger,
		Dispatcher:       host,
		Origin:           origin.Origin,
		CrossOriginHosts: cfg.Agent.ManifestHosts(),
		ListenPort:       port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, host, store)

	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
