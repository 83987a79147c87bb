package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/audio-edge/audio-edge/internal/cache"
	"github.com/audio-edge/audio-edge/internal/config"
	"github.com/audio-edge/audio-edge/internal/logging"
	"github.com/audio-edge/audio-edge/internal/proxy"
	"github.com/audio-edge/audio-edge/internal/queue"
	"github.com/audio-edge/audio-edge/internal/server"
	"github.com/audio-edge/audio-edge/internal/version"
	"github.com/audio-edge/audio-edge/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	generation  string
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

	generation := resolveGeneration(opts, cfg)

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["generation"] = generation
		fields["allowed_origins"] = len(cfg.Origins.Allowed)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动遵循“配置 → 世代切换 → 队列 → worker → Fiber server”顺序：
	// 旧世代命名空间必须在任何缓存活动之前清掉。
	namespaces, err := cache.OpenNamespaces(cfg.Global.StoragePath, generation)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存失败: %v\n", err)
		return 1
	}
	defer namespaces.Close()

	offlineQueue, err := queue.Open(cfg.Global.QueuePath, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化离线队列失败: %v\n", err)
		return 1
	}
	defer offlineQueue.Close()

	dataClient := server.NewDataClient(cfg)
	cacheWorker, err := worker.New(cfg, logger, namespaces, offlineQueue, dataClient)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存 worker 失败: %v\n", err)
		return 1
	}
	if err := cacheWorker.Activate(); err != nil {
		fmt.Fprintf(stdErr, "世代切换失败: %v\n", err)
		return 1
	}
	cacheWorker.Start()
	defer cacheWorker.Stop()

	streamClient := server.NewUpstreamClient(cfg)
	proxyHandler := proxy.NewHandler(streamClient, logger, cfg)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["generation"] = generation
	fields["allowed_origins"] = cfg.Origins.Allowed
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, proxyHandler, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// resolveGeneration 按 flag > 环境变量 > 配置 > 构建元数据的优先级
// 确定世代标识，此后不再变化。
func resolveGeneration(opts cliOptions, cfg *config.Config) string {
	if opts.generation != "" {
		return opts.generation
	}
	if env := os.Getenv("AUDIO_EDGE_GENERATION"); env != "" {
		return env
	}
	if cfg.Global.Generation != "" {
		return cfg.Global.Generation
	}
	return version.Generation()
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("audio-edge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		genFlag    string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 AUDIO_EDGE_CONFIG 覆盖）")
	fs.StringVar(&genFlag, "generation", "", "缓存世代标识（默认取配置或构建元数据）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("AUDIO_EDGE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		generation:  genFlag,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(cfg *config.Config, proxyHandler server.ProxyHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
