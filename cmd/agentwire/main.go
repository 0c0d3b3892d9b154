// =============================================================================
// AgentWire 主入口
// =============================================================================
// 运行一个带回显应答与存活令牌的守护 Agent
//
// 使用方法:
//
//	agentwire run                        # 以默认配置运行
//	agentwire run --config config.yaml   # 指定配置文件
//	agentwire version                    # 显示版本信息
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/agentwire"
	"github.com/BaSui01/agentwire/agent"
	"github.com/BaSui01/agentwire/config"
	"github.com/BaSui01/agentwire/internal/metrics"
	"github.com/BaSui01/agentwire/transport"
)

var (
	// 构建时注入
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runAgent(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runAgent(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	metricsAddr := fs.String("metrics-addr", ":9091", "Prometheus metrics listen address (empty to disable)")
	fs.Parse(args)

	// 加载配置
	loader := config.NewLoader().WithValidator(func(c *config.Config) error {
		return c.Validate()
	})
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := config.MustBuildLogger(cfg.Log)
	defer logger.Sync()
	logger.Info("agentwire starting",
		zap.String("version", agentwire.Version),
		zap.String("transport", cfg.Transport.Mode),
	)

	// 初始化指标
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		collector = metrics.NewCollector(cfg.Metrics.Namespace, registry, logger)
		if *metricsAddr != "" {
			go serveMetrics(logger, *metricsAddr, registry)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 创建并启动 Agent
	a, err := agent.New(cfg.Agent.ToAgent(), struct{}{},
		agent.WithLogger[struct{}](logger),
		agent.WithMetrics[struct{}](collector),
	)
	if err != nil {
		logger.Fatal("create agent failed", zap.Error(err))
	}
	if err := a.Configure(ctx, cfg.Transport.ToTransport()); err != nil {
		logger.Fatal("configure agent failed", zap.Error(err))
	}

	// 回显应答与存活令牌：守护 Agent 的最小可观测面
	_, err = a.NewQueryable().
		WithTopic("echo").
		WithCallback(func(_ context.Context, _ *agent.Context[struct{}], req transport.Message) ([]byte, error) {
			return req.Payload, nil
		}).
		Add()
	if err != nil {
		logger.Fatal("add echo queryable failed", zap.Error(err))
	}
	if _, err := a.NewLivelinessSender().Add(); err != nil {
		logger.Fatal("add liveliness sender failed", zap.Error(err))
	}

	if err := a.Start(ctx); err != nil {
		logger.Fatal("start agent failed", zap.Error(err))
	}
	logger.Info("agent running",
		zap.String("agent_id", a.ID()),
		zap.String("control_topic", agent.ControlTopic(a.ID())),
	)

	// 等待终止信号
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
		os.Exit(1)
	}
}

func serveMetrics(logger *zap.Logger, addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	logger.Info("metrics endpoint listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics endpoint failed", zap.Error(err))
	}
}

func printVersion() {
	fmt.Printf("agentwire %s (built %s, commit %s)\n", agentwire.Version, BuildTime, GitCommit)
}

func printUsage() {
	fmt.Println(`agentwire - multi-agent communication daemon

Usage:
  agentwire run [--config config.yaml] [--metrics-addr :9091]
  agentwire version
  agentwire help`)
}
