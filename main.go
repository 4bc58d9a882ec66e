package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"RTVILoadTest/internal/audio"
	"RTVILoadTest/internal/botserver"
	"RTVILoadTest/internal/config"
	"RTVILoadTest/internal/database"
	"RTVILoadTest/internal/httpserver"
	"RTVILoadTest/internal/logger"
	"RTVILoadTest/internal/metrics"
	"RTVILoadTest/internal/orchestrator"
	"RTVILoadTest/internal/registry"
	"RTVILoadTest/internal/session"
)

func main() {
	var (
		mode        = flag.String("mode", "run", "运行模式: run, server, api")
		endpoint    = flag.String("endpoint", "", "目标bot地址（覆盖配置文件）")
		pattern     = flag.String("pattern", "", "负载模式: sustained, ramp, spike（覆盖配置文件）")
		connections = flag.Int("connections", 0, "并发连接数（覆盖配置文件）")
		duration    = flag.Duration("duration", 0, "压测时长（覆盖配置文件）")
		addr        = flag.String("addr", "", "server/api模式监听地址（覆盖配置文件）")
	)
	flag.Parse()

	logger.InitLogger()
	logger.InitGlobalLogger()

	cfg := config.Get()
	config.WatchConfig()

	if *endpoint != "" {
		cfg.Target.Endpoint = *endpoint
	}
	if *pattern != "" {
		cfg.Load.Pattern = *pattern
	}
	if *connections > 0 {
		cfg.Load.Connections = *connections
	}
	if *duration > 0 {
		cfg.Load.Duration = *duration
	}

	switch *mode {
	case "run":
		runLoadTest(cfg)
	case "server":
		runBotServer(cfg, *addr)
	case "api":
		runAPIServer(cfg, *addr)
	default:
		fmt.Printf("unknown mode: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}

// runLoadTest 运行一次性压测并输出报告
func runLoadTest(cfg *config.LoadConfig) {
	sessCfg := session.DefaultConfig(cfg.Target.Endpoint)
	sessCfg.ConnectEndpoint = cfg.Target.ConnectEndpoint
	sessCfg.RTVIClientVersion = cfg.Target.RTVIClientVersion
	sessCfg.ConnectTimeout = cfg.Target.ConnectTimeout
	sessCfg.PipelineInitDelay = cfg.Target.PipelineInitDelay
	sessCfg.DisconnectTimeout = cfg.Target.DisconnectTimeout
	sessCfg.MaxRetries = cfg.Target.MaxRetries
	sessCfg.RetryDelay = cfg.Target.RetryDelay
	sessCfg.BackoffMultiplier = cfg.Target.BackoffMultiplier
	sessCfg.SampleRate = cfg.Audio.SampleRate
	sessCfg.Channels = cfg.Audio.Channels

	src := audio.NewSine(cfg.Audio.SineFrequency, cfg.Audio.SineDuration,
		cfg.Audio.FrameDuration, cfg.Audio.SampleRate)

	orch := orchestrator.New(&orchestrator.Config{
		Session:       sessCfg,
		MaxConcurrent: cfg.Load.MaxConcurrent,
		Stagger:       cfg.Load.Stagger,
		ShutdownGrace: cfg.Load.ShutdownGrace,
	}, src, metrics.NewAggregator())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var report *metrics.RunReport
	var err error

	switch cfg.Load.Pattern {
	case "sustained":
		report, err = orch.RunSustained(ctx, cfg.Load.Connections, cfg.Load.Duration)
	case "spike":
		report, err = orch.RunSpike(ctx, cfg.Load.Connections, cfg.Load.Duration)
	case "ramp":
		report, err = orch.RunRamp(ctx, orchestrator.RampPattern{
			Start:    cfg.Load.Ramp.Start,
			End:      cfg.Load.Ramp.End,
			Step:     cfg.Load.Ramp.Step,
			Interval: cfg.Load.Ramp.Interval,
			Hold:     cfg.Load.Ramp.Hold,
		})
	default:
		log.Fatalf("unknown load pattern: %s", cfg.Load.Pattern)
	}
	if err != nil {
		log.Fatalf("load test failed: %v", err)
	}

	printReport(report)

	if cfg.Load.ReportPath != "" {
		if err := report.SaveJSON(cfg.Load.ReportPath); err != nil {
			log.Printf("save report failed: %v", err)
		} else {
			log.Printf("report saved to %s", cfg.Load.ReportPath)
		}
	}

	if cfg.Database.Enable {
		saveReportToDatabase(cfg, report)
	}
}

// saveReportToDatabase 报告落库
func saveReportToDatabase(cfg *config.LoadConfig, report *metrics.RunReport) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := database.Connect(ctx, &database.Config{
		DSN:         cfg.Database.DSN,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		ConnTimeout: cfg.Database.ConnTimeout,
	})
	if err != nil {
		log.Printf("database connect failed, report not persisted: %v", err)
		return
	}
	defer store.Close()

	id, err := store.SaveReport(ctx, cfg.Load.Pattern, cfg.Target.Endpoint, report)
	if err != nil {
		log.Printf("save report to database failed: %v", err)
		return
	}
	log.Printf("report persisted with id %d", id)
}

// printReport 控制台摘要输出
func printReport(report *metrics.RunReport) {
	fmt.Println()
	fmt.Println("========== Load Test Report ==========")
	fmt.Printf("Duration:        %.1fs\n", report.Summary.DurationSeconds)
	fmt.Printf("Attempted:       %d\n", report.Summary.TotalConnectionsAttempted)
	fmt.Printf("Successful:      %d (%.1f%%)\n",
		report.Summary.TotalConnectionsSuccessful, report.Summary.SuccessRate)
	fmt.Printf("Frames sent:     %d\n", report.Summary.TotalFramesSent)
	fmt.Printf("Frames received: %d\n", report.Summary.TotalFramesReceived)
	fmt.Printf("Errors:          %d\n", report.Summary.TotalErrors)
	fmt.Printf("Avg connect:     %.1fms (p95 %.1fms)\n",
		report.Performance.AvgConnectTimeMs, report.Performance.P95ConnectTimeMs)
	fmt.Printf("Avg handshake:   %.1fms\n", report.Performance.AvgHandshakeTimeMs)
	fmt.Printf("Throughput:      %.1f frames/s, %.2f Mbps\n",
		report.Performance.ThroughputFramesPerSec, report.Performance.ThroughputMbps)
	fmt.Println("======================================")
}

// runBotServer 启动模拟bot服务器
func runBotServer(cfg *config.LoadConfig, addr string) {
	if addr == "" {
		addr = cfg.BotServer.Addr
	}

	srvCfg := botserver.DefaultServerConfig(addr)
	srvCfg.ReadyDelay = cfg.BotServer.ReadyDelay
	srvCfg.EnableBotReady = cfg.BotServer.EnableBotReady
	srvCfg.EnableTranscriptPush = cfg.BotServer.EnableTranscriptPush
	srvCfg.PushInterval = cfg.BotServer.PushInterval
	srvCfg.EnableConnectEndpoint = cfg.BotServer.EnableConnectEndpoint
	srvCfg.MaxConnections = cfg.BotServer.MaxConnections

	srv := botserver.New(srvCfg)
	if err := srv.Start(); err != nil {
		log.Fatalf("bot server start failed: %v", err)
	}

	waitForSignal()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("bot server shutdown error: %v", err)
	}
}

// runAPIServer 启动控制面API服务器
func runAPIServer(cfg *config.LoadConfig, addr string) {
	if addr != "" {
		cfg.API.Addr = addr
	}

	var store *database.Store
	if cfg.Database.Enable {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		s, err := database.Connect(ctx, &database.Config{
			DSN:         cfg.Database.DSN,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			ConnTimeout: cfg.Database.ConnTimeout,
		})
		cancel()
		if err != nil {
			log.Printf("database connect failed, reports will not be persisted: %v", err)
		} else {
			store = s
			defer store.Close()
		}
	}

	base := session.DefaultConfig("")
	base.ConnectEndpoint = cfg.Target.ConnectEndpoint
	base.RTVIClientVersion = cfg.Target.RTVIClientVersion
	base.ConnectTimeout = cfg.Target.ConnectTimeout
	base.PipelineInitDelay = cfg.Target.PipelineInitDelay
	base.MaxRetries = cfg.Target.MaxRetries
	base.RetryDelay = cfg.Target.RetryDelay
	base.BackoffMultiplier = cfg.Target.BackoffMultiplier
	base.SampleRate = cfg.Audio.SampleRate
	base.Channels = cfg.Audio.Channels

	reg := registry.New(base)
	srv := httpserver.NewAPIServer(cfg, reg, store)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Printf("API server error: %v", err)
		}
	}()

	waitForSignal()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Printf("API server shutdown error: %v", err)
	}
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")
}
