package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"EmotionFusionPipeline/internal/admission"
	"EmotionFusionPipeline/internal/archive"
	"EmotionFusionPipeline/internal/config"
	"EmotionFusionPipeline/internal/fusion"
	"EmotionFusionPipeline/internal/gateway"
	"EmotionFusionPipeline/internal/httpserver"
	"EmotionFusionPipeline/internal/lifecycle"
	"EmotionFusionPipeline/internal/logger"
	"EmotionFusionPipeline/internal/registry"
)

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径（默认搜索./configs/fusion.yaml）")
		watchConfig = flag.Bool("watch-config", false, "启用配置文件热更新")
	)
	flag.Parse()

	logger.InitLogger()

	manager := config.NewManager(
		config.WithConfigPath(*configPath),
		config.WithWatchEnabled(*watchConfig),
	)
	cfg, err := manager.Load()
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	log.Printf("Starting %s (config %s)", cfg.Meta.Project, cfg.Meta.ConfigVersion)
	log.Printf("Limits: max_sessions=%d workers=%d capacity=%d",
		cfg.Limits.MaxSessions, cfg.Limits.Workers, cfg.Limits.WorkerCapacity)

	// 共享可变状态只有注册表和worker负载表，都显式注入
	reg := registry.New(cfg.Limits.CloseGrace)
	pool := admission.NewWorkerPool(cfg.Limits.Workers, cfg.Limits.WorkerCapacity)
	admitter := admission.NewController(reg, pool, cfg.Limits.MaxSessions)
	distributor := admission.NewDistributor(reg, pool)

	lm := lifecycle.NewManager(reg, &lifecycle.Config{
		HealthInterval:    cfg.Health.Interval,
		MaxMissed:         cfg.Health.MaxMissed,
		BackoffInitial:    cfg.Reconnect.InitialInterval,
		BackoffMax:        cfg.Reconnect.MaxInterval,
		BackoffMultiplier: cfg.Reconnect.Multiplier,
	})

	engine := fusion.NewEngine(reg, &fusion.Config{
		TickInterval:       cfg.Fusion.TickInterval,
		Staleness:          cfg.Fusion.Staleness,
		DominanceThreshold: cfg.Fusion.DominanceThreshold,
	})

	gw := gateway.New(&gateway.Config{
		Addr:              cfg.Gateway.Addr,
		Path:              cfg.Gateway.Path,
		HandshakeTimeout:  cfg.Gateway.HandshakeTimeout,
		ReadTimeout:       cfg.Gateway.ReadTimeout,
		SendTimeout:       cfg.Fusion.SendTimeout,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: cfg.Gateway.EnableCompression,
	}, reg, admitter, distributor, lm, engine)
	lm.SetTransport(gw)

	// 会话关闭时worker槽位恰好释放一次
	reg.OnClose(func(info registry.SessionInfo) {
		if info.WorkerAssigned {
			distributor.Release(info.WorkerID)
		}
	})

	// 可选的归档存储：宽限期结束后写入会话摘要
	var store *archive.Store
	if cfg.Archive.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err = archive.Connect(ctx, &archive.Config{
			Host:     cfg.Archive.Host,
			Port:     cfg.Archive.Port,
			User:     cfg.Archive.User,
			Password: cfg.Archive.Password,
			DBName:   cfg.Archive.DBName,
			SSLMode:  cfg.Archive.SSLMode,
		})
		cancel()
		if err != nil {
			log.Fatalf("Connect archive store failed: %v", err)
		}
		defer store.Close()

		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		if err := store.EnsureSchema(ctx); err != nil {
			cancel()
			log.Fatalf("Ensure archive schema failed: %v", err)
		}
		cancel()
		reg.OnRemove(store.RemoveHook())
	}

	api := httpserver.NewAPIServer(cfg.HTTP.Addr, reg, pool, engine)
	if err := api.Start(); err != nil {
		log.Fatalf("Start HTTP API failed: %v", err)
	}

	if err := gw.Start(); err != nil {
		log.Fatalf("Start gateway failed: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Printf("Gateway shutdown error: %v", err)
	}
	engine.Shutdown()
	lm.Shutdown()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP API shutdown error: %v", err)
	}

	log.Printf("Shutdown complete")
}
