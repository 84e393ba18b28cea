package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/warmpool/sandboxd/internal/auth"
	"github.com/warmpool/sandboxd/internal/config"
	"github.com/warmpool/sandboxd/internal/events"
	"github.com/warmpool/sandboxd/internal/handler"
	"github.com/warmpool/sandboxd/internal/k8s"
	"github.com/warmpool/sandboxd/internal/lifecycle"
	"github.com/warmpool/sandboxd/internal/logx"
	"github.com/warmpool/sandboxd/internal/pool"
	"github.com/warmpool/sandboxd/internal/security"
	"github.com/warmpool/sandboxd/internal/service"
	"github.com/warmpool/sandboxd/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, closeLogger, err := logx.Init(logx.Options{
		Service: "sandboxd",
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		File:    cfg.LogFile,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		if err := closeLogger(); err != nil {
			slog.Error("failed to close logger", "error", err)
		}
	}()

	stdLog := slog.NewLogLogger(logger.Handler(), slog.LevelInfo)
	log.SetFlags(0)
	log.SetOutput(stdLog.Writer())

	dbPath := filepath.Join(cfg.DataDir, "sandboxd.db")
	slog.Info("initializing database", "component", "store", "db_path", dbPath)
	if err := store.InitDB(dbPath); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.CloseDB()

	cipher, err := security.NewTokenCipherFromEnv()
	if err != nil {
		log.Fatalf("Failed to initialize token encryption: %v", err)
	}
	operatorGuard, err := auth.NewOperatorGuardFromEnv()
	if err != nil {
		log.Fatalf("Failed to initialize operator auth: %v", err)
	}

	image := cfg.BaseImage
	if cfg.PinImageDigest {
		pinned, err := k8s.ResolveImageDigest(image)
		if err != nil {
			log.Fatalf("Failed to pin base image digest: %v", err)
		}
		slog.Info("base image pinned", "component", "k8s", "image", pinned)
		image = pinned
	}

	rt, err := k8s.NewPodRuntime(k8s.Options{
		KubeconfigPath:        cfg.KubeconfigPath,
		Namespace:             cfg.SandboxNamespace,
		Image:                 image,
		CPU:                   cfg.CPU,
		Memory:                cfg.Memory,
		ReadyTimeout:          cfg.CreateTimeout,
		DestroyGracePeriod:    cfg.DestroyGracePeriod,
		EphemeralDependencies: cfg.EphemeralDependencies,
	})
	if err != nil {
		log.Fatalf("Failed to create pod runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.EnsureNamespace(ctx); err != nil {
		log.Fatalf("Failed to ensure sandbox namespace: %v", err)
	}
	slog.Info("sandbox namespace ensured", "component", "k8s", "namespace", cfg.SandboxNamespace)

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATSURL != "" {
		natsPub, err := events.Connect(cfg.NATSURL, cfg.EventSubjectPrefix)
		if err != nil {
			slog.Warn("event publishing disabled, nats unreachable", "component", "events", "error", err)
		} else {
			publisher = natsPub
			defer natsPub.Close()
			slog.Info("lifecycle event publishing enabled", "component", "events", "url", cfg.NATSURL)
		}
	}

	sandboxStore := store.NewSandboxStore()
	leaseStore := store.NewLeaseStore()
	runStore := store.NewRunStore()
	auditStore := store.NewEventStore()
	drainState := lifecycle.NewDrainManager()

	poolMgr := pool.NewManager(rt, sandboxStore, auditStore, publisher, pool.Options{
		Target:        cfg.PoolSize,
		MaxConcurrent: cfg.MaxConcurrentCreates,
		CreateTimeout: cfg.CreateTimeout,
		Image:         image,
	})

	leaseSvc := service.NewLeaseService(leaseStore, poolMgr, auditStore, publisher, drainState, service.LeaseOptions{
		DefaultTTL:  cfg.DefaultLeaseTTL,
		MaxDuration: cfg.MaxLeaseDuration,
	})
	// Executions get their own root context so a SIGTERM drains them instead
	// of cancelling them mid-run.
	runSvc := service.NewRunCoordinator(context.Background(), runStore, leaseSvc, leaseStore, sandboxStore, rt, poolMgr, cipher, auditStore, publisher, drainState, service.RunOptions{
		DefaultTimeout: cfg.DefaultExecTimeout,
		MaxTimeout:     cfg.MaxExecTimeout,
	})
	reclaimer := service.NewReclaimer(leaseSvc, leaseStore, runStore, sandboxStore, store.NewReclaimStore(), poolMgr, rt, service.ReclaimOptions{
		Interval:         cfg.ReclaimInterval,
		OrphanGrace:      time.Duration(cfg.OrphanGraceMultiple) * cfg.MaxExecTimeout,
		HistoryRetention: cfg.HistoryRetention,
	})

	// Reconcile durable records against live pods before serving: re-adopt
	// intact idle sandboxes, fail runs the old process abandoned, destroy
	// everything else.
	if err := reclaimer.RecoverStartup(ctx); err != nil {
		log.Fatalf("Startup recovery failed: %v", err)
	}

	go poolMgr.Warm(ctx)
	go reclaimer.Run(ctx)
	slog.Info("pool warming and reclaim sweeps started",
		"component", "server", "pool_size", cfg.PoolSize, "reclaim_interval", cfg.ReclaimInterval.String())

	leaseHandler := handler.NewLeaseHandler(leaseSvc)
	runHandler := handler.NewRunHandler(runSvc, drainState)
	operatorHandler := handler.NewOperatorHandler(poolMgr, reclaimer, operatorGuard)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logx.RequestIDMiddleware())
	r.Use(logx.AccessLogMiddleware())

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Extensions", "Sec-WebSocket-Protocol", auth.OperatorKeyHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if drainState.IsDraining() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	leaseHandler.RegisterRoutes(api)
	runHandler.RegisterRoutes(api)
	operatorHandler.RegisterRoutes(api)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api server starting", "component", "http_server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down sandbox manager...")

	// Refuse new leases and runs, then give in-flight executions and open
	// output streams a bounded window before the process exits.
	drainState.StartDraining()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer drainCancel()
	if err := drainState.Wait(drainCtx); err != nil {
		log.Printf("Drained with timeout, remaining runs: %d, streams: %d",
			drainState.ActiveRuns(), drainState.ActiveStreams())
	}

	log.Println("Sandbox manager stopped")
}
