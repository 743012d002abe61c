package main

import (
	"FinDocAnalyzer/internal/api"
	"FinDocAnalyzer/internal/bootstrap"
	"FinDocAnalyzer/internal/config"
	"FinDocAnalyzer/internal/coordinator"
	"FinDocAnalyzer/internal/models"
	"FinDocAnalyzer/internal/service"
	"FinDocAnalyzer/pkg/ratelimiter"
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	serviceLogger, err := bootstrap.InitLogger(cfg, "AnalysisAPI")
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.Open(ctx, cfg, serviceLogger)
	if err != nil {
		serviceLogger.WithError(models.NewErrorInfo(err, "startup_error")).Fatal("Failed to open store or broker")
	}
	storage, err := app.Artifacts(ctx)
	if err != nil {
		serviceLogger.WithError(models.NewErrorInfo(err, "startup_error")).Fatal("Failed to open artifact storage")
	}

	svc := service.New(app.Store, app.Scheduler(), service.Config{DataDir: cfg.Data.Dir, DefaultFile: cfg.Data.DefaultFile}, serviceLogger)
	opts := api.Options{
		Health:      map[string]api.Pinger{"database": app.Store, "queue": app.Broker},
		MaxUploadMB: cfg.Server.MaxUploadMB,
	}
	// 未配置模型密钥时 /admin/reconcile 不可用，其余接口照常工作
	if exec, err := app.Executor(ctx, storage, cfg.Maintenance.ReconcileLeaseDuration()); err == nil {
		opts.Reconciler = app.Reconciler(exec)
	} else {
		serviceLogger.WithError(models.NewErrorInfo(err, "startup_error")).Warn("Reconciler disabled")
	}

	var limiter *ratelimiter.Keyed
	if rl := cfg.Server.RateLimiter; rl.Enabled {
		limiter = ratelimiter.NewKeyed(func() ratelimiter.RateLimiter {
			return ratelimiter.NewTokenBucket(rl.Rate, rl.Capacity)
		}, 0)
	}

	// Setup HTTP server
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(serviceLogger))
	api.RegisterRoutes(router, api.NewAPI(svc, coordinator.New(app.Store), opts, serviceLogger), limiter)

	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: router,
	}

	// Start server
	go func() {
		serviceLogger.Info("Starting HTTP server on " + srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serviceLogger.WithError(models.NewErrorInfo(err, "startup_error")).Fatal("HTTP server failed to start")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	serviceLogger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		serviceLogger.WithError(models.NewErrorInfo(err, "shutdown_error")).Error("Server forced to shutdown")
	}

	cancel()
	_ = app.Close()
	serviceLogger.Info("Server gracefully stopped")
}
