package main

import (
	"FinDocAnalyzer/internal/bootstrap"
	"FinDocAnalyzer/internal/config"
	"FinDocAnalyzer/internal/maintenance"
	"FinDocAnalyzer/internal/models"
	"FinDocAnalyzer/internal/queue"
	"FinDocAnalyzer/internal/scheduler"
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	queues := flag.String("queues", "all", `queues to consume: "analysis", "default" or "all"`)
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	serviceLogger, err := bootstrap.InitLogger(cfg, "AnalysisWorker")
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Open(ctx, cfg, serviceLogger)
	if err != nil {
		serviceLogger.WithError(models.NewErrorInfo(err, "startup_error")).Fatal("Failed to open store or broker")
	}
	storage, err := app.Artifacts(ctx)
	if err != nil {
		serviceLogger.WithError(models.NewErrorInfo(err, "startup_error")).Fatal("Failed to open artifact storage")
	}
	// 租约覆盖整个硬超时
	exec, err := app.Executor(ctx, storage, cfg.Worker.HardTimeLimitDuration())
	if err != nil {
		serviceLogger.WithError(models.NewErrorInfo(err, "startup_error")).Fatal("Failed to build executor")
	}

	base := scheduler.PoolConfig{
		MaxTasksPerWorker: cfg.Worker.MaxTasksPerWorker,
		SoftTimeLimit:     cfg.Worker.SoftTimeLimitDuration(),
		HardTimeLimit:     cfg.Worker.HardTimeLimitDuration(),
	}
	var pools []*scheduler.Pool
	var consumed []string
	if *queues == "all" || *queues == "analysis" {
		pc := base
		pc.Queue = app.Routes.Analysis
		pc.Concurrency = cfg.Worker.Concurrency
		mux := scheduler.NewMux(serviceLogger).
			Register(queue.TaskAnalyzeDocument, scheduler.NewAnalysisHandler(exec, app.Broker, app.Routes.Analysis, app.Policy, serviceLogger))
		pools = append(pools, scheduler.NewPool(app.Broker, mux, pc, serviceLogger))
		consumed = append(consumed, pc.Queue)
	}
	if *queues == "all" || *queues == "default" {
		pc := base
		pc.Queue = app.Routes.Default
		pc.Concurrency = 1
		mux := scheduler.NewMux(serviceLogger).
			Register(queue.TaskCleanupOldResults, maintenance.NewCleanupHandler(app.Sweeper(storage), serviceLogger))
		pools = append(pools, scheduler.NewPool(app.Broker, mux, pc, serviceLogger))
		consumed = append(consumed, pc.Queue)
	}
	if len(pools) == 0 {
		log.Fatalf("unknown -queues value %q", *queues)
	}

	if err := app.RecoverInFlight(ctx, consumed...); err != nil {
		serviceLogger.WithError(models.NewErrorInfo(err, "queue_error")).Fatal("Failed to recover unacknowledged tasks")
	}

	serviceLogger.WithPayload(map[string]interface{}{
		"queues":      consumed,
		"concurrency": cfg.Worker.Concurrency,
		"soft_limit":  base.SoftTimeLimit.String(),
		"hard_limit":  base.HardTimeLimit.String(),
	}).Info("Worker started")

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pools {
		p := p
		g.Go(func() error { return p.Run(gctx) })
	}
	if err := g.Wait(); err != nil {
		serviceLogger.WithError(models.NewErrorInfo(err, "worker_error")).Error("Worker pool stopped with error")
	}

	_ = app.Close()
	serviceLogger.Info("Worker gracefully stopped")
}
