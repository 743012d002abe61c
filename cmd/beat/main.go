package main

import (
	"FinDocAnalyzer/internal/bootstrap"
	"FinDocAnalyzer/internal/config"
	"FinDocAnalyzer/internal/maintenance"
	"FinDocAnalyzer/internal/models"
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	serviceLogger, err := bootstrap.InitLogger(cfg, "AnalysisBeat")
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Open(ctx, cfg, serviceLogger)
	if err != nil {
		serviceLogger.WithError(models.NewErrorInfo(err, "startup_error")).Fatal("Failed to open store or broker")
	}
	defer app.Close()

	beat, err := maintenance.NewBeat(cfg.Maintenance.SweepSchedule, app.Scheduler(), serviceLogger)
	if err != nil {
		serviceLogger.WithError(models.NewErrorInfo(err, "config_error")).Fatal("Invalid sweep schedule")
	}
	_ = beat.Run(ctx)
}
