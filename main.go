package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"imageforest/config"
	"imageforest/db"
	ihttp "imageforest/http"
	"imageforest/logger"
	"imageforest/ml"
	"imageforest/monitoring"
	"imageforest/pipeline"
	"imageforest/predict"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file path")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, level, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	// 2. Initialize database and restore the saved-model ledger
	if err := db.InitDB(cfg.Database.Path); err != nil {
		zlog.Fatal("failed to initialize database", zap.Error(err))
	}
	defer db.Close()
	zlog.Info("database initialized", zap.String("path", cfg.Database.Path))

	registry := ml.NewRegistry(zlog)
	if err := db.AttachRegistry(registry); err != nil {
		zlog.Fatal("failed to restore saved models", zap.Error(err))
	}

	// 3. Wire extraction, training and prediction
	extractor, err := ml.NewFeatureExtractor(ml.ExtractorConfig{
		Resolution: cfg.Features.Resolution,
		CacheSize:  cfg.Features.CacheSize,
		Workers:    cfg.Features.Workers,
	}, zlog)
	if err != nil {
		zlog.Fatal("failed to build feature extractor", zap.Error(err))
	}

	monitor := monitoring.NewRealtimeMonitor(zlog)
	if err := monitor.Start(); err != nil {
		zlog.Fatal("failed to start monitor", zap.Error(err))
	}
	defer monitor.Stop()

	trainer := pipeline.New(pipeline.Options{
		Extractor:   extractor,
		Registry:    registry,
		Logger:      zlog,
		Trainer:     trainerConfig(cfg.Forest),
		Seed:        cfg.Forest.Seed,
		Progress:    monitor.ProgressSink(),
		TrainingLog: db.SaveTrainingLog,
	})

	done := make(chan struct{})
	defer close(done)
	err = config.Watch(*configPath, zlog, done, func(c *config.Config) {
		trainer.SetTrainerConfig(trainerConfig(c.Forest), c.Forest.Seed)
		if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
			zlog.Warn("ignoring log level", zap.String("level", c.Log.Level), zap.Error(err))
		}
	})
	if err != nil {
		zlog.Warn("config watch disabled", zap.Error(err))
	}

	// 4. Start HTTP server
	server := ihttp.NewServer(ihttp.ServerConfig{
		Port:           cfg.Server.Port,
		Timeout:        cfg.Server.Timeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	}, &ihttp.API{
		Extractor:  extractor,
		Registry:   registry,
		Aggregator: predict.NewAggregator(registry, zlog),
		Pipeline:   trainer,
		Monitor:    monitor,
		Metrics:    monitoring.NewServiceMetrics(nil),
		Logger:     zlog,
	})
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 5. Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info("shutting down")

	if err := server.Stop(); err != nil {
		zlog.Error("server forced to shutdown", zap.Error(err))
	}
}

func trainerConfig(f config.ForestConfig) ml.TrainerConfig {
	return ml.TrainerConfig{
		NumTrees: f.NumTrees,
		Tree: ml.TreeConfig{
			MaxDepth:      f.MaxDepth,
			MaxThresholds: f.MaxThresholds,
		},
	}
}
