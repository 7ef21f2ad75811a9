package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"trophysync/internal/app"
	"trophysync/internal/syncer"
	"trophysync/pkg/config"
	"trophysync/pkg/consumer"
	"trophysync/pkg/logger"
	"trophysync/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "optional config file")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	l, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Environment,
		ServiceName: cfg.ServiceName,
		File: logger.FileConfig{
			Path:       cfg.LogFile.Path,
			MaxSizeMB:  cfg.LogFile.MaxSizeMB,
			MaxBackups: cfg.LogFile.MaxBackups,
			MaxAgeDays: cfg.LogFile.MaxAgeDays,
		},
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer l.Sync()

	l.Info("trophy sync initializing", zap.String("env", cfg.Environment))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Store, adapters, runner
	a, err := app.New(ctx, cfg, l)
	if err != nil {
		l.Error("failed to initialize", err)
		os.Exit(1)
	}
	defer a.Close()

	// 4. Sync requests
	var requests consumer.Consumer
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.RequestTopic != "" {
		requests = consumer.NewKafkaConsumer(consumer.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.RequestTopic,
			GroupID: cfg.Kafka.GroupID,
		})
	}

	svc := syncer.NewService(l, a.Runner, requests, cfg.Sync.Schedule, cfg.Sync.RunOnStart)

	// 5. API server
	api := server.New(cfg.HTTP.Addr, server.Deps{
		Store:  a,
		Linker: a.Linking,
		Syncer: a.Runner,
		Busy:   func(err error) bool { return errors.Is(err, syncer.ErrCycleInFlight) },
	}, l)
	go func() {
		if err := api.Start(); err != nil {
			l.Error("api server failed", err)
			stop()
		}
	}()

	// 6. Start service
	l.Info("trophy sync starting")
	if err := svc.Start(ctx); err != nil {
		l.Error("sync service failed", err)
	} else {
		l.Info("trophy sync stopping")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		l.Warn("api server shutdown", zap.Error(err))
	}
}
