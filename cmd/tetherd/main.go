package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tether/internal/config"
	"github.com/GriffinCanCode/tether/internal/devfs"
	"github.com/GriffinCanCode/tether/internal/ipc/core"
	"github.com/GriffinCanCode/tether/internal/logging"
	"github.com/GriffinCanCode/tether/internal/monitoring"
	"github.com/GriffinCanCode/tether/internal/selftest"
	"github.com/GriffinCanCode/tether/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
	port := flag.String("port", "", "Listen port (overrides config)")
	runSelftest := flag.Bool("selftest", false, "Run the allocator self-test and exit")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *runSelftest {
		res, err := selftest.Run(log, selftest.DefaultConfig())
		if err != nil {
			log.Fatal("self-test aborted", zap.Error(err))
		}
		if !res.Passed {
			log.Fatal("self-test failed",
				zap.Int("failures", len(res.Failures)),
				zap.Strings("detail", res.Failures))
		}
		log.Info("self-test passed",
			zap.Int("permutations", res.Permutations),
			zap.Int("churn_ops", res.ChurnOps),
			zap.Duration("duration", res.Duration))
		return
	}

	promReg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(promReg)

	manager := devfs.NewManager(log.Named("devfs"), core.Config{
		BufferSize: cfg.Bus.BufferSize,
		PageSize:   cfg.Bus.PageSize,
		MaxThreads: cfg.Bus.MaxThreads,
	}, metrics)

	if cfg.Bus.SeedManifest != "" {
		seeder := devfs.NewSeeder(manager, cfg.Bus.SeedManifest)
		if err := seeder.Seed(); err != nil {
			log.Warn("instance seeding failed", zap.Error(err))
		}
	}

	srv := server.New(cfg, log, manager, metrics, promReg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("shutdown error", zap.Error(err))
		}
	case err := <-errCh:
		if err != nil {
			log.Fatal("server error", zap.Error(err))
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
