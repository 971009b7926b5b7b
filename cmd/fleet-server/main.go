// fleet-server is the terminal fleet orchestrator: it owns the registry,
// the credential vault, and one worker per active terminal, and serves the
// administrative HTTP API.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"mtfleet/internal/api"
	"mtfleet/internal/archive"
	"mtfleet/internal/cache"
	"mtfleet/internal/collector"
	"mtfleet/internal/config"
	"mtfleet/internal/launcher"
	"mtfleet/internal/metrics"
	"mtfleet/internal/registry"
	"mtfleet/internal/supervisor"
	"mtfleet/internal/terminal"
	"mtfleet/internal/util"
	"mtfleet/internal/vault"
)

func main() {
	cfgPath := "config/mtfleet.yaml"
	if p := os.Getenv("MTFLEET_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("loading config: %v", err)
		}
		cfg = config.Default()
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	// Exactly one orchestrator per data directory; a stale lock from a
	// crashed run is replaced, a live one refuses startup.
	lock, err := util.AcquireLock(filepath.Join(cfg.Storage.DataDir, "fleet.lock"))
	if err != nil {
		log.Fatalf("acquiring instance lock: %v", err)
	}
	defer lock.Release()

	// A broken vault fails every future connect; refuse to start instead
	// of limping along.
	vlt, err := vault.New(cfg.Storage.KeyPath)
	if err != nil {
		log.Fatalf("opening credential vault: %v", err)
	}

	reg, err := registry.Open(cfg.Storage.RegistryPath, cfg.Terminals.BasePath,
		cfg.Terminals.MinSlot, cfg.Terminals.MaxSlot)
	if err != nil {
		log.Fatalf("opening terminal registry: %v", err)
	}
	cch, err := cache.Open(cfg.Storage.CachePath)
	if err != nil {
		log.Fatalf("opening snapshot cache: %v", err)
	}
	defer cch.Close()

	col, err := collector.New(cch, cfg.Poll, logger)
	if err != nil {
		log.Fatalf("building collector: %v", err)
	}
	arch := archive.New(cfg.Storage.DataDir)

	var launch *launcher.Launcher
	if cfg.Launcher.Mode == "process" {
		launch = launcher.New(cfg.Launcher.WorkerBin, cfg.Launcher.GracePeriod.Std())
	}

	sup := supervisor.New(reg, vlt, cch, col, arch, terminal.NewTerminal, launch, cfg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sup.RecoverActive(ctx)
	go sup.Housekeeping(ctx, time.Minute)

	go func() {
		logger.Info("metrics listening", "port", cfg.Server.MetricsPort)
		if err := metrics.Serve(cfg.Server.MetricsPort); err != nil {
			logger.Error("metrics listener failed", "err", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler: api.NewServer(sup, cfg.Server.AuthToken.Reveal(), logger).Router(),
	}
	go func() {
		logger.Info("fleet-server listening", "addr", httpServer.Addr, "mode", cfg.Launcher.Mode)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down fleet-server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", "err", err)
	}
	sup.Close()
}
