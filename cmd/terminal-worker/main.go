// terminal-worker runs a single terminal's connection state machine in an
// isolated process, publishing snapshots and status to the shared cache.
// The orchestrator spawns one per terminal in process mode.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"mtfleet/internal/archive"
	"mtfleet/internal/cache"
	"mtfleet/internal/collector"
	"mtfleet/internal/config"
	"mtfleet/internal/domain"
	"mtfleet/internal/launcher"
	"mtfleet/internal/supervisor"
	"mtfleet/internal/terminal"
	"mtfleet/internal/util"
)

func main() {
	var (
		terminalID = flag.Int("terminal-id", 0, "terminal slot ID")
		login      = flag.String("login", "", "broker account login")
		server     = flag.String("server", "", "broker server")
		label      = flag.String("label", "", "human-readable terminal name")
	)
	flag.Parse()
	if *terminalID == 0 || *login == "" || *server == "" {
		log.Fatal("terminal-id, login, and server are required")
	}

	// The password arrives in the environment, never on the argv. Read it
	// once and scrub the variable so child processes cannot inherit it.
	password := os.Getenv(launcher.PasswordEnv)
	if password == "" {
		log.Fatalf("%s not set", launcher.PasswordEnv)
	}
	os.Unsetenv(launcher.PasswordEnv)

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

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format).
		With("worker", *terminalID)
	util.SetDefault(logger)

	cch, err := cache.Open(cfg.Storage.CachePath)
	if err != nil {
		log.Fatalf("opening shared cache: %v", err)
	}
	defer cch.Close()

	col, err := collector.New(cch, cfg.Poll, logger)
	if err != nil {
		log.Fatalf("building collector: %v", err)
	}

	tc := &domain.TerminalConfig{
		TerminalID: *terminalID,
		Login:      *login,
		Server:     *server,
		Label:      *label,
	}
	creds := terminal.Credentials{Login: *login, Server: *server, Password: password}

	// Status lands in the shared cache only; the orchestrator owns the
	// registry.
	w := supervisor.NewWorker(tc, creds, terminal.NewTerminal(tc), col,
		archive.New(cfg.Storage.DataDir), supervisor.NopSink{}, cfg.Poll, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("worker starting", "login", *login, "server", *server)
	w.Run(ctx)
	logger.Info("worker stopped")
}
