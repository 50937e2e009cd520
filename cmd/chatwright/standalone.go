package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"

	"github.com/chatwright/chatwright/gateway"
	"github.com/chatwright/chatwright/internal/bus"
	"github.com/chatwright/chatwright/internal/config"
	"github.com/chatwright/chatwright/internal/logging"
	"github.com/chatwright/chatwright/worker"
)

func runStandalone(args []string) error {
	fs := flag.NewFlagSet("chatwright", flag.ExitOnError)
	cfgPath := fs.String("config", "", "YAML config file")
	addr := fs.String("addr", "", "TCP listen address (overrides config)")
	dataDir := fs.String("data-dir", "", "data directory (overrides config)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.LoadStandalone(*cfgPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataDir != "" {
		// The bus file follows the data directory when it is moved by
		// flag.
		cfg.DataDir = *dataDir
		cfg.Worker.Bus.URL = config.SQLitePath(*dataDir)
	}

	logging.PrintBanner("standalone", version, cfg.Addr)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	// The gateway opens (and migrates) the bus; create it before the
	// worker so the worker's own open finds the schema in place.
	server, err := gateway.NewServer(&config.Gateway{
		Addr:      cfg.Addr,
		Bus:       config.Bus{URL: cfg.Worker.Bus.URL},
		Chat:      cfg.Chat,
		Allowlist: cfg.Allowlist,
		Repo:      cfg.Repo,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	gwErrCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		gwErrCh <- server.Serve(ctx)
	}()

	// No orchestrator runs locally, so this process owns bus maintenance.
	wg.Add(1)
	go func() {
		defer wg.Done()
		server.Bus().Maintain(ctx, bus.DefaultMaintainInterval, bus.DefaultRetention)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := worker.Run(ctx, &cfg.Worker); err != nil {
			slog.Error("worker error", "error", err)
		}
	}()

	slog.Info("chatwright standalone running",
		"addr", cfg.Addr,
		"dataDir", cfg.DataDir,
		"userId", cfg.Worker.UserID,
	)

	select {
	case err := <-gwErrCh:
		stop()
		wg.Wait()
		return err
	case <-ctx.Done():
		wg.Wait()
		return nil
	}
}
