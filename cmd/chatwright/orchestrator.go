package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/chatwright/chatwright/internal/config"
	"github.com/chatwright/chatwright/internal/logging"
	"github.com/chatwright/chatwright/orchestrator"
)

func runOrchestrator(args []string) error {
	fs := flag.NewFlagSet("orchestrator", flag.ExitOnError)
	cfgPath := fs.String("config", "", "YAML config file")
	addr := fs.String("addr", "", "listen address (overrides config)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.LoadOrchestrator(*cfgPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	logging.PrintBanner("orchestrator", version, cfg.Addr)

	server, err := orchestrator.NewServer(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}
