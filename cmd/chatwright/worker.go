package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/chatwright/chatwright/internal/config"
	"github.com/chatwright/chatwright/internal/logging"
	"github.com/chatwright/chatwright/worker"
)

func runWorker(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	// Worker pods are configured entirely by their deployment
	// environment; there is no config file to point at.
	cfg, err := config.LoadWorker()
	if err != nil {
		return err
	}

	logging.PrintBanner("worker", version, cfg.UserID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return worker.Run(ctx, cfg)
}
