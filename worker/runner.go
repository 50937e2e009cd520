// Package worker provides an exported entry point for running the
// per-user worker session as a library (e.g. from the standalone
// all-in-one binary).
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/chatwright/chatwright/internal/bus"
	"github.com/chatwright/chatwright/internal/config"
	"github.com/chatwright/chatwright/internal/worker/gitutil"
	"github.com/chatwright/chatwright/internal/worker/session"
)

// Run prepares the workspace and runs the worker session until it exits
// on its own (idle timeout) or ctx is cancelled. Cancellation is a clean
// exit: the supervisor asked the worker to stop, and a zero exit keeps
// the pod from flapping through restart backoff.
func Run(ctx context.Context, cfg *config.Worker) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	if err := os.MkdirAll(cfg.Workspace, 0o750); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	if cfg.RepositoryURL != "" {
		if err := gitutil.Clone(ctx, cfg.RepositoryURL, cfg.Workspace); err != nil {
			return fmt.Errorf("clone repository: %w", err)
		}
	}

	b, err := bus.Open(cfg.Bus.URL)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer func() { _ = b.Close() }()

	slog.Info("worker starting",
		"userId", cfg.UserID,
		"deployment", cfg.DeploymentName,
		"workspace", cfg.Workspace,
		"directConsume", cfg.DirectConsume,
	)

	err = session.New(b, *cfg).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("session: %w", err)
	}
	slog.Info("worker exiting", "userId", cfg.UserID)
	return nil
}
