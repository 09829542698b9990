package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/teller/internal/runtime"
)

func runServe(cmd *cobra.Command, args []string) error {
	t, logger, cleanup, err := setup(os.Stdout)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := t.Start(ctx); err != nil {
		return err
	}

	serveErr := t.Wait(ctx)
	if serveErr != nil {
		logger.Error("server failed", slog.String("error", serveErr.Error()))
	} else {
		logger.Info("shutdown signal received, stopping teller")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), runtime.DefaultShutdownTimeout)
	defer cancel()
	if err := t.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return serveErr
}
