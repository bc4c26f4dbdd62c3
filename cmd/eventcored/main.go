// eventcored hosts the example domains behind the RPC surface.
//
// Configuration is read from EVENTCORE_* environment variables and an
// optional .env file; see pkg/config.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/plaenen/eventcore/pkg/config"
	"github.com/plaenen/eventcore/pkg/runner"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "eventcored: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	r := runner.New(a.services,
		runner.WithLogger(logger),
		runner.WithShutdownTimeout(cfg.ShutdownTimeout),
	)
	a.health = r.HealthCheck
	return r.Run(ctx)
}
