//
//  Copyright © Maatini. All rights reserved.
//

package serve

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/maatini/authgate/internal/logging"
	"github.com/maatini/authgate/pkg/gateway/config"
	"github.com/maatini/authgate/pkg/gateway/server"
)

var logger = logging.GetLogger("authgate")

// Execute runs the serve command: load configuration, assemble the
// gateway and serve until interrupted, then drain within the configured
// grace window.
func Execute(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if port := cmd.Int("port"); port != 0 {
		cfg.Server.Port = int(port)
	}

	gw, err := server.New(cfg)
	if err != nil {
		return err
	}
	gw.Initialize()

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}
	logger.Infof("shutting down, draining for up to %s", cfg.Server.ShutdownGrace)

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownGrace)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		return err
	}

	logger.Infof("gateway exited gracefully")
	return nil
}
