package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nerdkernel/internal/api"
	"nerdkernel/internal/system"
)

var serveAddr string

// serveCmd runs the cycle loop and the decision API until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cycle loop and the HTTP decision API",
	Long: `Boots the full Cortex for the workspace, including the learnings store
and rule hot reload when configured, then drives cycles on the configured
interval while serving the decision API.

Example:
  nerd serve --addr 127.0.0.1:7777`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: api.addr from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	base := cmd.Context()
	if base == nil {
		base = context.Background()
	}
	ctx, stop := signal.NotifyContext(base, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws := resolveWorkspace()
	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.API.Addr = serveAddr
	}
	cfg.API.Enabled = true

	cx, err := system.BootCortex(ctx, ws, cfg)
	if err != nil {
		return fmt.Errorf("failed to boot cortex: %w", err)
	}
	defer func() {
		if err := cx.Close(); err != nil {
			logger.Warn("Shutdown incomplete", zap.Error(err))
		}
	}()

	logger.Info("Serving", zap.String("addr", cfg.API.Addr), zap.String("workspace", ws))
	fmt.Fprintf(cmd.OutOrStdout(), "%s decision API on %s\n", okStyle.Render("serving"), cfg.API.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cx.Controller.Run(gctx) })
	g.Go(func() error { return api.Serve(gctx, cfg.API.Addr, cx) })
	return g.Wait()
}
