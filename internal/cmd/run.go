package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/wsrouter/internal/config"
	"github.com/amurg-ai/wsrouter/internal/gateway"
	"github.com/amurg-ai/wsrouter/internal/logctx"
)

const defaultConfigPath = "wsrouter.json"

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the router (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
	cmd.Flags().Bool("no-watch", false, "do not reload the client policy when the config file changes")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, defaultConfigPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	logger := newLogger(cmd.OutOrStdout(), cfg.Logging)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	g, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize router", "error", err)
		return err
	}
	if noWatch, _ := cmd.Flags().GetBool("no-watch"); !noWatch {
		g.WatchConfig(configPath)
	}

	logger.Info("wsrouter starting", "version", version, "config", configPath, "instance_id", g.InstanceID())

	if err := g.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("router error", "error", err)
		return err
	}

	logger.Info("router stopped")
	return nil
}

// newLogger builds the process logger. Records carry the session and
// request fields stored in their context.
func newLogger(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(logctx.NewHandler(handler))
}
