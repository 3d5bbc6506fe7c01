package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"chainfeed/daemon"
	"chainfeed/internal/bus"
	"chainfeed/internal/logging"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var busAddr string
	var seedPath string
	var debug bool

	cmd := &cobra.Command{
		Use:     "chainfeedd",
		Short:   "Chainfeed market data mesh node",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := daemon.Config{BusAddr: busAddr, Version: version}
			if seedPath != "" {
				cfg.SeedPaths = []string{seedPath}
			}
			return daemon.Run(ctx, cfg)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&busAddr, "bus", bus.AddrFromEnv(), "Redis address host:port")
	cmd.Flags().StringVar(&seedPath, "truth-seed", "", "Truth seed document path")
	return cmd
}
