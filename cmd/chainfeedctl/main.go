// chainfeedctl is the operator CLI: it inspects a running mesh through
// the same Redis bus the nodes converge on.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"chainfeed/cmd/chainfeedctl/ui"
	"chainfeed/internal/bus"
	"chainfeed/internal/logging"

	"github.com/spf13/cobra"
)

var version = "dev"

const connectTimeout = 3 * time.Second

func main() {
	var (
		debug   bool
		plain   bool
		busAddr string
	)
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "chainfeedctl",
		Short:         "Inspect a chainfeed mesh",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ui.Configure(plain)
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&plain, "plain", false, "Disable colored output")
	root.PersistentFlags().StringVar(&busAddr, "bus", bus.AddrFromEnv(), "Redis address host:port")

	root.AddCommand(statusCmd(&busAddr))
	root.AddCommand(meshCmd(&busAddr))
	root.AddCommand(truthCmd(&busAddr))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}

// connect opens a bus client and verifies the server answers.
func connect(ctx context.Context, addr string) (*bus.Client, error) {
	b := bus.New(addr)
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := b.Ping(pingCtx); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("bus %s unreachable: %w", addr, err)
	}
	return b, nil
}
