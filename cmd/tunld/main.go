// Command tunld runs the reverse tunnel server: it accepts client
// control channels and exposes their local services on public ports.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunl-sh/tunl/pkg/tunnel"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := tunnel.ServerConfig{}
	var requestTimeout time.Duration

	cmd := &cobra.Command{
		Use:           "tunld",
		Short:         "Reverse tunnel server",
		Long:          "tunld accepts tunnel clients on its control port and exposes each client's local service at a public port.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.RequestTimeout = requestTimeout
			srv, err := tunnel.NewServer(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&cfg.ControlPort, "control-port", 7000, "port the control endpoint listens on")
	flags.StringVar(&cfg.PublicHost, "host", "localhost", "hostname advertised in public tunnel URLs")
	flags.DurationVar(&requestTimeout, "request-timeout", 30*time.Second, "how long a public HTTP request waits for the origin")
	flags.IntVar(&cfg.PendingLimit, "pending-limit", 1024, "max in-flight requests per session before 503")
	flags.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}
