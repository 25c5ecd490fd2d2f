// Command tunl runs the reverse tunnel client beside a private service
// and exposes it at a public port on a tunnel server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tunl-sh/tunl/pkg/tunnel"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := tunnel.ClientConfig{}

	cmd := &cobra.Command{
		Use:           "tunl [local-port]",
		Short:         "Reverse tunnel client",
		Long:          "tunl exposes a service on a local port at a public port on a tunnel server.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The positional port is a convenience; an explicit
			// --local-port wins over it.
			if len(args) == 1 && !cmd.Flags().Changed("local-port") {
				port, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid local port %q", args[0])
				}
				cfg.LocalPort = port
			}

			client, err := tunnel.NewClient(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return client.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&cfg.LocalPort, "local-port", "l", 3000, "port the local service listens on")
	flags.IntVarP(&cfg.PublicPort, "server-port", "s", 5000, "public port requested on the server")
	flags.StringVarP(&cfg.Protocol, "protocol", "p", "http", "tunnel protocol (http or tcp)")
	flags.StringVar(&cfg.ServerHost, "server-host", "localhost", "tunnel server hostname")
	flags.IntVar(&cfg.ControlPort, "control-port", 7000, "tunnel server control port")
	flags.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}
