// Package cli wires the galion commands: serve runs the service, submit
// enqueues work against a running instance, version prints build metadata.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	var configPath string
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "galion",
		Short:         "Multi-tenant content acquisition service",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to galion.conf (default: GALION_CONFIG, /etc/galion/galion.conf, ~/.config/galion/galion.conf)")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newSubmitCmd())
	root.AddCommand(newVersionCmd(version))
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
