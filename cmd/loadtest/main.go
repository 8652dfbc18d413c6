// Command loadtest drives simulated users against a running gateway.
//
// Usage:
//
//	loadtest match --pairs 500 --url ws://localhost:8080/ws
//	loadtest saturate --conns 10000
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:          "loadtest",
		Short:        "Load test the roulette gateway",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("url", "ws://localhost:8080/ws", "gateway WebSocket URL")
	root.AddCommand(newMatchCommand(), newSaturateCommand())

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
