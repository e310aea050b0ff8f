// Command fulfillctl is the operator CLI for the fulfillment service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/giftlink-fulfillment/internal/app"
	"github.com/imrishuroy/giftlink-fulfillment/internal/config"
	"github.com/imrishuroy/giftlink-fulfillment/internal/logging"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fulfillctl",
		Short:         "Operate gift-link order fulfillment",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(reconcileCmd())
	root.AddCommand(fulfillCmd())
	root.AddCommand(notifyCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(awaitCmd())

	return root
}

// loadApp builds the service graph from the environment.
func loadApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, logging.NewWithWriter(os.Stderr, cfg.LogLevel))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
