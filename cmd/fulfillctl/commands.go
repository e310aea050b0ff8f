package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/giftlink-fulfillment/internal/fulfillment"
	"github.com/imrishuroy/giftlink-fulfillment/internal/logging"
	"github.com/imrishuroy/giftlink-fulfillment/internal/poller"
)

func reconcileCmd() *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Complete stuck fulfillments and send owed notifications",
		Long: `Runs one reconciliation pass, or one pass per --every interval until
interrupted. Orders held by a live lease are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			for {
				rep, err := a.Reconciler.RunOnce(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
				if every <= 0 {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(every):
				}
			}
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "repeat the pass at this interval")
	return cmd
}

func fulfillCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "fulfill <payment-reference>",
		Short: "Trigger fulfillment for a payment reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Service.Fulfill(ctx, fulfillment.Request{
				PaymentReference: args[0],
				ContactEmail:     email,
				Source:           fulfillment.SourceOperator,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "notification address to record before fulfilling")
	return cmd
}

func notifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notify <order-id>",
		Short: "Send the owed notification for a fulfilled order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			outcome, err := a.Service.NotifyOrder(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"order_id": args[0], "notification": outcome})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <order-id>",
		Short: "Show the public status of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Service.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

// awaitCmd runs the post-checkout poller against a deployed API, which is
// what the buyer's browser does after the gateway redirect.
func awaitCmd() *cobra.Command {
	var (
		apiURL   string
		cfg      poller.Config
		timeout  time.Duration
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "await <order-id> <payment-reference>",
		Short: "Poll an order until it is fulfilled",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return errors.New("--api-url is required")
			}
			p := poller.New(poller.NewHTTPClient(apiURL, 10*time.Second), cfg, logging.NewWithWriter(cmd.ErrOrStderr(), logLevel))

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			st, err := p.Await(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "", "base URL of the fulfillment API")
	cmd.Flags().DurationVar(&cfg.Interval, "interval", 2*time.Second, "poll interval")
	cmd.Flags().DurationVar(&cfg.GracePeriod, "grace", 10*time.Second, "wait this long for the webhook before triggering fulfillment")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up after this long")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}
