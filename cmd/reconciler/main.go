package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/giftlink-fulfillment/internal/app"
	"github.com/imrishuroy/giftlink-fulfillment/internal/config"
	"github.com/imrishuroy/giftlink-fulfillment/internal/fulfillment"
	"github.com/imrishuroy/giftlink-fulfillment/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("error").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to init app", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	run := func(ctx context.Context) (fulfillment.Report, error) {
		rep, err := a.Reconciler.RunOnce(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "reconcile pass failed", "error", err)
		}
		return rep, err
	}

	if cfg.RunLocal {
		if _, err := run(context.Background()); err != nil {
			os.Exit(1)
		}
		return
	}

	// invoked by an EventBridge schedule
	lambda.Start(func(ctx context.Context, _ events.CloudWatchEvent) (fulfillment.Report, error) {
		return run(ctx)
	})
}
