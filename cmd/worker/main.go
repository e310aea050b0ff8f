package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/giftlink-fulfillment/internal/app"
	"github.com/imrishuroy/giftlink-fulfillment/internal/config"
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

	p := NewProcessor(a.Service, logger)

	// RUN_LOCAL processes one message from LOCAL_SQS_BODY and exits.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			logger.Error("LOCAL_SQS_BODY is required with RUN_LOCAL")
			os.Exit(1)
		}
		resp, _ := p.Handle(context.Background(), events.SQSEvent{
			Records: []events.SQSMessage{{MessageId: "local-1", Body: body}},
		})
		if len(resp.BatchItemFailures) > 0 {
			os.Exit(1)
		}
		return
	}

	lambda.Start(p.Handle)
}
