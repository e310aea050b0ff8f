// Package app wires the service graph shared by the api, worker and
// reconciler binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/imrishuroy/giftlink-fulfillment/internal/artifact"
	"github.com/imrishuroy/giftlink-fulfillment/internal/attempts"
	"github.com/imrishuroy/giftlink-fulfillment/internal/aws"
	"github.com/imrishuroy/giftlink-fulfillment/internal/cache"
	"github.com/imrishuroy/giftlink-fulfillment/internal/config"
	"github.com/imrishuroy/giftlink-fulfillment/internal/fulfillment"
	"github.com/imrishuroy/giftlink-fulfillment/internal/gateway"
	"github.com/imrishuroy/giftlink-fulfillment/internal/handlers"
	"github.com/imrishuroy/giftlink-fulfillment/internal/idempotency"
	"github.com/imrishuroy/giftlink-fulfillment/internal/metrics"
	"github.com/imrishuroy/giftlink-fulfillment/internal/notify"
	"github.com/imrishuroy/giftlink-fulfillment/internal/orders"
	"github.com/imrishuroy/giftlink-fulfillment/internal/slug"
	"github.com/imrishuroy/giftlink-fulfillment/internal/webhook"
)

// App holds the wired components.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Orders     *orders.Store
	Refs       *idempotency.Store
	Service    *fulfillment.Service
	Reconciler *fulfillment.Reconciler
	Cache      cache.Cache
	Metrics    metrics.Recorder
	Verifier   *webhook.Verifier
}

// New builds the App from cfg using real AWS clients.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	clients, err := aws.NewAWSClients(ctx, aws.Settings{
		Region:           cfg.AWSRegion,
		EndpointOverride: cfg.AWSEndpointOverride,
	})
	if err != nil {
		return nil, fmt.Errorf("init aws clients: %w", err)
	}
	return FromClients(clients, cfg, logger), nil
}

// FromClients builds the App on the given clients.
func FromClients(clients *aws.AWSClients, cfg *config.Config, logger *slog.Logger) *App {
	store := orders.NewStore(clients.DynamoDB, orders.Tables{
		Orders: cfg.OrdersTable,
		Cards:  cfg.CardsTable,
		Slugs:  cfg.SlugsTable,
	})
	refs := idempotency.NewStore(clients.DynamoDB, cfg.PaymentRefsTable)

	var recorder metrics.Recorder = metrics.Noop{}
	if cfg.MetricsNamespace != "" {
		recorder = metrics.NewCloudWatch(clients.CloudWatch, cfg.MetricsNamespace, cfg.UpstreamTimeout, logger)
	}

	objects := aws.NewObjectStore(clients.S3, cfg.ArtifactBucket)
	dispatcher := notify.NewDispatcher(
		objects,
		aws.NewMailer(clients.SES, cfg.EmailFrom),
		cfg.EmailFrom,
		cfg.UpstreamTimeout,
		func(err error) bool { return errors.Is(err, aws.ErrObjectNotFound) },
	)

	var payments fulfillment.Payments
	if cfg.GatewayMockMode {
		logger.Warn("payment gateway in mock mode; client triggers are trusted")
		payments = gateway.NewMock(true)
	} else {
		payments = gateway.NewClient(cfg.GatewayAPIURL, cfg.GatewayAPIKey, cfg.UpstreamTimeout)
	}

	svc := fulfillment.NewService(fulfillment.Deps{
		Orders:    store,
		Refs:      refs,
		Attempts:  attempts.NewStore(clients.DynamoDB, cfg.NotificationAttemptsTable),
		Slugs:     slug.NewAllocator(0),
		Artifacts: artifact.NewGenerator(objects, cfg.UpstreamTimeout),
		Notifier:  dispatcher,
		Payments:  payments,
		Retries:   aws.NewPublisher(clients.SQS, cfg.NotifyQueueURL),
		Metrics:   recorder,
		Logger:    logger,
	}, fulfillment.Config{
		PublicBaseURL:     cfg.PublicBaseURL,
		LeaseTTL:          cfg.LeaseTTL,
		NotifyMaxAttempts: cfg.NotifyMaxAttempts,
	})

	var c cache.Cache = cache.Noop{}
	if cfg.RedisAddr != "" {
		c = cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, 0, cfg.UpstreamTimeout)
	}

	return &App{
		Config:     cfg,
		Logger:     logger,
		Orders:     store,
		Refs:       refs,
		Service:    svc,
		Reconciler: fulfillment.NewReconciler(svc, store, logger),
		Cache:      c,
		Metrics:    recorder,
		Verifier:   webhook.NewVerifier(cfg.WebhookSecret, cfg.WebhookTolerance),
	}
}

// HandlerConfig returns the HTTP handler dependencies.
func (a *App) HandlerConfig() handlers.HandlerConfig {
	return handlers.HandlerConfig{
		Orders:      a.Orders,
		Refs:        a.Refs,
		Fulfillment: a.Service,
		Verifier:    a.Verifier,
		Cache:       a.Cache,
		CacheTTL:    a.Config.StatusCacheTTL,
		Metrics:     a.Metrics,
		Logger:      a.Logger,
	}
}

// Close releases held connections.
func (a *App) Close() error {
	return a.Cache.Close()
}
