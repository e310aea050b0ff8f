package main

import (
	"context"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/giftlink-fulfillment/internal/app"
	"github.com/imrishuroy/giftlink-fulfillment/internal/config"
	"github.com/imrishuroy/giftlink-fulfillment/internal/handlers"
	"github.com/imrishuroy/giftlink-fulfillment/internal/logging"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterRoutes(r, cfg)

	return r
}

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

	r := setupRouter(a.HandlerConfig())

	// RUN_LOCAL serves plain HTTP for development.
	if cfg.RunLocal {
		logger.Info("running local server", "addr", cfg.HTTPAddr)
		if err := r.Run(cfg.HTTPAddr); err != nil {
			logger.Error("local server stopped", "error", err)
			os.Exit(1)
		}
		return
	}

	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
