package main

// Build the API Lambda:
//   GOOS=linux GOARCH=arm64 CGO_ENABLED=0 go build -o bootstrap ./cmd/lambda-http
//
// API Gateway buffers responses, so the SSE event stream is served by
// cmd/api only. Clients behind this entrypoint poll GET /services/:id.

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"

	"jobmatch-backend/internal/bootstrap"
	"jobmatch-backend/internal/shared/config"
	"jobmatch-backend/internal/shared/telemetry"
)

var (
	initOnce  sync.Once
	initErr   error
	ginLambda *ginadapter.GinLambdaV2
)

func initApp() {
	cfg := config.Load()
	cfg.Role = config.RoleAPI
	app, err := bootstrap.Build(cfg)
	if err == nil && app.MemoryQueue != nil {
		// Nothing drains an in-process queue between invocations.
		err = errors.New("lambda API needs a broker; set QUEUE_BACKEND")
	}
	if err != nil {
		initErr = err
		telemetry.Error("lambda.http.bootstrap_failed", map[string]any{"error": err})
		return
	}
	ginLambda = ginadapter.NewV2(app.Router)
	telemetry.Info("lambda.http.cold_start", map[string]any{"queue_backend": cfg.QueueBackend})
}

func handler(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	initOnce.Do(initApp)
	if initErr != nil || ginLambda == nil {
		return events.APIGatewayV2HTTPResponse{
			StatusCode: http.StatusServiceUnavailable,
			Body:       `{"error":{"code":"unavailable","message":"service is starting"}}`,
			Headers:    map[string]string{"Content-Type": "application/json", "Retry-After": "5"},
		}, nil
	}
	return ginLambda.ProxyWithContext(ctx, req)
}

func main() {
	lambda.Start(handler)
}
