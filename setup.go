package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/lfusys/recorder-uploads/config"
	"github.com/lfusys/recorder-uploads/grpchealth"
	"github.com/lfusys/recorder-uploads/logging"
	"github.com/lfusys/recorder-uploads/tracing"
)

// App is the process's dependency graph, mirroring App:
// config and clients built once at startup, handed down to Services,
// torn down in reverse order on Shutdown.
type App struct {
	Config config.Config
	Logger logging.Logger

	AWSConfig awssdk.Config
	Redis     *redis.Client
	DynamoDB  *dynamodb.Client
	S3        *s3.Client
	SQS       *sqs.Client

	Services *Services

	HTTPServer *http.Server
	GRPCHealth *grpchealth.Server

	TracerProvider *trace.TracerProvider
}

// SetupApp builds the full dependency graph from environment
// configuration. AWS clients are constructed unconditionally (they are
// cheap and lazy) and the Redis client only when a Redis address is
// configured; the components that use them are only wired into
// Services when the corresponding config gate is enabled.
func SetupApp(ctx context.Context) (*App, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appLogger := logging.NewAppLogger(cfg.Env)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSConfig.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	app := &App{
		Config:    cfg,
		Logger:    appLogger,
		AWSConfig: awsCfg,
		DynamoDB:  dynamodb.NewFromConfig(awsCfg),
		S3:        s3.NewFromConfig(awsCfg),
		SQS:       sqs.NewFromConfig(awsCfg),
	}

	if cfg.Redis.Enabled() {
		app.Redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	}

	if cfg.Tracing.Enabled {
		tp, err := tracing.Init(ctx, cfg.Tracing.ServiceName)
		if err != nil {
			appLogger.Warn("tracing disabled: init error", "error", err)
		} else {
			app.TracerProvider = tp
			appLogger.Info("tracing initialized", "service", cfg.Tracing.ServiceName)
		}
	}

	svcs, err := BuildServices(app)
	if err != nil {
		return nil, fmt.Errorf("build services: %w", err)
	}
	app.Services = svcs

	return app, nil
}

// Run starts the background workers, the gRPC health surface and the
// HTTP server, blocking until the HTTP server exits.
func (a *App) Run(ctx context.Context) error {
	a.Services.Assembler.Start(ctx)
	go a.Services.Sweeper.Run(ctx)

	a.GRPCHealth = grpchealth.New(a.Services.HealthChecks(), 5*time.Second, a.Logger)
	go func() {
		if err := a.GRPCHealth.Serve(a.Config.Service.GRPCHealthAddr); err != nil {
			a.Logger.Error("grpc health server exited", "error", err)
		}
	}()
	a.Logger.Info("grpc health server started", "addr", a.Config.Service.GRPCHealthAddr)

	mux := http.NewServeMux()
	a.Services.RegisterRoutes(mux)
	a.HTTPServer = &http.Server{
		Addr:    a.Config.Service.HTTPAddr,
		Handler: mux,
	}

	a.Logger.Info("http server started", "addr", a.Config.Service.HTTPAddr)
	if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown tears down the process in reverse dependency order, giving
// in-flight work a bounded window to finish per spec §5's shutdown
// discipline.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("starting graceful shutdown")

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error("http server shutdown error", "error", err)
		}
	}

	if a.GRPCHealth != nil {
		a.GRPCHealth.GracefulStop()
	}

	if a.Services != nil {
		if err := a.Services.Shutdown(ctx); err != nil {
			a.Logger.Error("services shutdown error", "error", err)
		}
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("redis close error", "error", err)
		}
	}

	if a.TracerProvider != nil {
		if err := a.TracerProvider.Shutdown(ctx); err != nil {
			a.Logger.Error("tracer shutdown error", "error", err)
		}
	}

	a.Logger.Info("graceful shutdown complete")
	return nil
}
