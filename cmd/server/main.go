package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/yourorg/payment-reconciler/internal/adapter"
	"github.com/yourorg/payment-reconciler/internal/adapter/chai"
	"github.com/yourorg/payment-reconciler/internal/adapter/mock"
	"github.com/yourorg/payment-reconciler/internal/cache"
	"github.com/yourorg/payment-reconciler/internal/config"
	"github.com/yourorg/payment-reconciler/internal/domain"
	"github.com/yourorg/payment-reconciler/internal/logging"
)

// configFileEnv names an optional YAML config file.
const configFileEnv = "RECONCILER_CONFIG_FILE"

func main() {
	cfg, err := config.Load(os.Getenv(configFileEnv))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, nil)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing()
	if err != nil {
		logger.WithError(err).Fatal("Failed to set up tracing")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.WithError(err).Warn("tracer shutdown failed")
		}
	}()

	var store *cache.OutcomeStore
	if cfg.Redis.Addr != "" {
		store = cache.NewOutcomeStore(cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB))
		if err := store.Ping(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to reach redis")
		}
	}

	srv, err := newServer(cfg, logger, remoteClient(cfg), store)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build reconciler")
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           setupRouter(srv),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(sctx)
	}()

	logger.WithFields(logrus.Fields{"addr": cfg.ListenAddr, "mock": cfg.Remote.UseMock}).Info("Starting server")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("Failed to run server")
	}
	logger.Info("Server stopped")
}

func remoteClient(cfg *config.Config) adapter.RemoteStatusClient {
	if cfg.Remote.UseMock {
		client := mock.NewMockClient()
		client.PrepareFunc = func(_ context.Context, txn domain.Transaction) adapter.Result[adapter.PrepareResponse] {
			return mock.Accepted("mock://processor/" + txn.MerchantTransactionID)
		}
		return client
	}
	return chai.NewChaiClient(chai.Config{
		BackendBaseURL:   cfg.Remote.BackendBaseURL,
		ProcessorBaseURL: cfg.Remote.ProcessorBaseURL,
		Timeout:          cfg.Remote.Timeout,
	}, nil)
}

func setupTracing() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
