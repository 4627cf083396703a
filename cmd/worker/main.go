package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/commission-engine/internal/app"
	"github.com/noah-isme/commission-engine/internal/config"
	"github.com/noah-isme/commission-engine/internal/obs"
	"github.com/noah-isme/commission-engine/internal/resilience"
	"github.com/noah-isme/commission-engine/internal/tasks"
)

func main() {
	cfg := config.MustLoad()

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "commission")
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)
	resilience.RegisterMetrics(metricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.StorageDriver == config.StorageDriverMemory {
		logger.Warn().Msg("STORAGE_DRIVER=memory: the worker does not share state with the API")
	}

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	deps, err := app.Build(startCtx, cfg, logger, app.Options{RedisTracing: true})
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error().Err(err).Msg("close dependencies")
		}
	}()

	ro := deps.Redis.Options()
	srv := asynq.NewServer(asynq.RedisClientOpt{
		Addr:      ro.Addr,
		Username:  ro.Username,
		Password:  ro.Password,
		DB:        ro.DB,
		TLSConfig: ro.TLSConfig,
	}, asynq.Config{
		Concurrency: cfg.QueueConcurrency,
		Queues:      tasks.Queues(cfg.QueueName),
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return resilience.Backoff(cfg.RetryBase, n+1, cfg.RetryJitterPercent)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Warn().Err(err).Str("type", task.Type()).Int("retried", retried).Int("max_retry", maxRetry).Msg("task failed")
		}),
		Logger:          asynqLogger{logger},
		ShutdownTimeout: 20 * time.Second,
	})

	mux := tasks.NewServeMux(deps.OrderEventHandler(), deps.DeliveryWorker())

	if addr := envOrDefault("WORKER_METRICS_ADDR", ""); addr != "" {
		go func() {
			m := http.NewServeMux()
			m.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, m); err != nil {
				logger.Error().Err(err).Msg("metrics listener")
			}
		}()
	}

	logger.Info().Int("concurrency", cfg.QueueConcurrency).Msg("worker starting")
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	<-ctx.Done()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}

// asynqLogger routes asynq's internal logging through zerolog.
type asynqLogger struct {
	l zerolog.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmt.Sprint(args...)) }

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
