// Package app wires the engine's stores, services and infrastructure from
// configuration. The API and the worker share one container layout.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"

	"github.com/noah-isme/commission-engine/internal/affiliate"
	"github.com/noah-isme/commission-engine/internal/audit"
	"github.com/noah-isme/commission-engine/internal/auth"
	"github.com/noah-isme/commission-engine/internal/cache"
	"github.com/noah-isme/commission-engine/internal/commission"
	"github.com/noah-isme/commission-engine/internal/common"
	"github.com/noah-isme/commission-engine/internal/config"
	"github.com/noah-isme/commission-engine/internal/db"
	"github.com/noah-isme/commission-engine/internal/events"
	"github.com/noah-isme/commission-engine/internal/lock"
	"github.com/noah-isme/commission-engine/internal/memstore"
	"github.com/noah-isme/commission-engine/internal/notify"
	"github.com/noah-isme/commission-engine/internal/obs"
	"github.com/noah-isme/commission-engine/internal/ratelimit"
	"github.com/noah-isme/commission-engine/internal/resilience"
	"github.com/noah-isme/commission-engine/internal/selection"
	"github.com/noah-isme/commission-engine/internal/settlement"
	"github.com/noah-isme/commission-engine/internal/storage"
	"github.com/noah-isme/commission-engine/internal/tasks"
)

// Options toggles instrumentation the entrypoints decide on.
type Options struct {
	RedisTracing bool
	RedisMetrics bool
	// Mailer overrides the log-backed email sender.
	Mailer common.EmailSender
}

// Container holds everything a process needs once configuration is applied.
type Container struct {
	Config *config.Config
	Logger zerolog.Logger

	DB        *pgxpool.Pool
	Redis     *redis.Client
	Memory    *memstore.DB
	Objects   storage.ObjectStore
	Tasks     *asynq.Client
	Inspector *asynq.Inspector
	Bus       *events.Bus

	Verifier      *auth.Verifier
	UploadLimiter *limiter.Limiter
	Locker        lock.Locker
	Audit         *audit.Service
	AuditStore    audit.Store

	Affiliates  affiliate.Store
	Selections  *selection.Service
	Commissions *commission.Service
	Settlement  *settlement.Service
	OrderQueue  tasks.Enqueuer

	closers []func() error
}

// Build connects backing services and assembles the domain services.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*Container, error) {
	c := &Container{Config: cfg, Logger: logger}
	if err := c.connectRedis(ctx, opts); err != nil {
		c.Close()
		return nil, err
	}

	var (
		affiliates  affiliate.Store
		selections  selection.Store
		commissions commission.Store
		payments    settlement.Store
		eventStore  events.EventStore
		auditStore  audit.Store
	)
	switch cfg.StorageDriver {
	case config.StorageDriverPostgres:
		if cfg.MigrateOnStart {
			if err := db.Migrate(cfg.DatabaseURL); err != nil {
				c.Close()
				return nil, err
			}
			logger.Info().Msg("migrations applied")
		}
		pool, err := db.Connect(ctx, cfg.DatabaseURL, db.Options{
			MaxConns: int32(cfg.DBMaxConns),
			Tracer:   &obs.PGXTracer{Logger: &logger},
		})
		if err != nil {
			c.Close()
			return nil, err
		}
		c.DB = pool
		c.closers = append(c.closers, func() error { pool.Close(); return nil })
		affiliates = affiliate.NewStore(pool)
		selections = selection.NewStore(pool)
		commissions = commission.NewStore(pool)
		payments = settlement.NewStore(pool)
		eventStore = events.NewPGStore(pool)
		auditStore = &audit.PGStore{Pool: pool}
	case config.StorageDriverMemory:
		logger.Warn().Msg("STORAGE_DRIVER=memory: ledger state is not persisted")
		c.Memory = memstore.New()
		affiliates = c.Memory.Affiliates()
		selections = c.Memory.Selections()
		commissions = c.Memory.Commissions()
		payments = c.Memory.Settlement()
		eventStore = &events.MemoryStore{}
		auditStore = &audit.MemoryStore{}
	default:
		c.Close()
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Objects = objects
	if g, ok := objects.(*storage.GCS); ok {
		c.closers = append(c.closers, g.Close)
	}

	ro := c.Redis.Options()
	redisOpt := asynq.RedisClientOpt{
		Addr:      ro.Addr,
		Username:  ro.Username,
		Password:  ro.Password,
		DB:        ro.DB,
		TLSConfig: ro.TLSConfig,
	}
	c.Tasks = asynq.NewClient(redisOpt)
	c.Inspector = asynq.NewInspector(redisOpt)
	c.closers = append(c.closers, c.Tasks.Close, c.Inspector.Close)

	mailer := opts.Mailer
	if mailer == nil {
		mailer = notify.LogSender{Logger: logger.With().Str("component", "mail").Logger()}
	}
	c.Bus = &events.Bus{
		Store:     eventStore,
		Scheduler: c.deliveryScheduler(),
		Notifiers: []events.Notifier{notify.EmailNotifier{
			Mail:       mailer,
			Affiliates: affiliates,
			Enabled:    cfg.NotifyEmailEnable,
			From:       cfg.NotifyEmailFrom,
			Currency:   cfg.Currency,
		}},
	}

	c.Verifier = auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTClockSkew)
	c.UploadLimiter, err = ratelimit.New(c.Redis, cfg.UploadRateLimit, "ratelimit:upload")
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("upload rate limit: %w", err)
	}
	c.Locker = lock.Locker{R: c.Redis, Prefix: "lock:", RetryBackoff: cfg.LockRetryBackoff}
	c.AuditStore = auditStore
	c.Audit = &audit.Service{Store: auditStore, Enabled: cfg.AuditEnabled, SamplingRate: 1}

	defaults := affiliate.Defaults{
		MinMargin:             cfg.PricingMinMargin,
		PlatformRate:          cfg.PlatformCommissionRate,
		BufferRate:            cfg.PricingBufferRate,
		PublicPriceMultiplier: cfg.PricingPublicPriceMultiplier,
	}
	c.Affiliates = affiliates
	c.Selections = &selection.Service{
		Store:      selections,
		Affiliates: affiliates,
		Defaults:   defaults,
		Logger:     logger.With().Str("component", "selection").Logger(),
	}
	c.Commissions = &commission.Service{
		Store:          commissions,
		Affiliates:     affiliates,
		Defaults:       defaults,
		DefaultTaxRate: cfg.DefaultTaxRate,
		Cache:          cache.New(c.Redis, cfg.AggregateCacheTTL),
		Events:         c.Bus,
		Logger:         logger.With().Str("component", "commission").Logger(),
	}
	c.Settlement = &settlement.Service{
		Store:                  payments,
		Objects:                objects,
		Ledger:                 c.Commissions,
		Affiliates:             affiliates,
		Events:                 c.Bus,
		Logger:                 logger.With().Str("component", "settlement").Logger(),
		MaxFileBytes:           cfg.InvoiceMaxBytes,
		AllowPayWithoutInvoice: cfg.SettlementAllowPayWithoutInvoice,
		NumberPrefix:           cfg.RequestNumberPrefix,
		Currency:               cfg.Currency,
	}
	c.OrderQueue = tasks.Enqueuer{Client: c.Tasks, Queue: cfg.QueueName, MaxRetry: cfg.QueueMaxRetry}
	return c, nil
}

// DeliveryWorker builds the webhook delivery handler, or nil when no
// endpoint is configured.
func (c *Container) DeliveryWorker() *notify.DeliveryWorker {
	if c.Config.EventsWebhookURL == "" {
		return nil
	}
	return &notify.DeliveryWorker{
		Webhook: &notify.Webhook{
			URL:    c.Config.EventsWebhookURL,
			Secret: c.Config.EventsWebhookKey,
			Client: notify.HTTPClient(c.Config.WebhookTimeout),
			Breaker: resilience.NewBreaker("events-webhook",
				c.Config.CircuitMinRequests, c.Config.CircuitFailureRatio, c.Config.CircuitOpenFor),
		},
		Locker:  c.Locker,
		LockTTL: c.Config.LockTTL,
		Logger:  c.Logger.With().Str("component", "webhook").Logger(),
	}
}

// OrderEventHandler builds the asynq handler applying order events.
func (c *Container) OrderEventHandler() *tasks.OrderEventHandler {
	return &tasks.OrderEventHandler{
		Ledger:  c.Commissions,
		Locker:  c.Locker,
		LockTTL: c.Config.LockTTL,
		Logger:  c.Logger.With().Str("component", "orders").Logger(),
	}
}

// Close releases connections in reverse order of acquisition.
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) connectRedis(ctx context.Context, opts Options) error {
	redisOpts, err := redis.ParseURL(c.Config.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if opts.RedisTracing {
		if err := redisotel.InstrumentTracing(client); err != nil {
			c.Logger.Error().Err(err).Msg("instrument redis tracing")
		}
	}
	if opts.RedisMetrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			c.Logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("ping redis: %w", err)
	}
	c.Redis = client
	c.closers = append(c.closers, client.Close)
	return nil
}

func (c *Container) deliveryScheduler() events.DeliveryScheduler {
	if c.Config.EventsWebhookURL == "" {
		return nil
	}
	return notify.Scheduler{Client: c.Tasks, Queue: tasks.QueueEvents, MaxRetry: c.Config.QueueMaxRetry}
}

func newObjectStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	switch cfg.ObjectStore {
	case config.ObjectStoreGCS:
		return storage.NewGCS(ctx, storage.GCSConfig{
			Bucket:          cfg.GCSBucket,
			Prefix:          cfg.GCSPrefix,
			CredentialsFile: cfg.GCSCredentialsFile,
			Endpoint:        cfg.GCSEndpoint,
		})
	case config.ObjectStoreMemory:
		return storage.NewMemory(cfg.GCSPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported object store %q", cfg.ObjectStore)
	}
}
