package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/commission-engine/internal/app"
	"github.com/noah-isme/commission-engine/internal/audit"
	"github.com/noah-isme/commission-engine/internal/auth"
	"github.com/noah-isme/commission-engine/internal/commission"
	"github.com/noah-isme/commission-engine/internal/common"
	"github.com/noah-isme/commission-engine/internal/config"
	"github.com/noah-isme/commission-engine/internal/health"
	"github.com/noah-isme/commission-engine/internal/obs"
	"github.com/noah-isme/commission-engine/internal/ratelimit"
	"github.com/noah-isme/commission-engine/internal/resilience"
	"github.com/noah-isme/commission-engine/internal/security"
	"github.com/noah-isme/commission-engine/internal/selection"
	"github.com/noah-isme/commission-engine/internal/settlement"
	"github.com/noah-isme/commission-engine/internal/tasks"
)

func main() {
	cfg := config.MustLoad()

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "commission")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)
	resilience.RegisterMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "commission-api",
			Version:       envOrDefault("OBS_SERVICE_VERSION", ""),
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	deps, err := app.Build(startCtx, cfg, logger, app.Options{RedisTracing: tracingEnabled, RedisMetrics: metricsEnabled})
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error().Err(err).Msg("close dependencies")
		}
	}()

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{
		Enable:     true,
		EnableHSTS: cfg.AppEnv == "production",
		HSTSMaxAge: 31536000,
	}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	probes := map[string]health.Probe{"redis": health.RedisProbe(deps.Redis)}
	if deps.DB != nil {
		probes["postgres"] = health.PostgresProbe(deps.DB)
	}
	healthHandler := health.Handler{Probes: probes, Timeout: envDurationMillis("HEALTH_READY_TIMEOUT_MS", 500)}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		mountRoutes(v, deps, logger)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	health.SetReady(false)
	logger.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), envDurationMillis("SHUTDOWN_TIMEOUT_MS", 15000))
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
}

const jsonBodyMax = 1 << 20

func mountRoutes(v chi.Router, deps *app.Container, logger zerolog.Logger) {
	cfg := deps.Config
	authn := auth.Middleware{Verifier: deps.Verifier}
	operator := auth.RequireRole(common.RoleOperator)
	idem := common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL}
	recorder := audit.HTTPRecorder{
		Service: deps.Audit,
		OnError: func(err error) { logger.Error().Err(err).Msg("audit record") },
	}
	uploads := ratelimit.Handler{
		Limiter: deps.UploadLimiter,
		Key:     ratelimit.ByPrincipal,
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate limit store") },
	}
	// JSON bodies only; upload handlers enforce INVOICE_MAX_BYTES themselves and
	// answer FILE_TOO_LARGE
	jsonLimit := security.BodyLimit{Max: jsonBodyMax}

	selections := &selection.Handler{Svc: deps.Selections}
	commissions := &commission.Handler{Svc: deps.Commissions}
	if deps.Tasks != nil {
		commissions.Queue = deps.OrderQueue
	}
	payments := &settlement.Handler{Svc: deps.Settlement}
	auditLogs := &audit.Handler{Store: deps.AuditStore}
	taskAdmin := &tasks.AdminHandler{Inspector: deps.Inspector}

	if cfg.OrderEventsTokenHash != "" {
		v.With(auth.ServiceToken{Hash: cfg.OrderEventsTokenHash}.Middleware, jsonLimit.Middleware).
			Post("/order-events", commissions.OrderEvents)
	} else {
		logger.Warn().Msg("ORDER_EVENTS_TOKEN_HASH not set: order-event ingestion disabled")
	}

	v.Group(func(a chi.Router) {
		a.Use(authn.RequireAuth)

		a.Get("/pricing/bounds", selections.ProductBounds)
		a.With(jsonLimit.Middleware).Post("/pricing/quote", selections.Quote)

		a.Get("/selections/{selectionId}/items", selections.ListItems)
		a.With(jsonLimit.Middleware).Post("/selections/{selectionId}/items", selections.AddItem)
		a.Get("/selection-items/{itemId}/bounds", selections.ItemBounds)
		a.With(jsonLimit.Middleware).Put("/selection-items/{itemId}/margin", selections.SetMargin)
		a.Delete("/selection-items/{itemId}", selections.RemoveItem)

		a.Get("/commissions", commissions.List)
		a.Get("/commissions/summary", commissions.MySummary)
		a.Get("/commissions/{id}", commissions.Get)

		a.With(idem.Middleware, jsonLimit.Middleware).Post("/payment-requests", payments.Create)
		a.Get("/payment-requests", payments.List)
		a.Get("/payment-requests/{id}", payments.Get)
		a.With(uploads.Middleware).Post("/payment-requests/{id}/invoice", payments.UploadInvoice)
		a.Get("/payment-requests/{id}/invoice", payments.DownloadInvoice)
		a.Get("/payment-requests/{id}/invoice-template", payments.InvoiceTemplate)
		a.Route("/admin", func(admin chi.Router) {
			// affiliates may cancel their own pending requests; the service checks ownership
			admin.With(recorder.Middleware(audit.HTTPConfig{Action: "payment_request.cancel", ResourceIDParam: "id"})).
				Post("/payment-requests/{id}/cancel", payments.Cancel)

			admin.Group(func(op chi.Router) {
				op.Use(operator)
				op.With(recorder.Middleware(audit.HTTPConfig{
					Action:          "payment_request.pay",
					ResourceIDParam: "id",
				})).Post("/payment-requests/{id}/pay", payments.MarkPaid)
				op.With(recorder.Middleware(audit.HTTPConfig{Action: "commission.validate", ResourceIDParam: "id"})).
					Post("/commissions/{id}/validate", commissions.Validate)
				op.With(recorder.Middleware(audit.HTTPConfig{Action: "commission.cancel", ResourceIDParam: "id"})).
					Post("/commissions/{id}/cancel", commissions.Cancel)
				op.Get("/affiliates/{affiliateId}/commissions/summary", commissions.AffiliateSummary)
				op.Get("/audit-logs", auditLogs.List)

				op.Get("/tasks/{queue}", taskAdmin.Stats)
				op.Get("/tasks/{queue}/archived", taskAdmin.ListArchived)
				op.With(recorder.Middleware(audit.HTTPConfig{Action: "task.replay", ResourceIDParam: "id"})).
					Post("/tasks/{queue}/archived/{id}/replay", taskAdmin.Replay)
			})
		})
	})
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
