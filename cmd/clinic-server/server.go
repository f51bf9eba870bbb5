package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/clinic/internal/config"
	"github.com/clinicdesk/clinic/internal/domain/analytics"
	"github.com/clinicdesk/clinic/internal/domain/appointment"
	"github.com/clinicdesk/clinic/internal/domain/clinical"
	"github.com/clinicdesk/clinic/internal/domain/identity"
	"github.com/clinicdesk/clinic/internal/domain/notification"
	"github.com/clinicdesk/clinic/internal/platform/auth"
	"github.com/clinicdesk/clinic/internal/platform/db"
	"github.com/clinicdesk/clinic/internal/platform/mailer"
	"github.com/clinicdesk/clinic/internal/platform/middleware"
	"github.com/clinicdesk/clinic/internal/platform/payment"
	"github.com/clinicdesk/clinic/internal/platform/telemetry"
)

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.JWTSecret == "" {
		logger.Warn().Msg("JWT_SECRET not set, signing tokens with the development secret")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	counter, closeCounter, err := newThrottleCounter(ctx, cfg.RedisURL, logger)
	if err != nil {
		return err
	}
	defer closeCounter()

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())

	sender, err := mailer.NewSender(ctx, mailer.Config{
		Provider:       cfg.MailProvider,
		FromEmail:      cfg.MailFrom,
		FromName:       cfg.MailFromName,
		SendGridAPIKey: cfg.SendGridAPIKey,
		AWSRegion:      cfg.AWSRegion,
	}, logger)
	if err != nil {
		return fmt.Errorf("mail transport: %w", err)
	}
	dcfg := mailer.DefaultDispatcherConfig()
	if cfg.MailWorkers > 0 {
		dcfg.Workers = cfg.MailWorkers
	}
	if cfg.MailQueueSize > 0 {
		dcfg.QueueSize = cfg.MailQueueSize
	}
	if cfg.MailMaxRetries >= 0 {
		dcfg.MaxRetries = cfg.MailMaxRetries
	}
	dispatcher := mailer.NewDispatcher(sender, dcfg, logger, mailer.WithObserver(metrics.EmailOutcome))
	dispatcher.Start()

	gateway := payment.NewStripeGateway(payment.StripeConfig{
		SecretKey:      cfg.StripeSecretKey,
		PublishableKey: cfg.StripePublishableKey,
		BaseURL:        cfg.StripeBaseURL,
		DryRun:         cfg.StripeDryRun,
	}, logger)
	if !gateway.Configured() {
		logger.Warn().Msg("stripe is not configured, payment intents will be rejected")
	}

	e := newHTTPServer(cfg, logger, metrics, dispatcher)
	e.GET("/health/db", db.HealthHandler(pool))
	mountAPI(e, cfg, logger, pool, apiDeps{
		mail:     dispatcher,
		payments: gateway,
		metrics:  metrics,
		throttle: counter,
	})

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("mail dispatcher did not drain")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newHTTPServer builds the echo instance with the global middleware chain
// and the infrastructure routes that need no database. /health reports the
// mail queue when mail is set.
func newHTTPServer(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics, mail *mailer.Dispatcher) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Pre(echomw.RemoveTrailingSlash())

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(telemetry.TracingMiddleware())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
		rl.BurstSize = cfg.RateLimitBurst
	}
	if rl.BurstSize < 1 {
		rl.BurstSize = int(rl.RequestsPerSecond) + 1
	}
	rl.OnLimit = metrics.Throttled
	e.Use(middleware.RateLimit(rl))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.Audit(logger))

	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"message": "Backend is running!"})
	})
	e.GET("/health", func(c echo.Context) error {
		body := map[string]interface{}{"status": "ok"}
		if mail != nil {
			body["mail"] = mail.Stats()
		}
		return c.JSON(http.StatusOK, body)
	})
	e.GET("/metrics", metrics.Handler())
	return e
}

type apiDeps struct {
	mail     notification.Mailer
	payments payment.Gateway
	metrics  *telemetry.Metrics
	throttle middleware.WindowCounter
}

// mountAPI wires repositories, services and handlers under /api/accounts.
func mountAPI(e *echo.Echo, cfg *config.Config, logger zerolog.Logger, d db.DB, deps apiDeps) {
	tx := db.NewTxRunner(d)
	issuer := auth.NewIssuer(auth.IssuerConfig{
		Secret:     []byte(cfg.SigningSecret()),
		Issuer:     cfg.JWTIssuer,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})

	notifySvc := notification.NewService(notification.NewRepo(d), deps.mail, nil, deps.metrics, logger)
	identitySvc := identity.NewService(identity.NewUserRepo(d), notifySvc, tx,
		auth.NewPasswordHasher(cfg.BcryptCost), issuer,
		identity.Config{ResetCodeTTL: cfg.ResetCodeTTL}, logger)
	apptSvc := appointment.NewService(appointment.NewRepo(d), identitySvc, notifySvc, tx,
		deps.payments, deps.metrics,
		appointment.Config{FeeCents: cfg.AppointmentFeeCents, Currency: cfg.AppointmentCurrency}, logger)
	clinicalSvc := clinical.NewService(clinical.NewLabReportRepo(d), clinical.NewReferralRepo(d),
		clinical.NewPrescriptionRepo(d), identitySvc, notifySvc, tx, logger)
	analyticsSvc := analytics.NewService(analytics.NewRepo(d), logger)

	api := e.Group("/api/accounts")
	api.Use(auth.JWTMiddleware(issuer, auth.AuthSkipper))

	authLimit := middleware.Throttle(deps.throttle, middleware.ThrottleConfig{
		Scope:   "auth",
		Limit:   cfg.AuthThrottleLimit,
		Window:  cfg.AuthThrottleWindow,
		OnLimit: deps.metrics.Throttled,
	}, logger)

	identity.NewHandler(identitySvc).RegisterRoutes(api, authLimit)
	notification.NewHandler(notifySvc).RegisterRoutes(api)
	appointment.NewHandler(apptSvc).RegisterRoutes(api)
	clinical.NewHandler(clinicalSvc).RegisterRoutes(api)
	analytics.NewHandler(analyticsSvc).RegisterRoutes(api, auth.RequireRoles(auth.RoleDoctor, auth.RoleAdmin))
}

// newThrottleCounter returns a redis-backed window counter when redisURL is
// set and the in-memory counter otherwise.
func newThrottleCounter(ctx context.Context, redisURL string, logger zerolog.Logger) (middleware.WindowCounter, func(), error) {
	if redisURL == "" {
		logger.Info().Msg("REDIS_URL not set, auth throttling is per process")
		return middleware.NewMemoryCounter(), func() {}, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable, throttle falls back to memory until it recovers")
	}
	return middleware.NewRedisCounter(client), func() { client.Close() }, nil
}
