package main

import (
	"context"
	crypto_rand "crypto/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/config"
	"github.com/lims/lims/internal/domain/audit"
	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/identity"
	"github.com/lims/lims/internal/domain/reports"
	"github.com/lims/lims/internal/domain/results"
	"github.com/lims/lims/internal/domain/workflow"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/blobstore"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/events"
	"github.com/lims/lims/internal/platform/kvstore"
	"github.com/lims/lims/internal/platform/middleware"
	"github.com/lims/lims/internal/platform/notification"
	"github.com/lims/lims/internal/platform/reporting"
	"github.com/lims/lims/internal/platform/validation"
)

const version = "0.1.0"

// Public report lookups are limited far below the API default.
const (
	lookupRPS   = 0.2
	lookupBurst = 5
)

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}

// infra holds the connections to external systems. Each optional backend
// falls back to an in-process implementation when it is not configured.
type infra struct {
	pool    *pgxpool.Pool
	kv      kvstore.Store
	blobs   blobstore.BlobStore
	pub     events.Publisher
	queued  bool
	closers []func()
}

func (in *infra) Close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		in.closers[i]()
	}
}

func connectInfra(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*infra, error) {
	in := &infra{}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	in.pool = pool
	in.closers = append(in.closers, pool.Close)
	logger.Info().Msg("connected to database")

	if cfg.RedisURL != "" {
		client, err := kvstore.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			in.Close()
			return nil, err
		}
		in.kv = kvstore.NewRedisStore(client, "lims:")
		in.closers = append(in.closers, func() { _ = client.Close() })
		logger.Info().Msg("connected to redis")
	} else {
		in.kv = kvstore.NewMemoryStore()
		logger.Warn().Msg("REDIS_URL not set, lockouts and revocations are kept in memory and not shared between instances")
	}

	if cfg.MinioEndpoint != "" {
		store, err := blobstore.NewMinioBlobStore(ctx, blobstore.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, logger)
		if err != nil {
			in.Close()
			return nil, err
		}
		in.blobs = store
		logger.Info().Str("bucket", cfg.MinioBucket).Msg("connected to object store")
	} else {
		in.blobs = blobstore.NewInMemoryBlobStore()
		logger.Warn().Msg("MINIO_ENDPOINT not set, report files are kept in memory")
	}

	if cfg.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			in.Close()
			return nil, err
		}
		in.pub = pub
		in.queued = true
		in.closers = append(in.closers, func() { _ = pub.Close() })
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("connected to message broker")
	} else {
		in.pub = events.NewLogPublisher(logger)
	}

	return in, nil
}

// resolveSigningKey returns the configured HS256 key or a random one. Tokens
// signed with a random key stop validating when the process restarts.
func resolveSigningKey(cfg *config.Config) ([]byte, bool, error) {
	key, err := cfg.SigningKey()
	if err != nil {
		return nil, false, err
	}
	if key != nil {
		return key, false, nil
	}
	key = make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, err
	}
	return key, true, nil
}

// authMiddleware picks token verification for the configured auth mode.
func authMiddleware(cfg *config.Config, key []byte, revoker *auth.Revoker) echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		SigningKey:  key,
		Revocations: revoker,
		Skipper:     auth.AuthSkipper,
	}
	switch cfg.ResolvedAuthMode() {
	case "external":
		jwtCfg.SigningKey = nil
		jwtCfg.Issuer = cfg.AuthIssuer
		jwtCfg.Audience = cfg.AuthAudience
		jwtCfg.JWKSURL = cfg.AuthJWKSURL
		return auth.JWTMiddleware(jwtCfg)
	case "development":
		return auth.DevAuthMiddleware(cfg.DefaultTenant, auth.JWTMiddleware(jwtCfg))
	default:
		return auth.JWTMiddleware(jwtCfg)
	}
}

// skipHealth applies mw to everything but the health endpoints, which must
// answer even when a tenant connection cannot be acquired.
func skipHealth(mw echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		wrapped := mw(next)
		return func(c echo.Context) error {
			if strings.HasPrefix(c.Request().URL.Path, "/health") {
				return next(c)
			}
			return wrapped(c)
		}
	}
}

func lookupRateKey(c echo.Context) string {
	return "lookup:" + c.RealIP()
}

// newServer builds the router with every handler registered.
func newServer(cfg *config.Config, in *infra, key []byte, logger zerolog.Logger) (*echo.Echo, error) {
	issuer, err := auth.NewTokenIssuer(key, cfg.AuthIssuer, cfg.JWTTTL)
	if err != nil {
		return nil, err
	}
	revoker := auth.NewRevoker(in.kv)

	// Notifications go to the broker for the mailer and SMS gateway, or to
	// the log when no broker is configured.
	var sender interface {
		notification.EmailSender
		notification.SMSSender
	} = notification.NewLogSender(logger)
	if in.queued {
		sender = notification.NewQueueSender(in.pub)
	}
	notifier := notification.NewNotificationManager(sender, sender, notification.NewTemplateEngine(cfg.LabName), logger)

	tx := db.NewTransactor(in.pool)

	patientRepo := identity.NewPatientRepo(in.pool)
	guard := identity.NewPasscodeGuard(patientRepo, in.kv, cfg.PasscodeMaxAttempts, cfg.PasscodeLockout)
	userSvc := identity.NewUserService(identity.NewUserRepo(in.pool), tx, issuer, revoker, in.kv,
		identity.LoginPolicy{MaxAttempts: cfg.LoginMaxAttempts, Window: 15 * time.Minute}, logger)
	patientSvc := identity.NewPatientService(patientRepo, guard, in.pub, notifier, logger)

	catalogSvc := catalog.NewService(catalog.NewTestRepo(in.pool), catalog.NewPackageRepo(in.pool), tx, logger)
	workflowSvc := workflow.NewService(workflow.NewAssignmentRepo(in.pool), tx, patientSvc, userSvc, catalogSvc, in.pub, logger)
	resultSvc := results.NewService(results.NewResultRepo(in.pool), tx, workflowSvc, catalogSvc, patientSvc, userSvc,
		in.pub, notifier, logger)
	reportSvc := reports.NewService(reports.Deps{
		Repo:     reports.NewReportRepo(in.pool),
		Tx:       tx,
		Results:  resultSvc,
		Patients: patientSvc,
		Catalog:  catalogSvc,
		Staff:    userSvc,
		Blobs:    in.blobs,
		Renderer: reports.NewPDFRenderer(reports.LabInfo{Name: cfg.LabName, Address: cfg.LabAddress, Phone: cfg.LabPhone}),
		Pub:      in.pub,
		Notifier: notifier,
		Logger:   logger,
	})
	auditSvc := audit.NewService(audit.NewAuditRepo(in.pool), logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(authMiddleware(cfg, key, revoker))
	e.Use(skipHealth(db.TenantMiddleware(in.pool, cfg.DefaultTenant)))
	e.Use(middleware.Audit(logger, auditSvc))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(in.pool,
		db.Check{Name: "kvstore", Fn: in.kv.Ping},
		db.Check{Name: "blobstore", Fn: in.blobs.Ping},
	))

	apiV1 := e.Group("/api/v1", middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	identity.NewHandler(userSvc, patientSvc).RegisterRoutes(apiV1)
	catalog.NewHandler(catalogSvc).RegisterRoutes(apiV1)
	workflow.NewHandler(workflowSvc).RegisterRoutes(apiV1)
	results.NewHandler(resultSvc).RegisterRoutes(apiV1)

	reportHandler := reports.NewHandler(reportSvc)
	reportHandler.RegisterRoutes(apiV1)
	reportHandler.RegisterPublicRoutes(apiV1, middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: lookupRPS,
		BurstSize:         lookupBurst,
		KeyFunc:           lookupRateKey,
	}))

	audit.NewHandler(auditSvc).RegisterRoutes(apiV1)
	reporting.NewHandler(reporting.NewPGRunner(in.pool)).RegisterRoutes(apiV1)
	notification.NewNotificationHandler(notifier).RegisterRoutes(apiV1.Group("/admin", auth.RequireRole(auth.RoleAdmin)))

	return e, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	key, generated, err := resolveSigningKey(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve signing key")
	}
	if generated {
		logger.Warn().Msg("JWT_SIGNING_KEY not set, using a random key; tokens will not survive a restart")
	}

	ctx := context.Background()
	in, err := connectInfra(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect backing services")
	}
	defer in.Close()

	e, err := newServer(cfg, in, key, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
