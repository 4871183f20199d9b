package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/openclaw/agent-coordinator/internal/breaker"
	"github.com/openclaw/agent-coordinator/internal/config"
	"github.com/openclaw/agent-coordinator/internal/database"
	"github.com/openclaw/agent-coordinator/internal/handler"
	"github.com/openclaw/agent-coordinator/internal/jobs"
	"github.com/openclaw/agent-coordinator/internal/middleware"
	"github.com/openclaw/agent-coordinator/internal/redis"
	"github.com/openclaw/agent-coordinator/internal/repository"
	"github.com/openclaw/agent-coordinator/internal/service"
	"github.com/openclaw/agent-coordinator/internal/sse"
	"github.com/openclaw/agent-coordinator/internal/util"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	flagSet := pflag.NewFlagSet("coordinator", pflag.ContinueOnError)
	migrate := flagSet.Bool("migrate", false, "apply the database schema before serving")
	checkConfig := flagSet.Bool("check-config", false, "validate configuration and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if *checkConfig {
		log.Info().Bool("production", isProduction).Msg("config ok")
		return
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Bool("sqlite", db.IsSQLite()).Msg("database connected")

	if *migrate || db.IsSQLite() {
		if err := db.Migrate(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
		log.Info().Msg("database schema applied")
	}

	var (
		broker      *sse.Broker
		busyFlags   service.BusyFlags
		rateLimiter middleware.Limiter
	)
	if cfg.RedisURL != "" {
		redisClient, err := redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")

		broker = sse.NewBroker(redisClient.Client)
		busyFlags = redis.NewBusyFlags(redisClient.Client)
		rateLimiter = service.NewRateLimiter(redisClient.Client)
	} else {
		log.Warn().Msg("REDIS_URL not set: events, busy flags and rate limits are local to this process")
		broker = sse.NewBroker(nil)
		busyFlags = service.NewLocalBusyFlags()
		rateLimiter = middleware.NewLocalRateLimiter()
	}
	defer broker.Close()

	var sealer *util.Sealer
	if cfg.EncryptionKey != "" {
		sealer, err = util.NewSealer(cfg.EncryptionKey)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid encryption key")
		}
	}

	breakers := breaker.NewRegistry(breaker.Config{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown(),
	})

	pairingCodeRepo := repository.NewPairingCodeRepository(db.DB)
	deviceRepo := repository.NewDeviceRepository(db.DB)
	leaseRepo := repository.NewLeaseRepository(db.DB)
	commandRepo := repository.NewCommandRepository(db.DB)

	pairingService := service.NewPairingService(db, pairingCodeRepo, deviceRepo, leaseRepo, broker, service.PairingConfig{
		CodeTTL:  cfg.PairingCodeTTL(),
		TokenTTL: cfg.DeviceTokenTTL(),
	})
	deviceService := service.NewDeviceService(db, deviceRepo, leaseRepo, broker)
	leaseService := service.NewLeaseService(db, leaseRepo, broker, cfg.LeaseTTL())
	commandService := service.NewCommandService(commandRepo, broker, breakers, busyFlags, sealer, service.CommandConfig{
		TTL:           cfg.CommandTTL(),
		PollInterval:  cfg.SyncPollInterval(),
		SyncTimeout:   cfg.SyncTimeout(),
		SyncPriority:  config.SyncCommandPriority,
		BusyFlagGrace: config.BusyFlagGrace,
	})
	phoneService := service.NewPhoneCheckService(commandService)

	operatorAuth := middleware.NewOperatorAuth(cfg.OperatorJWTSecret)
	adminKeyMiddleware := middleware.NewAdminKeyMiddleware(
		cfg.AdminKeyHash, middleware.NewAttemptLimiter(config.AdminMaxAttempts, config.AdminLockoutWindow),
	)
	agentRateLimit := middleware.NewIPRateLimitMiddleware(rateLimiter, cfg.AgentRateLimitPerMin, time.Minute, "agent")
	pairingRateLimit := middleware.NewIPRateLimitMiddleware(rateLimiter, cfg.PairingRateLimitPerMin, time.Minute, "pairing")
	agentBodyLimit := middleware.NewBodyLimitMiddleware(config.MaxAgentBodyBytes)
	operatorBodyLimit := middleware.NewBodyLimitMiddleware(config.MaxOperatorBodyBytes)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	agentHandler := handler.NewAgentHandler(pairingService, deviceService, leaseService, commandService, pairingRateLimit.Handler)
	operatorHandler := handler.NewOperatorHandler(pairingService, deviceService, leaseService, commandService, phoneService, breakers)
	eventsHandler := handler.NewEventsHandler(broker, leaseService)
	adminHandler := handler.NewAdminHandler(breakers, adminKeyMiddleware.Handler)
	healthHandler := handler.NewHealthHandler(db, breakers)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/api/extension", func(r chi.Router) {
		// The event stream is long lived and must not sit behind the request timeout.
		r.With(operatorAuth.Handler).Get("/events", eventsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

			r.Group(func(r chi.Router) {
				r.Use(agentRateLimit.Handler)
				r.Use(agentBodyLimit.Handler)
				agentHandler.Register(r)
			})

			r.Group(func(r chi.Router) {
				r.Use(operatorAuth.Handler)
				r.Use(operatorBodyLimit.Handler)
				operatorHandler.Register(r)
			})
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(operatorBodyLimit.Handler)
		r.Mount("/", adminHandler.Routes())
	})

	cleanupJob := jobs.NewCleanupJob(
		pairingCodeRepo, leaseRepo, commandRepo,
		config.CleanupJobInterval, cfg.CommandRetention(),
	)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
