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
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/crypto/bcrypt"

	echoapi "go.tradekit.io/authcore/api/echo"
	"go.tradekit.io/authcore/cache"
	"go.tradekit.io/authcore/config"
	"go.tradekit.io/authcore/internal/audit"
	"go.tradekit.io/authcore/internal/auth"
	"go.tradekit.io/authcore/internal/crypto"
	"go.tradekit.io/authcore/internal/metrics"
	"go.tradekit.io/authcore/log"
	"go.tradekit.io/authcore/mail"
	"go.tradekit.io/authcore/mongodb"
	"go.tradekit.io/authcore/semaphore"
	"go.tradekit.io/authcore/services"
	"go.tradekit.io/authcore/tracing"
)

var (
	appLogger      log.Logger
	tracerProvider *sdktrace.TracerProvider
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize Logger
	logLevel, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)
	if cfg.LogPretty {
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	appLogger = log.NewZerologAdapter(logLevel, cfg.LogPretty)
	appLogger.Info(context.Background(), "Starting authcore server...", map[string]any{
		"http_port":     cfg.HTTPPort,
		"mongo_db_name": cfg.MongoDBName,
		"log_level":     cfg.LogLevel,
		"otel_service":  cfg.OtelServiceName,
	})

	// Initialize OpenTelemetry TracerProvider
	tp, err := tracing.InitTracerProvider(cfg.OtelServiceName)
	if err != nil {
		appLogger.Fatal(context.Background(), "Failed to initialize TracerProvider", err, nil)
	}
	tracerProvider = tp

	// --- Initialize Dependencies ---
	ctx := context.Background()

	mongoClient, db, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to connect to MongoDB", err, nil)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		appLogger.Fatal(ctx, "Failed to connect to Redis", err, nil)
	}

	keychain, err := crypto.NewKeychain(cfg.PrimaryKeyHex, cfg.SecondaryKeyHex)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize keychain", err, nil)
	}

	// Repositories
	sessionRepo, err := mongodb.NewSessionRepository(ctx, db)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize SessionRepository", err, nil)
	}
	userRepo, err := mongodb.NewUserRepository(ctx, db)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize UserRepository", err, nil)
	}
	queryLogRepo := mongodb.NewQueryLogRepository(db)
	mailRepo := mongodb.NewMailQueueRepository(db)

	// Services
	userCache := cache.NewUserCache(userRepo, time.Duration(cfg.UserCacheTTLSec)*time.Second)
	defer userCache.Stop()

	locker := semaphore.NewLocker(redisClient, time.Duration(cfg.LockTTLSec)*time.Second)

	fallbackSink, err := audit.NewFallbackSink(cfg.AuditFallbackDir)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize audit fallback sink", err, nil)
	}

	sessionService := services.NewSessionService(sessionRepo, keychain, cfg)
	requestAuth := services.NewRequestAuthenticator(userRepo, userCache, keychain, cfg)
	stepUp := services.NewStepUpService(requestAuth)
	auditService := services.NewAuditService(queryLogRepo, keychain, fallbackSink)
	mailer := mail.NewMailer(mailRepo)
	passwordHasher := auth.NewBcryptPasswordHasher(bcrypt.DefaultCost)

	metrics.InitCustomMetrics(prometheus.DefaultRegisterer)

	// HTTP API
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestID())

	api := echoapi.NewAPI(sessionService, requestAuth, stepUp, auditService,
		userRepo, locker, mailer, passwordHasher, cfg)
	api.RegisterRoutes(e)

	go func() {
		appLogger.Info(context.Background(), fmt.Sprintf("HTTP server listening on port %s", cfg.HTTPPort))
		if err := e.Start(":" + cfg.HTTPPort); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal(context.Background(), "Failed to start HTTP server", err, nil)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	receivedSignal := <-quit

	appLogger.Info(context.Background(), fmt.Sprintf("Received signal: %v. Shutting down server...", receivedSignal))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := e.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "HTTP server shutdown error", err, nil)
	}

	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			appLogger.Error(shutdownCtx, "TracerProvider shutdown error", err, nil)
		}
	}

	if err := redisClient.Close(); err != nil {
		appLogger.Error(shutdownCtx, "Redis close error", err, nil)
	}
	if err := mongoClient.Disconnect(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "MongoDB disconnect error", err, nil)
	}

	appLogger.Info(shutdownCtx, "Server gracefully stopped.")
}
