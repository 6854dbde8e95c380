package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/clinicore/patient-claiming/internal/api/router"
	"github.com/clinicore/patient-claiming/internal/auth"
	"github.com/clinicore/patient-claiming/internal/claiming"
	appconfig "github.com/clinicore/patient-claiming/internal/config"
	"github.com/clinicore/patient-claiming/internal/messaging"
	"github.com/clinicore/patient-claiming/internal/observability/metrics"
	"github.com/clinicore/patient-claiming/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting patient-claiming API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	sender, provider, reason := messaging.BuildSender(messaging.ProviderSelectionConfig{
		Preference:       cfg.SMSProvider,
		TelnyxAPIKey:     cfg.TelnyxAPIKey,
		TelnyxProfileID:  cfg.TelnyxMessagingProfileID,
		TwilioAccountSID: cfg.TwilioAccountSID,
		TwilioAuthToken:  cfg.TwilioAuthToken,
		TwilioFromNumber: cfg.TwilioFromNumber,
	}, logger)
	if sender == nil {
		logger.Error("no SMS provider configured", "reason", reason)
		os.Exit(1)
	}
	logger.Info("sms provider selected", "provider", provider)

	issuer, err := auth.NewJWTIssuer(cfg.AuthJWTSecret, cfg.AuthTokenTTL)
	if err != nil {
		logger.Error("failed to build session issuer", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	claimMetrics := metrics.NewClaimingMetrics(registry)

	repo := claiming.NewPostgresRepository(pool)
	store := claiming.NewSessionStore(redisClient, cfg.ClaimSessionTTL)
	service := claiming.NewService(repo, repo, store, sender, issuer, claiming.ServiceConfig{
		OTPTTL:            cfg.OTPTTL,
		OTPAttemptLimit:   cfg.OTPAttemptLimit,
		OTPResendCooldown: cfg.OTPResendCooldown,
		OTPResendLimit:    cfg.OTPResendLimit,
		OTPResendWindow:   cfg.OTPResendWindow,
		PasswordMinLength: cfg.PasswordMinLength,
		SMSFromNumber:     cfg.SMSFromNumber,
	}, logger, claimMetrics)

	limiter := claiming.NewSearchLimiter(redisClient, cfg.SearchRateLimit, cfg.SearchRateWindow, logger)
	claimHandler := claiming.NewHandler(service, limiter, logger)

	r := router.New(&router.Config{
		Logger:             logger,
		ClaimHandler:       claimHandler,
		MetricsHandler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
