package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"relivre/internal/app"
	"relivre/internal/config"
	"relivre/internal/ratelimit"
	"relivre/internal/server"
	"relivre/internal/util"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger("storefront", cfg.LogLevel)

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	loginLimiter, err := ratelimit.NewFixedWindowLimiter(
		redisClient, "relivre:ratelimit:login", cfg.LoginRateLimitPerMinute, time.Minute)
	if err != nil {
		log.Fatalf("failed to init login limiter: %v", err)
	}
	registerLimiter, err := ratelimit.NewFixedWindowLimiter(
		redisClient, "relivre:ratelimit:register", cfg.RegisterRateLimitPerMinute, time.Minute)
	if err != nil {
		log.Fatalf("failed to init register limiter: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:               app.New(cfg.MarketAPIURL, redisClient),
		SessionCookieName: cfg.SessionCookieName,
		TrustedProxies:    trustedProxies,
		LoginLimiter:      loginLimiter,
		RegisterLimiter:   registerLimiter,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("storefront listening", "addr", addr, "market_api", cfg.MarketAPIURL)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
