package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fjod/cartsync/internal/config"
	"github.com/fjod/cartsync/internal/localcache"
	"github.com/fjod/cartsync/internal/remote"
	"github.com/fjod/cartsync/internal/storefront"
	"github.com/fjod/cartsync/pkg/logger"
	"github.com/fjod/cartsync/pkg/telemetry"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.LoadStorefront()
	log := logger.New(cfg.LogLevel)
	ctx := context.Background()

	shutdownTracing, err := telemetry.InitTracerProvider(ctx, "storefront", cfg.OTLPEndpoint)
	if err != nil {
		log.WithError(err).Fatal("failed to init tracing")
	}

	// Guest carts live in redis when configured, in memory otherwise.
	var kv localcache.KV
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("redis connection failed")
		}
		kv = localcache.NewRedisKV(redisClient, cfg.GuestCartTTL)
		log.WithField("addr", cfg.RedisAddr).Info("guest carts stored in redis")
	} else {
		kv = localcache.NewMemoryKV()
		log.Warn("REDIS_ADDR not set, guest carts kept in memory")
	}

	cartAPI := remote.NewClient(cfg.CartAPIURL, cfg.RemoteTimeout, remote.WithLogger(log))

	hub := storefront.NewHub(storefront.HubConfig{
		JWTSecret: cfg.JWTSecret,
		ToastTTL:  cfg.ToastTTL,
		IdleTTL:   cfg.ClientIdleTTL,
	}, cartAPI, kv, log)
	defer hub.Close()

	handler := storefront.NewHandler(hub, cfg.RequestTimeout, log)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      storefront.NewRouter(handler, cfg.RequestTimeout, log),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.HTTPPort).WithField("cart_api", cfg.CartAPIURL).Info("storefront starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down storefront...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Warn("tracer shutdown failed")
	}
	log.Info("storefront stopped")
}
