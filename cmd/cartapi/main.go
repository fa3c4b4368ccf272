package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fjod/cartsync/internal/cartapi/api"
	"github.com/fjod/cartsync/internal/cartapi/cache"
	"github.com/fjod/cartsync/internal/cartapi/catalog"
	"github.com/fjod/cartsync/internal/cartapi/poller"
	"github.com/fjod/cartsync/internal/cartapi/repository"
	"github.com/fjod/cartsync/internal/cartapi/service"
	"github.com/fjod/cartsync/internal/config"
	"github.com/fjod/cartsync/internal/localcache"
	"github.com/fjod/cartsync/pkg/logger"
	"github.com/fjod/cartsync/pkg/telemetry"
	"github.com/redis/go-redis/v9"
)

const cartCacheTTL = 15 * time.Minute

func main() {
	cfg := config.LoadCartAPI()
	log := logger.New(cfg.LogLevel)
	ctx := context.Background()

	shutdownTracing, err := telemetry.InitTracerProvider(ctx, "cartapi", cfg.OTLPEndpoint)
	if err != nil {
		log.WithError(err).Fatal("failed to init tracing")
	}

	// Set up MongoDB connection
	mongoDB, err := repository.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to MongoDB")
	}
	repo := repository.NewMongoRepository(mongoDB)
	if err := repo.CreateIndexes(ctx); err != nil {
		log.WithError(err).Fatal("failed to create indexes")
	}
	log.WithField("uri", cfg.MongoURI).Info("connected to MongoDB")

	// Product catalog
	products, err := catalog.NewRepository(cfg.CatalogDBPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open catalog")
	}
	defer products.Close()
	if err := products.RunMigrations(cfg.MigrationsPath); err != nil {
		log.WithError(err).Fatal("failed to run catalog migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.WithError(err).Fatal("redis connection failed")
	}
	log.Info("redis ping succeeded")

	carts := service.NewCartService(repo, cache.New(localcache.NewRedisKV(redisClient, cartCacheTTL)), products, log)

	// Checkout events empty carts; optional so the API runs without kafka.
	pollCtx, stopPolling := context.WithCancel(ctx)
	pollDone := make(chan struct{})
	if len(cfg.KafkaBrokers) > 0 {
		p := poller.NewPoller(carts, log, poller.DefaultTopic, cfg.KafkaBrokers...)
		go func() {
			defer close(pollDone)
			defer p.Close()
			p.Run(pollCtx)
		}()
		log.WithField("brokers", cfg.KafkaBrokers).Info("checkout poller started")
	} else {
		close(pollDone)
	}

	handler := api.NewCartHandler(carts, cfg.RequestTimeout, log)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(handler, cfg.JWTSecret, cfg.RequestTimeout, log),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.HTTPPort).Info("cart api starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down cart api...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	stopPolling()
	<-pollDone
	if err := repository.Disconnect(shutdownCtx, mongoDB); err != nil {
		log.WithError(err).Warn("mongo disconnect failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Warn("tracer shutdown failed")
	}
	log.Info("cart api stopped")
}
