package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fuelyard/internal/audit"
	"fuelyard/internal/cache"
	"fuelyard/internal/config"
	"fuelyard/internal/gate"
	"fuelyard/internal/httpapi"
	"fuelyard/internal/ledger"
	"fuelyard/internal/pricing"
	"fuelyard/internal/sequence"
	"fuelyard/internal/service"
	"fuelyard/internal/store"
	"fuelyard/internal/store/memory"
	pgstore "fuelyard/internal/store/postgres"
)

func main() {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Fatal("invalid TIMEZONE", zap.String("timezone", cfg.Timezone), zap.Error(err))
	}
	defaultPrice, err := decimal.NewFromString(cfg.DefaultPrice)
	if err != nil {
		logger.Fatal("invalid DEFAULT_PRICE", zap.String("value", cfg.DefaultPrice), zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing in-memory fallback", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	priceCache := cache.PriceCache(cache.NoopPriceCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisPriceCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using noop price cache", zap.Error(err))
		} else {
			priceCache = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("price cache: redis")
		}
	} else {
		logger.Info("price cache: noop")
	}

	svc := service.New(
		repo,
		gate.New(repo, loc),
		pricing.New(repo, priceCache, time.Duration(cfg.PriceCacheTTLSeconds)*time.Second),
		sequence.New(repo),
		ledger.New(repo),
		audit.NewStoreRecorder(repo),
		logger,
		service.Options{
			Location:           loc,
			DefaultRequestType: cfg.DefaultRequestType,
			DefaultPrice:       defaultPrice,
		},
	)
	api := httpapi.New(svc, logger, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("admission engine listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}
