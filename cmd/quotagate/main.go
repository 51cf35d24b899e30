package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/quotagate/quotagate/api"
	"github.com/quotagate/quotagate/internal/config"
	"github.com/quotagate/quotagate/internal/limiter"
	"github.com/quotagate/quotagate/internal/quota"
	"github.com/quotagate/quotagate/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	store := limiter.NewRedisStore(limiter.RedisOptions{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		MaxRetries:   cfg.Redis.MaxRetries,
	})
	lim := limiter.New(store, cfg.Redis.OpTimeout, zapLogger)

	dispatcher := quota.NewDispatcher(cfg.Webhook.Timeout, cfg.Webhook.MaxRetries, zapLogger)

	source, closeSource, err := buildTierSource(cfg, dispatcher, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to build tier source", zap.Error(err))
	}
	defer closeSource()

	svc := quota.NewService(lim, source, dispatcher, quota.Options{
		DefaultTier: quota.Tier{
			Limit:  cfg.Quota.DefaultLimit,
			Window: cfg.Quota.DefaultWindow,
			Name:   "free",
		},
		CacheTTL:    cfg.Quota.CacheTTL,
		TopN:        cfg.Quota.TopN,
		StatsFanout: cfg.Quota.StatsFanout,
	}, zapLogger)

	server, err := api.NewServer(svc, api.Options{
		AdminToken:     cfg.Server.AdminToken,
		AdminRateLimit: cfg.Server.AdminRateLimit,
	}, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to build HTTP server", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		if err := server.Start(addr); err != nil {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		zapLogger.Error("HTTP shutdown failed", zap.Error(err))
	}
	if err := svc.Shutdown(); err != nil {
		zapLogger.Error("service shutdown failed", zap.Error(err))
	}

	zapLogger.Info("shutdown complete")
}

// buildTierSource picks the tier source: the database when a DSN is
// configured, the tier file when one is given, otherwise an empty static
// source (every class gets the default tier). The tier file additionally
// seeds webhook subscriptions.
func buildTierSource(cfg *config.Config, dispatcher *quota.Dispatcher, zapLogger *zap.Logger) (quota.TierSource, func(), error) {
	if cfg.Database.DSN != "" {
		src, err := quota.NewGormSource(cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		zapLogger.Info("using database tier source")
		return src, func() {
			if err := src.Close(); err != nil {
				zapLogger.Error("failed to close tier database", zap.Error(err))
			}
		}, nil
	}

	if cfg.Quota.TiersFile != "" {
		src, err := quota.NewFileSource(cfg.Quota.TiersFile)
		if err != nil {
			return nil, nil, err
		}
		dispatcher.SetSubscriptions(src.Subscriptions())
		zapLogger.Info("using tier file", zap.String("path", cfg.Quota.TiersFile))
		return src, func() {}, nil
	}

	zapLogger.Info("no tier source configured, all classes use the default tier")
	return quota.NewStaticSource(nil), func() {}, nil
}
