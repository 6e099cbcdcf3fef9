package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/memohai/qianfanbot/internal/config"
	"github.com/memohai/qianfanbot/internal/db"
	"github.com/memohai/qianfanbot/internal/history"
	"github.com/memohai/qianfanbot/internal/history/pgstore"
	"github.com/memohai/qianfanbot/internal/history/sqlstore"
	"github.com/memohai/qianfanbot/internal/qianfan"
)

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openBackend opens the configured history store. Postgres is migrated to
// the latest schema first; SQLite migrates itself.
func openBackend(ctx context.Context, log *slog.Logger, cfg config.Config) (history.Backend, error) {
	switch cfg.Store.Driver {
	case config.StoreMemory:
		return history.NewMemoryStore(), nil
	case config.StorePostgres:
		migrator, err := db.NewMigrator(log, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		upErr := migrator.Up()
		if err := migrator.Close(); err != nil {
			log.Warn("close migrator failed", slog.Any("error", err))
		}
		if upErr != nil {
			return nil, upErr
		}
		pool, err := db.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		return pgstore.New(log, pool), nil
	case config.StoreSQLite:
		return sqlstore.Open(log, cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// buildClient returns the remote model client. The returned close function
// releases the Redis connection when one was opened.
func buildClient(log *slog.Logger, cfg config.Config) (qianfan.Client, func() error, error) {
	closer := func() error { return nil }
	qc := cfg.Qianfan
	timeout := time.Duration(qc.TimeoutSeconds) * time.Second
	switch qc.Provider {
	case config.ProviderOpenAI:
		return qianfan.NewOpenAIClient(log, qianfan.OpenAIConfig{
			BaseURL: qc.BaseURL,
			APIKey:  qc.APIKey,
		}), closer, nil
	case config.ProviderQianfan, "":
		if qc.APIKey == "" || qc.SecretKey == "" {
			return nil, closer, fmt.Errorf("qianfan.api_key and qianfan.secret_key are required")
		}
		var tokens qianfan.TokenCache
		if cfg.Redis.Addr != "" {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			tokens = qianfan.NewRedisTokenCache(rdb, cfg.Redis.Key)
			closer = rdb.Close
		}
		return qianfan.NewNativeClient(log, qianfan.NativeConfig{
			BaseURL:   qc.BaseURL,
			APIKey:    qc.APIKey,
			SecretKey: qc.SecretKey,
			Timeout:   timeout,
		}, tokens), closer, nil
	default:
		return nil, closer, fmt.Errorf("unknown qianfan.provider %q", qc.Provider)
	}
}
