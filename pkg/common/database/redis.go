package database

import (
	"context"
	"fmt"
	"time"

	"github.com/randomcorp/platform/pkg/common/config"
	"github.com/randomcorp/platform/pkg/common/logger"
	"github.com/redis/go-redis/v9"
)

// NewRedis returns nil when no Redis host is configured. An unreachable
// server is logged but still returns a client; go-redis reconnects lazily.
func NewRedis(ctx context.Context, cfg *config.Config) *redis.Client {
	if cfg.RedisHost == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  cfg.Database.ConnectTimeout,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Log.WithError(err).Error("Failed to connect to Redis")
	} else {
		logger.Log.Info("Connected to Redis")
	}

	return client
}
