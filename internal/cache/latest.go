// Package cache keeps the most recent value of every device series in Redis.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyPrefix = "reading:last:"

// commander is the subset of *redis.Client the cache uses
type commander interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Latest is the hot path for the last value of a series
type Latest struct {
	client commander
	ttl    time.Duration
}

// Key returns the cache key of a device series
func Key(deviceID uuid.UUID, measurement string) string {
	return keyPrefix + deviceID.String() + ":" + measurement
}

// NewLatest connects to Redis and registers its shutdown
func NewLatest(lc fx.Lifecycle, logger *zap.Logger, addr, password string, db int, ttl time.Duration) *Latest {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis is not reachable at %s: %w", addr, err)
			}
			logger.Info("redis connection established", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("closing redis connection")
			return rdb.Close()
		},
	})

	return newLatest(rdb, ttl)
}

func newLatest(client commander, ttl time.Duration) *Latest {
	return &Latest{client: client, ttl: ttl}
}

// Set records value as the latest of the series
func (l *Latest) Set(ctx context.Context, deviceID uuid.UUID, measurement string, value float64) error {
	if err := l.client.Set(ctx, Key(deviceID, measurement), value, l.ttl).Err(); err != nil {
		return fmt.Errorf("failed to update latest value: %w", err)
	}
	return nil
}
