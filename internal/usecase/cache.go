package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/atc-api/internal/animal"
	"github.com/example/atc-api/internal/logging"
)

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// Del removes keys from Redis. Missing keys are not an error.
func (c *RedisCache) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// Ping checks that Redis answers.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func recordCacheKey(animalID string) string {
	return fmt.Sprintf("animal:%s", animalID)
}

// cacheRecord refreshes the cached copy of rec. The record is already
// persisted, so failures only warn; when the refresh fails the key is dropped
// so reads fall through to the store instead of an older copy.
func (uc *AnimalUseCase) cacheRecord(ctx context.Context, rec *animal.Record) {
	if uc.cache == nil {
		return
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.cache_record", rec.AnimalID)

	serialized, err := json.Marshal(rec)
	if err != nil {
		opLogger.Warn("failed to serialize record for cache", zap.Error(err))
		uc.invalidateRecord(ctx, rec.AnimalID)
		return
	}
	if err := uc.withRedisRetry(ctx, rec.AnimalID, "cache.set.record", func() error {
		return uc.cache.Set(ctx, recordCacheKey(rec.AnimalID), string(serialized), uc.cacheTTL)
	}); err != nil {
		opLogger.Warn("failed to cache record", zap.Error(err))
		uc.invalidateRecord(ctx, rec.AnimalID)
	}
}

func (uc *AnimalUseCase) invalidateRecord(ctx context.Context, animalID string) {
	if err := uc.withRedisRetry(ctx, animalID, "cache.del.record", func() error {
		return uc.cache.Del(ctx, recordCacheKey(animalID))
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.cache_record", animalID).
			Warn("failed to invalidate cached record, it may be stale until expiry", zap.Error(err))
	}
}

// cachedRecord returns the cached record, or nil on a miss or any cache failure.
func (uc *AnimalUseCase) cachedRecord(ctx context.Context, animalID string) *animal.Record {
	if uc.cache == nil {
		return nil
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.get_animal", animalID)

	cached, err := uc.withRedisGet(ctx, animalID, "cache.get.record", recordCacheKey(animalID))
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
		return nil
	}

	var rec animal.Record
	if err := json.Unmarshal([]byte(cached), &rec); err != nil {
		opLogger.Warn("failed to decode cached record", zap.Error(err))
		return nil
	}
	return &rec
}

func (uc *AnimalUseCase) withRedisRetry(ctx context.Context, animalID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, animalID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, animalID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, animalID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransientError(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, redis.Nil) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, animalID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, animalID, err)
}

func (uc *AnimalUseCase) withRedisGet(ctx context.Context, animalID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, animalID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
