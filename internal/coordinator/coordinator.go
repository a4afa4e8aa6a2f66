// Package coordinator is the saga coordinator (C4): distributed locks,
// per-user rate limits, the hot cache of active saga state, the
// time-ordered pending queue, per-step counters, and error metadata, all
// backed by Redis. Grounded on pkg/middleware's SetNX-with-TTL lock idiom
// and the OTel-span-per-method style of the reservation repository; the
// pending queue's ZADD/ZRANGE/ZREM mechanics are adapted from the
// teacher's virtual-waiting-room queue repository.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/prohmpiriya/travel-saga-orchestrator/internal/domain"
	pkgredis "github.com/prohmpiriya/travel-saga-orchestrator/pkg/redis"
	"github.com/prohmpiriya/travel-saga-orchestrator/pkg/telemetry"
)

const (
	lockKeyPrefix     = "saga:lock:"
	hotCacheKeyPrefix = "saga:in-active:"
	stepsKeyPrefix    = "saga:steps:"
	metadataKeyPrefix = "saga:metadata:"
	rateLimitPrefix   = "saga:ratelimit:"
	pendingQueueKey   = "saga:pending"
)

// Coordinator implements the C4 contract over a Redis client.
type Coordinator struct {
	client *pkgredis.Client
}

// NewCoordinator wraps a Redis client as a saga coordinator.
func NewCoordinator(client *pkgredis.Client) *Coordinator {
	return &Coordinator{client: client}
}

// AcquireLock sets saga:lock:{id} if absent, TTL-bounded so a crashed
// holder self-clears. Returns the opaque token on success.
func (c *Coordinator) AcquireLock(ctx context.Context, id string, ttl time.Duration) (string, bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.lock.acquire")
	defer span.End()
	span.SetAttributes(attribute.String("saga_id", id))

	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, lockKeyPrefix+id, token, ttl).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	span.SetAttributes(attribute.Bool("acquired", ok))
	span.SetStatus(codes.Ok, "")
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock deletes saga:lock:{id} unconditionally — fencing tokens are
// explicitly out of scope (SPEC_FULL.md §4.2).
func (c *Coordinator) ReleaseLock(ctx context.Context, id string) error {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.lock.release")
	defer span.End()
	span.SetAttributes(attribute.String("saga_id", id))

	if err := c.client.Del(ctx, lockKeyPrefix+id).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to release lock: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// CheckRateLimit increments saga:ratelimit:{userId}, setting the window
// TTL on the first increment, and reports whether the caller is still
// within limit.
func (c *Coordinator) CheckRateLimit(ctx context.Context, userID string, limit int64, window time.Duration) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.ratelimit.check")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID), attribute.Int64("limit", limit))

	key := rateLimitPrefix + userID
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	if count == 1 {
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return false, fmt.Errorf("failed to set rate limit window: %w", err)
		}
	}

	span.SetAttributes(attribute.Int64("count", count))
	span.SetStatus(codes.Ok, "")
	return count <= limit, nil
}

// CacheActiveSagaState writes saga:in-active:{requestId} with TTL.
func (c *Coordinator) CacheActiveSagaState(ctx context.Context, requestID string, record *domain.SagaRecord, ttl time.Duration) error {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.hotcache.set")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID))

	data, err := record.ToJSON()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to serialize saga record: %w", err)
	}

	if err := c.client.Set(ctx, hotCacheKeyPrefix+requestID, data, ttl).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to cache saga state: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// GetActiveSagaState reads saga:in-active:{requestId}; returns (nil, nil)
// on a cache miss so callers fall through to the durable store.
func (c *Coordinator) GetActiveSagaState(ctx context.Context, requestID string) (*domain.SagaRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.hotcache.get")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID))

	data, err := c.client.Get(ctx, hotCacheKeyPrefix+requestID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			span.SetStatus(codes.Ok, "cache miss")
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read saga hot cache: %w", err)
	}

	record, err := domain.SagaRecordFromJSON(data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to deserialize saga record: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return record, nil
}

// ClearActiveSagaState deletes saga:in-active:{requestId}.
func (c *Coordinator) ClearActiveSagaState(ctx context.Context, requestID string) error {
	return c.client.Del(ctx, hotCacheKeyPrefix+requestID).Err()
}

// AddToPendingQueue adds requestID to the saga:pending sorted set with
// score = epoch milliseconds, so the sweeper can scan oldest-first.
func (c *Coordinator) AddToPendingQueue(ctx context.Context, requestID string, score float64) error {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.pending.add")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID))

	if err := c.client.ZAdd(ctx, pendingQueueKey, score, requestID).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to add to pending queue: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// RemoveFromPendingQueue removes requestID from saga:pending.
func (c *Coordinator) RemoveFromPendingQueue(ctx context.Context, requestID string) error {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.pending.remove")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID))

	if err := c.client.ZRem(ctx, pendingQueueKey, requestID).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to remove from pending queue: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// ScanPendingOlderThan returns request-ids from saga:pending whose score
// (admission time) is at or before cutoff — the sweeper's candidate set.
func (c *Coordinator) ScanPendingOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.pending.scan")
	defer span.End()

	max := fmt.Sprintf("%d", cutoff.UnixMilli())
	ids, err := c.client.ZRangeByScore(ctx, pendingQueueKey, "-inf", max).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to scan pending queue: %w", err)
	}
	span.SetAttributes(attribute.Int("count", len(ids)))
	span.SetStatus(codes.Ok, "")
	return ids, nil
}

// IncrementStepCounter increments saga:steps:{requestId}[stepName] using a
// hash field, TTL-refreshed on creation, and returns the new count.
func (c *Coordinator) IncrementStepCounter(ctx context.Context, requestID, stepName string, ttl time.Duration) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.steps.increment")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID), attribute.String("step", stepName))

	key := stepsKeyPrefix + requestID
	count, err := c.client.HIncrBy(ctx, key, stepName, 1).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to increment step counter: %w", err)
	}
	if count == 1 {
		_ = c.client.Expire(ctx, key, ttl).Err()
	}
	span.SetAttributes(attribute.Int64("count", count))
	span.SetStatus(codes.Ok, "")
	return count, nil
}

// SetSagaMetadata writes fields into saga:metadata:{requestId}.
func (c *Coordinator) SetSagaMetadata(ctx context.Context, requestID string, fields map[string]string, ttl time.Duration) error {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.metadata.set")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID))

	if len(fields) == 0 {
		span.SetStatus(codes.Ok, "")
		return nil
	}

	key := metadataKeyPrefix + requestID
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := c.client.HSet(ctx, key, args...).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to set saga metadata: %w", err)
	}
	_ = c.client.Expire(ctx, key, ttl).Err()
	span.SetStatus(codes.Ok, "")
	return nil
}

// GetSagaMetadata reads saga:metadata:{requestId}.
func (c *Coordinator) GetSagaMetadata(ctx context.Context, requestID string) (map[string]string, error) {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.metadata.get")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID))

	fields, err := c.client.HGetAll(ctx, metadataKeyPrefix+requestID).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get saga metadata: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return fields, nil
}

// Cleanup removes every coordination key for a terminal saga: step
// counters, metadata, and the pending-queue entry. Hot cache invalidation
// is the orchestrator's own explicit responsibility (ClearActiveSagaState),
// called alongside this at saga finalization. The lock is released
// separately by whichever caller holds it.
func (c *Coordinator) Cleanup(ctx context.Context, requestID string) error {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.cleanup")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID))

	keys := []string{
		stepsKeyPrefix + requestID,
		metadataKeyPrefix + requestID,
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to clear coordination keys: %w", err)
	}
	if err := c.client.ZRem(ctx, pendingQueueKey, requestID).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to remove from pending queue during cleanup: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
