package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// HeaderIdempotencyKey carries the client-chosen key of a mutating request.
const HeaderIdempotencyKey = "Idempotency-Key"

const idempotencyKeyPrefix = "idempotency:"

// RedisDeduper stores processed idempotency keys in Redis so all instances
// can avoid applying the same mutation twice.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(key string) string {
	return idempotencyKeyPrefix + key
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(key), 1, r.ttl).Result()
}

// Remove deletes a previously recorded key so the caller may retry.
func (r *RedisDeduper) Remove(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

// idempotent rejects replays of a mutating request that carries an
// Idempotency-Key already seen. Keys of failed requests are released.
func idempotent(d Deduper, logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
			if d == nil || key == "" {
				return next(c)
			}
			ctx := c.Request().Context()
			m := metricsFrom(c)

			added, err := d.Add(ctx, key)
			if err != nil {
				m.SetErrorStage("idempotency")
				logger.WithError(err).WithField("idempotency_key", key).Error("idempotency check failed")
				return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "idempotency check unavailable"})
			}
			if !added {
				m.SetErrorStage("duplicate_request")
				return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate request"})
			}

			err = next(c)
			if err != nil || c.Response().Status >= http.StatusBadRequest {
				// A detached context so a cancelled request still frees its key.
				if rmErr := d.Remove(context.WithoutCancel(ctx), key); rmErr != nil {
					logger.WithError(rmErr).WithField("idempotency_key", key).Warn("failed to release idempotency key")
				}
			}
			return err
		}
	}
}
