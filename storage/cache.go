package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"eisenhower/domain"
)

const (
	boardCacheKey      = "board"
	generationCacheKey = "board:generation"
)

var errStaleBoard = errors.New("board generation moved")

// Cache wraps a domain.Store with a Redis-backed copy of the board. Every
// committed write bumps a generation counter and drops the copy; a board
// read from the store is only cached if the generation did not move while
// it was being read.
type Cache struct {
	base  domain.Store
	redis *redis.Client
	ttl   time.Duration
}

type boardEntry struct {
	Generation int64         `json:"generation"`
	Limit      int           `json:"limit"`
	Active     []domain.Task `json:"active"`
	Completed  []domain.Task `json:"completed"`
}

// NewCache creates a caching Store wrapper using the provided Redis client and TTL.
func NewCache(base domain.Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) GetTask(ctx context.Context, id int64) (*domain.Task, error) {
	return c.base.GetTask(ctx, id)
}

func (c *Cache) ListBucket(ctx context.Context, bucket domain.Bucket) ([]domain.Task, error) {
	return c.base.ListBucket(ctx, bucket)
}

func (c *Cache) ListActive(ctx context.Context) ([]domain.Task, error) {
	return c.base.ListActive(ctx)
}

func (c *Cache) ListCompleted(ctx context.Context, limit int) ([]domain.Task, error) {
	return c.base.ListCompleted(ctx, limit)
}

// Board serves the cached board when it was stored under the current
// generation and limit, and reads through to the store otherwise.
func (c *Cache) Board(ctx context.Context, completedLimit int) ([]domain.Task, []domain.Task, error) {
	gen, entry, ok := c.load(ctx)
	if entry != nil && entry.Generation == gen && entry.Limit == completedLimit {
		return entry.Active, entry.Completed, nil
	}
	active, completed, err := c.base.Board(ctx, completedLimit)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		c.store(ctx, boardEntry{Generation: gen, Limit: completedLimit, Active: active, Completed: completed})
	}
	return active, completed, nil
}

func (c *Cache) InsertTask(ctx context.Context, task *domain.Task) error {
	if err := c.base.InsertTask(ctx, task); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

func (c *Cache) SaveTask(ctx context.Context, task domain.Task) error {
	if err := c.base.SaveTask(ctx, task); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

func (c *Cache) DeleteTask(ctx context.Context, id int64) error {
	if err := c.base.DeleteTask(ctx, id); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

// Atomic runs fn against the base store and drops the cached board once the
// unit has committed.
func (c *Cache) Atomic(ctx context.Context, fn func(domain.Repository) error) error {
	if err := c.base.Atomic(ctx, fn); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

// load returns the current generation and the cached board, if any. ok is
// false when Redis could not be read, in which case nothing may be stored.
func (c *Cache) load(ctx context.Context) (gen int64, entry *boardEntry, ok bool) {
	if c.redis == nil {
		return 0, nil, false
	}
	vals, err := c.redis.MGet(ctx, generationCacheKey, boardCacheKey).Result()
	if err != nil {
		log.WithError(err).Warn("board cache read failed")
		return 0, nil, false
	}
	if raw, isStr := vals[0].(string); isStr {
		if gen, err = strconv.ParseInt(raw, 10, 64); err != nil {
			log.WithError(err).Warn("corrupt board generation")
			return 0, nil, false
		}
	}
	raw, isStr := vals[1].(string)
	if !isStr {
		return gen, nil, true
	}
	var e boardEntry
	if err := sonic.UnmarshalString(raw, &e); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey).Err()
		return gen, nil, true
	}
	return gen, &e, true
}

// store caches entry only while the generation is still the one observed
// before the store read. WATCH makes the check and the SET a single step.
func (c *Cache) store(ctx context.Context, entry boardEntry) {
	if c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(entry)
	if err != nil {
		return
	}
	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, generationCacheKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != entry.Generation {
			return errStaleBoard
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, boardCacheKey, data, c.ttl)
			return nil
		})
		return err
	}, generationCacheKey)
	switch {
	case err == nil:
	case errors.Is(err, errStaleBoard), errors.Is(err, redis.TxFailedErr):
		log.WithField("generation", entry.Generation).Debug("board changed while reading; not cached")
	default:
		log.WithError(err).Warn("board cache write failed")
	}
}

func (c *Cache) evict(ctx context.Context) {
	if c.redis == nil {
		return
	}
	_, err := c.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, generationCacheKey)
		p.Del(ctx, boardCacheKey)
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("failed to evict board cache")
	}
}
