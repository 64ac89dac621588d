package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// boardUpdate is published after every successful mutation.
type boardUpdate struct {
	Operation string `json:"operation"`
	TaskID    int64  `json:"taskId,omitempty"`
}

// UpdateBroker fans board changes out to SSE subscribers. With a Redis
// client, updates travel through a pub/sub channel so subscribers of every
// instance hear about them; Relay must then run to deliver them locally.
type UpdateBroker struct {
	redis   *redis.Client
	channel string
	logger  *log.Logger

	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

// NewUpdateBroker creates a broker. client may be nil for a single instance.
func NewUpdateBroker(client *redis.Client, channel string, logger *log.Logger) *UpdateBroker {
	return &UpdateBroker{
		redis:   client,
		channel: channel,
		logger:  logger,
		subs:    make(map[chan struct{}]struct{}),
	}
}

func (b *UpdateBroker) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *UpdateBroker) unsubscribe(ch chan struct{}) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

func (b *UpdateBroker) notify() {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

// Publish announces that the board changed.
func (b *UpdateBroker) Publish(ctx context.Context, operation string, taskID int64) {
	if b == nil {
		return
	}
	if b.redis == nil {
		b.notify()
		return
	}
	payload, err := sonic.Marshal(boardUpdate{Operation: operation, TaskID: taskID})
	if err == nil {
		err = b.redis.Publish(context.WithoutCancel(ctx), b.channel, payload).Err()
	}
	if err != nil {
		b.logger.WithError(err).WithField("channel", b.channel).Warn("publish board update failed; notifying local subscribers only")
		b.notify()
	}
}

// Relay forwards updates from the Redis channel to local subscribers until
// ctx is done.
func (b *UpdateBroker) Relay(ctx context.Context) {
	if b.redis == nil {
		return
	}
	sub := b.redis.Subscribe(ctx, b.channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				b.logger.WithField("channel", b.channel).Error("subscription channel closed")
				return
			}
			var update boardUpdate
			if err := sonic.UnmarshalString(msg.Payload, &update); err != nil {
				b.logger.WithError(err).WithField("channel", b.channel).Warn("unable to parse board update")
			} else {
				b.logger.WithFields(log.Fields{
					"operation": update.Operation,
					"task_id":   update.TaskID,
				}).Debug("board update received")
			}
			b.notify()
		}
	}
}

func streamBoard(svc TaskService, broker *UpdateBroker) echo.HandlerFunc {
	return func(c echo.Context) error {
		metricsFrom(c).SetOperation("StreamBoard")
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "stream unsupported"})
		}
		ctx := c.Request().Context()
		ch := broker.subscribe()
		defer broker.unsubscribe(ch)
		c.Response().WriteHeader(http.StatusOK)
		for {
			board, err := svc.ListBoard(ctx)
			if err != nil {
				metricsFrom(c).SetErrorStage("service")
				return err
			}
			data, err := sonic.Marshal(board)
			if err != nil {
				metricsFrom(c).SetErrorStage("encode_response")
				return err
			}
			if _, err := c.Response().Write([]byte("data: ")); err != nil {
				return err
			}
			if _, err := c.Response().Write(data); err != nil {
				return err
			}
			if _, err := c.Response().Write([]byte("\n\n")); err != nil {
				return err
			}
			flusher.Flush()
			select {
			case <-ctx.Done():
				return nil
			case <-ch:
				continue
			}
		}
	}
}
