// Package events carries domain events between host processes over Redis
// pub/sub and feeds them into the hook registry.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plugind/pkg/observability"
	"github.com/platinummonkey/plugind/pkg/plugins"
)

// DefaultChannel is the pub/sub channel events are published on
const DefaultChannel = "plugind:events"

// ErrMissingHook is returned when publishing an event without a hook name
var ErrMissingHook = errors.New("event hook is required")

// Event is a fire-and-forget domain event. Hook names the hook it triggers.
type Event struct {
	Hook     string          `json:"hook"`
	TenantID string          `json:"tenantId,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Dispatcher runs the hook handlers of an event. hooks.Registry implements it.
type Dispatcher interface {
	CallHook(ctx context.Context, hook string, data json.RawMessage, meta plugins.HookMeta) json.RawMessage
}

// ClientOptions configures the Redis connection
type ClientOptions struct {
	URL      string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, opts ClientOptions) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if opts.Password != "" {
		redisOpts.Password = opts.Password
	}
	if opts.DB > 0 {
		redisOpts.DB = opts.DB
	}

	redisOpts.DialTimeout = 5 * time.Second
	redisOpts.ReadTimeout = 3 * time.Second
	redisOpts.WriteTimeout = 3 * time.Second
	redisOpts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// RedisBus publishes and consumes events on one Redis channel
type RedisBus struct {
	client  *redis.Client
	channel string
	log     *logrus.Entry
}

// NewRedisBus creates a bus on channel, DefaultChannel when empty
func NewRedisBus(client *redis.Client, channel string, log logrus.FieldLogger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		log:     observability.Component(log, "events").WithField("channel", channel),
	}
}

// Channel returns the pub/sub channel of the bus
func (b *RedisBus) Channel() string {
	return b.channel
}

// Publish sends ev to every subscriber
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if ev.Hook == "" {
		return ErrMissingHook
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", ev.Hook, err)
	}
	return nil
}

// Subscribe dispatches every event received on the channel until ctx is
// done. Events are dispatched one at a time in arrival order.
func (b *RedisBus) Subscribe(ctx context.Context, d Dispatcher) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.log.Info("subscribed to event bus")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatch(ctx, d, msg.Payload)
		}
	}
}

func (b *RedisBus) dispatch(ctx context.Context, d Dispatcher, payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		b.log.WithError(err).Warn("dropping malformed event")
		return
	}
	if ev.Hook == "" {
		b.log.Warn("dropping event without hook")
		return
	}

	data := ev.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	meta := plugins.HookMeta{TenantID: ev.TenantID, UserID: ev.UserID, Source: "event"}

	start := time.Now()
	d.CallHook(ctx, ev.Hook, data, meta)
	b.log.WithFields(logrus.Fields{
		"hook":                        ev.Hook,
		observability.FieldTenantID:   ev.TenantID,
		observability.FieldDurationMS: time.Since(start).Milliseconds(),
	}).Debug("event dispatched")
}
