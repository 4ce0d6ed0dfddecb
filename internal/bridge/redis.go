// Package bridge mirrors relay traffic between relay processes through a
// Redis pub/sub channel, so peers attached to different processes serving
// the same channel see each other's frames.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"collabtext/internal/logging"
	"collabtext/internal/metrics"
)

const publishTimeout = 2 * time.Second

// Injector accepts frames that originated in another process.
type Injector interface {
	Inject(origin string, frames ...string) error
}

type envelope struct {
	Origin string `json:"origin"`
	Frame  string `json:"frame"`
}

// Redis publishes local frames and injects remote ones. It implements
// relay.Mirror.
type Redis struct {
	rdb     *redis.Client
	channel string
	id      string
	logger  *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedis connects to the Redis server at addr.
func NewRedis(ctx context.Context, addr, channel string, logger *zap.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("bridge: connect redis %s: %w", addr, err)
	}
	id := uuid.NewString()
	return &Redis{
		rdb:     rdb,
		channel: channel,
		id:      id,
		logger:  logging.OrNop(logger).With(zap.String("component", "bridge"), zap.String("origin", id)),
	}, nil
}

// ID is the origin stamped on every frame this process publishes.
func (b *Redis) ID() string { return b.id }

// Publish sends frame to the other processes on the channel. Failures are
// logged; the local relay keeps working without the bridge.
func (b *Redis) Publish(frame string) {
	payload, err := json.Marshal(envelope{Origin: b.id, Frame: frame})
	if err != nil {
		b.logger.Error("Failed to encode frame", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.logger.Warn("Error publishing to Redis", zap.Error(err))
		return
	}
	metrics.BridgeFramesTotal.WithLabelValues("out").Inc()
}

// Run subscribes to the channel and injects every frame published by another
// process into target until Close.
func (b *Redis) Run(ctx context.Context, target Injector) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("bridge: subscribe %s: %w", b.channel, err)
	}

	done := make(chan struct{})
	b.mu.Lock()
	b.pubsub = pubsub
	b.done = done
	b.mu.Unlock()

	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			b.handle(msg.Payload, target)
		}
	}()
	b.logger.Info("Bridge subscribed", zap.String("channel", b.channel))
	return nil
}

func (b *Redis) handle(payload string, target Injector) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn("Dropping undecodable bridge payload", zap.Error(err))
		return
	}
	if env.Origin == b.id {
		return
	}
	if err := target.Inject(env.Origin, env.Frame); err != nil {
		b.logger.Debug("Relay rejected bridged frame", zap.Error(err))
		return
	}
	metrics.BridgeFramesTotal.WithLabelValues("in").Inc()
}

// Close unsubscribes and closes the Redis client.
func (b *Redis) Close() error {
	b.mu.Lock()
	pubsub, done := b.pubsub, b.done
	b.pubsub = nil
	b.mu.Unlock()

	if pubsub != nil {
		_ = pubsub.Close()
		<-done
	}
	return b.rdb.Close()
}
