// Package redis implements bus.Bus on Redis pub/sub. Every instance
// subscribed to a channel receives each message published on it, which is
// what the broadcast and user channels rely on.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/amurg-ai/wsrouter/internal/bus"
)

// Config for the Redis-backed bus.
type Config struct {
	// Client is the Redis client to use. If nil, one is created from Addr.
	Client   redis.UniversalClient
	Addr     string
	Password string
	DB       int
	Logger   *slog.Logger
}

// envConfig holds the connection settings NewFromEnv reads.
type envConfig struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// ENV: REDIS_PASSWORD
	Password string `env:"REDIS_PASSWORD"`
	// ENV: REDIS_DB
	DB int `env:"REDIS_DB,default=0"`
}

// Bus is a Redis pub/sub bus.
type Bus struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	client := cfg.Client
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{client: client, logger: logger.With("component", "bus.redis")}, nil
}

// NewFromEnv builds a Bus from REDIS_ADDR, REDIS_PASSWORD and REDIS_DB.
// Unset variables fall back to their defaults; malformed ones are an error.
func NewFromEnv(ctx context.Context, logger *slog.Logger) (*Bus, error) {
	var env envConfig
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redis env: %w", err)
	}
	return New(ctx, Config{Addr: env.Addr, Password: env.Password, DB: env.DB, Logger: logger})
}

// Publish sends msg on channel.
func (b *Bus) Publish(ctx context.Context, channel string, msg *bus.Message) error {
	data, err := bus.Encode(msg)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe subscribes to channel and waits for Redis to confirm it.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler bus.Handler) (bus.Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	sub := &subscription{channel: channel, ps: ps, done: make(chan struct{})}
	go sub.run(ctx, b.logger, handler)
	return sub, nil
}

type subscription struct {
	channel string
	ps      *redis.PubSub
	once    sync.Once
	done    chan struct{}
}

func (s *subscription) run(ctx context.Context, logger *slog.Logger, handler bus.Handler) {
	defer func() { _ = s.Close() }()
	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			msg, err := bus.Decode([]byte(m.Payload))
			if err != nil {
				logger.Warn("undecodable message", "channel", m.Channel, "error", err)
				continue
			}
			handler(ctx, msg)
		}
	}
}

func (s *subscription) Channel() string { return s.channel }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

// Ping checks the Redis connection.
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (b *Bus) Close() error {
	return b.client.Close()
}
