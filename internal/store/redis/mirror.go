// Package redis mirrors the agent's status and events into Redis so that
// dashboards and other processes can observe a running agent. Redis is
// never a source of truth for trading state; every write goes through a
// circuit breaker so an unavailable server costs one fast error per call.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Config configures the Redis connection.
type Config struct {
	Addr      string // e.g. "localhost:6379"
	Password  string
	DB        int
	KeyPrefix string        // default "bot"
	StatusTTL time.Duration // default 10m
}

// client is the subset of *goredis.Client the mirror uses.
type client interface {
	Ping(ctx context.Context) *goredis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
	Close() error
}

// Mirror writes status snapshots and publishes events.
type Mirror struct {
	rdb    client
	cb     *CircuitBreaker
	prefix string
	ttl    time.Duration
	log    *slog.Logger
}

// NewMirror connects to Redis and pings the server.
func NewMirror(cfg Config, log *slog.Logger) (*Mirror, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	m := newMirror(rdb, cfg, log)
	m.log.Info("redis mirror connected", slog.String("addr", cfg.Addr))
	return m, nil
}

func newMirror(rdb client, cfg Config, log *slog.Logger) *Mirror {
	if log == nil {
		log = slog.Default()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "bot"
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 10 * time.Minute
	}
	m := &Mirror{
		rdb:    rdb,
		cb:     NewCircuitBreaker(5, 30*time.Second),
		prefix: cfg.KeyPrefix,
		ttl:    cfg.StatusTTL,
		log:    log.With(slog.String("component", "redis")),
	}
	m.cb.OnStateChange = func(from, to BreakerState) {
		m.log.Warn("redis circuit breaker",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	}
	return m
}

// StatusKey is the key holding the latest status of symbol.
func (m *Mirror) StatusKey(symbol string) string {
	return fmt.Sprintf("%s:%s:status", m.prefix, symbol)
}

// EventChannel is the pub/sub channel carrying symbol's events.
func (m *Mirror) EventChannel(symbol string) string {
	return fmt.Sprintf("%s:%s:events", m.prefix, symbol)
}

// PutStatus stores v as JSON under StatusKey with the status TTL.
func (m *Mirror) PutStatus(ctx context.Context, symbol string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis status marshal: %w", err)
	}
	return m.cb.Execute(func() error {
		return m.rdb.Set(ctx, m.StatusKey(symbol), data, m.ttl).Err()
	})
}

// PublishEvent publishes v as JSON on EventChannel.
func (m *Mirror) PublishEvent(ctx context.Context, symbol string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis event marshal: %w", err)
	}
	return m.Publish(ctx, m.EventChannel(symbol), string(data))
}

// Publish sends message on channel.
func (m *Mirror) Publish(ctx context.Context, channel, message string) error {
	return m.cb.Execute(func() error {
		return m.rdb.Publish(ctx, channel, message).Err()
	})
}

// Ping checks the connection, bypassing the circuit breaker.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

// Breaker exposes the circuit breaker state for health reporting.
func (m *Mirror) Breaker() BreakerState { return m.cb.State() }

// Close closes the connection.
func (m *Mirror) Close() error {
	return m.rdb.Close()
}
