package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatdesk-io/chatdesk/internal/config"
)

// ErrRedisDisabled is returned by operations on a Redis that was not configured.
var ErrRedisDisabled = errors.New("redis disabled")

// Redis wraps the go-redis client. It carries ticket broadcasts and the
// durable job queue; both degrade when it is unavailable.
type Redis struct {
	Client *redis.Client
}

// NewRedis builds the client. An empty address disables Redis entirely; an
// unreachable server is only logged because the client reconnects on use.
func NewRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) *Redis {
	if cfg.Addr == "" {
		logger.Warn("REDIS_ADDR empty; broadcasts and durable jobs disabled")
		return &Redis{}
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("unable to reach redis", zap.String("addr", cfg.Addr), zap.Error(err))
	} else {
		logger.Info("connected to redis", zap.String("addr", cfg.Addr))
	}

	return &Redis{Client: client}
}

// Enabled reports whether a client was configured.
func (r *Redis) Enabled() bool {
	return r != nil && r.Client != nil
}

// Close closes the client.
func (r *Redis) Close() {
	if r.Enabled() {
		_ = r.Client.Close()
	}
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if !r.Enabled() {
		return ErrRedisDisabled
	}
	return r.Client.Ping(ctx).Err()
}

// Publish JSON encodes payload and publishes it on the topic channel.
func (r *Redis) Publish(ctx context.Context, topic string, payload any) error {
	if !r.Enabled() {
		return ErrRedisDisabled
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.Client.Publish(ctx, topic, data).Err()
}
