package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultRedisConnectTimeout = 5 * time.Second

// RedisClients separates blocking queue/lock traffic from pub/sub so a
// long BLPOP never delays a publish.
type RedisClients struct {
	Queue  *redis.Client
	PubSub *redis.Client
}

// RedisOptions configures NewRedisClients. Name, when set, is reported to the
// server as "<name>-queue" and "<name>-pubsub" so CLIENT LIST shows which
// connection does what.
type RedisOptions struct {
	URL            string
	ConnectTimeout time.Duration
	Name           string
}

func NewRedisClients(ctx context.Context, o RedisOptions, logger zerolog.Logger) (*RedisClients, error) {
	opt, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultRedisConnectTimeout
	}
	opt.DialTimeout = timeout

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := logger.With().Str("component", "redis").Str("addr", opt.Addr).Int("db", opt.DB).Logger()

	queue, err := connectRedis(ctx, opt, o.Name, "queue", log)
	if err != nil {
		return nil, err
	}
	pubsub, err := connectRedis(ctx, opt, o.Name, "pubsub", log)
	if err != nil {
		queue.Close()
		return nil, err
	}

	return &RedisClients{Queue: queue, PubSub: pubsub}, nil
}

func connectRedis(ctx context.Context, base *redis.Options, name, role string, logger zerolog.Logger) (*redis.Client, error) {
	opt := *base
	if name != "" {
		opt.ClientName = name + "-" + role
	}
	client := redis.NewClient(&opt)

	start := time.Now()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis (%s): %w", role, err)
	}
	logger.Debug().Str("role", role).Dur("latency", time.Since(start)).Msg("Redis client ready")
	return client, nil
}

func (r *RedisClients) Close() error {
	return errors.Join(r.Queue.Close(), r.PubSub.Close())
}
