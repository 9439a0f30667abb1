package cache

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	// URL, when set, replaces the other fields.
	URL      string
	Addr     string
	Password string
	DB       int
}

// RedisManager keeps values in Redis and tracks tag membership in Redis sets
// named "tag:<tag>".
type RedisManager struct {
	client *redis.Client
	prefix string
}

var _ Manager = (*RedisManager)(nil)

// NewRedisManager connects to Redis and verifies the connection.
func NewRedisManager(ctx context.Context, cfg RedisConfig, lg *zap.Logger) (*RedisManager, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, errors.Wrap(err, "parse redis url")
		}
		opts = parsed
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "ping redis")
	}

	lg.Info("Redis connected", zap.String("addr", opts.Addr))

	return NewRedisManagerFromClient(rdb), nil
}

// NewRedisManagerFromClient wraps an existing client.
func NewRedisManagerFromClient(rdb *redis.Client) *RedisManager {
	return &RedisManager{client: rdb, prefix: "kart:"}
}

// Ping checks the connection.
func (m *RedisManager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the connection pool.
func (m *RedisManager) Close() error {
	return m.client.Close()
}

func (m *RedisManager) key(k string) string    { return m.prefix + "v:" + k }
func (m *RedisManager) tagKey(t string) string { return m.prefix + "tag:" + t }

func (m *RedisManager) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := m.client.Get(ctx, m.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "get %s", key)
	}
	return b, true, nil
}

func (m *RedisManager) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	k := m.key(key)
	_, err := m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, k, value, ttl)
		for _, tag := range tags {
			p.SAdd(ctx, m.tagKey(tag), k)
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "set %s", key)
	}
	return nil
}

func (m *RedisManager) RemoveByTags(ctx context.Context, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}
	toDelete := make([]string, 0, len(tags))
	for _, tag := range tags {
		tk := m.tagKey(tag)
		members, err := m.client.SMembers(ctx, tk).Result()
		if err != nil {
			return errors.Wrapf(err, "members of %s", tag)
		}
		toDelete = append(toDelete, members...)
		toDelete = append(toDelete, tk)
	}
	if err := m.client.Del(ctx, toDelete...).Err(); err != nil {
		return errors.Wrap(err, "delete tagged keys")
	}
	return nil
}

func (m *RedisManager) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = m.key(k)
	}
	if err := m.client.Del(ctx, full...).Err(); err != nil {
		return errors.Wrap(err, "delete keys")
	}
	return nil
}
