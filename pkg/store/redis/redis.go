// Package redis implements store.Store on a Redis server. This is the
// production backend: hash increments, sorted-set indexes, and stream appends
// all map onto single atomic Redis commands.
package redis

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	// StreamMaxLen caps stream length with approximate trimming (XADD MAXLEN ~).
	// Zero disables trimming.
	StreamMaxLen int64
}

// Store implements store.Store backed by a Redis client.
type Store struct {
	client       *redis.Client
	streamMaxLen int64
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Store{client: client, streamMaxLen: cfg.StreamMaxLen}, nil
}

// Increment maps to HINCRBY.
func (s *Store) Increment(ctx context.Context, key, field string, delta int64) (int64, error) {
	val, err := s.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("hincrby %s %s: %w", key, field, err)
	}
	return val, nil
}

// SetSnapshot maps to a single HSET, which applies all fields atomically.
func (s *Store) SetSnapshot(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := s.client.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

// ReadAll maps to HGETALL; a missing key yields an empty map, not an error.
func (s *Store) ReadAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return fields, nil
}

// Register maps to ZADD.
func (s *Store) Register(ctx context.Context, index, member string, score float64) error {
	if err := s.client.ZAdd(ctx, index, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", index, err)
	}
	return nil
}

// RangeQuery maps to ZREVRANGEBYSCORE with an offset/count window.
func (s *Store) RangeQuery(ctx context.Context, index string, minScore float64, limit int) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", minScore),
		Max: "+inf",
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	members, err := s.client.ZRevRangeByScore(ctx, index, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrangebyscore %s: %w", index, err)
	}
	return members, nil
}

// Append maps to XADD, trimming approximately when a max length is configured.
func (s *Store) Append(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"event": payload},
	}
	if s.streamMaxLen > 0 {
		args.MaxLen = s.streamMaxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// DeleteKeys maps to DEL.
func (s *Store) DeleteKeys(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
