package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis-backed adapter.
type RedisOptions struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379").
	URL string

	// KeyPrefix namespaces all keys; defaults to "introspect".
	KeyPrefix string

	// ConnectTimeout bounds connection establishment. Default 5s.
	ConnectTimeout time.Duration

	// ReadTimeout and WriteTimeout bound individual operations.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements Adapter on Redis. Each record is stored as a JSON
// string under <prefix>:<collection>:<key>, with a per-collection set
// indexing the known keys so ListAll and DeleteAll stay scan-free.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "introspect"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.ReadTimeout = opts.ReadTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, prefix: opts.KeyPrefix}, nil
}

func (s *RedisStore) indexKey(c Collection) string {
	return fmt.Sprintf("%s:%s:keys", s.prefix, c)
}

func (s *RedisStore) recordKey(c Collection, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, c, key)
}

// ListAll implements Adapter.
func (s *RedisStore) ListAll(ctx context.Context, c Collection) ([]Record, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey(c)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s keys: %w", c, err)
	}
	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, s.recordKey(c, key)).Result()
		if err == redis.Nil {
			// Index entry without a record; skip rather than fail the load.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s/%s: %w", c, key, err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode %s/%s: %w", c, key, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// BatchUpsert implements Adapter using one pipeline round trip.
func (s *RedisStore) BatchUpsert(ctx context.Context, c Collection, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, rec := range records {
		key := rec.Key()
		if key == "" {
			return ErrInvalidRecord
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode %s/%s: %w", c, key, err)
		}
		pipe.Set(ctx, s.recordKey(c, key), data, 0)
		pipe.SAdd(ctx, s.indexKey(c), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert %d records into %s: %w", len(records), c, err)
	}
	return nil
}

// DeleteOne implements Adapter.
func (s *RedisStore) DeleteOne(ctx context.Context, c Collection, key string) error {
	removed, err := s.client.Del(ctx, s.recordKey(c, key)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", c, key, err)
	}
	if err := s.client.SRem(ctx, s.indexKey(c), key).Err(); err != nil {
		return fmt.Errorf("failed to unindex %s/%s: %w", c, key, err)
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAll implements Adapter.
func (s *RedisStore) DeleteAll(ctx context.Context, c Collection) error {
	keys, err := s.client.SMembers(ctx, s.indexKey(c)).Result()
	if err != nil {
		return fmt.Errorf("failed to list %s keys: %w", c, err)
	}
	pipe := s.client.Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, s.recordKey(c, key))
	}
	pipe.Del(ctx, s.indexKey(c))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to clear %s: %w", c, err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
