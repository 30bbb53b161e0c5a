package roomserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces room keys
const DefaultRedisPrefix = "room:"

// RedisStore keeps rooms as JSON values whose key TTL is the room's expiry,
// so several server instances can share them
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore connects to a redis:// URL or a bare host:port and pings it
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	opt, err := redis.ParseURL(addr)
	if err != nil {
		opt = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStoreFromClient(client), nil
}

func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: DefaultRedisPrefix, now: time.Now}
}

func (s *RedisStore) key(code string) string {
	return s.prefix + code
}

func (s *RedisStore) Get(ctx context.Context, code string) (*Room, error) {
	data, err := s.client.Get(ctx, s.key(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting room: %w", err)
	}

	var r Room
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("error unmarshaling room: %w", err)
	}
	if r.ExpiresAt <= s.now().Unix() {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *RedisStore) Put(ctx context.Context, r *Room) error {
	ttl := time.Until(time.Unix(r.ExpiresAt, 0))
	if ttl <= 0 {
		_, err := s.Delete(ctx, r.Code)
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("error marshaling room: %w", err)
	}
	if err := s.client.Set(ctx, s.key(r.Code), data, ttl).Err(); err != nil {
		return fmt.Errorf("error saving room: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, code string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(code)).Result()
	if err != nil {
		return false, fmt.Errorf("error deleting room: %w", err)
	}
	return n > 0, nil
}

// PurgeExpired is a no-op; Redis expires the keys itself
func (s *RedisStore) PurgeExpired(context.Context) (int, error) {
	return 0, nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return 0, fmt.Errorf("error counting rooms: %w", err)
		}
		total += len(keys)
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
