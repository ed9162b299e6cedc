package idempotency

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const Header = "Idempotency-Key"

const (
	pendingMarker = "pending"
	maxKeyLength  = 255
	DefaultTTL    = 24 * time.Hour
)

var (
	ErrInFlight   = errors.New("a request with this idempotency key is still in progress")
	ErrInvalidKey = errors.New("idempotency key must be at most 255 printable characters")
)

// Key returns the trimmed Idempotency-Key header, or "" when absent.
func Key(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(Header))
}

func Validate(key string) error {
	if len(key) > maxKeyLength {
		return ErrInvalidKey
	}
	for _, r := range key {
		if r < 0x21 || r > 0x7e {
			return ErrInvalidKey
		}
	}
	return nil
}

// Store remembers which order a retried checkout already produced. Keys are
// scoped per caller so two customers can never collide.
type Store interface {
	// Begin claims key. It returns the stored order id when the key already
	// completed, "" when the caller now owns the key, or ErrInFlight.
	Begin(ctx context.Context, scope, key string) (string, error)
	Complete(ctx context.Context, scope, key, orderID string) error
	// Release drops a claim after a failed attempt so the client may retry.
	Release(ctx context.Context, scope, key string) error
}

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Begin(ctx context.Context, scope, key string) (string, error) {
	k := cacheKey(scope, key)
	// Two rounds cover a key expiring between SETNX and GET.
	for attempt := 0; attempt < 2; attempt++ {
		claimed, err := s.client.SetNX(ctx, k, pendingMarker, s.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("redis setnx failed: %w", err)
		}
		if claimed {
			return "", nil
		}

		val, err := s.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("redis get failed: %w", err)
		}
		if val == pendingMarker {
			return "", ErrInFlight
		}
		return val, nil
	}
	return "", ErrInFlight
}

func (s *RedisStore) Complete(ctx context.Context, scope, key, orderID string) error {
	if err := s.client.Set(ctx, cacheKey(scope, key), orderID, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, scope, key string) error {
	if err := s.client.Del(ctx, cacheKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func cacheKey(scope, key string) string {
	return fmt.Sprintf("idem:checkout:%s:%s", scope, key)
}

// NopStore is used when Redis is not configured; every request is new.
type NopStore struct{}

func (NopStore) Begin(context.Context, string, string) (string, error) { return "", nil }
func (NopStore) Complete(context.Context, string, string, string) error { return nil }
func (NopStore) Release(context.Context, string, string) error { return nil }
