package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/better-wallet/permit-signer/internal/logger"
	apperrors "github.com/better-wallet/permit-signer/pkg/errors"
)

// DecimalsStore caches token decimals by key.
type DecimalsStore interface {
	GetDecimals(ctx context.Context, key string) (uint8, bool, error)
	SetDecimals(ctx context.Context, key string, decimals uint8, ttl time.Duration) error
}

// DecimalsReader reads decimals from a network. *Client satisfies it.
type DecimalsReader interface {
	NetworkID() int64
	Decimals(ctx context.Context, token common.Address) (uint8, error)
}

// TokenMetadata resolves token decimals, consulting a cache before the chain.
type TokenMetadata struct {
	store DecimalsStore
	ttl   time.Duration
}

// NewTokenMetadata creates a TokenMetadata. A nil store disables caching.
func NewTokenMetadata(store DecimalsStore, ttl time.Duration) *TokenMetadata {
	return &TokenMetadata{store: store, ttl: ttl}
}

// Decimals returns the decimals of token on the reader's network. Cache
// failures are logged and bypassed; chain failures are returned.
func (m *TokenMetadata) Decimals(ctx context.Context, reader DecimalsReader, token common.Address) (uint8, error) {
	key := cacheKey(reader.NetworkID(), token)

	if m.store != nil {
		decimals, ok, err := m.store.GetDecimals(ctx, key)
		if err != nil {
			logger.Warn(ctx, "decimals cache read failed", "key", key, "error", err)
		} else if ok {
			return decimals, nil
		}
	}

	decimals, err := reader.Decimals(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", apperrors.TokenMetadataFailed(token.Hex()), err)
	}

	if m.store != nil {
		if err := m.store.SetDecimals(ctx, key, decimals, m.ttl); err != nil {
			logger.Warn(ctx, "decimals cache write failed", "key", key, "error", err)
		}
	}
	return decimals, nil
}

func cacheKey(networkID int64, token common.Address) string {
	return strconv.FormatInt(networkID, 10) + ":" + strings.ToLower(token.Hex())
}

type memoryEntry struct {
	decimals  uint8
	expiresAt time.Time
}

// MemoryStore is a process-local DecimalsStore
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

// GetDecimals returns a cached value that has not expired
func (s *MemoryStore) GetDecimals(_ context.Context, key string) (uint8, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || !s.now().Before(entry.expiresAt) {
		return 0, false, nil
	}
	return entry.decimals, true, nil
}

// SetDecimals stores a value for ttl
func (s *MemoryStore) SetDecimals(_ context.Context, key string, decimals uint8, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{decimals: decimals, expiresAt: s.now().Add(ttl)}
	return nil
}

const redisKeyPrefix = "permit-signer:decimals:"

// RedisStore shares cached decimals between replicas
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis using a redis:// URL
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	if redisURL == "" {
		return nil, errors.New("redis url is required")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// GetDecimals reads a cached value
func (s *RedisStore) GetDecimals(ctx context.Context, key string) (uint8, bool, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get: %w", err)
	}

	v, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt cached decimals %q: %w", raw, err)
	}
	return uint8(v), true, nil
}

// SetDecimals writes a value with ttl
func (s *RedisStore) SetDecimals(ctx context.Context, key string, decimals uint8, ttl time.Duration) error {
	if err := s.client.Set(ctx, redisKeyPrefix+key, strconv.Itoa(int(decimals)), ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var (
	_ DecimalsStore  = (*MemoryStore)(nil)
	_ DecimalsStore  = (*RedisStore)(nil)
	_ DecimalsReader = (*Client)(nil)
)
