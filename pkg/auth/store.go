package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrTokenMiss indicates no usable token is stored under the key
	ErrTokenMiss = errors.New("token cache miss")

	// ErrInvalidToken indicates the stored token is corrupted
	ErrInvalidToken = errors.New("invalid cached token")
)

// TokenStore keeps access tokens between refreshes.
type TokenStore interface {
	Get(ctx context.Context, key StoreKey) (*Token, error)
	Set(ctx context.Context, key StoreKey, token *Token) error
	Delete(ctx context.Context, key StoreKey) error
}

// RedisStore keeps tokens in Redis.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a token store with Redis backend.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis: redisClient,
	}
}

// Get retrieves a token by key.
// Returns ErrTokenMiss if the key doesn't exist or the token is expired.
func (s *RedisStore) Get(ctx context.Context, key StoreKey) (*Token, error) {
	data, err := s.redis.Get(ctx, key.String()).Bytes()
	if err != nil {
		if err == redis.Nil {
			TokenCacheMisses.Inc()
			return nil, ErrTokenMiss
		}
		TokenStoreErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		TokenStoreErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if token.IsExpired() {
		_ = s.Delete(ctx, key)
		TokenCacheMisses.Inc()
		return nil, ErrTokenMiss
	}

	TokenCacheHits.WithLabelValues("redis").Inc()
	return &token, nil
}

// Set stores a token with a TTL equal to its remaining lifetime.
func (s *RedisStore) Set(ctx context.Context, key StoreKey, token *Token) error {
	if token == nil {
		return fmt.Errorf("token cannot be nil")
	}

	ttl := token.TTL()
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(token)
	if err != nil {
		TokenStoreErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal token: %w", err)
	}

	if err := s.redis.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		TokenStoreErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes a token.
func (s *RedisStore) Delete(ctx context.Context, key StoreKey) error {
	if err := s.redis.Del(ctx, key.String()).Err(); err != nil {
		TokenStoreErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// MemoryStore keeps tokens in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]Token
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Token)}
}

// Get returns the stored token or ErrTokenMiss.
func (s *MemoryStore) Get(_ context.Context, key StoreKey) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[key.String()]
	if !ok || token.IsExpired() {
		delete(s.tokens, key.String())
		TokenCacheMisses.Inc()
		return nil, ErrTokenMiss
	}

	TokenCacheHits.WithLabelValues("memory").Inc()
	return &token, nil
}

// Set stores a copy of token.
func (s *MemoryStore) Set(_ context.Context, key StoreKey, token *Token) error {
	if token == nil {
		return fmt.Errorf("token cannot be nil")
	}

	s.mu.Lock()
	s.tokens[key.String()] = *token
	s.mu.Unlock()
	return nil
}

// Delete removes a token.
func (s *MemoryStore) Delete(_ context.Context, key StoreKey) error {
	s.mu.Lock()
	delete(s.tokens, key.String())
	s.mu.Unlock()
	return nil
}
