package impl

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tas-knowledge-base/config"
	"github.com/tas-knowledge-base/models"
	"github.com/tas-knowledge-base/services"
)

const (
	// CacheKeyPrefix is the prefix for all search cache keys
	CacheKeyPrefix = "kb_search"

	// DefaultSearchCacheTTL is the default TTL for cached search responses
	DefaultSearchCacheTTL = 5 * 60
)

// cacheServiceImpl implements CacheService using either in-memory or Redis cache
type cacheServiceImpl struct {
	// In-memory cache (fallback when Redis is unavailable)
	memCache map[string]cacheEntry
	mu       sync.RWMutex

	// Redis cache (production)
	redis *redis.Client

	config   *config.RedisConfig
	enabled  bool
	useRedis bool
}

type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewCacheService creates a new CacheService instance
// Uses Redis if available, falls back to in-memory cache
func NewCacheService(cfg *config.RedisConfig) (services.CacheService, error) {
	if cfg == nil || !cfg.EnableSearchCache {
		return &cacheServiceImpl{
			enabled: false,
		}, nil
	}

	svc := &cacheServiceImpl{
		memCache: make(map[string]cacheEntry),
		config:   cfg,
		enabled:  true,
		useRedis: false,
	}

	// Try to connect to Redis
	if cfg.Host != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
		})

		// Test connection
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err == nil {
			svc.redis = redisClient
			svc.useRedis = true
		}
		// If Redis fails, fall back to in-memory (no error)
	}

	return svc, nil
}

// NewCacheServiceWithRedis creates a cache service with an existing Redis client
func NewCacheServiceWithRedis(redisClient *redis.Client, cfg *config.RedisConfig) services.CacheService {
	if redisClient == nil || cfg == nil || !cfg.EnableSearchCache {
		return &cacheServiceImpl{
			memCache: make(map[string]cacheEntry),
			config:   cfg,
			enabled:  cfg != nil && cfg.EnableSearchCache,
			useRedis: false,
		}
	}

	return &cacheServiceImpl{
		memCache: make(map[string]cacheEntry),
		redis:    redisClient,
		config:   cfg,
		enabled:  true,
		useRedis: true,
	}
}

// GetSearchResponse retrieves a cached search response if available
func (s *cacheServiceImpl) GetSearchResponse(ctx context.Context, key string) (*models.SearchResponse, error) {
	if !s.enabled {
		return nil, nil
	}

	prefixedKey := s.prefixKey(key)

	// Try Redis first if available
	if s.useRedis && s.redis != nil {
		data, err := s.redis.Get(ctx, prefixedKey).Bytes()
		if err == nil {
			var resp models.SearchResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				// Invalid cache data - delete it
				s.redis.Del(ctx, prefixedKey)
				return nil, nil
			}
			return &resp, nil
		}
		if err != redis.Nil {
			// Redis error - fall back to memory cache
			return s.getFromMemCache(prefixedKey)
		}
		return nil, nil // Cache miss
	}

	// Use in-memory cache
	return s.getFromMemCache(prefixedKey)
}

// getFromMemCache retrieves from in-memory cache
func (s *cacheServiceImpl) getFromMemCache(prefixedKey string) (*models.SearchResponse, error) {
	s.mu.RLock()
	entry, exists := s.memCache[prefixedKey]
	s.mu.RUnlock()

	if !exists {
		return nil, nil // Cache miss
	}

	// Check expiration
	if time.Now().After(entry.expiresAt) {
		// Entry expired, clean it up
		s.mu.Lock()
		delete(s.memCache, prefixedKey)
		s.mu.Unlock()
		return nil, nil
	}

	var resp models.SearchResponse
	if err := json.Unmarshal(entry.data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached search response: %w", err)
	}

	return &resp, nil
}

// SetSearchResponse stores a search response in cache with the configured TTL
func (s *cacheServiceImpl) SetSearchResponse(ctx context.Context, key string, resp *models.SearchResponse) error {
	if !s.enabled || resp == nil {
		return nil
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal search response for caching: %w", err)
	}

	ttl := time.Duration(DefaultSearchCacheTTL) * time.Second
	if s.config != nil && s.config.SearchCacheTTL > 0 {
		ttl = time.Duration(s.config.SearchCacheTTL) * time.Second
	}

	prefixedKey := s.prefixKey(key)

	// Use Redis if available
	if s.useRedis && s.redis != nil {
		if err := s.redis.Set(ctx, prefixedKey, data, ttl).Err(); err != nil {
			// Redis error - fall back to memory cache
			s.setInMemCache(prefixedKey, data, ttl)
			return nil
		}
		return nil
	}

	// Use in-memory cache
	s.setInMemCache(prefixedKey, data, ttl)
	return nil
}

// setInMemCache stores data in memory cache
func (s *cacheServiceImpl) setInMemCache(prefixedKey string, data []byte, ttl time.Duration) {
	s.mu.Lock()
	s.memCache[prefixedKey] = cacheEntry{
		data:      data,
		expiresAt: time.Now().Add(ttl),
	}
	s.mu.Unlock()
}

// InvalidateSearch drops every cached search response. Index contents changed,
// so no cached ranking can be trusted.
func (s *cacheServiceImpl) InvalidateSearch(ctx context.Context) error {
	if !s.enabled {
		return nil
	}

	pattern := s.prefixKey("*")

	// Use Redis if available
	if s.useRedis && s.redis != nil {
		var cursor uint64
		for {
			keys, newCursor, err := s.redis.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				break // Redis error - silently fail
			}
			if len(keys) > 0 {
				s.redis.Del(ctx, keys...)
			}
			cursor = newCursor
			if cursor == 0 {
				break
			}
		}
	}

	// Always clear in-memory cache as well
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := strings.TrimSuffix(pattern, "*")
	for key := range s.memCache {
		if strings.HasPrefix(key, prefix) {
			delete(s.memCache, key)
		}
	}

	return nil
}

// IsUsingRedis returns true if the cache is using Redis backend
func (s *cacheServiceImpl) IsUsingRedis() bool {
	return s.useRedis
}

// prefixKey adds a prefix to cache keys for namespacing
func (s *cacheServiceImpl) prefixKey(key string) string {
	return fmt.Sprintf("%s:%s", CacheKeyPrefix, key)
}
