package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	goredis "github.com/redis/go-redis/v9"
)

// Candidate is a price rule in resolution order, bounded by the membership it
// came from. Default rules have no membership bounds.
type Candidate struct {
	Rule       models.PriceRule `json:"rule"`
	PackageID  *uint64          `json:"package_id,omitempty"`
	ValidFrom  *time.Time       `json:"valid_from,omitempty"`
	ValidUntil *time.Time       `json:"valid_until,omitempty"`

	conditions []Condition
}

// applies reports whether the candidate is usable at now.
func (c *Candidate) applies(now time.Time) bool {
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return false
	}
	if c.ValidUntil != nil && !now.Before(*c.ValidUntil) {
		return false
	}
	if !c.Rule.ActiveAt(now) {
		return false
	}
	return matchAll(c.conditions, now)
}

// Entry is the cached resolution input for one (user, model) pair.
type Entry struct {
	Candidates []Candidate `json:"candidates"`
	BuiltAt    time.Time   `json:"built_at"`

	decoded bool
}

// decode parses candidate conditions, dropping candidates whose conditions
// are malformed. It returns the ids of the dropped rules.
func (e *Entry) decode() map[uint64]error {
	if e == nil || e.decoded {
		return nil
	}
	kept := e.Candidates[:0]
	var dropped map[uint64]error
	for _, c := range e.Candidates {
		conds, errDecode := DecodeConditions(c.Rule.Conditions)
		if errDecode != nil {
			if dropped == nil {
				dropped = make(map[uint64]error)
			}
			dropped[c.Rule.ID] = errDecode
			continue
		}
		c.conditions = conds
		kept = append(kept, c)
	}
	e.Candidates = kept
	e.decoded = true
	return dropped
}

// Cache stores resolution entries. A zero userID or empty model in Invalidate
// matches every user or every model.
type Cache interface {
	Get(ctx context.Context, userID uint64, model string) (*Entry, bool, error)
	Set(ctx context.Context, userID uint64, model string, entry *Entry, ttl time.Duration) error
	Invalidate(ctx context.Context, userID uint64, model string) error
}

type memoryItem struct {
	entry     *Entry
	expiresAt time.Time
}

type cacheKey struct {
	userID uint64
	model  string
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[cacheKey]memoryItem
	now   func() time.Time
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items: make(map[cacheKey]memoryItem),
		now:   time.Now,
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, userID uint64, model string) (*Entry, bool, error) {
	c.mu.RLock()
	item, ok := c.items[cacheKey{userID: userID, model: model}]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(item.expiresAt) {
		c.mu.Lock()
		if current, still := c.items[cacheKey{userID: userID, model: model}]; still && current.expiresAt.Equal(item.expiresAt) {
			delete(c.items, cacheKey{userID: userID, model: model})
		}
		c.mu.Unlock()
		return nil, false, nil
	}
	return item.entry, true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, userID uint64, model string, entry *Entry, ttl time.Duration) error {
	if entry == nil || ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	c.items[cacheKey{userID: userID, model: model}] = memoryItem{entry: entry, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Invalidate implements Cache.
func (c *MemoryCache) Invalidate(_ context.Context, userID uint64, model string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.items {
		if userID != 0 && key.userID != userID {
			continue
		}
		if model != "" && key.model != model {
			continue
		}
		delete(c.items, key)
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// RedisCache shares entries between gateway instances.
type RedisCache struct {
	client    goredis.Cmdable
	keyPrefix string
}

// RedisOption configures RedisCache.
type RedisOption func(*RedisCache)

// WithKeyPrefix sets the Redis key prefix (default "metering:price:").
// A prefix without a trailing colon gets one so user ids never fuse with it.
func WithKeyPrefix(prefix string) RedisOption {
	return func(c *RedisCache) {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			return
		}
		if !strings.HasSuffix(prefix, ":") {
			prefix += ":"
		}
		c.keyPrefix = prefix
	}
}

// NewRedisCache wraps a connected *goredis.Client or *goredis.ClusterClient.
func NewRedisCache(client goredis.Cmdable, opts ...RedisOption) *RedisCache {
	c := &RedisCache{client: client, keyPrefix: "metering:price:"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) key(userID uint64, model string) string {
	return c.keyPrefix + strconv.FormatUint(userID, 10) + ":" + model
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, userID uint64, model string) (*Entry, bool, error) {
	raw, errGet := c.client.Get(ctx, c.key(userID, model)).Bytes()
	if errGet != nil {
		if errors.Is(errGet, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("price cache get: %w", errGet)
	}
	var entry Entry
	if errUnmarshal := json.Unmarshal(raw, &entry); errUnmarshal != nil {
		return nil, false, fmt.Errorf("price cache decode: %w", errUnmarshal)
	}
	return &entry, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, userID uint64, model string, entry *Entry, ttl time.Duration) error {
	if entry == nil || ttl <= 0 {
		return nil
	}
	raw, errMarshal := json.Marshal(entry)
	if errMarshal != nil {
		return fmt.Errorf("price cache encode: %w", errMarshal)
	}
	if errSet := c.client.Set(ctx, c.key(userID, model), raw, ttl).Err(); errSet != nil {
		return fmt.Errorf("price cache set: %w", errSet)
	}
	return nil
}

// Invalidate implements Cache by scanning matching keys.
func (c *RedisCache) Invalidate(ctx context.Context, userID uint64, model string) error {
	userPart := "*"
	if userID != 0 {
		userPart = strconv.FormatUint(userID, 10)
	}
	modelPart := "*"
	if model != "" {
		modelPart = escapeGlob(model)
	}
	pattern := escapeGlob(c.keyPrefix) + userPart + ":" + modelPart

	iter := c.client.Scan(ctx, 0, pattern, 200).Iterator()
	batch := make([]string, 0, 200)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if errDel := c.client.Del(ctx, batch...).Err(); errDel != nil {
				return fmt.Errorf("price cache invalidate: %w", errDel)
			}
			batch = batch[:0]
		}
	}
	if errIter := iter.Err(); errIter != nil {
		return fmt.Errorf("price cache scan: %w", errIter)
	}
	if len(batch) > 0 {
		if errDel := c.client.Del(ctx, batch...).Err(); errDel != nil {
			return fmt.Errorf("price cache invalidate: %w", errDel)
		}
	}
	return nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
