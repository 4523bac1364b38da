package ai

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/doeshing/sidekick/internal/ports"
)

// sweepThreshold is the entry count that triggers an inline expiry sweep.
const sweepThreshold = 1024

// Cached remembers successful classifications of identical utterances for a
// fixed TTL. Failures are never cached.
type Cached struct {
	inner ports.IntentClassifier
	cache *gocache.Cache
}

// NewCached wraps inner with a TTL cache. Expired entries are swept inline
// rather than by a janitor goroutine.
func NewCached(inner ports.IntentClassifier, ttl time.Duration) *Cached {
	return &Cached{inner: inner, cache: gocache.New(ttl, 0)}
}

func (c *Cached) Name() string {
	return c.inner.Name()
}

// Classify implements ports.IntentClassifier.
func (c *Cached) Classify(ctx context.Context, text string) (ports.Classification, error) {
	key := cacheKey(text)
	if hit, ok := c.cache.Get(key); ok {
		cached := hit.(ports.Classification)
		return ports.Classification{Intent: cached.Intent.Clone(), Reply: cached.Reply}, nil
	}

	classification, err := c.inner.Classify(ctx, text)
	if err != nil {
		return ports.Classification{}, err
	}
	if c.cache.ItemCount() >= sweepThreshold {
		c.cache.DeleteExpired()
	}
	c.cache.SetDefault(key, ports.Classification{Intent: classification.Intent.Clone(), Reply: classification.Reply})
	return classification, nil
}

func cacheKey(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

var _ ports.IntentClassifier = (*Cached)(nil)
