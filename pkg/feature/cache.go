package feature

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalto-speech/l2rate/pkg/corpus"
	"github.com/aalto-speech/l2rate/pkg/kv"
)

// cacheKeyPrefix namespaces feature entries inside the shared store,
// keeping them apart from experiment checkpoints.
const cacheKeyPrefix = "feature"

// rawTag is the cache key segment for unaugmented audio. Augmentation
// tags never collide with it because chains are non-empty.
const rawTag = "raw"

// CacheOptions configures a feature cache.
type CacheOptions struct {
	// ExtractTimeout bounds a single upstream extraction call so a
	// pathological recording cannot stall a worker forever. Zero
	// disables the bound.
	ExtractTimeout time.Duration

	// Logger receives cache activity. Defaults to slog.Default.
	Logger *slog.Logger
}

// Cache memoizes feature extraction in a [kv.Store], keyed by
// (utterance ID, augmentation tag, model version).
//
// Population is at-most-once per key: a per-key acquisition lock makes
// concurrent requests for the same key block until the first
// extraction completes, after which all callers share the stored
// result. Distinct keys do not contend.
type Cache struct {
	store     kv.Store
	extractor Extractor
	opts      CacheOptions

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache wraps an extractor with a store. The cache does not own the
// store; callers close it when the run ends.
func NewCache(store kv.Store, extractor Extractor, opts CacheOptions) *Cache {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		store:     store,
		extractor: extractor,
		opts:      opts,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Extractor returns the wrapped representation model.
func (c *Cache) Extractor() Extractor { return c.extractor }

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Extract returns the feature vector for an utterance variant,
// computing and storing it on first request. Extraction failures are
// wrapped in [*ExtractionError]; the caller excludes the utterance
// rather than aborting the fold.
func (c *Cache) Extract(ctx context.Context, u corpus.Utterance) (*Vector, error) {
	key := c.key(u)

	lock := c.keyLock(key.String())
	lock.Lock()
	defer lock.Unlock()

	if data, err := c.store.Get(ctx, key); err == nil {
		v, err := DecodeVector(data)
		if err == nil {
			c.hits.Add(1)
			return v, nil
		}
		// A corrupt entry is recomputed, not fatal.
		c.opts.Logger.Warn("feature: corrupt cache entry, recomputing", "key", key.String(), "err", err)
	} else if !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}
	c.misses.Add(1)

	extractCtx := ctx
	if c.opts.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		extractCtx, cancel = context.WithTimeout(ctx, c.opts.ExtractTimeout)
		defer cancel()
	}

	frames, err := c.extractor.Extract(extractCtx, u.Samples, u.SampleRate)
	if err != nil {
		// Run cancellation propagates as-is; model rejections become
		// recoverable per-utterance errors.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ExtractionError{
			UtteranceID:     u.ID,
			AugmentationTag: u.AugmentationTag,
			Err:             err,
		}
	}

	v := &Vector{
		UtteranceID:     u.ID,
		AugmentationTag: u.AugmentationTag,
		ModelVersion:    c.extractor.Version(),
		Frames:          frames,
		Pooled:          Pool(frames),
	}
	data, err := v.Encode()
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(ctx, key, data); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Cache) key(u corpus.Utterance) kv.Key {
	tag := u.AugmentationTag
	if tag == "" {
		tag = rawTag
	}
	return kv.Key{cacheKeyPrefix, u.ID, tag, c.extractor.Version()}
}

// keyLock returns the mutex guarding one cache key, creating it on
// first use. Lock stubs are retained for the run's duration; the key
// space is bounded by corpus size × conditions.
func (c *Cache) keyLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}
