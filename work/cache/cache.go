package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/maypok86/otter/v2"

	"emeltv-player/work/database"
	"emeltv-player/work/logger"
	"emeltv-player/work/metrics"
	"emeltv-player/work/types"
)

// StreamKey is the persisted key holding the last resolved stream.
const StreamKey = "cachedStream"

// Outcome describes what a lookup found.
type Outcome string

const (
	OutcomeHit      Outcome = "hit"      // valid entry served
	OutcomeMiss     Outcome = "miss"     // nothing stored, or caching disabled
	OutcomeExpired  Outcome = "expired"  // entry past expires_at, deleted
	OutcomeCorrupt  Outcome = "corrupt"  // entry unparsable, deleted
	OutcomeDisabled Outcome = "disabled" // caching turned off in config
)

// Store is the persistence the cache writes through. *database.DB satisfies it.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// StreamCache keeps the last resolved stream URL until its backend-provided
// expiry. Reads go through a short-lived in-memory front; the persisted copy
// survives restarts of the daemon.
type StreamCache struct {
	store   Store
	memory  *otter.Cache[string, types.CachedStream]
	clock   clock.Clock
	enabled bool
}

// Option customises a StreamCache.
type Option func(*StreamCache)

// WithClock replaces the wall clock used for expiry checks.
func WithClock(c clock.Clock) Option {
	return func(sc *StreamCache) { sc.clock = c }
}

// WithEnabled turns caching on or off. A disabled cache never hits and never writes.
func WithEnabled(enabled bool) Option {
	return func(sc *StreamCache) { sc.enabled = enabled }
}

// NewStreamCache creates a cache backed by store. memoryTTL bounds how long the
// in-memory front may answer without consulting the store.
func NewStreamCache(store Store, memoryTTL time.Duration, opts ...Option) *StreamCache {
	sc := &StreamCache{
		store:   store,
		clock:   clock.New(),
		enabled: true,
		memory: otter.Must(&otter.Options[string, types.CachedStream]{
			MaximumSize:      16,
			ExpiryCalculator: otter.ExpiryWriting[string, types.CachedStream](memoryTTL),
		}),
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// Load returns the cached URL when a non-expired entry exists. Expired and
// unparsable entries are deleted and reported as such; they never surface as errors.
func (sc *StreamCache) Load(ctx context.Context) (string, Outcome) {
	if !sc.enabled {
		return "", OutcomeDisabled
	}
	now := sc.clock.Now()

	if entry, ok := sc.memory.GetIfPresent(StreamKey); ok {
		if entry.Valid(now) {
			metrics.CacheLookups.WithLabelValues(string(OutcomeHit)).Inc()
			return entry.URL, OutcomeHit
		}
		sc.memory.Invalidate(StreamKey)
	}

	raw, err := sc.store.Get(ctx, StreamKey)
	if errors.Is(err, database.ErrNotFound) {
		metrics.CacheLookups.WithLabelValues(string(OutcomeMiss)).Inc()
		return "", OutcomeMiss
	}
	if err != nil {
		logger.Warn("{cache - Load} Reading cached stream failed, treating as miss: %v", err)
		metrics.CacheLookups.WithLabelValues(string(OutcomeMiss)).Inc()
		return "", OutcomeMiss
	}

	var entry types.CachedStream
	err = json.Unmarshal([]byte(raw), &entry)
	if err != nil || entry.URL == "" || entry.ExpiresAt.Unparsed != "" {
		logger.Warn("{cache - Load} Cached stream is unparsable, clearing it (err=%v)", err)
		sc.remove(ctx)
		metrics.CacheLookups.WithLabelValues(string(OutcomeCorrupt)).Inc()
		return "", OutcomeCorrupt
	}

	if !entry.Valid(now) {
		logger.Debug("{cache - Load} Cached stream expired at %s, clearing it", entry.ExpiresAt.Format(time.RFC3339))
		sc.remove(ctx)
		metrics.CacheLookups.WithLabelValues(string(OutcomeExpired)).Inc()
		return "", OutcomeExpired
	}

	sc.memory.Set(StreamKey, entry)
	metrics.CacheLookups.WithLabelValues(string(OutcomeHit)).Inc()
	return entry.URL, OutcomeHit
}

// Save persists entry. Entries without a future expiry are not stored, since
// they could never be served.
func (sc *StreamCache) Save(ctx context.Context, entry types.CachedStream) error {
	if !sc.enabled {
		return nil
	}
	if !entry.Valid(sc.clock.Now()) {
		logger.Debug("{cache - Save} Not caching stream without a future expiry")
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := sc.store.Set(ctx, StreamKey, string(data)); err != nil {
		return err
	}
	sc.memory.Set(StreamKey, entry)
	return nil
}

// Invalidate drops any cached stream so the next Load misses.
func (sc *StreamCache) Invalidate(ctx context.Context) error {
	sc.memory.Invalidate(StreamKey)
	if !sc.enabled {
		return nil
	}
	return sc.store.Delete(ctx, StreamKey)
}

func (sc *StreamCache) remove(ctx context.Context) {
	sc.memory.Invalidate(StreamKey)
	if err := sc.store.Delete(ctx, StreamKey); err != nil {
		logger.Warn("{cache - remove} Deleting cached stream failed: %v", err)
	}
}
