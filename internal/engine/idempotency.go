package engine

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// DBChecker is the Postgres fallback consulted on a cache miss.
type DBChecker interface {
	IsDuplicate(kind string, idempotencyKey string) (bool, error)
}

// Hit reports where a duplicate was found
type Hit int8

const (
	HitNone Hit = iota
	HitCache
	HitDB
)

func (h Hit) String() string {
	switch h {
	case HitCache:
		return "lru"
	case HitDB:
		return "postgres"
	default:
		return "none"
	}
}

// IdempotencyChecker deduplicates instructions in two tiers: a bounded
// in-memory LRU of recent keys, then the event log in Postgres.
type IdempotencyChecker struct {
	cache *lru.Cache
	db    DBChecker

	tier2Errors int64
	lastErr     error
}

func NewIdempotencyChecker(capacity int, db DBChecker) (*IdempotencyChecker, error) {
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("idempotency cache: %w", err)
	}
	return &IdempotencyChecker{cache: cache, db: db}, nil
}

func compositeKey(kind, key string) string {
	return kind + ":" + key
}

// Lookup reports whether kind/key has already been applied. A failing
// database lookup counts as a miss so that an outage cannot stall the
// engine; the error is kept for the caller to log.
func (ic *IdempotencyChecker) Lookup(kind, key string) Hit {
	ck := compositeKey(kind, key)
	if _, ok := ic.cache.Get(ck); ok {
		return HitCache
	}
	if ic.db == nil {
		return HitNone
	}
	dup, err := ic.db.IsDuplicate(kind, key)
	if err != nil {
		ic.tier2Errors++
		ic.lastErr = err
		return HitNone
	}
	if dup {
		ic.cache.Add(ck, struct{}{})
		return HitDB
	}
	return HitNone
}

// MarkProcessed records kind/key after it has been applied.
func (ic *IdempotencyChecker) MarkProcessed(kind, key string) {
	ic.cache.Add(compositeKey(kind, key), struct{}{})
}

// Warm loads composite keys, oldest first, typically from a snapshot.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, k := range keys {
		ic.cache.Add(k, struct{}{})
	}
}

// Keys returns the cached composite keys from oldest to newest.
func (ic *IdempotencyChecker) Keys() []string {
	raw := ic.cache.Keys()
	out := make([]string, 0, len(raw))
	for _, k := range raw {
		out = append(out, k.(string))
	}
	return out
}

func (ic *IdempotencyChecker) Len() int { return ic.cache.Len() }

// Tier2Errors returns the count of failed database lookups and the most
// recent failure.
func (ic *IdempotencyChecker) Tier2Errors() (int64, error) {
	return ic.tier2Errors, ic.lastErr
}

// SetDB swaps the database tier. Replay runs without one, since every
// logged event would otherwise read back as a duplicate.
func (ic *IdempotencyChecker) SetDB(db DBChecker) { ic.db = db }
