// Package kv implements the storage facade shared by the memcached
// personality: a single logical key/value namespace
// backed by either SQLite or DuckDB, with memcached's get/set/cas/
// incr/decr/touch semantics layered on top of whichever engine is
// configured.
package kv

import (
	"context"
	"time"

	"github.com/ppdb/ppdb/pkg/metrics"
	"github.com/ppdb/ppdb/pkg/ppdberr"
)

// Item is one stored value plus its memcached metadata.
type Item struct {
	Key    string
	Value  []byte
	Flags  uint32
	Expiry int64 // absolute Unix seconds, 0 = never expires
	CAS    uint64
}

// maxRelativeExptime is memcached's 30-day boundary: exptime values at
// or below it are relative to now, above it they are absolute Unix
// timestamps.
const maxRelativeExptime = 60 * 60 * 24 * 30

// NormalizeExpiry converts a client-supplied exptime into an absolute
// Unix timestamp. 0 means never expires. A negative exptime means
// "already expired" and becomes one second before now, so the item
// reads as expired at once.
func NormalizeExpiry(exptime int64, now time.Time) int64 {
	switch {
	case exptime == 0:
		return 0
	case exptime < 0:
		return now.Unix() - 1
	case exptime <= maxRelativeExptime:
		return now.Unix() + exptime
	default:
		return exptime
	}
}

// Expired reports whether an item with the given absolute expiry has
// passed its lifetime as of now.
func Expired(expiry int64, now time.Time) bool {
	return expiry != 0 && expiry <= now.Unix()
}

// Backend is the storage engine a Store delegates to. Implementations
// must treat every method as safe for concurrent use.
type Backend interface {
	Get(ctx context.Context, key string) (*Item, error)
	Set(ctx context.Context, item *Item) error
	Add(ctx context.Context, item *Item) error
	Replace(ctx context.Context, item *Item) error
	Append(ctx context.Context, key string, data []byte) (*Item, error)
	Prepend(ctx context.Context, key string, data []byte) (*Item, error)
	CompareAndSwap(ctx context.Context, item *Item, cas uint64) error
	Delete(ctx context.Context, key string) error
	Incr(ctx context.Context, key string, delta uint64) (uint64, error)
	Decr(ctx context.Context, key string, delta uint64) (uint64, error)
	Touch(ctx context.Context, key string, expiry int64) error
	FlushAll(ctx context.Context, before int64) error
	Close() error
}

// Store wraps a Backend with the metrics bookkeeping every personality
// command path needs.
type Store struct {
	backend      Backend
	valueSizeCap int // 0 disables the append/prepend combined-size check
}

// NewStore wraps a ready backend. The store enforces no size cap until
// WithValueSizeCap is chained on.
func NewStore(backend Backend) *Store { return &Store{backend: backend} }

// WithValueSizeCap bounds how large append/prepend may grow a value
// before returning TooLarge, and returns the receiver for chaining
// off NewStore.
func (s *Store) WithValueSizeCap(n int) *Store {
	s.valueSizeCap = n
	return s
}

func (s *Store) Get(ctx context.Context, key string) (*Item, error) {
	metrics.CmdGet.Inc()
	item, err := s.backend.Get(ctx, key)
	if err != nil {
		if ppdberr.Is(err, ppdberr.NotFound) {
			metrics.GetMisses.Inc()
		}
		return nil, err
	}
	metrics.GetHits.Inc()
	return item, nil
}

func (s *Store) Set(ctx context.Context, item *Item) error {
	metrics.CmdSet.Inc()
	existed, _ := s.backend.Get(ctx, item.Key)
	if err := s.backend.Set(ctx, item); err != nil {
		return err
	}
	metrics.TotalItems.Inc()
	if existed == nil {
		metrics.CurrItems.Inc()
	}
	metrics.BytesStored.Add(float64(len(item.Value)))
	return nil
}

func (s *Store) Add(ctx context.Context, item *Item) error {
	metrics.CmdSet.Inc()
	if err := s.backend.Add(ctx, item); err != nil {
		return err
	}
	metrics.TotalItems.Inc()
	metrics.CurrItems.Inc()
	metrics.BytesStored.Add(float64(len(item.Value)))
	return nil
}

func (s *Store) Replace(ctx context.Context, item *Item) error {
	metrics.CmdSet.Inc()
	return s.backend.Replace(ctx, item)
}

func (s *Store) Append(ctx context.Context, key string, data []byte) (*Item, error) {
	metrics.CmdSet.Inc()
	if err := s.checkCombinedSize(ctx, key, data); err != nil {
		return nil, err
	}
	return s.backend.Append(ctx, key, data)
}

func (s *Store) Prepend(ctx context.Context, key string, data []byte) (*Item, error) {
	metrics.CmdSet.Inc()
	if err := s.checkCombinedSize(ctx, key, data); err != nil {
		return nil, err
	}
	return s.backend.Prepend(ctx, key, data)
}

// checkCombinedSize rejects an append/prepend that would grow the
// stored value past valueSizeCap. It re-reads the current value to
// learn its length; a no-cap Store (valueSizeCap == 0) skips the
// check entirely.
func (s *Store) checkCombinedSize(ctx context.Context, key string, data []byte) error {
	if s.valueSizeCap <= 0 {
		return nil
	}
	existing, err := s.backend.Get(ctx, key)
	if err != nil {
		return err
	}
	if len(existing.Value)+len(data) > s.valueSizeCap {
		return ppdberr.New(ppdberr.TooLarge, "append/prepend would exceed value size cap")
	}
	return nil
}

func (s *Store) CompareAndSwap(ctx context.Context, item *Item, cas uint64) error {
	metrics.CmdSet.Inc()
	return s.backend.CompareAndSwap(ctx, item, cas)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	metrics.CmdDelete.Inc()
	if err := s.backend.Delete(ctx, key); err != nil {
		return err
	}
	metrics.CurrItems.Dec()
	return nil
}

func (s *Store) Incr(ctx context.Context, key string, delta uint64) (uint64, error) {
	return s.backend.Incr(ctx, key, delta)
}

func (s *Store) Decr(ctx context.Context, key string, delta uint64) (uint64, error) {
	return s.backend.Decr(ctx, key, delta)
}

func (s *Store) Touch(ctx context.Context, key string, expiry int64) error {
	return s.backend.Touch(ctx, key, expiry)
}

func (s *Store) FlushAll(ctx context.Context, before int64) error {
	if err := s.backend.FlushAll(ctx, before); err != nil {
		return err
	}
	metrics.CurrItems.Set(0)
	metrics.BytesStored.Set(0)
	return nil
}

// Close releases the underlying engine handle.
func (s *Store) Close() error { return s.backend.Close() }
