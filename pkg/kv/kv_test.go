package kv

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ppdb/ppdb/pkg/ppdberr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backend, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return NewStore(backend)
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Set(ctx, &Item{Key: "a", Value: []byte("1"), Flags: 7}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	item, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(item.Value) != "1" || item.Flags != 7 {
		t.Fatalf("unexpected item: %+v", item)
	}
}

func TestAddRejectsExisting(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Add(ctx, &Item{Key: "a", Value: []byte("1")}); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if err := s.Add(ctx, &Item{Key: "a", Value: []byte("2")}); err == nil {
		t.Fatal("expected second Add to fail with Exists")
	}
}

func TestReplaceRequiresExisting(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Replace(ctx, &Item{Key: "missing", Value: []byte("x")}); err == nil {
		t.Fatal("expected Replace on missing key to fail")
	}
}

func TestCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Set(ctx, &Item{Key: "a", Value: []byte("1")}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	item, _ := s.Get(ctx, "a")

	if err := s.CompareAndSwap(ctx, &Item{Key: "a", Value: []byte("2")}, item.CAS+1); err == nil {
		t.Fatal("expected mismatched cas to fail")
	}
	if err := s.CompareAndSwap(ctx, &Item{Key: "a", Value: []byte("2")}, item.CAS); err != nil {
		t.Fatalf("CompareAndSwap with correct cas: %v", err)
	}
}

func TestAppendPrepend(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.Set(ctx, &Item{Key: "a", Value: []byte("b")})

	item, err := s.Append(ctx, "a", []byte("c"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if string(item.Value) != "bc" {
		t.Fatalf("Append value = %q, want %q", item.Value, "bc")
	}

	item, err = s.Prepend(ctx, "a", []byte("a"))
	if err != nil {
		t.Fatalf("Prepend: %v", err)
	}
	if string(item.Value) != "abc" {
		t.Fatalf("Prepend value = %q, want %q", item.Value, "abc")
	}
}

func TestIncrDecr(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.Set(ctx, &Item{Key: "n", Value: []byte("10")})

	v, err := s.Incr(ctx, "n", 5)
	if err != nil || v != 15 {
		t.Fatalf("Incr = %d, %v, want 15, nil", v, err)
	}
	v, err = s.Decr(ctx, "n", 100)
	if err != nil || v != 0 {
		t.Fatalf("Decr = %d, %v, want 0 (saturated), nil", v, err)
	}
}

func TestIncrOverflowIsError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.Set(ctx, &Item{Key: "n", Value: []byte("18446744073709551615")}) // math.MaxUint64

	if _, err := s.Incr(ctx, "n", 1); err == nil {
		t.Fatal("expected Incr past u64 max to fail with Overflow")
	}
}

func TestAppendOverCapIsTooLarge(t *testing.T) {
	ctx := context.Background()
	backend, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	s := NewStore(backend).WithValueSizeCap(16)

	if err := s.Set(ctx, &Item{Key: "k", Value: bytes.Repeat([]byte("a"), 10)}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := s.Append(ctx, "k", bytes.Repeat([]byte("b"), 10)); !ppdberr.Is(err, ppdberr.TooLarge) {
		t.Fatalf("Append past cap: got %v, want TooLarge", err)
	}

	// Appending within the cap still succeeds.
	if _, err := s.Append(ctx, "k", []byte("bb")); err != nil {
		t.Fatalf("Append within cap: %v", err)
	}
}

func TestExpirySemantics(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	if got := NormalizeExpiry(0, now); got != 0 {
		t.Fatalf("NormalizeExpiry(0) = %d, want 0", got)
	}
	if got := NormalizeExpiry(60, now); got != now.Unix()+60 {
		t.Fatalf("relative exptime not added to now: %d", got)
	}
	absolute := now.Unix() + 1_000_000
	if got := NormalizeExpiry(absolute, now); got != absolute {
		t.Fatalf("absolute exptime passed through changed: %d != %d", got, absolute)
	}
}

func TestExpiredItemNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	past := time.Now().Add(-time.Hour).Unix()
	_ = s.Set(ctx, &Item{Key: "a", Value: []byte("x"), Expiry: past})

	if _, err := s.Get(ctx, "a"); err == nil {
		t.Fatal("expected expired item to be NotFound")
	}
}

func TestFlushAllImmediate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.Set(ctx, &Item{Key: "a", Value: []byte("x")})
	if err := s.FlushAll(ctx, 0); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if _, err := s.Get(ctx, "a"); err == nil {
		t.Fatal("expected key to be gone after flush_all")
	}
}
