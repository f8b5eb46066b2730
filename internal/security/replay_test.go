package security

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/billclaw/internal/config"
)

func newTestGuard(t *testing.T, now time.Time) (*ReplayGuard, *MemoryNonceStore) {
	t.Helper()
	store := NewMemoryNonceStore(MemoryNonceStoreConfig{})
	t.Cleanup(func() { _ = store.Close() })
	store.now = func() time.Time { return now }

	guard := NewReplayGuard(store, ReplayGuardConfig{}, nil)
	guard.now = func() time.Time { return now }
	return guard, store
}

func TestReplayGuardWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ms := func(d time.Duration) int64 { return now.Add(d).UnixMilli() }

	tests := []struct {
		name      string
		timestamp int64
		nonce     string
		want      bool
	}{
		{"fresh", ms(0), "n-fresh", true},
		{"at max age", ms(-15 * time.Minute), "n-max-age", true},
		{"too old", ms(-15*time.Minute - time.Millisecond), "n-old", false},
		{"at future tolerance", ms(5 * time.Minute), "n-future-ok", true},
		{"too far in future", ms(5*time.Minute + time.Millisecond), "n-future", false},
		{"missing timestamp", 0, "n-zero", false},
		{"missing nonce", ms(0), "", false},
		{"blank nonce", ms(0), "   ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard, _ := newTestGuard(t, now)
			if got := guard.Validate(context.Background(), tt.timestamp, tt.nonce); got != tt.want {
				t.Fatalf("Validate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReplayGuardRejectsReusedNonce(t *testing.T) {
	now := time.Now()
	guard, store := newTestGuard(t, now)
	ctx := context.Background()

	if !guard.Validate(ctx, now.UnixMilli(), "nonce-1") {
		t.Fatal("first delivery should pass")
	}
	if guard.Validate(ctx, now.UnixMilli(), "nonce-1") {
		t.Fatal("replayed nonce should be rejected")
	}
	if !guard.Validate(ctx, now.UnixMilli(), "nonce-2") {
		t.Fatal("fresh nonce should pass")
	}

	// Just past the TTL the nonce is forgotten, but by then the original
	// timestamp is outside the accepted age window.
	later := now.Add(guard.NonceTTL() + time.Millisecond)
	store.now = func() time.Time { return later }
	guard.now = func() time.Time { return later }
	if guard.Validate(ctx, now.UnixMilli(), "nonce-1") {
		t.Fatal("replay after nonce expiry must still fail the age check")
	}
}

func TestReplayGuardRejectsFutureDatedReplay(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	guard, store := newTestGuard(t, now)
	ctx := context.Background()

	stamped := now.Add(4*time.Minute + 59*time.Second).UnixMilli()
	if !guard.Validate(ctx, stamped, "nonce-future") {
		t.Fatal("future-dated delivery within tolerance should pass")
	}

	// 16 minutes later the timestamp is 11m old and still inside MaxAge.
	later := now.Add(16 * time.Minute)
	store.now = func() time.Time { return later }
	guard.now = func() time.Time { return later }
	if guard.Validate(ctx, stamped, "nonce-future") {
		t.Fatal("replay inside the timestamp window was accepted")
	}
}

func TestReplayGuardNonceTTLDefaults(t *testing.T) {
	tests := []struct {
		name string
		cfg  ReplayGuardConfig
		want time.Duration
	}{
		{"defaults to acceptance window", ReplayGuardConfig{}, 20 * time.Minute},
		{"follows custom window", ReplayGuardConfig{MaxAge: 10 * time.Minute, FutureTolerance: time.Minute}, 11 * time.Minute},
		{"floor of sixty seconds", ReplayGuardConfig{MaxAge: 10 * time.Second, FutureTolerance: 20 * time.Second}, 60 * time.Second},
		{"short explicit ttl raised to window", ReplayGuardConfig{NonceTTL: time.Minute}, 20 * time.Minute},
		{"explicit ttl", ReplayGuardConfig{NonceTTL: 30 * time.Minute}, 30 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard := NewReplayGuard(NewMemoryNonceStore(MemoryNonceStoreConfig{}), tt.cfg, nil)
			if got := guard.NonceTTL(); got != tt.want {
				t.Fatalf("NonceTTL() = %v, want %v", got, tt.want)
			}
		})
	}
}

type failingStore struct{}

func (failingStore) IsProcessed(context.Context, string) (bool, error) {
	return false, errors.New("store down")
}

func (failingStore) MarkProcessed(context.Context, string, time.Duration) error {
	return errors.New("store down")
}

func TestReplayGuardFailsClosed(t *testing.T) {
	guard := NewReplayGuard(failingStore{}, ReplayGuardConfig{}, nil)
	if guard.Validate(context.Background(), time.Now().UnixMilli(), "n") {
		t.Fatal("store errors must reject")
	}
}

func TestReplayGuardValidateHeader(t *testing.T) {
	now := time.Now()
	guard, _ := newTestGuard(t, now)
	ctx := context.Background()

	if guard.ValidateHeader(ctx, "not-a-number", "n1") {
		t.Fatal("unparseable timestamp should be rejected")
	}
	if !guard.ValidateHeader(ctx, " "+strconv.FormatInt(now.UnixMilli(), 10)+" ", "n2") {
		t.Fatal("valid header should pass")
	}
}

func TestMemoryNonceStoreExpiryAndEviction(t *testing.T) {
	now := time.Now()
	store := NewMemoryNonceStore(MemoryNonceStoreConfig{MaxSize: 2})
	defer store.Close()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_ = store.MarkProcessed(ctx, "a", time.Second)
	_ = store.MarkProcessed(ctx, "b", time.Minute)
	_ = store.MarkProcessed(ctx, "c", time.Minute)

	if store.Size() != 2 {
		t.Fatalf("expected eviction to cap size at 2, got %d", store.Size())
	}
	if ok, _ := store.IsProcessed(ctx, "a"); ok {
		t.Fatal("soonest-expiring entry should have been evicted")
	}

	store.now = func() time.Time { return now.Add(2 * time.Minute) }
	if removed := store.Cleanup(); removed != 2 {
		t.Fatalf("expected 2 expired entries removed, got %d", removed)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestMemoryNonceStoreConcurrent(t *testing.T) {
	store := NewMemoryNonceStore(MemoryNonceStoreConfig{CleanupInterval: time.Millisecond})
	defer store.Close()
	guard := NewReplayGuard(store, ReplayGuardConfig{}, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if guard.Validate(context.Background(), time.Now().UnixMilli(), "shared") {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if accepted < 1 {
		t.Fatal("expected at least one acceptance")
	}
}

func TestOpenNonceStoreMemory(t *testing.T) {
	store, closer, err := OpenNonceStore(context.Background(), config.Default())
	if err != nil {
		t.Fatalf("OpenNonceStore() error = %v", err)
	}
	defer closer.Close()
	if _, ok := store.(*MemoryNonceStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}

func TestRedisNonceStore(t *testing.T) {
	addr := os.Getenv("BILLCLAW_TEST_REDIS")
	if addr == "" {
		t.Skip("BILLCLAW_TEST_REDIS not set")
	}
	ctx := context.Background()
	store, err := DialRedisNonceStore(ctx, config.RedisConfig{Address: addr, KeyPrefix: "billclaw:test:"})
	if err != nil {
		t.Fatalf("DialRedisNonceStore() error = %v", err)
	}
	defer store.Close()

	nonce := time.Now().Format(time.RFC3339Nano)
	if ok, err := store.IsProcessed(ctx, nonce); err != nil || ok {
		t.Fatalf("fresh nonce: processed=%v err=%v", ok, err)
	}
	if err := store.MarkProcessed(ctx, nonce, time.Minute); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if ok, err := store.IsProcessed(ctx, nonce); err != nil || !ok {
		t.Fatalf("marked nonce: processed=%v err=%v", ok, err)
	}
}
