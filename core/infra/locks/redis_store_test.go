package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func exerciseStore(t *testing.T, store Store, expire func(time.Duration)) {
	t.Helper()
	ctx := context.Background()

	ok, err := store.Claim(ctx, "github:delivery-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	if ok, _ := store.Claim(ctx, "github:delivery-1", time.Minute); ok {
		t.Fatalf("expected duplicate claim to fail")
	}
	if ok, _ := store.Claim(ctx, "github:delivery-2", time.Minute); !ok {
		t.Fatalf("distinct keys are independent")
	}
	if err := store.Release(ctx, "github:delivery-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := store.Claim(ctx, "github:delivery-1", time.Second); !ok {
		t.Fatalf("expected claim after release")
	}
	expire(2 * time.Second)
	if ok, _ := store.Claim(ctx, "github:delivery-1", time.Second); !ok {
		t.Fatalf("expected claim after expiry")
	}
	if _, err := store.Claim(ctx, "", time.Second); err == nil {
		t.Fatalf("expected empty key error")
	}
}

func TestMemoryStoreContract(t *testing.T) {
	store := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	exerciseStore(t, store, func(d time.Duration) { now = now.Add(d) })
}

func TestMemoryStoreSweepsExpiredClaims(t *testing.T) {
	store := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()
	for i := 0; i < memorySweepSize; i++ {
		_, _ = store.Claim(ctx, time.Duration(i).String(), time.Second)
	}
	now = now.Add(time.Minute)
	if ok, _ := store.Claim(ctx, "fresh", time.Second); !ok {
		t.Fatalf("expected fresh claim")
	}
	if len(store.claims) != 1 {
		t.Fatalf("expected expired claims to be swept, have %d", len(store.claims))
	}
}

func TestRedisStoreContract(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	store := NewRedisStoreFromClient(client, "t:")
	exerciseStore(t, store, srv.FastForward)
	if !srv.Exists("t:github:delivery-2") {
		t.Fatalf("expected claim under the configured prefix")
	}
}

func TestOpen(t *testing.T) {
	store, err := Open(context.Background(), "", "")
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
	if _, err := Open(context.Background(), "etcd", ""); err == nil {
		t.Fatalf("expected unknown backend error")
	}
}
