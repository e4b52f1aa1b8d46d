package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreSetIfAbsent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	fresh, err := store.SetIfAbsent(ctx, "e1", time.Hour)
	if err != nil || !fresh {
		t.Fatalf("expected first set fresh, got fresh=%v err=%v", fresh, err)
	}
	fresh, err = store.SetIfAbsent(ctx, "e1", time.Hour)
	if err != nil || fresh {
		t.Fatalf("expected second set suppressed, got fresh=%v err=%v", fresh, err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	clock := time.Now()
	store := NewMemoryStore().(*memoryStore)
	store.now = func() time.Time { return clock }
	ctx := context.Background()

	if fresh, _ := store.SetIfAbsent(ctx, "e1", time.Minute); !fresh {
		t.Fatal("expected fresh")
	}
	clock = clock.Add(2 * time.Minute)
	if fresh, _ := store.SetIfAbsent(ctx, "e1", time.Minute); !fresh {
		t.Fatal("expected key expired after TTL")
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, _ = store.SetIfAbsent(ctx, "e1", time.Hour)
	if err := store.Delete(ctx, "e1"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if fresh, _ := store.SetIfAbsent(ctx, "e1", time.Hour); !fresh {
		t.Fatal("expected key gone after delete")
	}
}
