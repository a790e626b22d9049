package redisstore

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

// TestStore_Integration requires a running Redis.
// We skip if connection fails.
func TestStore_Integration(t *testing.T) {
	store := New("localhost:6379", "", 0)
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer store.Close()

	key := "relaycore-test:" + uuid.NewString()

	if err := store.Push(ctx, key, []byte("a")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if err := store.Push(ctx, key, []byte("b")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if err := store.Expire(ctx, key, time.Minute); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}

	values, err := store.List(ctx, key)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(values) != 2 || !bytes.Equal(values[0], []byte("a")) {
		t.Fatalf("List() = %q, want [a b]", values)
	}

	err = store.Remove(ctx, key, func(v []byte) bool { return bytes.Equal(v, []byte("a")) })
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	values, _ = store.List(ctx, key)
	if len(values) != 1 || !bytes.Equal(values[0], []byte("b")) {
		t.Fatalf("List() after Remove = %q, want [b]", values)
	}

	// Cleanup.
	_ = store.Remove(ctx, key, func([]byte) bool { return true })
}
