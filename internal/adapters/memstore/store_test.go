package memstore

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestStore_PushListRemove(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Push(ctx, "k", []byte("a")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if err := s.Push(ctx, "k", []byte("b")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	values, err := s.List(ctx, "k")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(values) != 2 || !bytes.Equal(values[0], []byte("a")) || !bytes.Equal(values[1], []byte("b")) {
		t.Fatalf("List() = %q, want [a b]", values)
	}

	err = s.Remove(ctx, "k", func(v []byte) bool { return bytes.Equal(v, []byte("a")) })
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	values, _ = s.List(ctx, "k")
	if len(values) != 1 || !bytes.Equal(values[0], []byte("b")) {
		t.Fatalf("List() after Remove = %q, want [b]", values)
	}
}

func TestStore_Expire(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Push(ctx, "k", []byte("a")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if err := s.Expire(ctx, "k", 10*time.Millisecond); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	values, err := s.List(ctx, "k")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(values) != 0 {
		t.Errorf("List() after expiry = %q, want empty", values)
	}
}

func TestStore_ListUnknownKey(t *testing.T) {
	s := New()
	values, err := s.List(context.Background(), "missing")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(values) != 0 {
		t.Errorf("List(missing) = %q, want empty", values)
	}
}
