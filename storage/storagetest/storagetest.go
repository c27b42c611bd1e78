// Package storagetest holds a conformance suite every storage.Storage
// backend must pass.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/uma-client-go/storage"
)

// Factory creates a fresh, empty Storage for a single subtest.
type Factory func(t *testing.T) storage.Storage

// RunStorageTests runs the complete Storage test suite against the provided factory.
func RunStorageTests(t *testing.T, factory Factory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory) })
	t.Run("GetNonExistent", func(t *testing.T) { testGetNonExistent(t, factory) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, factory) })
	t.Run("Namespaces", func(t *testing.T) { testNamespaces(t, factory) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, factory) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, factory) })
	t.Run("DeleteNamespaceSiblings", func(t *testing.T) { testDeleteNamespaceSiblings(t, factory) })
}

func testSetAndGet(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Set(ctx, "test-key", []byte("test data")); err != nil {
		t.Fatalf("Failed to set data: %v", err)
	}

	item, err := s.Get(ctx, "test-key")
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if item == nil {
		t.Fatal("Expected item to exist, got nil")
	}
	if string(item.Data) != "test data" {
		t.Errorf("Expected data %q, got %q", "test data", item.Data)
	}
	if item.CreatedAt.IsZero() {
		t.Error("CreatedAt should not be zero")
	}
	if item.ExpiresAt != nil {
		t.Error("ExpiresAt should be nil for data without TTL")
	}
}

func testGetNonExistent(t *testing.T, factory Factory) {
	s := factory(t)

	item, err := s.Get(context.Background(), "non-existent-key")
	if err != nil {
		t.Fatalf("Failed to get non-existent key: %v", err)
	}
	if item != nil {
		t.Error("Expected nil for non-existent key, got item")
	}
}

func testTTL(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Set(ctx, "ttl-key", []byte("ttl data"), storage.WithTTL(100*time.Millisecond)); err != nil {
		t.Fatalf("Failed to set data with TTL: %v", err)
	}

	item, err := s.Get(ctx, "ttl-key")
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if item == nil {
		t.Fatal("Expected item to exist before expiry")
	}
	if item.ExpiresAt == nil {
		t.Fatal("ExpiresAt should be set for data with TTL")
	}

	time.Sleep(250 * time.Millisecond)

	item, err = s.Get(ctx, "ttl-key")
	if err != nil {
		t.Fatalf("Failed to get expired data: %v", err)
	}
	if item != nil {
		t.Error("Expected nil for expired item")
	}
}

func testOverwrite(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("one"), storage.WithSession("s1"))
	_ = s.Set(ctx, "k", []byte("two"), storage.WithSession("s1"))

	item, err := s.Get(ctx, "k", storage.WithSession("s1"))
	if err != nil || item == nil {
		t.Fatalf("Get: item=%v err=%v", item, err)
	}
	if string(item.Data) != "two" {
		t.Errorf("last write should win, got %q", item.Data)
	}
}

func testNamespaces(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	_ = s.Set(ctx, "shared", []byte("global"))
	_ = s.Set(ctx, "shared", []byte("s1"), storage.WithSession("s1"))
	_ = s.Set(ctx, "shared", []byte("s2"), storage.WithSession("s2"))

	cases := []struct {
		opts []storage.Option
		want string
	}{
		{nil, "global"},
		{[]storage.Option{storage.WithSession("s1")}, "s1"},
		{[]storage.Option{storage.WithSession("s2")}, "s2"},
	}
	for _, c := range cases {
		item, err := s.Get(ctx, "shared", c.opts...)
		if err != nil || item == nil {
			t.Fatalf("Get: item=%v err=%v", item, err)
		}
		if string(item.Data) != c.want {
			t.Errorf("got %q, want %q", item.Data, c.want)
		}
	}
}

func testDeleteKey(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	_ = s.Set(ctx, "a", []byte("1"), storage.WithSession("s1"))
	_ = s.Set(ctx, "b", []byte("2"), storage.WithSession("s1"))

	if err := s.Delete(ctx, storage.WithSession("s1"), storage.WithKey("a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if item, _ := s.Get(ctx, "a", storage.WithSession("s1")); item != nil {
		t.Error("deleted key still present")
	}
	if item, _ := s.Get(ctx, "b", storage.WithSession("s1")); item == nil {
		t.Error("sibling key was removed")
	}
}

func testDeleteNamespace(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	_ = s.Set(ctx, "a", []byte("1"), storage.WithSession("s1"))
	_ = s.Set(ctx, "b", []byte("2"), storage.WithSession("s1"))
	_ = s.Set(ctx, "a", []byte("3"), storage.WithSession("s2"))

	if err := s.Delete(ctx, storage.WithSession("s1")); err != nil {
		t.Fatalf("Delete namespace: %v", err)
	}

	for _, k := range []string{"a", "b"} {
		if item, _ := s.Get(ctx, k, storage.WithSession("s1")); item != nil {
			t.Errorf("key %q survived namespace delete", k)
		}
	}
	if item, _ := s.Get(ctx, "a", storage.WithSession("s2")); item == nil {
		t.Error("other namespace was affected")
	}
}

func testDeleteNamespaceSiblings(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("1"), storage.WithSession("a"))
	_ = s.Set(ctx, "k", []byte("2"), storage.WithSession("a:uma"))
	_ = s.Set(ctx, "k", []byte("3"), storage.WithSession("a*"))
	_ = s.Set(ctx, "k", []byte("4"), storage.WithSession("ab"))

	if err := s.Delete(ctx, storage.WithSession("a")); err != nil {
		t.Fatalf("Delete namespace: %v", err)
	}
	if item, _ := s.Get(ctx, "k", storage.WithSession("a")); item != nil {
		t.Error("key survived namespace delete")
	}
	if item, _ := s.Get(ctx, "k", storage.WithSession("a:uma")); item == nil {
		t.Error("sibling namespace a:uma was removed")
	}

	if err := s.Delete(ctx, storage.WithSession("a*")); err != nil {
		t.Fatalf("Delete namespace: %v", err)
	}
	if item, _ := s.Get(ctx, "k", storage.WithSession("a*")); item != nil {
		t.Error("key survived namespace delete")
	}
	if item, _ := s.Get(ctx, "k", storage.WithSession("ab")); item == nil {
		t.Error("glob-like session id matched another namespace")
	}
}
