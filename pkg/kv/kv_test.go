package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// newTestStores returns all backends under test, keyed by name.
func newTestStores(t *testing.T) map[string]Store {
	t.Helper()
	bdg, err := NewBadger(BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	stores := map[string]Store{
		"memory": NewMemory(),
		"badger": bdg,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestGetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			key := Key{"feature", "utt-001", "speed=0.90", "fbank-v1"}
			val := []byte("vector-bytes")

			if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := s.Set(ctx, key, val); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, err := s.Get(ctx, key)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != string(val) {
				t.Fatalf("Get = %q, want %q", got, val)
			}

			if err := s.Set(ctx, key, []byte("v2")); err != nil {
				t.Fatalf("Set overwrite: %v", err)
			}
			got, _ = s.Get(ctx, key)
			if string(got) != "v2" {
				t.Fatalf("Get after overwrite = %q", got)
			}

			if err := s.Delete(ctx, key); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
			if err := s.Delete(ctx, Key{"no", "such"}); err != nil {
				t.Fatalf("Delete non-existent: %v", err)
			}
		})
	}
}

func TestListPrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			entries := []Entry{
				{Key: Key{"feature", "u1", "raw", "fbank-v1"}, Value: []byte("a")},
				{Key: Key{"feature", "u1", "speed=0.90", "fbank-v1"}, Value: []byte("b")},
				{Key: Key{"feature", "u10", "raw", "fbank-v1"}, Value: []byte("c")},
				{Key: Key{"checkpoint", "fold-0"}, Value: []byte("d")},
			}
			for _, e := range entries {
				if err := s.Set(ctx, e.Key, e.Value); err != nil {
					t.Fatalf("Set: %v", err)
				}
			}

			// Prefix "feature:u1" must not match "feature:u10".
			var got []string
			for e, err := range s.List(ctx, Key{"feature", "u1"}) {
				if err != nil {
					t.Fatalf("List: %v", err)
				}
				got = append(got, e.Key.String())
			}
			want := []string{
				"feature:u1:raw:fbank-v1",
				"feature:u1:speed=0.90:fbank-v1",
			}
			if len(got) != len(want) {
				t.Fatalf("List = %v, want %v", got, want)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("List[%d] = %q, want %q", i, got[i], want[i])
				}
			}
		})
	}
}

func TestListEarlyStop(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for i := 0; i < 10; i++ {
		if err := s.Set(ctx, Key{"p", fmt.Sprintf("%02d", i)}, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	n := 0
	for range s.List(ctx, Key{"p"}) {
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Fatalf("yielded %d entries after break, want 3", n)
	}
}

func TestMemoryConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := Key{"feature", fmt.Sprintf("u%d-%d", g, i)}
				if err := s.Set(ctx, key, []byte("v")); err != nil {
					t.Errorf("Set: %v", err)
					return
				}
				if _, err := s.Get(ctx, key); err != nil {
					t.Errorf("Get: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	if s.Len() != 800 {
		t.Errorf("Len = %d, want 800", s.Len())
	}
}
