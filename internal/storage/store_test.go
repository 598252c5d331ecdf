package storage

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"testing"
)

// storeFactories lets the behavioural tests run against every backend
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"dir": func() Store {
			d, err := NewDirStore(t.TempDir())
			if err != nil {
				t.Fatalf("Failed to create dir store: %v", err)
			}
			return d
		},
	}
}

// TestStoreBehaviour tests the operations shared by all backends
func TestStoreBehaviour(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name+"/new store is empty", func(t *testing.T) {
			store := newStore()

			if keys := store.List(); len(keys) != 0 {
				t.Errorf("Expected empty store, got %d keys", len(keys))
			}
			if _, err := store.Get("cache/none"); err != ErrKeyNotFound {
				t.Errorf("Expected ErrKeyNotFound, got %v", err)
			}
			if _, err := store.Checksum("cache/none"); err != ErrKeyNotFound {
				t.Errorf("Expected ErrKeyNotFound from Checksum, got %v", err)
			}
		})

		t.Run(name+"/put and get files", func(t *testing.T) {
			store := newStore()

			if err := store.Put("cache/a.txt", []byte("alpha")); err != nil {
				t.Fatalf("Failed to put file: %v", err)
			}
			value, err := store.Get("cache/a.txt")
			if err != nil {
				t.Fatalf("Failed to get file: %v", err)
			}
			if !bytes.Equal(value, []byte("alpha")) {
				t.Errorf("Expected 'alpha', got %s", string(value))
			}
		})

		t.Run(name+"/checksum follows content", func(t *testing.T) {
			store := newStore()

			if err := store.Put("packages/ana.par", []byte("v1")); err != nil {
				t.Fatalf("Failed to put file: %v", err)
			}
			first, err := store.Checksum("packages/ana.par")
			if err != nil {
				t.Fatalf("Failed to checksum: %v", err)
			}
			// MD5 of "v1"
			if first != "6654c734ccab8f440ff0825eb443dc7f" {
				t.Errorf("Unexpected checksum %s", first)
			}

			if err := store.Put("packages/ana.par", []byte("v2")); err != nil {
				t.Fatalf("Failed to overwrite file: %v", err)
			}
			second, _ := store.Checksum("packages/ana.par")
			if first == second {
				t.Error("Checksum did not change after overwrite")
			}
		})

		t.Run(name+"/delete files", func(t *testing.T) {
			store := newStore()

			_ = store.Put("sandbox/x", []byte("x"))
			if err := store.Delete("sandbox/x"); err != nil {
				t.Fatalf("Failed to delete: %v", err)
			}
			if _, err := store.Get("sandbox/x"); err != ErrKeyNotFound {
				t.Errorf("Expected ErrKeyNotFound after delete, got %v", err)
			}
			if err := store.Delete("sandbox/x"); err != nil {
				t.Errorf("Deleting a missing file should not fail: %v", err)
			}
		})

		t.Run(name+"/list and stats", func(t *testing.T) {
			store := newStore()

			_ = store.Put("cache/a", []byte("12345"))
			_ = store.Put("cache/b", []byte("123"))
			_ = store.Put("packages/c.par", nil)

			keys := store.List()
			sort.Strings(keys)
			want := []string{"cache/a", "cache/b", "packages/c.par"}
			if fmt.Sprint(keys) != fmt.Sprint(want) {
				t.Errorf("Expected %v, got %v", want, keys)
			}
			stats := store.Stats()
			if stats.Keys != 3 || stats.Bytes != 8 {
				t.Errorf("Expected 3 keys and 8 bytes, got %+v", stats)
			}
		})
	}
}

// TestMemoryStoreCopies tests that callers cannot alias stored content
func TestMemoryStoreCopies(t *testing.T) {
	store := NewMemoryStore()
	buf := []byte("original")
	_ = store.Put("cache/f", buf)
	buf[0] = 'X'

	got, _ := store.Get("cache/f")
	if string(got) != "original" {
		t.Errorf("Store aliased the caller's buffer: %s", got)
	}
	got[0] = 'Y'
	again, _ := store.Get("cache/f")
	if string(again) != "original" {
		t.Errorf("Get returned internal buffer: %s", again)
	}
}

// TestDirStoreRejectsEscapes tests that names cannot leave the root
func TestDirStoreRejectsEscapes(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create dir store: %v", err)
	}

	for _, name := range []string{"../etc/passwd", "/abs", "", "cache/../../x"} {
		if err := store.Put(name, []byte("x")); err == nil {
			t.Errorf("Expected %q to be rejected", name)
		}
	}
	if p, err := store.Path("cache/../packages/ok"); err != nil {
		t.Errorf("Expected in-root path to be accepted, got %v", err)
	} else if !bytes.HasSuffix([]byte(p), []byte("ok")) {
		t.Errorf("Unexpected path %s", p)
	}
}

// TestMemoryStoreConcurrency tests thread-safety of MemoryStore
func TestMemoryStoreConcurrency(t *testing.T) {
	store := NewMemoryStore()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = store.Put(fmt.Sprintf("cache/%d", i%10), []byte(fmt.Sprintf("v%d", i)))
		}(i)
		go func(i int) {
			defer wg.Done()
			_, _ = store.Get(fmt.Sprintf("cache/%d", i%10))
			_, _ = store.Checksum(fmt.Sprintf("cache/%d", i%10))
			_ = store.List()
		}(i)
	}
	wg.Wait()

	if stats := store.Stats(); stats.Keys != 10 {
		t.Errorf("Expected 10 keys, got %d", stats.Keys)
	}
}

// TestStoreInterface tests that the backends satisfy Store
func TestStoreInterface(t *testing.T) {
	var _ Store = (*MemoryStore)(nil)
	var _ Store = (*DirStore)(nil)
}
