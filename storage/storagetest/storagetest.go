// Package storagetest holds the conformance suite every CredentialStore
// backend must pass.
package storagetest

import (
	"errors"
	"sync"
	"testing"

	"github.com/jmcleod/sessiongate/storage"
)

// RunCredentialStoreTests runs the common suite against store. The store must
// start empty.
func RunCredentialStoreTests(t *testing.T, store storage.CredentialStore) {
	t.Helper()

	t.Run("LoadEmpty", func(t *testing.T) {
		got, err := store.Load()
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if !got.Empty() {
			t.Fatalf("expected empty credentials, got %+v", got)
		}
	})

	t.Run("PutAndLoad", func(t *testing.T) {
		want := storage.Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"}
		if err := store.Put(want); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := store.Load()
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	})

	t.Run("PutCASMatch", func(t *testing.T) {
		next := storage.Credentials{AccessToken: "access-2", RefreshToken: "refresh-1"}
		if err := store.PutCAS("refresh-1", next); err != nil {
			t.Fatalf("PutCAS failed: %v", err)
		}
		got, _ := store.Load()
		if got != next {
			t.Fatalf("got %+v, want %+v", got, next)
		}
	})

	t.Run("PutCASMismatch", func(t *testing.T) {
		err := store.PutCAS("refresh-stale", storage.Credentials{AccessToken: "x", RefreshToken: "y"})
		if !errors.Is(err, storage.ErrCASFailed) {
			t.Fatalf("expected ErrCASFailed, got %v", err)
		}
		got, _ := store.Load()
		if got.AccessToken != "access-2" {
			t.Fatalf("mismatched CAS must not write, got %+v", got)
		}
	})

	t.Run("PutCASRotatesRefresh", func(t *testing.T) {
		next := storage.Credentials{AccessToken: "access-3", RefreshToken: "refresh-2"}
		if err := store.PutCAS("refresh-1", next); err != nil {
			t.Fatalf("PutCAS failed: %v", err)
		}
		got, _ := store.Load()
		if got != next {
			t.Fatalf("got %+v, want %+v", got, next)
		}
	})

	t.Run("ClearRemovesBoth", func(t *testing.T) {
		if err := store.Clear(); err != nil {
			t.Fatalf("Clear failed: %v", err)
		}
		got, err := store.Load()
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if !got.Empty() {
			t.Fatalf("expected both tokens cleared, got %+v", got)
		}
	})

	t.Run("PutCASAfterClear", func(t *testing.T) {
		err := store.PutCAS("refresh-2", storage.Credentials{AccessToken: "late", RefreshToken: "refresh-2"})
		if !errors.Is(err, storage.ErrCASFailed) {
			t.Fatalf("expected ErrCASFailed on cleared store, got %v", err)
		}
		got, _ := store.Load()
		if !got.Empty() {
			t.Fatalf("cleared store was resurrected: %+v", got)
		}
	})

	t.Run("AccessOnly", func(t *testing.T) {
		if err := store.Put(storage.Credentials{AccessToken: "only-access"}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, _ := store.Load()
		if got.AccessToken != "only-access" || got.Renewable() {
			t.Fatalf("unexpected credentials %+v", got)
		}
		store.Clear()
	})

	t.Run("ConcurrentWriters", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				store.Put(storage.Credentials{AccessToken: "a", RefreshToken: "r"})
				store.Load()
			}()
		}
		wg.Wait()
		got, _ := store.Load()
		if got.AccessToken != "a" || got.RefreshToken != "r" {
			t.Fatalf("unexpected credentials after concurrent writes: %+v", got)
		}
		store.Clear()
	})
}
