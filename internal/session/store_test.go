package session

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/knee-grader/internal/uploadclient"
)

func newTestStore(ttl time.Duration) *Store {
	factory := func() *uploadclient.Client {
		return uploadclient.New(nil, zap.NewNop())
	}
	return NewStore(factory, ttl, zap.NewNop())
}

func TestAcquireCreatesAndReusesSessions(t *testing.T) {
	store := newTestStore(time.Minute)
	defer store.Close()

	id, client := store.Acquire("")
	if id == "" {
		t.Fatal("expected a generated session id")
	}
	if client == nil {
		t.Fatal("expected an upload client")
	}

	again, sameClient := store.Acquire(id)
	if again != id {
		t.Fatalf("expected session id to be stable, got %q and %q", id, again)
	}
	if sameClient != client {
		t.Fatal("expected the same client for the same session")
	}
	if store.Len() != 1 {
		t.Fatalf("expected one live session, got %d", store.Len())
	}
}

func TestAcquireUnknownIDStartsFreshSession(t *testing.T) {
	store := newTestStore(time.Minute)
	defer store.Close()

	id, _ := store.Acquire("stale-or-forged-id")
	if id == "stale-or-forged-id" {
		t.Fatal("expected an unknown id to be replaced")
	}
}

func TestEvictExpiredDropsIdleSessions(t *testing.T) {
	store := newTestStore(time.Minute)
	defer store.Close()

	id, _ := store.Acquire("")
	store.Acquire("")

	store.mu.Lock()
	store.entries[id].lastSeen = time.Now().Add(-2 * time.Minute)
	store.mu.Unlock()

	store.evictExpired(time.Now())
	if store.Len() != 1 {
		t.Fatalf("expected one surviving session, got %d", store.Len())
	}

	fresh, _ := store.Acquire(id)
	if fresh == id {
		t.Fatal("expected the evicted session to be replaced on next acquire")
	}
}
