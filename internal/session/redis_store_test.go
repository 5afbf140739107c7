package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, time.Hour)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestSaveAndLookup(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess := Context{
		ActorID:      "act_1",
		DisplayName:  "Dana Reyes",
		Role:         "technician",
		Capabilities: []string{"observe", "record"},
	}
	if err := store.Save(ctx, "hash1", sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Lookup(ctx, "hash1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ActorID != "act_1" || got.Role != "technician" {
		t.Errorf("unexpected session: %+v", got)
	}
	if len(got.Capabilities) != 2 || got.Capabilities[1] != "record" {
		t.Errorf("capabilities not preserved: %v", got.Capabilities)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set on save")
	}
}

func TestLookupMissing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Lookup(context.Background(), "nope")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "hash2", Context{ActorID: "act_2", Role: "nurse"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Revoke(ctx, "hash2"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := store.Lookup(ctx, "hash2"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after revoke, got %v", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "hash3", Context{ActorID: "act_3", Role: "physician"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	mr.FastForward(2 * time.Hour)

	if _, err := store.Lookup(ctx, "hash3"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after expiry, got %v", err)
	}
}
