package presence

import (
	"context"
	"testing"
	"time"

	"github.com/example/tenantstream/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.MemoryStore, func(time.Duration)) {
	t.Helper()
	ms := store.NewMemoryStore(store.Buckets(45 * time.Second))
	now := time.Now()
	ms.SetClock(func() time.Time { return now })
	advance := func(d time.Duration) { now = now.Add(d) }
	return NewRegistry(ms, nil), ms, advance
}

func TestRegisterUnregisterCounts(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	count, err := r.Register(ctx, "alice", "acme", "c1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}

	count, err = r.Register(ctx, "bob", "acme", "c2")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}

	if err := r.Unregister(ctx, "c1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	count, err = r.TenantCount(ctx, "acme")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count 1 after disconnect, got %d", count)
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Register(ctx, "alice", "acme", "c1")
	if err := r.Unregister(ctx, "c1"); err != nil {
		t.Fatalf("first unregister: %v", err)
	}
	if err := r.Unregister(ctx, "c1"); err != nil {
		t.Fatalf("second unregister must be a no-op, got %v", err)
	}
	if err := r.Unregister(ctx, "never-registered"); err != nil {
		t.Fatalf("unknown connection must be a no-op, got %v", err)
	}
}

func TestGlobalCountEqualsSumOfTenantCounts(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Register(ctx, "alice", "acme", "c1")
	r.Register(ctx, "bob", "acme", "c2")
	r.Register(ctx, "carol", "globex", "c3")

	global, err := r.GlobalCount(ctx)
	if err != nil {
		t.Fatalf("global count: %v", err)
	}

	tenants, err := r.Tenants(ctx)
	if err != nil {
		t.Fatalf("tenants: %v", err)
	}
	sum := 0
	for _, tenant := range tenants {
		c, err := r.TenantCount(ctx, tenant)
		if err != nil {
			t.Fatalf("tenant count: %v", err)
		}
		sum += c
	}
	if global != sum || global != 3 {
		t.Fatalf("global=%d sum=%d, want both 3", global, sum)
	}
}

func TestTenantUsersAndOnlineCheck(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	// alice holds two connections, she must appear once
	r.Register(ctx, "alice", "acme", "c1")
	r.Register(ctx, "alice", "acme", "c2")
	r.Register(ctx, "bob", "acme", "c3")

	users, err := r.TenantUsers(ctx, "acme")
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Fatalf("unexpected users %v", users)
	}

	online, err := r.IsUserOnline(ctx, "alice", "acme")
	if err != nil || !online {
		t.Fatalf("alice should be online (err=%v)", err)
	}
	online, _ = r.IsUserOnline(ctx, "alice", "globex")
	if online {
		t.Fatal("alice must not appear online in another tenant")
	}

	r.Unregister(ctx, "c1")
	online, _ = r.IsUserOnline(ctx, "alice", "acme")
	if !online {
		t.Fatal("alice still has c2, must remain online")
	}
	r.Unregister(ctx, "c2")
	online, _ = r.IsUserOnline(ctx, "alice", "acme")
	if online {
		t.Fatal("alice has no connections left, must be offline")
	}
}

func TestRanking(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Register(ctx, "u1", "acme", "c1")
	r.Register(ctx, "u2", "acme", "c2")
	r.Register(ctx, "u3", "acme", "c3")
	r.Register(ctx, "u4", "globex", "c4")
	r.Register(ctx, "u5", "initech", "c5")
	r.Register(ctx, "u6", "initech", "c6")

	ranking, err := r.Ranking(ctx, 2)
	if err != nil {
		t.Fatalf("ranking: %v", err)
	}
	if len(ranking) != 2 {
		t.Fatalf("expected 2 entries, got %v", ranking)
	}
	if ranking[0].TenantID != "acme" || ranking[0].Count != 3 {
		t.Fatalf("unexpected top tenant %+v", ranking[0])
	}
	if ranking[1].TenantID != "initech" || ranking[1].Count != 2 {
		t.Fatalf("unexpected second tenant %+v", ranking[1])
	}
}

func TestCleanupOrphans(t *testing.T) {
	r, _, advance := newTestRegistry(t)
	ctx := context.Background()

	r.Register(ctx, "alice", "acme", "c1")
	r.Register(ctx, "bob", "acme", "c2")

	// Presence TTL lapses (crashed instance); reverse mappings have a longer
	// backstop TTL and are still present.
	advance(50 * time.Second)

	removed, err := r.CleanupOrphans(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 orphans removed, got %d", removed)
	}

	// Nothing left: a second pass is a no-op.
	removed, err = r.CleanupOrphans(ctx)
	if err != nil || removed != 0 {
		t.Fatalf("expected idempotent second pass, removed=%d err=%v", removed, err)
	}
}

func TestTouchKeepsEntryAlive(t *testing.T) {
	r, _, advance := newTestRegistry(t)
	ctx := context.Background()

	r.Register(ctx, "alice", "acme", "c1")

	for i := 0; i < 4; i++ {
		advance(30 * time.Second)
		if err := r.Touch(ctx, "c1"); err != nil {
			t.Fatalf("touch: %v", err)
		}
	}

	count, err := r.TenantCount(ctx, "acme")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("touched connection must stay live, count=%d", count)
	}
}

func TestExpiryRemovesPresence(t *testing.T) {
	r, _, advance := newTestRegistry(t)
	ctx := context.Background()

	r.Register(ctx, "alice", "acme", "c1")
	advance(50 * time.Second)

	count, err := r.TenantCount(ctx, "acme")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expired entry must not be counted, got %d", count)
	}
}

func TestHealthStatus(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Register(ctx, "alice", "acme", "c1")
	r.Register(ctx, "bob", "globex", "c2")

	h := r.HealthStatus(ctx)
	if h.StoreReachable {
		t.Fatal("memory store must report unreachable shared store")
	}
	if h.TotalConnections != 2 || h.TenantCount != 2 {
		t.Fatalf("unexpected health %+v", h)
	}
}

func TestTouchAfterUnregisterCannotResurrect(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, "alice", "acme", "c1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Unregister(ctx, "c1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	// A refresh racing the unregister must not re-create the presence entry.
	if err := r.Touch(ctx, "c1"); err == nil {
		t.Fatal("expected touch to fail after unregister")
	}

	count, err := r.TenantCount(ctx, "acme")
	if err != nil {
		t.Fatalf("tenant count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no ghost presence, got count %d", count)
	}
}
