// Package presence maintains the distributed connection-presence registry on
// top of the shared coordination store. Per-tenant entries carry a TTL so a
// crashed instance leaves at most one TTL window of stale presence.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/tenantstream/internal/store"
)

// entry is the value stored per live connection under {tenant}.{connId}.
type entry struct {
	UserID      string `json:"userId"`
	ConnectedAt int64  `json:"connectedAt"`
}

// reverseEntry maps a connection id back to its tenant and user for cleanup.
type reverseEntry struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
}

// RankEntry is one row of the best-effort tenant ranking.
type RankEntry struct {
	TenantID string `json:"tenantId"`
	Count    int    `json:"count"`
}

// Health is the registry liveness probe.
type Health struct {
	StoreReachable   bool `json:"storeReachable"`
	TotalConnections int  `json:"totalConnections"`
	TenantCount      int  `json:"tenantCount"`
}

// Registry tracks which user connections are live, per tenant and globally.
// All state lives in the coordination store; any instance can answer queries
// without consulting its peers. Every mutation is a single atomic store
// operation — counts are recomputed from fresh scans, never decremented
// blindly.
type Registry struct {
	st store.Store

	registerCounter   metric.Int64Counter
	unregisterCounter metric.Int64Counter
	orphanCounter     metric.Int64Counter
}

// NewRegistry creates a registry on the given store.
func NewRegistry(st store.Store, meter metric.Meter) *Registry {
	r := &Registry{st: st}
	if meter != nil {
		r.registerCounter, _ = meter.Int64Counter("presence_registrations_total",
			metric.WithDescription("Total connection registrations"))
		r.unregisterCounter, _ = meter.Int64Counter("presence_unregistrations_total",
			metric.WithDescription("Total connection unregistrations"))
		r.orphanCounter, _ = meter.Int64Counter("presence_orphans_cleaned_total",
			metric.WithDescription("Total orphaned reverse mappings removed"))
	}
	return r
}

func presenceKey(tenantID, connID string) string {
	return tenantID + "." + connID
}

// Register adds a connection to the tenant's presence set, records the
// reverse mapping, refreshes the rank cache, and returns the tenant's new
// live count.
func (r *Registry) Register(ctx context.Context, userID, tenantID, connID string) (int, error) {
	val, err := json.Marshal(entry{UserID: userID, ConnectedAt: time.Now().UnixMilli()})
	if err != nil {
		return 0, err
	}
	if err := r.st.Put(ctx, store.BucketPresence, presenceKey(tenantID, connID), val); err != nil {
		return 0, fmt.Errorf("register presence: %w", err)
	}

	rev, err := json.Marshal(reverseEntry{UserID: userID, TenantID: tenantID})
	if err != nil {
		return 0, err
	}
	if err := r.st.Put(ctx, store.BucketReverse, connID, rev); err != nil {
		return 0, fmt.Errorf("register reverse mapping: %w", err)
	}

	count, err := r.TenantCount(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	r.updateRank(ctx, tenantID, count)

	if r.registerCounter != nil {
		r.registerCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant", tenantID)))
	}
	return count, nil
}

// Unregister removes a connection. A missing reverse mapping means the entry
// already expired (crashed instance) or was removed before: idempotent no-op.
func (r *Registry) Unregister(ctx context.Context, connID string) error {
	rev, err := r.reverse(ctx, connID)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil
		}
		return err
	}

	// Reverse mapping goes first: Touch re-creates an expired presence entry
	// from it, so deleting the presence entry first would leave a window
	// where a racing Touch resurrects the connection as a ghost until TTL.
	// Once the reverse mapping is gone, Touch fails instead.
	if err := r.st.Delete(ctx, store.BucketReverse, connID); err != nil {
		return fmt.Errorf("unregister reverse mapping: %w", err)
	}
	if err := r.st.Delete(ctx, store.BucketPresence, presenceKey(rev.TenantID, connID)); err != nil {
		return fmt.Errorf("unregister presence: %w", err)
	}

	// Rank is set to the freshly observed cardinality, not decremented, so
	// concurrent updates from other instances cannot drift it negative.
	count, err := r.TenantCount(ctx, rev.TenantID)
	if err == nil {
		r.updateRank(ctx, rev.TenantID, count)
	}

	if r.unregisterCounter != nil {
		r.unregisterCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant", rev.TenantID)))
	}
	return nil
}

// Touch refreshes the TTL of a live connection's presence entry. If the entry
// already expired it is re-created from the reverse mapping: the connection
// is demonstrably still alive on this instance. Once Unregister has removed
// the reverse mapping, Touch fails and cannot resurrect the entry.
func (r *Registry) Touch(ctx context.Context, connID string) error {
	rev, err := r.reverse(ctx, connID)
	if err != nil {
		return err
	}
	key := presenceKey(rev.TenantID, connID)
	val, err := r.st.Get(ctx, store.BucketPresence, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		val, err = json.Marshal(entry{UserID: rev.UserID, ConnectedAt: time.Now().UnixMilli()})
	}
	if err != nil {
		return err
	}
	if err := r.st.Put(ctx, store.BucketPresence, key, val); err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	// Keep the reverse mapping's backstop TTL fresh too.
	revVal, err := json.Marshal(rev)
	if err != nil {
		return err
	}
	return r.st.Put(ctx, store.BucketReverse, connID, revVal)
}

// TenantCount returns the live cardinality of the tenant's presence set.
// Authoritative: always a fresh scan, never the rank cache.
func (r *Registry) TenantCount(ctx context.Context, tenantID string) (int, error) {
	keys, err := r.st.Keys(ctx, store.BucketPresence, tenantID+".")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// GlobalCount sums live per-tenant cardinalities. Each presence key is one
// connection, so the total key count equals the sum over all tenants.
func (r *Registry) GlobalCount(ctx context.Context) (int, error) {
	keys, err := r.st.Keys(ctx, store.BucketPresence, "")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Tenants returns the ids of tenants with at least one live connection.
func (r *Registry) Tenants(ctx context.Context) ([]string, error) {
	keys, err := r.st.Keys(ctx, store.BucketPresence, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var tenants []string
	for _, key := range keys {
		tenant, ok := splitPresenceKey(key)
		if !ok || seen[tenant] {
			continue
		}
		seen[tenant] = true
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// Ranking returns the top tenants by cached live count, highest first.
// Best-effort and eventually consistent: it reads the rank cache, which is
// reconciled on every register/unregister and orphan sweep but may lag the
// authoritative per-tenant scans under churn.
func (r *Registry) Ranking(ctx context.Context, limit int) ([]RankEntry, error) {
	entries, err := r.st.Entries(ctx, store.BucketRank, "")
	if err != nil {
		return nil, err
	}
	ranking := make([]RankEntry, 0, len(entries))
	for _, e := range entries {
		count, err := strconv.Atoi(string(e.Value))
		if err != nil || count <= 0 {
			continue
		}
		ranking = append(ranking, RankEntry{TenantID: e.Key, Count: count})
	}
	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].Count != ranking[j].Count {
			return ranking[i].Count > ranking[j].Count
		}
		return ranking[i].TenantID < ranking[j].TenantID
	})
	if limit > 0 && len(ranking) > limit {
		ranking = ranking[:limit]
	}
	return ranking, nil
}

// TenantUsers returns the distinct user ids with a live connection in the
// tenant. A user with several connections appears once.
func (r *Registry) TenantUsers(ctx context.Context, tenantID string) ([]string, error) {
	entries, err := r.st.Entries(ctx, store.BucketPresence, tenantID+".")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var users []string
	for _, e := range entries {
		var ent entry
		if err := json.Unmarshal(e.Value, &ent); err != nil {
			continue
		}
		if !seen[ent.UserID] {
			seen[ent.UserID] = true
			users = append(users, ent.UserID)
		}
	}
	sort.Strings(users)
	return users, nil
}

// IsUserOnline reports whether the user has at least one live connection in
// the tenant.
func (r *Registry) IsUserOnline(ctx context.Context, userID, tenantID string) (bool, error) {
	users, err := r.TenantUsers(ctx, tenantID)
	if err != nil {
		return false, err
	}
	for _, u := range users {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

// CleanupOrphans removes reverse mappings whose presence entry has expired —
// the case where an instance crashed after registering but before it could
// unregister. The presence TTL is the correctness backstop; this sweep just
// keeps the reverse bucket and rank cache tidy. Returns the number removed.
func (r *Registry) CleanupOrphans(ctx context.Context) (int, error) {
	entries, err := r.st.Entries(ctx, store.BucketReverse, "")
	if err != nil {
		return 0, err
	}

	removed := 0
	affected := make(map[string]bool)
	for _, e := range entries {
		var rev reverseEntry
		if err := json.Unmarshal(e.Value, &rev); err != nil {
			// Unparseable mapping is itself an orphan.
			r.st.Delete(ctx, store.BucketReverse, e.Key)
			removed++
			continue
		}
		_, err := r.st.Get(ctx, store.BucketPresence, presenceKey(rev.TenantID, e.Key))
		if errors.Is(err, store.ErrKeyNotFound) {
			if err := r.st.Delete(ctx, store.BucketReverse, e.Key); err != nil {
				return removed, err
			}
			removed++
			affected[rev.TenantID] = true
		}
	}

	for tenant := range affected {
		count, err := r.TenantCount(ctx, tenant)
		if err != nil {
			continue
		}
		r.updateRank(ctx, tenant, count)
	}

	if removed > 0 {
		if r.orphanCounter != nil {
			r.orphanCounter.Add(ctx, int64(removed))
		}
		slog.Info("Cleaned orphaned presence mappings", "removed", removed)
	}
	return removed, nil
}

// HealthStatus reports store reachability and best-effort totals.
func (r *Registry) HealthStatus(ctx context.Context) Health {
	h := Health{StoreReachable: r.st.Healthy()}
	if total, err := r.GlobalCount(ctx); err == nil {
		h.TotalConnections = total
	}
	if tenants, err := r.Tenants(ctx); err == nil {
		h.TenantCount = len(tenants)
	}
	return h
}

func (r *Registry) reverse(ctx context.Context, connID string) (reverseEntry, error) {
	val, err := r.st.Get(ctx, store.BucketReverse, connID)
	if err != nil {
		return reverseEntry{}, err
	}
	var rev reverseEntry
	if err := json.Unmarshal(val, &rev); err != nil {
		return reverseEntry{}, fmt.Errorf("decode reverse mapping: %w", err)
	}
	return rev, nil
}

// updateRank writes the observed cardinality into the rank cache.
// Best-effort: a failure here never fails the registration path.
func (r *Registry) updateRank(ctx context.Context, tenantID string, count int) {
	if err := r.st.Put(ctx, store.BucketRank, tenantID, []byte(strconv.Itoa(count))); err != nil {
		slog.Warn("Failed to update rank cache", "tenant", tenantID, "error", err)
	}
}

// splitPresenceKey extracts the tenant id from a {tenant}.{connId} key.
// Connection ids never contain dots, so the split is on the last dot.
func splitPresenceKey(key string) (string, bool) {
	idx := strings.LastIndex(key, ".")
	if idx <= 0 {
		return "", false
	}
	return key[:idx], true
}
