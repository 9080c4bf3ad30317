package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/example/tenantstream/internal/presence"
	"github.com/example/tenantstream/internal/store"
)

// QueryResponder serves the request/reply presence surface over the shared
// store, so any service in the cluster can ask without an HTTP hop:
//
//	presence.count.{tenant}    -> {"tenantId":..., "count":N}
//	presence.global            -> {"count":N}
//	presence.ranking           -> [{"tenantId":..., "count":N}, ...]
//	presence.users.{tenant}    -> ["alice", "bob"]
//	presence.online.{tenant}.{user} -> {"online":true}
//	presence.health            -> health document
type QueryResponder struct {
	registry *presence.Registry
	degraded func() bool
	subs     []store.Subscription
}

func NewQueryResponder(registry *presence.Registry, degraded func() bool) *QueryResponder {
	return &QueryResponder{registry: registry, degraded: degraded}
}

// Start registers all responders on the store's request/reply plane.
func (q *QueryResponder) Start(ps store.PubSub) error {
	handlers := map[string]store.ReqHandler{
		"presence.count.*":    q.handleCount,
		"presence.global":     q.handleGlobal,
		"presence.ranking":    q.handleRanking,
		"presence.users.*":    q.handleUsers,
		"presence.online.*.*": q.handleOnline,
		"presence.health":     q.handleHealth,
	}
	for subject, h := range handlers {
		sub, err := ps.Respond(subject, h)
		if err != nil {
			q.Stop()
			return err
		}
		q.subs = append(q.subs, sub)
	}
	slog.Info("Presence query responders ready", "subjects", len(handlers))
	return nil
}

// Stop unsubscribes all responders.
func (q *QueryResponder) Stop() {
	for _, sub := range q.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("Failed to unsubscribe responder", "error", err)
		}
	}
	q.subs = nil
}

func (q *QueryResponder) handleCount(ctx context.Context, subject string, _ []byte) []byte {
	tenant := subjectToken(subject, 2)
	if tenant == "" {
		return errReply("missing tenant")
	}
	count, err := q.registry.TenantCount(ctx, tenant)
	if err != nil {
		return errReply("store unavailable")
	}
	return jsonReply(map[string]any{"tenantId": tenant, "count": count})
}

func (q *QueryResponder) handleGlobal(ctx context.Context, _ string, _ []byte) []byte {
	count, err := q.registry.GlobalCount(ctx)
	if err != nil {
		return errReply("store unavailable")
	}
	return jsonReply(map[string]any{"count": count})
}

func (q *QueryResponder) handleRanking(ctx context.Context, _ string, data []byte) []byte {
	limit := 10
	if n, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && n > 0 {
		limit = n
	}
	ranking, err := q.registry.Ranking(ctx, limit)
	if err != nil {
		return errReply("store unavailable")
	}
	return jsonReply(ranking)
}

func (q *QueryResponder) handleUsers(ctx context.Context, subject string, _ []byte) []byte {
	tenant := subjectToken(subject, 2)
	if tenant == "" {
		return errReply("missing tenant")
	}
	users, err := q.registry.TenantUsers(ctx, tenant)
	if err != nil {
		return errReply("store unavailable")
	}
	if users == nil {
		users = []string{}
	}
	return jsonReply(users)
}

func (q *QueryResponder) handleOnline(ctx context.Context, subject string, _ []byte) []byte {
	tenant := subjectToken(subject, 2)
	user := subjectToken(subject, 3)
	if tenant == "" || user == "" {
		return errReply("missing tenant or user")
	}
	online, err := q.registry.IsUserOnline(ctx, user, tenant)
	if err != nil {
		return errReply("store unavailable")
	}
	return jsonReply(map[string]any{"tenantId": tenant, "userId": user, "online": online})
}

func (q *QueryResponder) handleHealth(ctx context.Context, _ string, _ []byte) []byte {
	h := q.registry.HealthStatus(ctx)
	return jsonReply(map[string]any{
		"degraded":         q.degraded(),
		"storeReachable":   h.StoreReachable,
		"totalConnections": h.TotalConnections,
		"tenantCount":      h.TenantCount,
	})
}

func subjectToken(subject string, idx int) string {
	parts := strings.Split(subject, ".")
	if idx >= len(parts) {
		return ""
	}
	return parts[idx]
}

func jsonReply(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return errReply("internal")
	}
	return data
}

func errReply(msg string) []byte {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return data
}
