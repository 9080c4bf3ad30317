// Package cluster bridges the shared event channels to this instance's
// local delivery. Every gateway instance subscribes once; events flow from
// the store to local rooms and never back out again.
package cluster

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/tenantstream/internal/event"
	"github.com/example/tenantstream/internal/store"
)

// Sink receives cluster events for local delivery. The gateway implements
// it. Global deliveries carry the event's tenant id (the system sentinel for
// platform-wide events) so the sink can avoid handing a tenant-scoped event
// to a subscriber that already received it on the tenant channel.
type Sink interface {
	DeliverTenant(tenantID string, data []byte)
	DeliverGlobal(tenantID string, data []byte)
}

// Adapter subscribes to the cluster event channels and routes each message
// to the local sink. It is strictly one-directional: nothing it receives is
// ever re-published to the shared store.
type Adapter struct {
	ps   store.PubSub
	sink Sink

	tenantSub store.Subscription
	globalSub store.Subscription

	deliveredCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
}

func NewAdapter(ps store.PubSub, sink Sink, meter metric.Meter) *Adapter {
	a := &Adapter{ps: ps, sink: sink}
	if meter != nil {
		a.deliveredCounter, _ = meter.Int64Counter("cluster_events_delivered_total",
			metric.WithDescription("Cluster events routed to local rooms"))
		a.droppedCounter, _ = meter.Int64Counter("cluster_events_dropped_total",
			metric.WithDescription("Cluster events dropped before delivery"))
	}
	return a
}

// Start subscribes to the tenant wildcard and the global channel. Exactly
// one subscription each; local fanout happens in the hub, not here.
func (a *Adapter) Start() error {
	sub, err := a.ps.Subscribe(event.TenantSubjectWildcard, a.onTenantEvent)
	if err != nil {
		return err
	}
	a.tenantSub = sub

	sub, err = a.ps.Subscribe(event.GlobalSubject, a.onGlobalEvent)
	if err != nil {
		a.tenantSub.Unsubscribe()
		a.tenantSub = nil
		return err
	}
	a.globalSub = sub

	slog.Info("Cluster event subscriptions active",
		"tenant_subject", event.TenantSubjectWildcard, "global_subject", event.GlobalSubject)
	return nil
}

// Stop tears down both subscriptions.
func (a *Adapter) Stop() {
	if a.tenantSub != nil {
		if err := a.tenantSub.Unsubscribe(); err != nil {
			slog.Warn("Failed to unsubscribe tenant channel", "error", err)
		}
		a.tenantSub = nil
	}
	if a.globalSub != nil {
		if err := a.globalSub.Unsubscribe(); err != nil {
			slog.Warn("Failed to unsubscribe global channel", "error", err)
		}
		a.globalSub = nil
	}
}

func (a *Adapter) onTenantEvent(ctx context.Context, subject string, data []byte) {
	tenant := event.TenantFromSubject(subject)
	if tenant == "" {
		a.drop(ctx, "bad_subject")
		slog.Warn("Dropping event with malformed tenant subject", "subject", subject)
		return
	}

	// The payload's tenant must agree with the channel it arrived on.
	// A mismatch means a buggy or hostile publisher; never deliver it.
	var envelope struct {
		TenantID string `json:"tenantId"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		a.drop(ctx, "malformed")
		slog.Warn("Dropping malformed cluster event", "subject", subject, "error", err)
		return
	}
	if envelope.TenantID != tenant {
		a.drop(ctx, "tenant_mismatch")
		slog.Warn("Dropping cross-tenant event", "subject", subject, "payload_tenant", envelope.TenantID)
		return
	}

	a.sink.DeliverTenant(tenant, data)
	if a.deliveredCounter != nil {
		a.deliveredCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", "tenant")))
	}
}

func (a *Adapter) onGlobalEvent(ctx context.Context, _ string, data []byte) {
	var envelope struct {
		TenantID string `json:"tenantId"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		a.drop(ctx, "malformed")
		slog.Warn("Dropping malformed global event", "error", err)
		return
	}
	a.sink.DeliverGlobal(envelope.TenantID, data)
	if a.deliveredCounter != nil {
		a.deliveredCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", "global")))
	}
}

func (a *Adapter) drop(ctx context.Context, reason string) {
	if a.droppedCounter != nil {
		a.droppedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}
