package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/tenantstream/internal/store"
	"github.com/example/tenantstream/internal/telemetry"
)

// PublisherConfig tunes the fanout publisher.
type PublisherConfig struct {
	// RecentSize is the per-tenant recent-events ring length. Zero disables
	// the cache.
	RecentSize int
	// MaxTenants bounds how many tenants hold a recent ring at once.
	MaxTenants int
	// MaxPayload rejects events whose encoded size exceeds this many bytes.
	MaxPayload int
}

// Publisher enriches and fans out domain events to the tenant channel and the
// global channel. Publishing is pub/sub, not a queue: zero subscribers is a
// normal outcome, and failures are advisory for the caller's primary
// operation.
type Publisher struct {
	ps  store.PubSub
	cfg PublisherConfig

	mu     sync.Mutex
	recent *lru.Cache[string, *ring]

	publishCounter  metric.Int64Counter
	publishErrors   metric.Int64Counter
	publishDuration metric.Float64Histogram
}

// NewPublisher creates a fanout publisher on the given pub/sub capability.
func NewPublisher(ps store.PubSub, cfg PublisherConfig, meter metric.Meter) (*Publisher, error) {
	p := &Publisher{ps: ps, cfg: cfg}
	if cfg.RecentSize > 0 {
		maxTenants := cfg.MaxTenants
		if maxTenants <= 0 {
			maxTenants = 1024
		}
		cache, err := lru.New[string, *ring](maxTenants)
		if err != nil {
			return nil, fmt.Errorf("recent cache: %w", err)
		}
		p.recent = cache
	}
	if meter != nil {
		p.publishCounter, _ = meter.Int64Counter("events_published_total",
			metric.WithDescription("Total domain events published"))
		p.publishErrors, _ = meter.Int64Counter("events_publish_errors_total",
			metric.WithDescription("Total domain event publish failures"))
		p.publishDuration, _ = telemetry.NewDurationHistogram(meter,
			"events_publish_duration_seconds", "Time to fan out one event to its channels")
	}
	return p, nil
}

// Publish validates, enriches, and publishes an event on the tenant channel
// and, unconditionally, on the global channel. The returned event carries the
// assigned id and timestamp.
func (p *Publisher) Publish(ctx context.Context, tenantID string, typ Type, payload Payload, actor *Actor) (*Event, error) {
	if !Known(typ) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if tenantID != TenantSystem && !ValidTenantID(tenantID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: nil payload for %s", ErrInvalidPayload, typ)
	}
	if !matches(typ, payload) {
		return nil, fmt.Errorf("%w: %T does not carry %s", ErrInvalidPayload, payload, typ)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	evt := &Event{
		ID:        NewID(),
		Type:      typ,
		TenantID:  tenantID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
		Actor:     actor,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	if p.cfg.MaxPayload > 0 && len(data) > p.cfg.MaxPayload {
		return nil, fmt.Errorf("%w: event exceeds %d bytes", ErrInvalidPayload, p.cfg.MaxPayload)
	}

	p.remember(evt)

	start := time.Now()
	var publishErr error
	if tenantID != TenantSystem {
		if err := p.ps.Publish(ctx, TenantSubject(tenantID), data); err != nil {
			publishErr = err
		}
	}
	if err := p.ps.Publish(ctx, GlobalSubject, data); err != nil && publishErr == nil {
		publishErr = err
	}
	if p.publishDuration != nil {
		p.publishDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("type", string(typ))))
	}

	if publishErr != nil {
		if p.publishErrors != nil {
			p.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(typ))))
		}
		slog.WarnContext(ctx, "Event publish failed", "type", typ, "tenant", tenantID, "error", publishErr)
		return evt, fmt.Errorf("publish %s: %w", typ, publishErr)
	}
	if p.publishCounter != nil {
		p.publishCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(typ))))
	}
	return evt, nil
}

// PublishSystem publishes a platform-wide status event on the global channel
// only, bypassing tenant scoping.
func (p *Publisher) PublishSystem(ctx context.Context, kind, status string, details map[string]string) error {
	_, err := p.Publish(ctx, TenantSystem, TypeSystemStatus, SystemPayload{
		Kind:    kind,
		Status:  status,
		Details: details,
	}, nil)
	return err
}

// PublishConnection publishes a connection lifecycle event for a tenant.
func (p *Publisher) PublishConnection(ctx context.Context, tenantID, userID, connID string, connected bool, onlineCount int) error {
	typ := TypeUserConnected
	if !connected {
		typ = TypeUserDisconnected
	}
	_, err := p.Publish(ctx, tenantID, typ, PresencePayload{
		UserID:       userID,
		ConnectionID: connID,
		OnlineCount:  onlineCount,
	}, &Actor{UserID: userID, Source: "gateway"})
	return err
}

// PublishPipeline publishes processing-pipeline progress for a tenant job.
func (p *Publisher) PublishPipeline(ctx context.Context, tenantID string, stage Type, payload PipelinePayload) error {
	_, err := p.Publish(ctx, tenantID, stage, payload, &Actor{Source: "pipeline"})
	return err
}

// PublishMeeting publishes a meeting lifecycle event.
func (p *Publisher) PublishMeeting(ctx context.Context, tenantID string, started bool, payload MeetingPayload, actor *Actor) error {
	typ := TypeMeetingStarted
	if !started {
		typ = TypeMeetingEnded
	}
	_, err := p.Publish(ctx, tenantID, typ, payload, actor)
	return err
}

// Recent returns the tenant's buffered recent events, oldest first.
// Best-effort: the buffer is process-local and bounded.
func (p *Publisher) Recent(tenantID string) []*Event {
	if p.recent == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.recent.Get(tenantID)
	if !ok {
		return nil
	}
	return r.snapshot()
}

func (p *Publisher) remember(evt *Event) {
	if p.recent == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.recent.Get(evt.TenantID)
	if !ok {
		r = newRing(p.cfg.RecentSize)
		p.recent.Add(evt.TenantID, r)
	}
	r.push(evt)
}

// ring is a fixed-size overwrite buffer of recent events.
type ring struct {
	buf  []*Event
	head int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]*Event, size)}
}

func (r *ring) push(evt *Event) {
	r.buf[r.head] = evt
	r.head = (r.head + 1) % len(r.buf)
	if r.head == 0 {
		r.full = true
	}
}

func (r *ring) snapshot() []*Event {
	var out []*Event
	if r.full {
		out = append(out, r.buf[r.head:]...)
	}
	out = append(out, r.buf[:r.head]...)
	return out
}
