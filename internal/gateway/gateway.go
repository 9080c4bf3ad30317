// Package gateway accepts authenticated websocket connections, assigns them
// to tenant-isolated rooms, bridges them to the cluster-wide distribution
// layer, and serves the presence query surfaces.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/tenantstream/internal/auth"
	"github.com/example/tenantstream/internal/event"
	"github.com/example/tenantstream/internal/presence"
)

// Config tunes the gateway's per-connection behavior.
type Config struct {
	// SendBuffer is the per-client outbound queue length.
	SendBuffer int
	// SlowStrikes is how many consecutive dropped sends disconnect a client.
	SlowStrikes int
	// TouchInterval is the cadence of presence TTL refreshes per connection.
	// Must be comfortably below the presence TTL.
	TouchInterval time.Duration
}

// Gateway owns this instance's websocket connections and their lifecycle:
// Connecting -> Authenticating -> Joined -> Disconnected.
type Gateway struct {
	cfg       Config
	registry  *presence.Registry
	publisher *event.Publisher
	hub       *Hub
	verifier  *auth.Verifier
	sessions  auth.SessionValidator
	degraded  func() bool

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]bool
	closed  bool

	connectCounter metric.Int64Counter
	rejectCounter  metric.Int64Counter
}

// New wires a gateway. The degraded func reports whether the instance is in
// single-instance fallback; it feeds the health surface.
func New(cfg Config, registry *presence.Registry, publisher *event.Publisher, hub *Hub,
	verifier *auth.Verifier, sessions auth.SessionValidator, degraded func() bool, meter metric.Meter) *Gateway {

	gw := &Gateway{
		cfg:       cfg,
		registry:  registry,
		publisher: publisher,
		hub:       hub,
		verifier:  verifier,
		sessions:  sessions,
		degraded:  degraded,
		clients:   make(map[*Client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Tenant isolation is enforced by authentication, not origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if meter != nil {
		gw.connectCounter, _ = meter.Int64Counter("gateway_connects_total",
			metric.WithDescription("Total accepted websocket connections"))
		gw.rejectCounter, _ = meter.Int64Counter("gateway_rejects_total",
			metric.WithDescription("Total rejected websocket connection attempts"))
		localGauge, _ := meter.Int64ObservableGauge("gateway_local_connections",
			metric.WithDescription("Currently open local connections"))
		meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(localGauge, int64(gw.LocalConnections()))
			return nil
		}, localGauge)
	}
	return gw
}

// ServeWS authenticates and upgrades a websocket connection. Rejections
// happen before any room join or presence registration — no partial state.
func (gw *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := bearerToken(r)
	if token == "" {
		gw.reject(ctx, w, "missing_credential", http.StatusUnauthorized)
		return
	}

	principal, err := gw.verifier.Verify(token)
	if err != nil {
		slog.Debug("Credential rejected", "error", err)
		gw.reject(ctx, w, "invalid_credential", http.StatusUnauthorized)
		return
	}
	if !event.ValidTenantID(principal.TenantID) {
		gw.reject(ctx, w, "invalid_tenant", http.StatusUnauthorized)
		return
	}

	// A token can verify while its underlying session was revoked. Fail
	// closed on validator errors.
	active, err := gw.sessions.IsSessionActive(ctx, principal.UserID)
	if err != nil {
		slog.Warn("Session validator unavailable, rejecting connection", "user", principal.UserID, "error", err)
		gw.reject(ctx, w, "session_check_failed", http.StatusServiceUnavailable)
		return
	}
	if !active {
		gw.reject(ctx, w, "session_revoked", http.StatusForbidden)
		return
	}

	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("Websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		ID:          nuid.Next(),
		UserID:      principal.UserID,
		TenantID:    principal.TenantID,
		Elevated:    principal.Elevated,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, gw.cfg.SendBuffer),
		done:        make(chan struct{}),
		gw:          gw,
	}

	gw.mu.Lock()
	if gw.closed {
		gw.mu.Unlock()
		conn.Close()
		return
	}
	gw.clients[c] = true
	gw.mu.Unlock()

	gw.hub.Join(TenantRoom(c.TenantID), c)
	if c.Elevated {
		gw.hub.Join(GlobalRoom, c)
	}

	count, err := gw.registry.Register(ctx, c.UserID, c.TenantID, c.ID)
	if err != nil {
		// Presence is advisory for the connection itself: the client stays
		// usable on this instance, and the health surface reports the store
		// being unreachable.
		slog.Warn("Presence registration failed", "conn", c.ID, "tenant", c.TenantID, "error", err)
	}

	if gw.connectCounter != nil {
		gw.connectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant", c.TenantID)))
	}
	slog.Info("Connection joined", "conn", c.ID, "user", c.UserID, "tenant", c.TenantID, "elevated", c.Elevated, "tenant_online", count)

	go c.writePump()
	go c.readPump()
	go c.touchLoop(gw.cfg.TouchInterval)

	c.trySend(mustJSON(map[string]any{
		"type":        "connected",
		"connId":      c.ID,
		"tenantId":    c.TenantID,
		"onlineCount": count,
	}))

	if err := gw.publisher.PublishConnection(context.Background(), c.TenantID, c.UserID, c.ID, true, count); err != nil {
		slog.Warn("Connection event publish failed", "conn", c.ID, "error", err)
	}
}

// disconnect runs the Joined -> Disconnected transition exactly once per
// connection, in order: stop local delivery, unregister presence, then emit
// the lifecycle event with the freshly observed count.
func (gw *Gateway) disconnect(c *Client) {
	c.cleanupOnce.Do(func() {
		close(c.done)
		gw.hub.LeaveAll(c)

		gw.mu.Lock()
		delete(gw.clients, c)
		gw.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := gw.registry.Unregister(ctx, c.ID); err != nil {
			slog.Warn("Presence unregistration failed", "conn", c.ID, "error", err)
		}
		count, _ := gw.registry.TenantCount(ctx, c.TenantID)
		if err := gw.publisher.PublishConnection(ctx, c.TenantID, c.UserID, c.ID, false, count); err != nil {
			slog.Warn("Disconnection event publish failed", "conn", c.ID, "error", err)
		}

		c.conn.Close()
		slog.Info("Connection closed", "conn", c.ID, "user", c.UserID, "tenant", c.TenantID)
	})
}

// touch refreshes the connection's presence TTL.
func (gw *Gateway) touch(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := gw.registry.Touch(ctx, c.ID); err != nil {
		slog.Debug("Presence touch failed", "conn", c.ID, "error", err)
	}
}

// command is the inbound client request envelope.
type command struct {
	Action   string          `json:"action"`
	Type     event.Type      `json:"type,omitempty"`
	TenantID string          `json:"tenantId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// handleCommand dispatches one inbound client message. A malformed command
// fails only that request, never the connection.
func (gw *Gateway) handleCommand(c *Client, raw []byte) {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		c.trySend(errorJSON("malformed command"))
		return
	}

	switch cmd.Action {
	case "snapshot":
		gw.handleSnapshot(c)
	case "publish":
		gw.handlePublish(c, cmd)
	default:
		c.trySend(errorJSON("unknown action %q", cmd.Action))
	}
}

// handleSnapshot answers the explicit request/response snapshot command:
// clients that just (re)connected fetch current state before the next delta.
func (gw *Gateway) handleSnapshot(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	count, err := gw.registry.TenantCount(ctx, c.TenantID)
	if err != nil {
		c.trySend(errorJSON("snapshot unavailable"))
		return
	}
	users, _ := gw.registry.TenantUsers(ctx, c.TenantID)

	snapshot := map[string]any{
		"type":        "snapshot",
		"tenantId":    c.TenantID,
		"onlineCount": count,
		"users":       users,
		"events":      gw.publisher.Recent(c.TenantID),
	}
	if c.Elevated {
		if global, err := gw.registry.GlobalCount(ctx); err == nil {
			snapshot["globalCount"] = global
		}
		if ranking, err := gw.registry.Ranking(ctx, 10); err == nil {
			snapshot["ranking"] = ranking
		}
	}
	c.trySend(mustJSON(snapshot))
}

// handlePublish is the administrative surface: inject a synthetic domain
// event on behalf of the caller's tenant, under the same validation as
// internal publishers. Cross-tenant injection requires elevated scope.
func (gw *Gateway) handlePublish(c *Client, cmd command) {
	tenant := c.TenantID
	if cmd.TenantID != "" && cmd.TenantID != c.TenantID {
		if !c.Elevated {
			c.trySend(errorJSON("cannot publish for another tenant"))
			return
		}
		tenant = cmd.TenantID
	}

	payload, err := event.DecodePayload(cmd.Type, cmd.Payload)
	if err != nil {
		c.trySend(errorJSON("invalid event: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	evt, err := gw.publisher.Publish(ctx, tenant, cmd.Type, payload,
		&event.Actor{UserID: c.UserID, SessionID: c.ID, Source: "gateway"})
	if err != nil {
		c.trySend(errorJSON("publish failed: %v", err))
		return
	}
	c.trySend(mustJSON(map[string]any{"type": "published", "id": evt.ID}))
}

// DeliverTenant re-emits a cluster event to the local tenant room. Part of
// the distribution adapter's sink; never re-publishes to the shared store.
func (gw *Gateway) DeliverTenant(tenantID string, data []byte) {
	gw.hub.Broadcast(TenantRoom(tenantID), data)
}

// DeliverGlobal re-emits a cluster event to the local global room. For a
// tenant-scoped event, members of that tenant's room are skipped: they
// already received it via DeliverTenant, and delivery per message per
// connection stays at most once.
func (gw *Gateway) DeliverGlobal(tenantID string, data []byte) {
	if tenantID == "" || tenantID == event.TenantSystem {
		gw.hub.Broadcast(GlobalRoom, data)
		return
	}
	gw.hub.BroadcastExcept(GlobalRoom, TenantRoom(tenantID), data)
}

// LocalConnections returns the number of open connections on this instance.
func (gw *Gateway) LocalConnections() int {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return len(gw.clients)
}

// HandleHealth serves the liveness probe, including the degraded-mode flag.
func (gw *Gateway) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h := gw.registry.HealthStatus(r.Context())
	status := "ok"
	if gw.degraded() {
		status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":           status,
		"degraded":         gw.degraded(),
		"storeReachable":   h.StoreReachable,
		"localConnections": gw.LocalConnections(),
		"totalConnections": h.TotalConnections,
		"tenantCount":      h.TenantCount,
	})
}

// Close terminates every local connection. Used on shutdown.
func (gw *Gateway) Close() {
	gw.mu.Lock()
	gw.closed = true
	clients := make([]*Client, 0, len(gw.clients))
	for c := range gw.clients {
		clients = append(clients, c)
	}
	gw.mu.Unlock()

	for _, c := range clients {
		gw.disconnect(c)
	}
}

func (gw *Gateway) reject(ctx context.Context, w http.ResponseWriter, reason string, code int) {
	if gw.rejectCounter != nil {
		gw.rejectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	http.Error(w, reason, code)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal outbound message", "error", err)
		return []byte(`{"type":"error","error":"internal"}`)
	}
	return data
}

func errorJSON(format string, args ...any) []byte {
	return mustJSON(map[string]any{
		"type":  "error",
		"error": fmt.Sprintf(format, args...),
	})
}
