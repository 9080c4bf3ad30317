package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tenantstream/internal/auth"
	"github.com/example/tenantstream/internal/event"
	"github.com/example/tenantstream/internal/presence"
	"github.com/example/tenantstream/internal/store"
)

var testKey = []byte("gateway-test-key")

func signToken(t *testing.T, user, tenant string, roles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":       user,
		"tenant_id": tenant,
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
	if len(roles) > 0 {
		claims["realm_access"] = map[string]any{"roles": roles}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	require.NoError(t, err)
	return signed
}

type denyAll struct{}

func (denyAll) IsSessionActive(context.Context, string) (bool, error) { return false, nil }

type failingSessions struct{}

func (failingSessions) IsSessionActive(context.Context, string) (bool, error) {
	return false, errors.New("database down")
}

type testEnv struct {
	gw       *Gateway
	registry *presence.Registry
	server   *httptest.Server
}

func newTestEnv(t *testing.T, sessions auth.SessionValidator) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore(store.Buckets(time.Minute))
	registry := presence.NewRegistry(ms, nil)
	publisher, err := event.NewPublisher(ms, event.PublisherConfig{RecentSize: 10}, nil)
	require.NoError(t, err)

	verifier := auth.NewVerifierWithKeyfunc(
		func(*jwt.Token) (interface{}, error) { return testKey, nil }, "", "platform-admin")
	if sessions == nil {
		sessions = auth.AllowAll{}
	}

	gw := New(Config{SendBuffer: 16, SlowStrikes: 3, TouchInterval: time.Minute},
		registry, publisher, NewHub(), verifier, sessions,
		func() bool { return true }, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.ServeWS)
	mux.HandleFunc("/healthz", gw.HandleHealth)
	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		gw.Close()
		server.Close()
	})
	return &testEnv{gw: gw, registry: registry, server: server}
}

func (env *testEnv) dial(t *testing.T, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func (env *testEnv) mustDial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := env.dial(t, token)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestServeWSRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t, nil)
	_, resp, err := env.dial(t, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWSRejectsGarbageToken(t *testing.T) {
	env := newTestEnv(t, nil)
	_, resp, err := env.dial(t, "not-a-token")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWSRejectsRevokedSession(t *testing.T) {
	env := newTestEnv(t, denyAll{})
	_, resp, err := env.dial(t, signToken(t, "alice", "acme"))
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Rejection must leave no partial state behind.
	count, err := env.registry.TenantCount(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestServeWSFailsClosedOnValidatorError(t *testing.T) {
	env := newTestEnv(t, failingSessions{})
	_, resp, err := env.dial(t, signToken(t, "alice", "acme"))
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestConnectRegistersAndAcks(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.mustDial(t, signToken(t, "alice", "acme"))

	frame := readFrame(t, conn)
	assert.Equal(t, "connected", frame["type"])
	assert.Equal(t, "acme", frame["tenantId"])
	assert.Equal(t, float64(1), frame["onlineCount"])

	count, err := env.registry.TenantCount(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSnapshotCommand(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.mustDial(t, signToken(t, "alice", "acme"))
	readFrame(t, conn) // connected ack

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "snapshot"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "snapshot", frame["type"])
	assert.Equal(t, "acme", frame["tenantId"])
	assert.Equal(t, float64(1), frame["onlineCount"])
	assert.Contains(t, frame["users"], "alice")
	_, hasGlobal := frame["globalCount"]
	assert.False(t, hasGlobal, "plain client must not see cluster-wide state")
}

func TestSnapshotElevatedSeesGlobal(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.mustDial(t, signToken(t, "root", "acme", "platform-admin"))
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "snapshot"}))
	frame := readFrame(t, conn)
	assert.Equal(t, float64(1), frame["globalCount"])
}

func TestTenantIsolatedDelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	acme := env.mustDial(t, signToken(t, "alice", "acme"))
	globex := env.mustDial(t, signToken(t, "bob", "globex"))
	readFrame(t, acme)
	readFrame(t, globex)

	env.gw.DeliverTenant("acme", []byte(`{"type":"event","tenantId":"acme"}`))

	frame := readFrame(t, acme)
	assert.Equal(t, "event", frame["type"])

	globex.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := globex.ReadMessage()
	assert.Error(t, err, "other tenant must not receive the event")
}

func TestGlobalDeliveryOnlyElevated(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.mustDial(t, signToken(t, "root", "acme", "platform-admin"))
	plain := env.mustDial(t, signToken(t, "alice", "globex"))
	readFrame(t, admin)
	readFrame(t, plain)

	env.gw.DeliverGlobal(event.TenantSystem, []byte(`{"type":"system"}`))

	frame := readFrame(t, admin)
	assert.Equal(t, "system", frame["type"])

	plain.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := plain.ReadMessage()
	assert.Error(t, err)
}

func TestElevatedClientReceivesTenantEventOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.mustDial(t, signToken(t, "root", "acme", "platform-admin"))
	readFrame(t, admin)

	// A tenant-scoped event arrives on both the tenant and global channels;
	// a member of both rooms must still see it exactly once.
	data := []byte(`{"type":"event","tenantId":"acme","id":"e-1"}`)
	env.gw.DeliverTenant("acme", data)
	env.gw.DeliverGlobal("acme", data)

	frame := readFrame(t, admin)
	assert.Equal(t, "event", frame["type"])

	admin.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := admin.ReadMessage()
	assert.Error(t, err, "duplicate delivery")
}

func TestElevatedClientReceivesOtherTenantEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.mustDial(t, signToken(t, "root", "acme", "platform-admin"))
	readFrame(t, admin)

	env.gw.DeliverGlobal("globex", []byte(`{"type":"event","tenantId":"globex"}`))

	frame := readFrame(t, admin)
	assert.Equal(t, "globex", frame["tenantId"])
}

func TestPublishCommand(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.mustDial(t, signToken(t, "alice", "acme"))
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action":  "publish",
		"type":    "deal:updated",
		"payload": map[string]string{"dealId": "d-1", "stage": "won"},
	}))
	frame := readFrame(t, conn)
	assert.Equal(t, "published", frame["type"])
	assert.NotEmpty(t, frame["id"])
}

func TestPublishCommandRejectsCrossTenant(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.mustDial(t, signToken(t, "alice", "acme"))
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action":   "publish",
		"type":     "deal:updated",
		"tenantId": "globex",
		"payload":  map[string]string{"dealId": "d-1"},
	}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])

	// The failed command must not kill the connection.
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "snapshot"}))
	assert.Equal(t, "snapshot", readFrame(t, conn)["type"])
}

func TestMalformedCommandKeepsConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.mustDial(t, signToken(t, "alice", "acme"))
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{{{")))
	assert.Equal(t, "error", readFrame(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "snapshot"}))
	assert.Equal(t, "snapshot", readFrame(t, conn)["type"])
}

func TestDisconnectUnregisters(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.mustDial(t, signToken(t, "alice", "acme"))
	readFrame(t, conn)
	conn.Close()

	require.Eventually(t, func() bool {
		count, err := env.registry.TenantCount(context.Background(), "acme")
		return err == nil && count == 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, env.gw.LocalConnections())
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.mustDial(t, signToken(t, "alice", "acme"))
	readFrame(t, conn)

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "degraded", health["status"])
	assert.Equal(t, true, health["degraded"])
	assert.Equal(t, float64(1), health["localConnections"])
}
