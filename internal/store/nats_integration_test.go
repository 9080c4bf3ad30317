//go:build integration

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startNATS(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		Cmd:          []string{"-js"},
		WaitingFor:   wait.ForLog("Server is ready"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "4222")
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestNATSStoreIntegration(t *testing.T) {
	ctx := context.Background()
	url := startNATS(t, ctx)

	st, err := ConnectNATS(ctx, NATSConfig{
		URL:            url,
		ConnectRetries: 5,
		RetryWait:      500 * time.Millisecond,
		MaxRetryWait:   2 * time.Second,
		Buckets:        Buckets(3 * time.Second),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer st.Close()

	if !st.Healthy() {
		t.Fatal("store should report healthy after connect")
	}

	// KV round trip with prefix listing.
	if err := st.Put(ctx, BucketPresence, "acme.c1", []byte(`{"userId":"alice"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.Put(ctx, BucketPresence, "globex.c2", []byte(`{"userId":"bob"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	value, err := st.Get(ctx, BucketPresence, "acme.c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != `{"userId":"alice"}` {
		t.Fatalf("unexpected value %q", value)
	}

	keys, err := st.Keys(ctx, BucketPresence, "acme.")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "acme.c1" {
		t.Fatalf("unexpected keys %v", keys)
	}

	// TTL expiry. The bucket TTL is 3s.
	time.Sleep(4 * time.Second)
	if _, err := st.Get(ctx, BucketPresence, "acme.c1"); err != ErrKeyNotFound {
		t.Fatalf("expected expiry, got %v", err)
	}

	// Pub/sub round trip.
	var mu sync.Mutex
	var got []string
	sub, err := st.Subscribe("events.tenant.*", func(_ context.Context, subject string, data []byte) {
		mu.Lock()
		got = append(got, subject+":"+string(data))
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := st.Publish(ctx, "events.tenant.acme", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("message never delivered")
		}
		time.Sleep(50 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "events.tenant.acme:hello" {
		t.Fatalf("unexpected delivery %q", got[0])
	}
}

func TestNATSStoreRequestReply(t *testing.T) {
	ctx := context.Background()
	url := startNATS(t, ctx)

	st, err := ConnectNATS(ctx, NATSConfig{
		URL:            url,
		ConnectRetries: 5,
		RetryWait:      500 * time.Millisecond,
		MaxRetryWait:   2 * time.Second,
		Buckets:        Buckets(time.Minute),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer st.Close()

	sub, err := st.Respond("presence.count.*", func(_ context.Context, subject string, _ []byte) []byte {
		return []byte(`{"subject":"` + subject + `"}`)
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	defer sub.Unsubscribe()

	reply, err := st.Request(ctx, "presence.count.acme", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(reply) != `{"subject":"presence.count.acme"}` {
		t.Fatalf("unexpected reply %q", reply)
	}
}
