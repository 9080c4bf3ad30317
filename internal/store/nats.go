package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/example/tenantstream/internal/telemetry"
)

// NATSConfig carries the connection settings for the NATS-backed store.
type NATSConfig struct {
	URL      string
	User     string
	Password string

	// ConnectRetries bounds the initial connect loop. Once exhausted the
	// caller is expected to fall back to degraded single-instance mode
	// rather than block startup indefinitely.
	ConnectRetries int
	RetryWait      time.Duration
	MaxRetryWait   time.Duration

	Buckets []BucketSpec
}

// NATSStore implements Store on NATS: core subjects for pub/sub and
// JetStream KV buckets (with per-bucket TTL) for the key-value half.
type NATSStore struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	specs   []BucketSpec
	healthy atomic.Bool

	mu      sync.RWMutex
	buckets map[string]jetstream.KeyValue
}

// ConnectNATS dials the store with bounded exponential backoff and creates
// the KV buckets. Reconnects are handled by the client indefinitely; the
// bounded retry applies only to the initial connect.
func ConnectNATS(ctx context.Context, cfg NATSConfig) (*NATSStore, error) {
	s := &NATSStore{
		specs:   cfg.Buckets,
		buckets: make(map[string]jetstream.KeyValue),
	}

	opts := []nats.Option{
		nats.Name("tenantstream"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.healthy.Store(false)
			slog.Warn("Coordination store disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("Coordination store reconnected — recreating KV buckets")
			if err := s.createBuckets(context.Background()); err != nil {
				slog.Error("Failed to recreate KV buckets after reconnect", "error", err)
				return
			}
			s.healthy.Store(true)
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	wait := cfg.RetryWait
	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= cfg.ConnectRetries; attempt++ {
		nc, err = nats.Connect(cfg.URL, opts...)
		if err == nil {
			break
		}
		slog.Info("Waiting for coordination store", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > cfg.MaxRetryWait {
			wait = cfg.MaxRetryWait
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect coordination store: %w", err)
	}
	s.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	s.js = js

	if err := s.createBuckets(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	s.healthy.Store(true)
	slog.Info("Connected to coordination store", "url", nc.ConnectedUrl())
	return s, nil
}

func (s *NATSStore) createBuckets(ctx context.Context) error {
	for _, spec := range s.specs {
		kv, err := s.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:  spec.Name,
			History: 1,
			TTL:     spec.TTL,
			Storage: jetstream.MemoryStorage,
		})
		if err != nil {
			return fmt.Errorf("create KV bucket %s: %w", spec.Name, err)
		}
		s.mu.Lock()
		s.buckets[spec.Name] = kv
		s.mu.Unlock()
	}
	return nil
}

func (s *NATSStore) bucket(name string) (jetstream.KeyValue, error) {
	s.mu.RLock()
	kv, ok := s.buckets[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown bucket %q", name)
	}
	return kv, nil
}

func (s *NATSStore) Put(ctx context.Context, bucket, key string, value []byte) error {
	kv, err := s.bucket(bucket)
	if err != nil {
		return err
	}
	if _, err := kv.Put(ctx, key, value); err != nil {
		return s.wrap(err)
	}
	return nil
}

func (s *NATSStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	kv, err := s.bucket(bucket)
	if err != nil {
		return nil, err
	}
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, s.wrap(err)
	}
	return entry.Value(), nil
}

func (s *NATSStore) Delete(ctx context.Context, bucket, key string) error {
	kv, err := s.bucket(bucket)
	if err != nil {
		return err
	}
	if err := kv.Delete(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return s.wrap(err)
	}
	return nil
}

func (s *NATSStore) Keys(ctx context.Context, bucket, prefix string) ([]string, error) {
	kv, err := s.bucket(bucket)
	if err != nil {
		return nil, err
	}
	lister, err := kv.ListKeys(ctx)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer lister.Stop()

	var keys []string
	for key := range lister.Keys() {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Entries streams the bucket's current contents via a watcher snapshot
// rather than a Get per key.
func (s *NATSStore) Entries(ctx context.Context, bucket, prefix string) ([]Entry, error) {
	kv, err := s.bucket(bucket)
	if err != nil {
		return nil, err
	}
	watcher, err := kv.WatchAll(ctx, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, s.wrap(err)
	}
	defer watcher.Stop()

	var entries []Entry
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case update, ok := <-watcher.Updates():
			if !ok || update == nil {
				// nil marks the end of the initial snapshot
				return entries, nil
			}
			if prefix == "" || strings.HasPrefix(update.Key(), prefix) {
				entries = append(entries, Entry{Key: update.Key(), Value: update.Value()})
			}
		}
	}
}

func (s *NATSStore) Publish(ctx context.Context, subject string, data []byte) error {
	ctx, span, header := telemetry.StartPublishSpan(ctx, subject, len(data))
	defer span.End()
	_ = ctx

	err := s.nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: header})
	if err != nil {
		span.RecordError(err)
		return s.wrap(err)
	}
	return nil
}

func (s *NATSStore) Subscribe(subject string, handler MsgHandler) (Subscription, error) {
	sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, span := telemetry.StartConsumerSpan(context.Background(), msg, subject+" receive")
		defer span.End()
		handler(ctx, msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	return sub, nil
}

func (s *NATSStore) Respond(subject string, handler ReqHandler) (Subscription, error) {
	sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, span := telemetry.StartServerSpan(context.Background(), msg, subject+" respond")
		defer span.End()
		if reply := handler(ctx, msg.Subject, msg.Data); reply != nil {
			msg.Respond(reply)
		}
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	return sub, nil
}

// Request sends a request and waits for the first reply, for callers that
// consume the query responders from Go rather than over the wire.
func (s *NATSStore) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := s.nc.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		return nil, s.wrap(err)
	}
	return msg.Data, nil
}

func (s *NATSStore) Healthy() bool {
	return s.healthy.Load()
}

func (s *NATSStore) Close() {
	s.nc.Drain()
}

func (s *NATSStore) wrap(err error) error {
	if !s.nc.IsConnected() {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
