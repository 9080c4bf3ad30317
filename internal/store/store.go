// Package store abstracts the shared coordination store: TTL-backed
// key-value buckets plus publish/subscribe. The NATS JetStream
// implementation is the production backend; the memory implementation
// serves single-instance degraded mode and tests.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrKeyNotFound is returned by Get for a missing or expired key.
	ErrKeyNotFound = errors.New("store: key not found")
	// ErrUnavailable is returned when the backing store is unreachable.
	ErrUnavailable = errors.New("store: unavailable")
)

// Bucket names used by the presence registry. All instances must agree on
// these, so they live here rather than in the registry.
const (
	BucketPresence = "PRESENCE"      // {tenant}.{connId} -> presence entry
	BucketReverse  = "PRESENCE_CONN" // {connId} -> reverse mapping
	BucketRank     = "PRESENCE_RANK" // {tenant} -> cached live count
)

// BucketSpec declares a bucket and its entry TTL (zero means no expiry).
type BucketSpec struct {
	Name string
	TTL  time.Duration
}

// Buckets returns the bucket set for a given presence TTL. The reverse and
// rank buckets carry a longer TTL: they are backstops behind the authoritative
// presence entries, cleaned earlier by the orphan sweep.
func Buckets(presenceTTL time.Duration) []BucketSpec {
	return []BucketSpec{
		{Name: BucketPresence, TTL: presenceTTL},
		{Name: BucketReverse, TTL: 2 * presenceTTL},
		{Name: BucketRank, TTL: 2 * presenceTTL},
	}
}

// Entry is a key with its stored value.
type Entry struct {
	Key   string
	Value []byte
}

// MsgHandler receives a published message. The context carries trace
// information extracted from the transport when available.
type MsgHandler func(ctx context.Context, subject string, data []byte)

// Subscription is a live subscription that can be torn down.
type Subscription interface {
	Unsubscribe() error
}

// KV is the key-value half of the store. Every operation is a single atomic
// call against the backend; a Put refreshes the key's TTL.
type KV interface {
	Put(ctx context.Context, bucket, key string, value []byte) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Delete(ctx context.Context, bucket, key string) error
	Keys(ctx context.Context, bucket, prefix string) ([]string, error)
	Entries(ctx context.Context, bucket, prefix string) ([]Entry, error)
}

// ReqHandler answers a request; the returned bytes are sent as the reply.
type ReqHandler func(ctx context.Context, subject string, data []byte) []byte

// PubSub is the broadcast half of the store. Subjects are dot-separated;
// subscribe patterns may use "*" to match a single token. Respond registers
// a request/reply responder for query surfaces.
type PubSub interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, handler MsgHandler) (Subscription, error)
	Respond(subject string, handler ReqHandler) (Subscription, error)
}

// Store is the full coordination-store capability.
type Store interface {
	KV
	PubSub
	// Healthy reports whether the backend is currently reachable.
	Healthy() bool
	Close()
}
