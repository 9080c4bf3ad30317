package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for single-instance degraded mode
// and for tests. TTLs are honored lazily: expired entries are dropped when
// read or listed. Pub/sub delivery is synchronous and local to the process.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*memBucket
	subs    []*memSub
	now     func() time.Time
}

type memBucket struct {
	ttl     time.Duration
	entries map[string]memEntry
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

type memSub struct {
	pattern   string
	handler   MsgHandler
	responder ReqHandler
	store     *MemoryStore
}

func (ms *memSub) Unsubscribe() error {
	ms.store.mu.Lock()
	defer ms.store.mu.Unlock()
	for i, sub := range ms.store.subs {
		if sub == ms {
			ms.store.subs = append(ms.store.subs[:i], ms.store.subs[i+1:]...)
			break
		}
	}
	return nil
}

// NewMemoryStore creates a memory store with the given bucket set.
func NewMemoryStore(specs []BucketSpec) *MemoryStore {
	s := &MemoryStore{
		buckets: make(map[string]*memBucket),
		now:     time.Now,
	}
	for _, spec := range specs {
		s.buckets[spec.Name] = &memBucket{
			ttl:     spec.TTL,
			entries: make(map[string]memEntry),
		}
	}
	return s
}

// SetClock overrides the time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Put(_ context.Context, bucket, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.bucketLocked(bucket)
	if err != nil {
		return err
	}
	entry := memEntry{value: append([]byte(nil), value...)}
	if b.ttl > 0 {
		entry.expiresAt = s.now().Add(b.ttl)
	}
	b.entries[key] = entry
	return nil
}

func (s *MemoryStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.bucketLocked(bucket)
	if err != nil {
		return nil, err
	}
	entry, ok := b.entries[key]
	if !ok || s.expired(entry) {
		return nil, ErrKeyNotFound
	}
	return entry.value, nil
}

func (s *MemoryStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.bucketLocked(bucket)
	if err != nil {
		return err
	}
	delete(b.entries, key)
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, bucket, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.bucketLocked(bucket)
	if err != nil {
		return nil, err
	}
	var keys []string
	for key, entry := range b.entries {
		if s.expired(entry) {
			continue
		}
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *MemoryStore) Entries(_ context.Context, bucket, prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.bucketLocked(bucket)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for key, entry := range b.entries {
		if s.expired(entry) {
			continue
		}
		if prefix == "" || strings.HasPrefix(key, prefix) {
			entries = append(entries, Entry{Key: key, Value: entry.value})
		}
	}
	return entries, nil
}

func (s *MemoryStore) Publish(ctx context.Context, subject string, data []byte) error {
	s.mu.RLock()
	var matched []MsgHandler
	for _, sub := range s.subs {
		if sub.handler != nil && subjectMatches(sub.pattern, subject) {
			matched = append(matched, sub.handler)
		}
	}
	s.mu.RUnlock()

	for _, handler := range matched {
		handler(ctx, subject, data)
	}
	return nil
}

func (s *MemoryStore) Subscribe(subject string, handler MsgHandler) (Subscription, error) {
	sub := &memSub{pattern: subject, handler: handler, store: s}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return sub, nil
}

func (s *MemoryStore) Respond(subject string, handler ReqHandler) (Subscription, error) {
	sub := &memSub{pattern: subject, responder: handler, store: s}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return sub, nil
}

// Request invokes the first matching responder. Test convenience mirroring
// NATS request/reply.
func (s *MemoryStore) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	s.mu.RLock()
	var responder ReqHandler
	for _, sub := range s.subs {
		if sub.responder != nil && subjectMatches(sub.pattern, subject) {
			responder = sub.responder
			break
		}
	}
	s.mu.RUnlock()
	if responder == nil {
		return nil, fmt.Errorf("no responder for %q", subject)
	}
	return responder(ctx, subject, data), nil
}

// Healthy is always false: a memory store means the shared store is not
// reachable, which is exactly what the health surface must report.
func (s *MemoryStore) Healthy() bool { return false }

func (s *MemoryStore) Close() {}

func (s *MemoryStore) bucketLocked(name string) (*memBucket, error) {
	b, ok := s.buckets[name]
	if !ok {
		return nil, fmt.Errorf("unknown bucket %q", name)
	}
	return b, nil
}

func (s *MemoryStore) expired(entry memEntry) bool {
	return !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt)
}

// subjectMatches implements NATS-style token matching: "*" matches exactly
// one token, ">" matches one or more trailing tokens.
func subjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
