// Package durablequeue offers optional durable backing for the queue
// manager's per-topic FIFOs, so queued-but-undrained events survive a
// process restart. Replay preserves deduplication and conflation semantics.
//
// A Backend only ever sees already-admitted events: the queue manager's own
// dedup/conflation rules run before Append, so a backend just needs to
// preserve insertion order and let the caller Drain the same entries back
// out after a restart.
package durablequeue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/nftwatch/eventpipeline/domain/event"
)

// Entry is the durable record for one enqueued event: the event itself plus
// the topic it was admitted to, so Drain can replay it onto the right
// partition.
type Entry struct {
	Topic string       `json:"topic"`
	Event *event.Event `json:"event"`
}

// Backend persists and replays topic entries. Append is called once per
// admitted event (after the in-memory queue manager's own dedup/conflation
// decision), Drain returns everything currently persisted for a topic in
// FIFO order, and Ack removes an entry once the in-memory queue has
// confirmed successful dispatch.
type Backend interface {
	Append(ctx context.Context, e Entry) error
	Drain(ctx context.Context, topic string) ([]Entry, error)
	Ack(ctx context.Context, topic string, eventID string) error
	Close(ctx context.Context) error
}

// MemoryBackend is an in-process Backend, useful for tests and for
// deployments that don't need durability across process restarts but still
// want the replay code path exercised.
type MemoryBackend struct {
	mu      sync.Mutex
	byTopic map[string][]Entry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{byTopic: make(map[string][]Entry)}
}

func (b *MemoryBackend) Append(_ context.Context, e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byTopic[e.Topic] = append(b.byTopic[e.Topic], e)
	return nil
}

func (b *MemoryBackend) Drain(_ context.Context, topic string) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.byTopic[topic]))
	copy(out, b.byTopic[topic])
	return out, nil
}

func (b *MemoryBackend) Ack(_ context.Context, topic string, eventID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.byTopic[topic]
	for i, e := range entries {
		if e.Event.ID == eventID {
			b.byTopic[topic] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (b *MemoryBackend) Close(context.Context) error { return nil }

// RedisBackend persists topic entries as a Redis list (RPush/LRange), one
// list per topic keyed by a configurable prefix. Acks remove the entry by
// value, same idiom as infrastructure/cache's key-prefixed namespacing.
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
}

// RedisConfig is the durable backend's tunable surface.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

func NewRedisBackend(cfg RedisConfig) *RedisBackend {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "eventpipeline:queue:"
	}
	return &RedisBackend{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		keyPrefix: prefix,
	}
}

func (b *RedisBackend) key(topic string) string {
	return b.keyPrefix + topic
}

func (b *RedisBackend) Append(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal durable queue entry: %w", err)
	}
	return b.client.RPush(ctx, b.key(e.Topic), raw).Err()
}

func (b *RedisBackend) Drain(ctx context.Context, topic string) ([]Entry, error) {
	raws, err := b.client.LRange(ctx, b.key(topic), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("drain durable queue topic %s: %w", topic, err)
	}
	out := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("unmarshal durable queue entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (b *RedisBackend) Ack(ctx context.Context, topic string, eventID string) error {
	entries, err := b.Drain(ctx, topic)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Event.ID != eventID {
			continue
		}
		raw, merr := json.Marshal(e)
		if merr != nil {
			return merr
		}
		// LRem removes the first matching occurrence; count=1 avoids
		// dropping every entry if the same payload somehow repeats.
		return b.client.LRem(ctx, b.key(topic), 1, raw).Err()
	}
	return nil
}

func (b *RedisBackend) Close(ctx context.Context) error {
	return b.client.Close()
}
