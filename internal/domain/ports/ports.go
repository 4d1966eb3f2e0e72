// Package ports defines the two abstract capabilities the orchestration
// core requires from its host (§4.C): a namespaced key/value store and an
// event bus with durable, replayable per-group logs. Concrete
// implementations live under internal/infrastructure; the core only ever
// imports this package.
package ports

import "context"

// Entry is one (namespace, key) -> value record read back from a KVStore.
type Entry struct {
	Key   string
	Value []byte
}

// KVStore is the persistence port described in §4.C. Reads return the last
// value written for a key; writes are durable; there is no multi-key
// transaction primitive, which is why §5 requires per-workflow
// single-writer discipline above this layer.
type KVStore interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	// SetIfAbsent writes value only if the key does not already exist,
	// returning false without error if it was already present. The policy
	// engine uses it to seed the default policy only once.
	SetIfAbsent(ctx context.Context, namespace, key string, value []byte) (bool, error)
	Delete(ctx context.Context, namespace, key string) error
	ListByNamespace(ctx context.Context, namespace string) ([]Entry, error)
}

// Event is one message published to the bus.
type Event struct {
	Topic     string
	GroupKey  string
	Payload   []byte
	Timestamp int64
}

// EventBus is the stream-bus port described in §4.C/§6: push notification
// plus a durable, replayable per-(topic, groupKey) log.
type EventBus interface {
	Publish(ctx context.Context, topic, groupKey string, payload []byte) error
	// Replay returns every event previously published to (topic, groupKey)
	// in append order, used by durable consumers recovering after a crash.
	Replay(ctx context.Context, topic, groupKey string) ([]Event, error)
}
