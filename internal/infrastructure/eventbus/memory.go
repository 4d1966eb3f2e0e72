package eventbus

import (
	"context"
	"sync"

	"github.com/rail-service/erasure_service/internal/domain/ports"
	"github.com/rail-service/erasure_service/pkg/clock"
)

// Memory is an in-process ports.EventBus backing unit tests: publishing
// appends to the per-(topic, groupKey) log that Replay reads back. There
// are no subscribers, since the core never subscribes directly — it only
// publishes and, for recovery, replays.
type Memory struct {
	mu   sync.RWMutex
	logs map[string][]ports.Event
	clk  clock.Clock
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{logs: make(map[string][]ports.Event), clk: clk}
}

func streamKey(topic, groupKey string) string {
	return topic + "\x00" + groupKey
}

func (m *Memory) Publish(_ context.Context, topic, groupKey string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := streamKey(topic, groupKey)
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.logs[key] = append(m.logs[key], ports.Event{
		Topic:     topic,
		GroupKey:  groupKey,
		Payload:   cp,
		Timestamp: m.clk.Now().UnixNano(),
	})
	return nil
}

func (m *Memory) Replay(_ context.Context, topic, groupKey string) ([]ports.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.logs[streamKey(topic, groupKey)]
	out := make([]ports.Event, len(events))
	copy(out, events)
	return out, nil
}

var _ ports.EventBus = (*Memory)(nil)
