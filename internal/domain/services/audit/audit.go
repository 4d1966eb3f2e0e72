// Package audit implements the per-workflow, hash-chained, append-only
// audit log (§4.E). It is adapted from the teacher's WORM audit service
// (internal/domain/services/audit and internal/domain/entities/audit.go):
// the same previous-hash/current-hash chaining idea, generalized from one
// global log keyed by mutex-guarded lastHash to one independent log per
// workflow, and from ad hoc string concatenation to canon.Chain over
// canonical JSON.
package audit

import (
	"sync"
	"time"

	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/pkg/canon"
	"github.com/rail-service/erasure_service/pkg/clock"
)

// Trail is one workflow's independent hash chain.
type Trail struct {
	mu         sync.RWMutex
	workflowID string
	entries    []entities.AuditEntry
	clk        clock.Clock
}

// New creates a Trail seeded with the Genesis entry whose previousHash is
// hash("GENESIS") and whose event records the workflow's birth.
func New(workflowID string, clk clock.Clock) (*Trail, error) {
	t := &Trail{workflowID: workflowID, clk: clk}
	genesisEvent := entities.AuditEvent{
		EventID:    clk.NewID(),
		WorkflowID: workflowID,
		EventType:  entities.EventGenesis,
		Timestamp:  clk.Now(),
		Data:       map[string]any{"workflowId": workflowID},
	}
	prev := canon.GenesisPrevHash()
	h, err := canon.Chain(prev, genesisEvent)
	if err != nil {
		return nil, err
	}
	t.entries = []entities.AuditEntry{{
		Event:        genesisEvent,
		PreviousHash: prev.String(),
		Hash:         h.String(),
	}}
	return t, nil
}

// Restore rebuilds a Trail from previously persisted entries, without
// re-deriving hashes — used when loading a workflow's state store record.
func Restore(workflowID string, clk clock.Clock, entries []entities.AuditEntry) *Trail {
	cp := make([]entities.AuditEntry, len(entries))
	copy(cp, entries)
	return &Trail{workflowID: workflowID, clk: clk, entries: cp}
}

// Append computes chain(lastHash, event) and appends a new entry.
// Appending never fails under normal operation (§4.E failure semantics).
func (t *Trail) Append(eventType entities.AuditEventType, data, metadata map[string]any) (entities.AuditEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	event := entities.AuditEvent{
		EventID:    t.clk.NewID(),
		WorkflowID: t.workflowID,
		EventType:  eventType,
		Timestamp:  t.clk.Now(),
		Data:       data,
		Metadata:   metadata,
	}
	prevHashHex := t.entries[len(t.entries)-1].Hash
	prev, err := canon.HashFromHex(prevHashHex)
	if err != nil {
		return entities.AuditEntry{}, err
	}
	h, err := canon.Chain(prev, event)
	if err != nil {
		return entities.AuditEntry{}, err
	}
	entry := entities.AuditEntry{
		Event:        event,
		PreviousHash: prevHashHex,
		Hash:         h.String(),
	}
	t.entries = append(t.entries, entry)
	return entry, nil
}

// Entries returns a defensive copy, per the design note against handing
// out mutable internal state.
func (t *Trail) Entries() []entities.AuditEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cp := make([]entities.AuditEntry, len(t.entries))
	copy(cp, t.entries)
	return cp
}

// HashChain returns just the ordered hash values.
func (t *Trail) HashChain() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hashes := make([]string, len(t.entries))
	for i, e := range t.entries {
		hashes[i] = e.Hash
	}
	return hashes
}

// Root returns the last hash in the chain, the value bound into the
// certificate.
func (t *Trail) Root() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.entries) == 0 {
		return ""
	}
	return t.entries[len(t.entries)-1].Hash
}

// VerifyIntegrity recomputes every hash from its predecessor.
func (t *Trail) VerifyIntegrity() bool {
	tampered, _, _ := t.DetectTampering()
	return !tampered
}

// DetectTampering reports the first index whose stored hash does not match
// the recomputed chain value.
func (t *Trail) DetectTampering() (tampered bool, corruptedIndex *int, details string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i, entry := range t.entries {
		var prev canon.Hash
		var err error
		if i == 0 {
			prev = canon.GenesisPrevHash()
		} else {
			prev, err = canon.HashFromHex(t.entries[i-1].Hash)
			if err != nil {
				idx := i
				return true, &idx, "malformed previous hash at index " + itoa(i)
			}
		}
		recomputed, err := canon.Chain(prev, entry.Event)
		if err != nil {
			idx := i
			return true, &idx, "failed to recompute hash at index " + itoa(i)
		}
		if recomputed.String() != entry.Hash {
			idx := i
			return true, &idx, "hash mismatch at index " + itoa(i)
		}
	}
	return false, nil, ""
}

// Filter returns entries matching the given event type.
func (t *Trail) Filter(eventType entities.AuditEventType) []entities.AuditEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []entities.AuditEntry
	for _, e := range t.entries {
		if e.Event.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// FilterByStep returns entries whose data carries the given stepName.
func (t *Trail) FilterByStep(stepName string) []entities.AuditEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []entities.AuditEntry
	for _, e := range t.entries {
		if name, ok := e.Event.Data["stepName"]; ok {
			if s, ok := name.(string); ok && s == stepName {
				out = append(out, e)
			}
		}
	}
	return out
}

// LastEventAt returns the timestamp of the most recent entry, used to guard
// against clock regression (design note: "prefer stored predecessor
// timestamps when a new now() appears earlier").
func (t *Trail) LastEventAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[len(t.entries)-1].Event.Timestamp
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
