package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/pkg/clock"
)

func newTestTrail(t *testing.T) (*Trail, *clock.FakeClock) {
	t.Helper()
	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	trail, err := New("wf-1", fc)
	require.NoError(t, err)
	return trail, fc
}

func TestNewSeedsGenesisEntry(t *testing.T) {
	trail, _ := newTestTrail(t)
	entries := trail.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, entities.EventGenesis, entries[0].Event.EventType)
	assert.NotEmpty(t, entries[0].Hash)
	assert.True(t, trail.VerifyIntegrity())
}

func TestAppendChainsHashes(t *testing.T) {
	trail, _ := newTestTrail(t)
	e1, err := trail.Append(entities.EventStepStarted, map[string]any{"stepName": "payment"}, nil)
	require.NoError(t, err)
	e2, err := trail.Append(entities.EventStepCompleted, map[string]any{"stepName": "payment"}, nil)
	require.NoError(t, err)

	assert.Equal(t, trail.Entries()[0].Hash, e1.PreviousHash)
	assert.Equal(t, e1.Hash, e2.PreviousHash)
	assert.True(t, trail.VerifyIntegrity())
	assert.Equal(t, e2.Hash, trail.Root())
}

func TestDetectTamperingFindsMutatedEntry(t *testing.T) {
	trail, _ := newTestTrail(t)
	_, err := trail.Append(entities.EventStepStarted, map[string]any{"stepName": "db"}, nil)
	require.NoError(t, err)

	trail.entries[1].Event.Data["stepName"] = "tampered"

	tampered, idx, _ := trail.DetectTampering()
	require.True(t, tampered)
	require.NotNil(t, idx)
	assert.Equal(t, 1, *idx)
	assert.False(t, trail.VerifyIntegrity())
}

func TestFilterByStep(t *testing.T) {
	trail, _ := newTestTrail(t)
	_, err := trail.Append(entities.EventStepStarted, map[string]any{"stepName": "payment"}, nil)
	require.NoError(t, err)
	_, err = trail.Append(entities.EventStepStarted, map[string]any{"stepName": "crm"}, nil)
	require.NoError(t, err)

	matches := trail.FilterByStep("payment")
	require.Len(t, matches, 1)
	assert.Equal(t, "payment", matches[0].Event.Data["stepName"])
}

func TestEntriesReturnsDefensiveCopy(t *testing.T) {
	trail, _ := newTestTrail(t)
	entries := trail.Entries()
	entries[0].Hash = "corrupted"

	assert.NotEqual(t, "corrupted", trail.Entries()[0].Hash)
	assert.True(t, trail.VerifyIntegrity())
}

func TestRestoreRebuildsFromPersistedEntries(t *testing.T) {
	trail, _ := newTestTrail(t)
	_, err := trail.Append(entities.EventStepStarted, map[string]any{"stepName": "payment"}, nil)
	require.NoError(t, err)

	restored := Restore("wf-1", clock.NewSystemClock(), trail.Entries())
	assert.True(t, restored.VerifyIntegrity())
	assert.Equal(t, trail.Root(), restored.Root())
}
