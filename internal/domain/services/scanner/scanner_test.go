package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/erasure_service/internal/domain/contracts"
	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/internal/domain/services/policy"
	"github.com/rail-service/erasure_service/internal/domain/services/workflow"
	"github.com/rail-service/erasure_service/internal/infrastructure/kvstore"
	"github.com/rail-service/erasure_service/pkg/clock"
	"github.com/rail-service/erasure_service/pkg/logger"
)

type scriptedScanAdapter struct {
	system string
	pages  []contracts.ScanPage
	calls  int
}

func (a *scriptedScanAdapter) System() string { return a.system }

func (a *scriptedScanAdapter) Next(_ context.Context, _ entities.UserIdentifiers, _ string) (contracts.ScanPage, error) {
	page := a.pages[a.calls]
	a.calls++
	return page, nil
}

type fakeScanRegistry struct {
	adapters map[string]contracts.ScanAdapter
}

func (r *fakeScanRegistry) ScanAdapterFor(system string) (contracts.ScanAdapter, bool) {
	a, ok := r.adapters[system]
	return a, ok
}

func newTestScanner(t *testing.T, reg *fakeScanRegistry, onAction ActionableFindingHandler) (*Scanner, *workflow.Store, *policy.Engine, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	kv := kvstore.NewMemory()
	store := workflow.New(kv, clk, logger.NewNop())
	pol := policy.New(kv, clk, logger.NewNop())
	return New(store, pol, reg, logger.NewNop(), onAction), store, pol, clk
}

func seedWorkflow(t *testing.T, store *workflow.Store, workflowID string) {
	t.Helper()
	req := entities.ErasureRequest{
		RequestID:       workflowID,
		UserIdentifiers: entities.UserIdentifiers{UserID: "u1"},
		Jurisdiction:    entities.JurisdictionEU,
	}
	_, err := store.CreateWorkflow(context.Background(), workflowID, req, entities.DataLineageSnapshot{}, "1.0.0")
	require.NoError(t, err)
}

func TestStartScansOnlyCreatesJobsForRegisteredAdapters(t *testing.T) {
	reg := &fakeScanRegistry{adapters: map[string]contracts.ScanAdapter{
		"crm": &scriptedScanAdapter{system: "crm"},
	}}
	s, store, _, _ := newTestScanner(t, reg, nil)
	seedWorkflow(t, store, "wf-1")

	require.NoError(t, s.StartScans(context.Background(), "wf-1", entities.UserIdentifiers{}, []string{"crm", "mail"}))

	state, err := store.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Contains(t, state.BackgroundJobs, "wf-1:crm")
	assert.NotContains(t, state.BackgroundJobs, "wf-1:mail")
	assert.Equal(t, entities.JobPending, state.BackgroundJobs["wf-1:crm"].Status)
}

func TestAllScansTerminalReflectsJobStatuses(t *testing.T) {
	reg := &fakeScanRegistry{adapters: map[string]contracts.ScanAdapter{"crm": &scriptedScanAdapter{system: "crm"}}}
	s, store, _, _ := newTestScanner(t, reg, nil)
	seedWorkflow(t, store, "wf-1")
	require.NoError(t, s.StartScans(context.Background(), "wf-1", entities.UserIdentifiers{}, []string{"crm"}))

	terminal, err := s.AllScansTerminal(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.False(t, terminal)

	require.NoError(t, store.UpdateBackgroundJob(context.Background(), "wf-1", entities.BackgroundJob{
		JobID: "wf-1:crm", WorkflowID: "wf-1", Status: entities.JobCompleted, Progress: 100,
	}))
	terminal, err = s.AllScansTerminal(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.True(t, terminal)
}

func TestSweepPendingScansAdvancesCheckpointsAndCompletes(t *testing.T) {
	adapter := &scriptedScanAdapter{
		system: "crm",
		pages: []contracts.ScanPage{
			{
				Items:           []entities.PIIFinding{{MatchID: "m1", System: "crm", Confidence: 0.2}},
				NextCheckpoint:  "page-2",
				ProgressPercent: 50,
				Done:            false,
			},
			{
				Items:           []entities.PIIFinding{{MatchID: "m2", System: "crm", Confidence: 0.95}},
				NextCheckpoint:  "",
				ProgressPercent: 100,
				Done:            true,
			},
		},
	}
	reg := &fakeScanRegistry{adapters: map[string]contracts.ScanAdapter{"crm": adapter}}

	var actioned []entities.PIIFinding
	onAction := func(_ context.Context, _ string, finding entities.PIIFinding) error {
		actioned = append(actioned, finding)
		return nil
	}

	s, store, pol, _ := newTestScanner(t, reg, onAction)
	seedWorkflow(t, store, "wf-1")
	_, err := pol.GetPolicyForJurisdiction(context.Background(), entities.JurisdictionEU)
	require.NoError(t, err)
	require.NoError(t, s.StartScans(context.Background(), "wf-1", entities.UserIdentifiers{}, []string{"crm"}))

	identifiersFor := func(string) (entities.UserIdentifiers, bool) { return entities.UserIdentifiers{}, false }

	s.SweepPendingScans(context.Background(), identifiersFor)
	state, err := store.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	job := state.BackgroundJobs["wf-1:crm"]
	assert.Equal(t, entities.JobRunning, job.Status)
	assert.Equal(t, []string{"page-2"}, job.Checkpoints)
	assert.Len(t, job.Findings, 1)
	assert.Empty(t, actioned, "low-confidence finding must not trigger the autoDelete handler")

	s.SweepPendingScans(context.Background(), identifiersFor)
	state, err = store.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	job = state.BackgroundJobs["wf-1:crm"]
	assert.Equal(t, entities.JobCompleted, job.Status)
	assert.Equal(t, float64(100), job.Progress)
	assert.Len(t, job.Findings, 2)
	require.Len(t, actioned, 1, "high-confidence finding must fire the autoDelete handler exactly once")
	assert.Equal(t, "m2", actioned[0].MatchID)
}

func TestSweepPendingScansMarksMissingAdapterAsFailed(t *testing.T) {
	reg := &fakeScanRegistry{adapters: map[string]contracts.ScanAdapter{"crm": &scriptedScanAdapter{system: "crm"}}}
	s, store, _, _ := newTestScanner(t, reg, nil)
	seedWorkflow(t, store, "wf-1")
	require.NoError(t, s.StartScans(context.Background(), "wf-1", entities.UserIdentifiers{}, []string{"crm"}))

	// Deregister the adapter after the job was created to simulate a
	// since-removed system.
	delete(reg.adapters, "crm")

	s.SweepPendingScans(context.Background(), func(string) (entities.UserIdentifiers, bool) { return entities.UserIdentifiers{}, false })

	state, err := store.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, entities.JobFailed, state.BackgroundJobs["wf-1:crm"].Status)
}
