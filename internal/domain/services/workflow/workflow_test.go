package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/internal/infrastructure/kvstore"
	"github.com/rail-service/erasure_service/pkg/clock"
	"github.com/rail-service/erasure_service/pkg/logger"
)

func newTestStore() (*Store, *clock.FakeClock) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(kvstore.NewMemory(), clk, logger.NewNop()), clk
}

func sampleRequest(workflowID string) entities.ErasureRequest {
	return entities.ErasureRequest{
		RequestID:       "req-1",
		WorkflowID:      workflowID,
		UserIdentifiers: entities.UserIdentifiers{UserID: "u1", Emails: []string{"u1@example.com"}},
		LegalProof:      entities.LegalProof{Type: entities.ProofSignedRequest, Evidence: "sig"},
		Jurisdiction:    entities.JurisdictionEU,
		RequestedBy:     entities.Requester{UserID: "agent-1", Role: "support"},
	}
}

func TestCreateWorkflowSeedsGenesisAndIsLive(t *testing.T) {
	store, _ := newTestStore()
	state, err := store.CreateWorkflow(context.Background(), "wf-1", sampleRequest("wf-1"), entities.DataLineageSnapshot{Systems: []string{"payment"}}, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, entities.WorkflowInProgress, state.Status)
	assert.Len(t, state.AuditHashes, 1)

	live, err := store.IsLive(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.True(t, live)

	live, err = store.IsLive(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.False(t, live)
}

func TestUpdateStepStatusAppendsAuditEntryAndTracksOrder(t *testing.T) {
	store, _ := newTestStore()
	_, err := store.CreateWorkflow(context.Background(), "wf-1", sampleRequest("wf-1"), entities.DataLineageSnapshot{}, "1.0.0")
	require.NoError(t, err)

	require.NoError(t, store.UpdateStepStatus(context.Background(), "wf-1", "payment", entities.StepInProgress, nil, true, true))
	require.NoError(t, store.UpdateStepStatus(context.Background(), "wf-1", "payment", entities.StepDeleted, &entities.StepEvidence{Receipt: "rcpt-1"}, false, true))

	state, err := store.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	step := state.Steps["payment"]
	require.NotNil(t, step)
	assert.Equal(t, entities.StepDeleted, step.Status)
	assert.Equal(t, 1, step.Attempts)
	assert.Equal(t, "rcpt-1", step.Evidence.Receipt)
	assert.Equal(t, []string{"payment"}, OrderedStepNames(state))

	trail, err := store.GetAuditTrail(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.True(t, trail.VerifyIntegrity())
	assert.Len(t, trail.Filter(entities.EventStepCompleted), 1)
}

func TestUpdateStepStatusRejectsInvalidTransition(t *testing.T) {
	store, _ := newTestStore()
	_, err := store.CreateWorkflow(context.Background(), "wf-1", sampleRequest("wf-1"), entities.DataLineageSnapshot{}, "1.0.0")
	require.NoError(t, err)

	require.NoError(t, store.UpdateStepStatus(context.Background(), "wf-1", "payment", entities.StepDeleted, nil, true, true))
	err = store.UpdateStepStatus(context.Background(), "wf-1", "payment", entities.StepInProgress, nil, true, true)
	assert.Error(t, err)
}

func TestLegalHoldAddAndRemoveRevertsStep(t *testing.T) {
	store, _ := newTestStore()
	_, err := store.CreateWorkflow(context.Background(), "wf-1", sampleRequest("wf-1"), entities.DataLineageSnapshot{}, "1.0.0")
	require.NoError(t, err)
	require.NoError(t, store.UpdateStepStatus(context.Background(), "wf-1", "payment", entities.StepInProgress, nil, true, true))

	require.NoError(t, store.AddLegalHold(context.Background(), "wf-1", entities.LegalHold{System: "payment", Reason: "litigation"}))
	state, err := store.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Len(t, state.LegalHolds, 1)
	assert.Equal(t, entities.StepLegalHold, state.Steps["payment"].Status)

	require.NoError(t, store.RemoveLegalHold(context.Background(), "wf-1", "payment", "litigation"))
	state, err = store.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Empty(t, state.LegalHolds)
	assert.Equal(t, entities.StepNotStarted, state.Steps["payment"].Status)
}

func TestUpdateBackgroundJobEnforcesMonotonicProgressAndAppendOnlyFindings(t *testing.T) {
	store, _ := newTestStore()
	_, err := store.CreateWorkflow(context.Background(), "wf-1", sampleRequest("wf-1"), entities.DataLineageSnapshot{}, "1.0.0")
	require.NoError(t, err)

	require.NoError(t, store.UpdateBackgroundJob(context.Background(), "wf-1", entities.BackgroundJob{
		JobID: "job-1", WorkflowID: "wf-1", Type: entities.JobTypeObjectStoreScan, Status: entities.JobRunning, Progress: 0.2,
	}))
	require.NoError(t, store.UpdateBackgroundJob(context.Background(), "wf-1", entities.BackgroundJob{
		JobID: "job-1", WorkflowID: "wf-1", Type: entities.JobTypeObjectStoreScan, Status: entities.JobRunning, Progress: 0.6,
		Findings: []entities.PIIFinding{{MatchID: "m1"}},
	}))

	err = store.UpdateBackgroundJob(context.Background(), "wf-1", entities.BackgroundJob{
		JobID: "job-1", WorkflowID: "wf-1", Type: entities.JobTypeObjectStoreScan, Status: entities.JobRunning, Progress: 0.4,
	})
	assert.Error(t, err, "progress must not regress")

	err = store.UpdateBackgroundJob(context.Background(), "wf-1", entities.BackgroundJob{
		JobID: "job-1", WorkflowID: "wf-1", Type: entities.JobTypeObjectStoreScan, Status: entities.JobRunning, Progress: 0.6,
	})
	assert.Error(t, err, "findings must not shrink")
}

func TestSetStatusTransitionsAndVerifyAuditTrail(t *testing.T) {
	store, _ := newTestStore()
	_, err := store.CreateWorkflow(context.Background(), "wf-1", sampleRequest("wf-1"), entities.DataLineageSnapshot{}, "1.0.0")
	require.NoError(t, err)

	require.NoError(t, store.SetStatus(context.Background(), "wf-1", entities.WorkflowCompleted))
	state, err := store.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, entities.WorkflowCompleted, state.Status)
	require.NotNil(t, state.CompletedAt)

	ok, err := store.VerifyAuditTrail(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.True(t, ok)

	err = store.SetStatus(context.Background(), "wf-1", entities.WorkflowFailed)
	assert.Error(t, err, "terminal workflows cannot transition again")
}
