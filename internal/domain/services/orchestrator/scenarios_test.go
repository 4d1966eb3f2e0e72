// Package orchestrator_test exercises the six end-to-end erasure scenarios
// against real collaborators (workflow.Store, guard.Guard, policy.Engine,
// legalhold.Manager, executor.Executor, scanner.Scanner, zombie.Manager,
// certificate.Generator, monitor.Publisher) rather than the in-package
// fakes orchestrator_test.go uses for its narrower unit tests. It lives in
// an external test package because zombie imports orchestrator for its
// Spawner interface, and this file needs both.
package orchestrator_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/erasure_service/internal/domain/contracts"
	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/internal/domain/services/certificate"
	"github.com/rail-service/erasure_service/internal/domain/services/executor"
	"github.com/rail-service/erasure_service/internal/domain/services/guard"
	"github.com/rail-service/erasure_service/internal/domain/services/legalhold"
	"github.com/rail-service/erasure_service/internal/domain/services/monitor"
	"github.com/rail-service/erasure_service/internal/domain/services/orchestrator"
	"github.com/rail-service/erasure_service/internal/domain/services/policy"
	"github.com/rail-service/erasure_service/internal/domain/services/scanner"
	"github.com/rail-service/erasure_service/internal/domain/services/workflow"
	"github.com/rail-service/erasure_service/internal/domain/services/zombie"
	"github.com/rail-service/erasure_service/internal/infrastructure/eventbus"
	"github.com/rail-service/erasure_service/internal/infrastructure/kvstore"
	"github.com/rail-service/erasure_service/pkg/canon"
	"github.com/rail-service/erasure_service/pkg/clock"
	"github.com/rail-service/erasure_service/pkg/logger"
)

// registry is a test-local AdapterRegistry/ScanAdapterRegistry satisfying
// every narrow registry interface the orchestrator, scanner, and zombie
// packages each declare (AdapterFor plus ScanAdapterFor).
type registry struct {
	mu       sync.Mutex
	adapters map[string]contracts.Adapter
	scanners map[string]contracts.ScanAdapter
}

func newRegistry() *registry {
	return &registry{adapters: map[string]contracts.Adapter{}, scanners: map[string]contracts.ScanAdapter{}}
}

func (r *registry) setAdapter(system string, a contracts.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[system] = a
}

func (r *registry) setScanner(system string, s contracts.ScanAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanners[system] = s
}

func (r *registry) AdapterFor(system string) (contracts.Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[system]
	return a, ok
}

func (r *registry) ScanAdapterFor(system string) (contracts.ScanAdapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scanners[system]
	return s, ok
}

type succeedingAdapter struct{ name string }

func (a succeedingAdapter) Name() string { return a.name }
func (a succeedingAdapter) Delete(_ context.Context, _ entities.UserIdentifiers) (contracts.AdapterResult, error) {
	return contracts.AdapterResult{Success: true, Receipt: "rcpt-" + a.name}, nil
}

// transientlyFailingAdapter always reports a retryable failure, letting a
// scenario drive a step through its full retry schedule to exhaustion.
type transientlyFailingAdapter struct{ name string }

func (a transientlyFailingAdapter) Name() string { return a.name }
func (a transientlyFailingAdapter) Delete(_ context.Context, _ entities.UserIdentifiers) (contracts.AdapterResult, error) {
	return contracts.AdapterResult{Success: false, Error: &contracts.AdapterError{ErrorType: "rate_limited", Message: "throttled"}}, nil
}

// positiveScanAdapter reports a single page with one hit, used to drive the
// zombie re-check's positive path.
type positiveScanAdapter struct{ system string }

func (a positiveScanAdapter) System() string { return a.system }
func (a positiveScanAdapter) Next(_ context.Context, _ entities.UserIdentifiers, _ string) (contracts.ScanPage, error) {
	return contracts.ScanPage{
		Items: []entities.PIIFinding{{
			MatchID:    "resurrected-1",
			System:     a.system,
			PIIType:    entities.PIIEmail,
			Confidence: 0.95,
		}},
		Done: true,
	}, nil
}

// harness wires every real domain service the scenarios need, resolving
// the orchestrator/scanner/zombie circular dependencies the same way
// application.go's buildServices does (a forward-declared pointer and a
// post-construction setter). Unlike buildServices it uses a retry policy
// with MaxAttempts: 3 to match spec §8's literal "after 3 attempts", and an
// in-memory KV store and event bus instead of Postgres and Redis.
type harness struct {
	orch      *orchestrator.Orchestrator
	store     *workflow.Store
	registry  *registry
	clk       *clock.FakeClock
	kv        *kvstore.Memory
	bus       *eventbus.Memory
	legalHold *legalhold.Manager
	cert      *certificate.Generator
	zombie    *zombie.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	kv := kvstore.NewMemory()
	bus := eventbus.NewMemory(clk)
	log := logger.NewNop()

	store := workflow.New(kv, clk, log)
	pol := policy.New(kv, clk, log)
	lh := legalhold.New(store, clk, log)
	retryPolicy := executor.RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          time.Hour,
		StepTimeout:       5 * time.Second,
	}
	exec := executor.New(store, lh, clk, log, retryPolicy)
	g := guard.New(kv, store, clk, log)
	reg := newRegistry()

	keyProvider, err := canon.NewMemoryKeyProvider()
	require.NoError(t, err)
	certGen := certificate.New(store, canon.NewKeyring(keyProvider), clk, log)

	mon := monitor.New(bus, nil, clk, log)
	exec.SetErrorPublisher(mon)
	certGen.SetErrorPublisher(mon)

	var orch *orchestrator.Orchestrator
	scan := scanner.New(store, pol, reg, log, func(ctx context.Context, workflowID string, finding entities.PIIFinding) error {
		return orch.EnqueueAdditionalDeletion(ctx, workflowID, finding)
	})
	zmb := zombie.New(kv, store, reg, nil, clk, log)

	orch = orchestrator.New(store, g, pol, exec, lh, reg, scan, certGen, zmb, mon, clk, log)
	zmb.SetSpawner(orch)

	return &harness{orch: orch, store: store, registry: reg, clk: clk, kv: kv, bus: bus, legalHold: lh, cert: certGen, zombie: zmb}
}

func sampleRequest(requestID string) entities.ErasureRequest {
	return entities.ErasureRequest{
		RequestID:       requestID,
		UserIdentifiers: entities.UserIdentifiers{UserID: "u1", Emails: []string{"u1@example.com"}},
		LegalProof:      entities.LegalProof{Type: entities.ProofSignedRequest, Evidence: "sig-" + requestID},
		Jurisdiction:    entities.JurisdictionEU,
		RequestedBy:     entities.Requester{UserID: "agent-1", Role: "support"},
	}
}

func (h *harness) succeedAll(except ...string) {
	skip := map[string]bool{}
	for _, s := range except {
		skip[s] = true
	}
	for _, sys := range policy.RequiredSystems {
		if skip[sys] {
			continue
		}
		h.registry.setAdapter(sys, succeedingAdapter{name: sys})
	}
}

// S1: every system succeeds, the workflow reaches Completed, a certificate
// is issued with a Deleted receipt per required system, and a zombie
// re-check is scheduled for the jurisdiction's default interval (30 days
// for EU).
func TestScenarioS1HappyPath(t *testing.T) {
	h := newHarness(t)
	h.succeedAll()

	result, err := h.orch.Intake(context.Background(), sampleRequest("req-s1"))
	require.NoError(t, err)
	require.True(t, result.Admitted)
	require.NotNil(t, result.Workflow)
	assert.Equal(t, entities.WorkflowCompleted, result.Workflow.Status)

	for _, system := range policy.RequiredSystems {
		step, ok := result.Workflow.Steps[system]
		require.True(t, ok, "expected step for %s", system)
		assert.Equal(t, entities.StepDeleted, step.Status)
	}

	cert, err := h.cert.Generate(context.Background(), result.Workflow.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, entities.CertCompleted, cert.Status)
	assert.Len(t, cert.SystemReceipts, len(policy.RequiredSystems))
	assert.NotEmpty(t, cert.Signature)

	raw, found, err := h.kv.Get(context.Background(), "zombie_checks_by_workflow", result.Workflow.WorkflowID)
	require.NoError(t, err)
	require.True(t, found)
	var sched entities.ZombieSchedule
	require.NoError(t, json.Unmarshal(raw, &sched))
	require.NotNil(t, result.Workflow.CompletedAt)
	assert.Equal(t, result.Workflow.CompletedAt.AddDate(0, 0, 30), sched.ScheduledFor)

	completions, err := h.bus.Replay(context.Background(), monitor.TopicCompletion, result.Workflow.WorkflowID)
	require.NoError(t, err)
	require.Len(t, completions, 1)
}

// S2: "crm" is a non-critical system whose adapter fails every attempt.
// After three attempts it is marked Failed and the workflow still reaches
// CompletedWithExceptions, issuing a certificate rather than stalling.
func TestScenarioS2PartialCompletion(t *testing.T) {
	h := newHarness(t)
	h.succeedAll("crm")
	h.registry.setAdapter("crm", transientlyFailingAdapter{name: "crm"})

	result, err := h.orch.Intake(context.Background(), sampleRequest("req-s2"))
	require.NoError(t, err)
	require.True(t, result.Admitted)
	wfID := result.Workflow.WorkflowID

	// The parallel fanout already made crm's first attempt during Intake.
	// Two more due-retry sweeps exhaust the MaxAttempts: 3 policy.
	for i := 0; i < 2; i++ {
		h.clk.Advance(2 * time.Hour)
		h.orch.SweepRetries(context.Background())
	}
	require.NoError(t, h.orch.CheckCompletion(context.Background(), wfID))

	state, err := h.store.Get(context.Background(), wfID)
	require.NoError(t, err)
	assert.Equal(t, entities.WorkflowCompletedWithExceptions, state.Status)
	require.Equal(t, entities.StepFailed, state.Steps["crm"].Status)
	assert.Equal(t, 3, state.Steps["crm"].Attempts)
	for _, system := range policy.RequiredSystems {
		if system == "crm" {
			continue
		}
		assert.Equal(t, entities.StepDeleted, state.Steps[system].Status)
	}

	cert, err := h.cert.Generate(context.Background(), wfID)
	require.NoError(t, err)
	assert.Equal(t, entities.CertCompletedWithException, cert.Status)
}

// S3: a second request for the same user arrives while the first workflow
// is still in flight (a non-critical system is stuck retrying), so it is
// rejected as a concurrent workflow rather than admitted.
func TestScenarioS3DuplicateWhileInFlight(t *testing.T) {
	h := newHarness(t)
	h.succeedAll("crm")
	h.registry.setAdapter("crm", transientlyFailingAdapter{name: "crm"})

	first, err := h.orch.Intake(context.Background(), sampleRequest("req-s3-a"))
	require.NoError(t, err)
	require.True(t, first.Admitted)
	require.Equal(t, entities.WorkflowInProgress, first.Workflow.Status)

	second, err := h.orch.Intake(context.Background(), sampleRequest("req-s3-b"))
	require.NoError(t, err)
	assert.False(t, second.Admitted)
	assert.Equal(t, guard.ReasonConcurrentWorkflow, second.Reason)
	assert.Equal(t, first.Workflow.WorkflowID, second.ExistingID)
}

// S4: a second, identical request arrives after the first workflow has
// already completed and released its user lock. The concurrent-workflow
// gate no longer applies, but the duplicate-request hash does.
func TestScenarioS4DuplicateAfterCompletion(t *testing.T) {
	h := newHarness(t)
	h.succeedAll()

	req := sampleRequest("req-s4-a")
	first, err := h.orch.Intake(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Admitted)
	require.Equal(t, entities.WorkflowCompleted, first.Workflow.Status)

	req2 := req
	req2.RequestID = "req-s4-b"
	second, err := h.orch.Intake(context.Background(), req2)
	require.NoError(t, err)
	assert.False(t, second.Admitted)
	assert.Equal(t, guard.ReasonDuplicateRequest, second.Reason)
	assert.Equal(t, first.Workflow.WorkflowID, second.ExistingID)
}

// S5: a legal hold lands on "crm" while it is mid-retry, moving the step
// straight to LegalHold; the next retry sweep only picks InProgress steps,
// so the adapter is not called again and the step stays at LegalHold rather
// than Deleted; the workflow still reaches Completed
// and the hold is documented in the issued certificate.
func TestScenarioS5LegalHold(t *testing.T) {
	h := newHarness(t)
	h.succeedAll("crm")
	h.registry.setAdapter("crm", transientlyFailingAdapter{name: "crm"})

	result, err := h.orch.Intake(context.Background(), sampleRequest("req-s5"))
	require.NoError(t, err)
	require.True(t, result.Admitted)
	wfID := result.Workflow.WorkflowID
	require.Equal(t, entities.WorkflowInProgress, result.Workflow.Status)

	require.NoError(t, h.legalHold.AddLegalHold(context.Background(), wfID, entities.LegalHold{
		System: "crm",
		Reason: "Pending litigation",
	}))

	h.clk.Advance(2 * time.Hour)
	h.orch.SweepRetries(context.Background())
	require.NoError(t, h.orch.CheckCompletion(context.Background(), wfID))

	state, err := h.store.Get(context.Background(), wfID)
	require.NoError(t, err)
	assert.Equal(t, entities.WorkflowCompleted, state.Status)
	assert.Equal(t, entities.StepLegalHold, state.Steps["crm"].Status)

	cert, err := h.cert.Generate(context.Background(), wfID)
	require.NoError(t, err)
	require.Len(t, cert.LegalHolds, 1)
	assert.Equal(t, "crm", cert.LegalHolds[0].System)
	for _, receipt := range cert.SystemReceipts {
		if receipt.System == "crm" {
			assert.NotEqual(t, entities.StepDeleted, receipt.Status)
		}
	}
}

// S6: 30 days after completion, a re-scan of "primary_db" finds resurrected
// data. The zombie sweep records a positive result on the original
// workflow's audit trail, spawns a follow-up workflow linked back to it,
// and raises a high-severity alert.
func TestScenarioS6ZombiePositiveSpawnsFollowUp(t *testing.T) {
	h := newHarness(t)
	h.succeedAll()

	result, err := h.orch.Intake(context.Background(), sampleRequest("req-s6"))
	require.NoError(t, err)
	require.True(t, result.Admitted)
	require.Equal(t, entities.WorkflowCompleted, result.Workflow.Status)
	originalID := result.Workflow.WorkflowID

	h.registry.setScanner("primary_db", positiveScanAdapter{system: "primary_db"})
	h.clk.Advance(30 * 24 * time.Hour)
	h.zombie.SweepDue(context.Background())

	trail, err := h.store.GetAuditTrail(context.Background(), originalID)
	require.NoError(t, err)
	zombieEntries := trail.Filter(entities.EventZombieCheckComplete)
	require.Len(t, zombieEntries, 1)
	assert.Equal(t, string(entities.ZombiePositive), zombieEntries[0].Event.Data["zombieCheckResult"])

	entries, err := h.kv.ListByNamespace(context.Background(), "alerts")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var alert entities.Alert
	require.NoError(t, json.Unmarshal(entries[0].Value, &alert))
	assert.Equal(t, entities.SeverityHigh, alert.Severity)
	assert.Equal(t, originalID, alert.OriginalWorkflowID)
	require.NotEmpty(t, alert.SpawnedWorkflowID)

	spawned, err := h.store.Get(context.Background(), alert.SpawnedWorkflowID)
	require.NoError(t, err)
	assert.Equal(t, originalID, spawned.OriginalWorkflowID)
	assert.Equal(t, entities.WorkflowCompleted, spawned.Status)
}
