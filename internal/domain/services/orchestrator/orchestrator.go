// Package orchestrator drives the erasure workflow state machine (§4.I):
// Intake → IdentityCritical → Checkpoint → ParallelFanout →
// BackgroundScans → Completion, plus the continuously-running
// LegalHoldSweeper. Grounded on the teacher's
// internal/domain/services/onboarding/service.go (ordered checklist,
// determineCurrentStep, checklist-gated progression into a terminal
// status) generalized from a fixed KYC/wallet checklist to a
// policy-driven critical/parallel/background pipeline.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rail-service/erasure_service/internal/domain/contracts"
	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/internal/domain/services/executor"
	"github.com/rail-service/erasure_service/internal/domain/services/guard"
	"github.com/rail-service/erasure_service/internal/domain/services/legalhold"
	"github.com/rail-service/erasure_service/internal/domain/services/policy"
	"github.com/rail-service/erasure_service/internal/domain/services/workflow"
	"github.com/rail-service/erasure_service/pkg/clock"
	"github.com/rail-service/erasure_service/pkg/errors"
	"github.com/rail-service/erasure_service/pkg/logger"
)

// CriticalSystems is the conventional, fixed ordered pair §4.I.2 names:
// "a payment system, then the primary database". Final ordering within
// the set still obeys policy priority (§9's resolved tie-break).
var CriticalSystems = []string{"payment", "primary_db"}

// AdapterRegistry resolves a system name to its deletion adapter. Kept
// narrow and separate from contracts.Adapter itself so the orchestrator
// never constructs adapters.
type AdapterRegistry interface {
	AdapterFor(system string) (contracts.Adapter, bool)
}

// Scanner starts the resumable background scans for a workflow (§4.J).
type Scanner interface {
	StartScans(ctx context.Context, workflowID string, identifiers entities.UserIdentifiers, systems []string) error
	AllScansTerminal(ctx context.Context, workflowID string) (bool, error)
}

// CertificateGenerator issues the terminal Certificate of Destruction (§4.M).
type CertificateGenerator interface {
	Generate(ctx context.Context, workflowID string) (*entities.CertificateOfDestruction, error)
}

// ZombieScheduler books the deferred re-check (§4.L).
type ZombieScheduler interface {
	Schedule(ctx context.Context, workflowID string, identifiers entities.UserIdentifiers, completedAt time.Time, intervalDays int) (*entities.ZombieSchedule, error)
}

// Monitor publishes the three topics of §4.N.
type Monitor interface {
	PublishStatusChange(ctx context.Context, workflowID string, status entities.WorkflowStatus) error
	PublishStepUpdate(ctx context.Context, workflowID, stepName string, status entities.StepStatus) error
	PublishCompletion(ctx context.Context, workflowID string, cert *entities.CertificateOfDestruction) error
}

// Orchestrator is the single entry point the HTTP surface and schedulers
// call into.
type Orchestrator struct {
	store     *workflow.Store
	guard     *guard.Guard
	policy    *policy.Engine
	executor  *executor.Executor
	legalHold *legalhold.Manager
	adapters  AdapterRegistry
	scanner   Scanner
	cert      CertificateGenerator
	zombie    ZombieScheduler
	monitor   Monitor
	clk       clock.Clock
	log       *logger.Logger
}

func New(
	store *workflow.Store,
	g *guard.Guard,
	pol *policy.Engine,
	exec *executor.Executor,
	legalHold *legalhold.Manager,
	adapters AdapterRegistry,
	scanner Scanner,
	cert CertificateGenerator,
	zombie ZombieScheduler,
	monitor Monitor,
	clk clock.Clock,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		store: store, guard: g, policy: pol, executor: exec, legalHold: legalHold,
		adapters: adapters, scanner: scanner, cert: cert, zombie: zombie, monitor: monitor,
		clk: clk, log: log,
	}
}

// IntakeResult is what the HTTP surface (DS-1) maps to a response.
type IntakeResult struct {
	Admitted   bool
	Workflow   *entities.WorkflowState
	ExistingID string
	Reason     guard.AdmissionReason
}

// Intake runs §4.I.1: admission, WorkflowState creation, and kicks off the
// IdentityCritical phase synchronously (it is expected to be short — two
// steps) before returning.
func (o *Orchestrator) Intake(ctx context.Context, req entities.ErasureRequest) (IntakeResult, error) {
	reqHash, err := guard.RequestHash(req.UserIdentifiers, req.LegalProof, req.Jurisdiction)
	if err != nil {
		return IntakeResult{}, errors.NewValidation("computing request hash", err)
	}

	var created *entities.WorkflowState
	decision, workflowID, err := o.guard.AdmitAndSeed(ctx, req.UserIdentifiers.UserID, req.RequestID, req.RequestedBy.UserID, reqHash, func() (string, error) {
		id := o.clk.NewID()
		pol, err := o.policy.GetPolicyForJurisdiction(ctx, req.Jurisdiction)
		if err != nil {
			return "", err
		}
		if _, err := o.policy.RecordPolicyApplication(ctx, id, req.Jurisdiction); err != nil {
			return "", err
		}
		lineage := buildLineage(req.UserIdentifiers, o.clk.Now())
		lineage.Systems = append([]string(nil), policy.RequiredSystems...)
		state, err := o.store.CreateWorkflow(ctx, id, req, lineage, pol.Version)
		if err != nil {
			return "", err
		}
		created = state
		return id, nil
	})
	if err != nil {
		return IntakeResult{}, err
	}
	if !decision.Admitted {
		return IntakeResult{Admitted: false, ExistingID: decision.ExistingWorkflowID, Reason: decision.Reason}, nil
	}

	if err := o.monitor.PublishStatusChange(ctx, workflowID, entities.WorkflowInProgress); err != nil {
		o.log.Warn("status publish failed", "workflowId", workflowID, "error", err)
	}

	if err := o.runIdentityCritical(ctx, workflowID, req.UserIdentifiers); err != nil {
		return IntakeResult{Admitted: true, Workflow: created}, err
	}
	if err := o.runCheckpointAndFanout(ctx, workflowID, req.UserIdentifiers); err != nil {
		return IntakeResult{Admitted: true, Workflow: created}, err
	}

	final, err := o.store.Get(ctx, workflowID)
	if err != nil {
		return IntakeResult{}, err
	}
	return IntakeResult{Admitted: true, Workflow: final}, nil
}

// buildLineage freezes the in-scope identifiers at intake (§8 property 3):
// userId plus every email/phone/alias, deduplicated.
func buildLineage(ids entities.UserIdentifiers, now time.Time) entities.DataLineageSnapshot {
	seen := map[string]bool{}
	var out []string
	add := func(v string) {
		if v == "" || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, v)
	}
	add(ids.UserID)
	for _, e := range ids.Emails {
		add(e)
	}
	for _, p := range ids.Phones {
		add(p)
	}
	for _, a := range ids.Aliases {
		add(a)
	}
	return entities.DataLineageSnapshot{Identifiers: out, CapturedAt: now}
}

// runIdentityCritical executes CriticalSystems strictly in policy-priority
// order (§4.I.2, §9 tie-break by insertion order).
func (o *Orchestrator) runIdentityCritical(ctx context.Context, workflowID string, ids entities.UserIdentifiers) error {
	state, err := o.store.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	pol, err := o.policy.GetPolicyVersion(ctx, state.PolicyVersion, state.Jurisdiction)
	if err != nil {
		o.log.Warn("could not resolve policy version for ordering, using declaration order", "workflowId", workflowID, "error", err)
	}
	ordered := orderedCriticalSystems(pol)

	for _, system := range ordered {
		adapter, ok := o.adapters.AdapterFor(system)
		if !ok {
			o.log.Error("no adapter registered for critical system", "system", system)
			continue
		}
		outcome, err := o.executor.Dispatch(ctx, workflowID, system, adapter, ids, true)
		if err != nil {
			return err
		}
		if err := o.monitor.PublishStepUpdate(ctx, workflowID, system, outcome.Status); err != nil {
			o.log.Warn("step update publish failed", "workflowId", workflowID, "error", err)
		}
		if outcome.Status == entities.StepFailed && outcome.HaltWorkflow {
			if outcome.Permanent {
				return o.store.SetStatus(ctx, workflowID, entities.WorkflowFailed)
			}
			return o.store.SetStatus(ctx, workflowID, entities.WorkflowAwaitingManualReview)
		}
	}
	return nil
}

// orderedCriticalSystems resolves CriticalSystems against the policy's
// retention-rule priorities, falling back to declaration order for systems
// the policy does not mention.
func orderedCriticalSystems(pol *entities.PolicyConfig) []string {
	priority := map[string]int{}
	if pol != nil {
		for i, r := range pol.RetentionRules {
			if _, exists := priority[r.System]; !exists {
				priority[r.System] = r.Priority*1000 + i
			}
		}
	}
	out := make([]string, len(CriticalSystems))
	copy(out, CriticalSystems)
	for i := range out {
		if _, ok := priority[out[i]]; !ok {
			priority[out[i]] = 1<<30 + i
		}
	}
	return workflow.SortedByInsertion(out, func(s string) int { return priority[s] })
}

// runCheckpointAndFanout implements §4.I.3/4: the checkpoint invariant
// (every critical step Deleted or LegalHold) gates ParallelFanout and
// BackgroundScans.
func (o *Orchestrator) runCheckpointAndFanout(ctx context.Context, workflowID string, ids entities.UserIdentifiers) error {
	state, err := o.store.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if state.Status.IsTerminal() {
		return nil
	}

	for _, system := range CriticalSystems {
		step, ok := state.Steps[system]
		if !ok || (step.Status != entities.StepDeleted && step.Status != entities.StepLegalHold) {
			return o.store.SetStatus(ctx, workflowID, entities.WorkflowAwaitingManualReview)
		}
	}
	if err := o.store.Update(ctx, workflowID, func(s *entities.WorkflowState) error { return nil }, entities.EventCheckpointReached, map[string]any{"checkpoint": "identity-gone"}); err != nil {
		return err
	}

	nonCritical := nonCriticalSystems(policy.RequiredSystems)
	var wg sync.WaitGroup
	for _, system := range nonCritical {
		system := system
		adapter, ok := o.adapters.AdapterFor(system)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := o.executor.Dispatch(ctx, workflowID, system, adapter, ids, false)
			if err != nil {
				o.log.Error("parallel step dispatch failed", "workflowId", workflowID, "system", system, "error", err)
				return
			}
			if err := o.monitor.PublishStepUpdate(ctx, workflowID, system, outcome.Status); err != nil {
				o.log.Warn("step update publish failed", "workflowId", workflowID, "error", err)
			}
		}()
	}
	wg.Wait()

	if err := o.scanner.StartScans(ctx, workflowID, ids, nonCritical); err != nil {
		o.log.Error("failed to start background scans", "workflowId", workflowID, "error", err)
	}

	return o.CheckCompletion(ctx, workflowID)
}

func nonCriticalSystems(required []string) []string {
	critical := map[string]bool{}
	for _, s := range CriticalSystems {
		critical[s] = true
	}
	var out []string
	for _, s := range required {
		if !critical[s] {
			out = append(out, s)
		}
	}
	return out
}

// CheckCompletion evaluates §4.I.6. It is idempotent and safe to call
// repeatedly from a sweeper once steps and scans settle asynchronously.
func (o *Orchestrator) CheckCompletion(ctx context.Context, workflowID string) error {
	state, err := o.store.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if state.Status.IsTerminal() {
		return nil
	}

	for _, step := range state.Steps {
		if !step.Status.IsTerminal() && step.Status != entities.StepLegalHold {
			return nil // still in flight
		}
	}
	scansTerminal, err := o.scanner.AllScansTerminal(ctx, workflowID)
	if err != nil {
		return err
	}
	if !scansTerminal {
		return nil
	}

	finalStatus := entities.WorkflowCompleted
	anyFailed := false
	for _, step := range state.Steps {
		if step.Status == entities.StepFailed {
			anyFailed = true
		}
	}
	if anyFailed {
		finalStatus = entities.WorkflowCompletedWithExceptions
	}

	if err := o.store.SetStatus(ctx, workflowID, finalStatus); err != nil {
		return err
	}
	if err := o.monitor.PublishStatusChange(ctx, workflowID, finalStatus); err != nil {
		o.log.Warn("status publish failed", "workflowId", workflowID, "error", err)
	}

	cert, err := o.cert.Generate(ctx, workflowID)
	if err != nil {
		o.log.Error("certificate generation failed", "workflowId", workflowID, "error", err)
	} else if err := o.monitor.PublishCompletion(ctx, workflowID, cert); err != nil {
		o.log.Warn("completion publish failed", "workflowId", workflowID, "error", err)
	}

	pol, err := o.policy.GetPolicyVersion(ctx, state.PolicyVersion, state.Jurisdiction)
	interval := 30
	if err == nil && pol != nil {
		interval = pol.ZombieCheckIntervalDays
	}
	if _, err := o.zombie.Schedule(ctx, workflowID, state.UserIdentifiers, o.clk.Now(), interval); err != nil {
		o.log.Error("zombie scheduling failed", "workflowId", workflowID, "error", err)
	}

	return o.guard.Release(ctx, state.UserIdentifiers.UserID)
}

// EnqueueAdditionalDeletion reopens the step for a system a background scan
// found leftover PII in at/above the autoDelete confidence threshold (§4.J,
// §4.I.5). It is wired as the scanner's ActionableFindingHandler. A step
// that is still in flight or already scheduled for retry is left alone;
// only a settled (Deleted/Failed/NotStarted) step is reopened, so a single
// finding can't starve an in-progress dispatch.
func (o *Orchestrator) EnqueueAdditionalDeletion(ctx context.Context, workflowID string, finding entities.PIIFinding) error {
	adapter, ok := o.adapters.AdapterFor(finding.System)
	if !ok {
		o.log.Error("no adapter registered for system named by autoDelete finding", "workflowId", workflowID, "system", finding.System)
		return nil
	}
	state, err := o.store.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	critical := false
	for _, c := range CriticalSystems {
		if c == finding.System {
			critical = true
		}
	}
	if step, ok := state.Steps[finding.System]; ok && (step.Status == entities.StepInProgress || step.Status == entities.StepLegalHold) {
		return nil
	}
	if err := o.store.Update(ctx, workflowID, func(s *entities.WorkflowState) error {
		step := s.Steps[finding.System]
		if step == nil {
			step = &entities.WorkflowStep{Name: finding.System}
			s.Steps[finding.System] = step
		}
		step.Status = entities.StepNotStarted
		step.NextAttemptAt = nil
		return nil
	}, entities.EventStepStarted, map[string]any{"reason": "autoDelete scan finding", "matchId": finding.MatchID}); err != nil {
		return err
	}

	outcome, err := o.executor.Dispatch(ctx, workflowID, finding.System, adapter, state.UserIdentifiers, critical)
	if err != nil {
		return err
	}
	if err := o.monitor.PublishStepUpdate(ctx, workflowID, finding.System, outcome.Status); err != nil {
		o.log.Warn("step update publish failed", "workflowId", workflowID, "error", err)
	}
	return nil
}

// SweepLegalHolds is the continuously-running LegalHoldSweeper state
// (§4.I) driven by a cron tick (DS-4).
func (o *Orchestrator) SweepLegalHolds(ctx context.Context) error {
	return o.legalHold.SweepAll(ctx)
}

// SweepRetries re-dispatches due step retries across every live workflow,
// the cooperative re-submission mechanism behind §4.H step 4.
func (o *Orchestrator) SweepRetries(ctx context.Context) {
	o.executor.SweepDueRetries(ctx, func(system string) (contracts.Adapter, bool) {
		return o.adapters.AdapterFor(system)
	})
}

// SweepCompletions re-evaluates CheckCompletion for every live workflow,
// picking up ones whose parallel steps or scans finished since the last
// pass.
func (o *Orchestrator) SweepCompletions(ctx context.Context) {
	ids, err := o.store.ListLive(ctx)
	if err != nil {
		o.log.Error("failed to list live workflows for completion sweep", "error", err)
		return
	}
	for _, id := range ids {
		if err := o.CheckCompletion(ctx, id); err != nil {
			o.log.Error("completion sweep failed", "workflowId", id, "error", err)
		}
	}
}
