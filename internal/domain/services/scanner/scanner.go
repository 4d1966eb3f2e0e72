// Package scanner implements the resumable background scanner (§4.J):
// one BackgroundJob per non-critical system, iterating a ScanAdapter in
// checkpointed pages and categorizing findings against the policy
// snapshot captured when the workflow was created. Grounded on the
// teacher's funding_webhook/processor.go polling-worker idiom, adapted
// from a fixed job queue to one resumable job per (workflow, system).
package scanner

import (
	"context"
	"fmt"

	"github.com/rail-service/erasure_service/internal/domain/contracts"
	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/internal/domain/services/policy"
	"github.com/rail-service/erasure_service/internal/domain/services/workflow"
	"github.com/rail-service/erasure_service/pkg/logger"
)

// AdapterRegistry resolves a system name to its scan adapter.
type AdapterRegistry interface {
	ScanAdapterFor(system string) (contracts.ScanAdapter, bool)
}

// ActionableFindingHandler is invoked once per finding whose confidence
// clears the workflow's autoDelete threshold, letting the orchestrator
// enqueue a fresh deletion attempt against the system the finding names
// (§4.J: "findings above autoDelete threshold enqueue new deletion
// steps"). Findings between manualReview and autoDelete, and below
// manualReview, are recorded in the job but never trigger this hook.
type ActionableFindingHandler func(ctx context.Context, workflowID string, finding entities.PIIFinding) error

// Scanner drives every BackgroundJob for a workflow.
type Scanner struct {
	store    *workflow.Store
	policy   *policy.Engine
	adapters AdapterRegistry
	log      *logger.Logger
	onAction ActionableFindingHandler
}

func New(store *workflow.Store, pol *policy.Engine, adapters AdapterRegistry, log *logger.Logger, onAction ActionableFindingHandler) *Scanner {
	return &Scanner{store: store, policy: pol, adapters: adapters, log: log, onAction: onAction}
}

// StartScans creates one Pending BackgroundJob per system that has a
// registered ScanAdapter (§4.I.5).
func (s *Scanner) StartScans(ctx context.Context, workflowID string, _ entities.UserIdentifiers, systems []string) error {
	for _, system := range systems {
		if _, ok := s.adapters.ScanAdapterFor(system); !ok {
			continue
		}
		job := entities.BackgroundJob{
			JobID:      fmt.Sprintf("%s:%s", workflowID, system),
			WorkflowID: workflowID,
			Type:       entities.JobTypeObjectStoreScan,
			Status:     entities.JobPending,
		}
		if err := s.store.UpdateBackgroundJob(ctx, workflowID, job); err != nil {
			return err
		}
	}
	return nil
}

// AllScansTerminal reports whether every BackgroundJob for a workflow has
// reached Completed or Failed.
func (s *Scanner) AllScansTerminal(ctx context.Context, workflowID string) (bool, error) {
	state, err := s.store.Get(ctx, workflowID)
	if err != nil {
		return false, err
	}
	for _, job := range state.BackgroundJobs {
		if !job.Status.IsTerminal() {
			return false, nil
		}
	}
	return true, nil
}

// SweepPendingScans advances every non-terminal BackgroundJob across every
// live workflow by one page, the cooperative poll loop behind §4.J
// (mirrors the teacher's processBatch/processJob ticker worker).
func (s *Scanner) SweepPendingScans(ctx context.Context, identifiersFor func(workflowID string) (entities.UserIdentifiers, bool)) {
	workflowIDs, err := s.store.ListLive(ctx)
	if err != nil {
		s.log.Error("failed to list live workflows for scan sweep", "error", err)
		return
	}
	for _, workflowID := range workflowIDs {
		state, err := s.store.Get(ctx, workflowID)
		if err != nil {
			continue
		}
		ids, ok := identifiersFor(workflowID)
		if !ok {
			ids = state.UserIdentifiers
		}
		for jobID, job := range state.BackgroundJobs {
			if job.Status.IsTerminal() {
				continue
			}
			s.advanceOne(ctx, workflowID, jobID, *job, ids, state.PolicyVersion, state.Jurisdiction)
		}
	}
}

func (s *Scanner) advanceOne(ctx context.Context, workflowID, jobID string, job entities.BackgroundJob, ids entities.UserIdentifiers, policyVersion string, jurisdiction entities.Jurisdiction) {
	system := systemFromJobID(jobID)
	adapter, ok := s.adapters.ScanAdapterFor(system)
	if !ok {
		job.Status = entities.JobFailed
		_ = s.store.UpdateBackgroundJob(ctx, workflowID, job)
		return
	}

	checkpoint := ""
	if len(job.Checkpoints) > 0 {
		checkpoint = job.Checkpoints[len(job.Checkpoints)-1]
	}

	job.Status = entities.JobRunning
	page, err := adapter.Next(ctx, ids, checkpoint)
	if err != nil {
		s.log.Error("scan page failed", "workflowId", workflowID, "jobId", jobID, "error", err)
		job.Status = entities.JobFailed
		_ = s.store.UpdateBackgroundJob(ctx, workflowID, job)
		return
	}

	pol, err := s.policy.GetPolicyVersion(ctx, policyVersion, jurisdiction)
	if err != nil {
		s.log.Error("could not resolve workflow policy snapshot for categorization", "workflowId", workflowID, "error", err)
	}
	s.categorize(ctx, workflowID, page.Items, pol)

	job.Findings = append(job.Findings, page.Items...)
	if page.NextCheckpoint != "" {
		job.Checkpoints = append(job.Checkpoints, page.NextCheckpoint)
	}
	job.Progress = page.ProgressPercent
	if page.Done {
		job.Status = entities.JobCompleted
		job.Progress = 100
	}

	if err := s.store.UpdateBackgroundJob(ctx, workflowID, job); err != nil {
		s.log.Error("failed to persist scan progress", "workflowId", workflowID, "jobId", jobID, "error", err)
	}
}

// categorize walks a scan page against the workflow's frozen confidence
// thresholds (§4.J): findings at/above autoDelete fire onAction so the
// orchestrator can enqueue a fresh deletion step against the named system;
// findings in [manualReview, autoDelete) and below manualReview are simply
// retained on the job for the certificate/audit trail. PIIFinding carries
// no category field of its own, so the decision is made here and acted on
// through the handler rather than stored back onto the finding.
func (s *Scanner) categorize(ctx context.Context, workflowID string, items []entities.PIIFinding, pol *entities.PolicyConfig) {
	if pol == nil || s.onAction == nil {
		return
	}
	for _, item := range items {
		if item.Confidence < pol.ConfidenceThresholds.AutoDelete {
			continue
		}
		if err := s.onAction(ctx, workflowID, item); err != nil {
			s.log.Error("failed to act on autoDelete finding", "workflowId", workflowID, "matchId", item.MatchID, "system", item.System, "error", err)
		}
	}
}

func systemFromJobID(jobID string) string {
	for i := len(jobID) - 1; i >= 0; i-- {
		if jobID[i] == ':' {
			return jobID[i+1:]
		}
	}
	return jobID
}
