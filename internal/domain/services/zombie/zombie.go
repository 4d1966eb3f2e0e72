// Package zombie implements the deferred re-check scheduler (§4.L):
// schedule a check N days after a workflow completes, periodically sweep
// for due checks, and on a positive hit spawn a follow-up workflow and
// raise a high-severity alert. Schedule/sweep shape grounded on the
// teacher's internal/workers/funding_webhook reconciliation scheduler
// (referenced from application.go as ReconciliationScheduler) and driven
// by the same github.com/robfig/cron/v3 ticker as the legal-hold sweep.
package zombie

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rail-service/erasure_service/internal/domain/contracts"
	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/internal/domain/ports"
	"github.com/rail-service/erasure_service/internal/domain/services/orchestrator"
	"github.com/rail-service/erasure_service/internal/domain/services/workflow"
	"github.com/rail-service/erasure_service/pkg/clock"
	"github.com/rail-service/erasure_service/pkg/errors"
	"github.com/rail-service/erasure_service/pkg/logger"
)

const (
	nsSchedulesByID         = "zombie_checks"
	nsSchedulesByWorkflow   = "zombie_checks_by_workflow"
	nsAlerts                = "alerts"
	zombieSpawnReason       = "ZOMBIE_DATA_DETECTED"
	zombieAlertMessageShape = "zombie data detected in %s for original workflow %s"
)

// AdapterRegistry resolves a system name to its scan adapter, reused for
// the zombie re-check's one-shot presence probe.
type AdapterRegistry interface {
	ScanAdapterFor(system string) (contracts.ScanAdapter, bool)
}

// Spawner creates the follow-up workflow on a positive zombie check. The
// orchestrator satisfies this with its own Intake, which is safe to depend
// on here because the orchestrator only depends on the narrow
// ZombieScheduler interface, never on this package.
type Spawner interface {
	Intake(ctx context.Context, req entities.ErasureRequest) (orchestrator.IntakeResult, error)
}

// Manager schedules and executes zombie re-checks.
type Manager struct {
	kv       ports.KVStore
	store    *workflow.Store
	adapters AdapterRegistry
	spawner  Spawner
	clk      clock.Clock
	log      *logger.Logger
}

func New(kv ports.KVStore, store *workflow.Store, adapters AdapterRegistry, spawner Spawner, clk clock.Clock, log *logger.Logger) *Manager {
	return &Manager{kv: kv, store: store, adapters: adapters, spawner: spawner, clk: clk, log: log}
}

// SetSpawner rebinds the spawner after construction, for the case where
// the spawner (the orchestrator) itself depends on this Manager as its
// ZombieScheduler and so cannot exist yet when New is called.
func (m *Manager) SetSpawner(spawner Spawner) {
	m.spawner = spawner
}

// Schedule satisfies orchestrator.ZombieScheduler: persists a schedule row
// under both the scheduleId and workflowId indices (§4.L).
func (m *Manager) Schedule(ctx context.Context, workflowID string, _ entities.UserIdentifiers, completedAt time.Time, intervalDays int) (*entities.ZombieSchedule, error) {
	sched := entities.ZombieSchedule{
		ScheduleID:   m.clk.NewID(),
		WorkflowID:   workflowID,
		ScheduledFor: completedAt.AddDate(0, 0, intervalDays),
		Status:       entities.ZombieScheduleScheduled,
	}
	if err := m.persist(ctx, sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

func (m *Manager) persist(ctx context.Context, sched entities.ZombieSchedule) error {
	encoded, err := json.Marshal(sched)
	if err != nil {
		return errors.NewWorkflowStateError("encoding zombie schedule", err)
	}
	if err := m.kv.Set(ctx, nsSchedulesByID, sched.ScheduleID, encoded); err != nil {
		return errors.NewWorkflowStateError("persisting zombie schedule by id", err)
	}
	if err := m.kv.Set(ctx, nsSchedulesByWorkflow, sched.WorkflowID, encoded); err != nil {
		return errors.NewWorkflowStateError("persisting zombie schedule by workflow", err)
	}
	return nil
}

// SweepDue runs every schedule whose scheduledFor has passed and is still
// Scheduled (§4.L's periodic sweep, driven externally by a cron tick).
func (m *Manager) SweepDue(ctx context.Context) {
	entries, err := m.kv.ListByNamespace(ctx, nsSchedulesByID)
	if err != nil {
		m.log.Error("failed to list zombie schedules", "error", err)
		return
	}
	now := m.clk.Now()
	for _, entry := range entries {
		var sched entities.ZombieSchedule
		if err := json.Unmarshal(entry.Value, &sched); err != nil {
			m.log.Error("failed to decode zombie schedule", "key", entry.Key, "error", err)
			continue
		}
		if sched.Status != entities.ZombieScheduleScheduled || sched.ScheduledFor.After(now) {
			continue
		}
		if err := m.runCheck(ctx, sched); err != nil {
			m.log.Error("zombie check failed, will retry on next sweep", "workflowId", sched.WorkflowID, "error", err)
		}
	}
}

// runCheck re-probes the workflow's in-scope systems for resurrected data,
// audits the result on the original workflow either way, and on a
// positive hit spawns a follow-up workflow plus a high-severity alert.
func (m *Manager) runCheck(ctx context.Context, sched entities.ZombieSchedule) error {
	state, err := m.store.Get(ctx, sched.WorkflowID)
	if err != nil {
		return err
	}

	systems := state.DataLineageSnapshot.Systems
	var hits []string
	for _, system := range systems {
		adapter, ok := m.adapters.ScanAdapterFor(system)
		if !ok {
			continue
		}
		page, err := adapter.Next(ctx, state.UserIdentifiers, "")
		if err != nil {
			m.log.Error("zombie re-scan failed", "workflowId", sched.WorkflowID, "system", system, "error", err)
			continue
		}
		if len(page.Items) > 0 {
			hits = append(hits, system)
		}
	}

	result := entities.ZombieNegative
	if len(hits) > 0 {
		result = entities.ZombiePositive
	}
	if err := m.store.Update(ctx, sched.WorkflowID, func(*entities.WorkflowState) error { return nil },
		entities.EventZombieCheckComplete, map[string]any{"zombieCheckResult": string(result), "systems": hits}); err != nil {
		return err
	}

	if result == entities.ZombiePositive {
		if err := m.spawnFollowUp(ctx, state, hits); err != nil {
			m.log.Error("failed to spawn zombie follow-up workflow", "workflowId", sched.WorkflowID, "error", err)
		}
	}

	sched.Status = entities.ZombieScheduleCompleted
	return m.persist(ctx, sched)
}

func (m *Manager) spawnFollowUp(ctx context.Context, original *entities.WorkflowState, hits []string) error {
	req := entities.ErasureRequest{
		RequestID:       m.clk.NewID(),
		UserIdentifiers: original.UserIdentifiers,
		Jurisdiction:    original.Jurisdiction,
		RequestedBy:     entities.Requester{UserID: "zombie-scheduler", Role: "system"},
		LegalProof: entities.LegalProof{
			Type:       entities.ProofLegalForm,
			Evidence:   fmt.Sprintf("continuation of %s under original legal basis", original.WorkflowID),
			VerifiedAt: m.clk.Now(),
		},
		CreatedAt:          m.clk.Now(),
		Reason:             zombieSpawnReason,
		OriginalWorkflowID: original.WorkflowID,
	}

	spawned, err := m.spawner.Intake(ctx, req)
	if err != nil {
		return err
	}
	if !spawned.Admitted {
		m.log.Warn("zombie follow-up workflow not admitted, user already has one in flight", "workflowId", original.WorkflowID, "existingId", spawned.ExistingID)
		return nil
	}

	alert := entities.Alert{
		AlertID:            m.clk.NewID(),
		Severity:           entities.SeverityHigh,
		OriginalWorkflowID: original.WorkflowID,
		SpawnedWorkflowID:  spawned.Workflow.WorkflowID,
		Message:            fmt.Sprintf(zombieAlertMessageShape, hits, original.WorkflowID),
		RaisedAt:           m.clk.Now(),
	}
	encoded, err := json.Marshal(alert)
	if err != nil {
		return errors.NewWorkflowStateError("encoding zombie alert", err)
	}
	if err := m.kv.Set(ctx, nsAlerts, alert.AlertID, encoded); err != nil {
		return errors.NewWorkflowStateError("persisting zombie alert", err)
	}
	return nil
}
