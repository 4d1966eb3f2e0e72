// Package legalhold implements the legal-hold manager (§4.K): a thin
// policy layer over the workflow state store's LegalHolds slice, adding
// the active/expired evaluation the store itself stays agnostic of.
// Grounded on the teacher's onboarding review-flag idiom
// (internal/domain/services/onboarding/service.go's manual-review gate)
// generalized from a single boolean flag to a per-system, time-bounded
// hold set.
package legalhold

import (
	"context"

	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/internal/domain/services/workflow"
	"github.com/rail-service/erasure_service/pkg/clock"
	"github.com/rail-service/erasure_service/pkg/logger"
)

// Manager is consulted by the step executor (§4.H) before every dispatch
// and by a periodic sweeper that lifts expired holds.
type Manager struct {
	store *workflow.Store
	clk   clock.Clock
	log   *logger.Logger
}

func New(store *workflow.Store, clk clock.Clock, log *logger.Logger) *Manager {
	return &Manager{store: store, clk: clk, log: log}
}

// AddLegalHold appends a hold and flips the step to LegalHold.
func (m *Manager) AddLegalHold(ctx context.Context, workflowID string, hold entities.LegalHold) error {
	if hold.AddedAt.IsZero() {
		hold.AddedAt = m.clk.Now()
	}
	return m.store.AddLegalHold(ctx, workflowID, hold)
}

// RemoveLegalHold filters out holds matching (system, reason) and reverts
// the step to NotStarted so it can be re-dispatched.
func (m *Manager) RemoveLegalHold(ctx context.Context, workflowID, system, reason string) error {
	return m.store.RemoveLegalHold(ctx, workflowID, system, reason)
}

// IsSystemUnderLegalHold reports whether any hold for system is still
// active relative to the injected clock.
func (m *Manager) IsSystemUnderLegalHold(ctx context.Context, workflowID, system string) (bool, error) {
	state, err := m.store.Get(ctx, workflowID)
	if err != nil {
		return false, err
	}
	now := m.clk.Now()
	for _, h := range state.LegalHolds {
		if h.System == system && h.IsActive(now) {
			return true, nil
		}
	}
	return false, nil
}

// RemoveExpiredLegalHolds sweeps one workflow's holds, lifting any whose
// expiresAt has passed and returning their held step to NotStarted.
func (m *Manager) RemoveExpiredLegalHolds(ctx context.Context, workflowID string) error {
	state, err := m.store.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	now := m.clk.Now()
	type held struct{ system, reason string }
	expired := map[held]bool{}
	for _, h := range state.LegalHolds {
		if !h.IsActive(now) {
			expired[held{h.System, h.Reason}] = true
		}
	}
	for k := range expired {
		if err := m.store.RemoveLegalHold(ctx, workflowID, k.system, k.reason); err != nil {
			return err
		}
		m.log.Info("legal hold expired and lifted", "workflowId", workflowID, "system", k.system)
	}
	return nil
}

// SweepAll runs RemoveExpiredLegalHolds across every live workflow, driven
// by the cron-scheduled DS-4 sweeper.
func (m *Manager) SweepAll(ctx context.Context) error {
	workflowIDs, err := m.store.ListLive(ctx)
	if err != nil {
		return err
	}
	for _, id := range workflowIDs {
		if err := m.RemoveExpiredLegalHolds(ctx, id); err != nil {
			m.log.Error("legal hold sweep failed", "workflowId", id, "error", err)
		}
	}
	return nil
}
