// Package workers hosts the background cron jobs that drive every
// asynchronous phase of the erasure pipeline once intake has returned
// (DS-4): retry/legal-hold/completion sweeps on the orchestrator, the
// background-scan poll loop, and the zombie-data re-check sweep. Grounded
// on the teacher's internal/workers/funding_webhook.Processor
// (Start/Shutdown lifecycle, ticker-driven processBatch), generalized from
// a single ticker to a robfig/cron/v3 schedule so each sweep can run on
// its own cadence.
package workers

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/internal/domain/services/orchestrator"
	"github.com/rail-service/erasure_service/internal/domain/services/scanner"
	"github.com/rail-service/erasure_service/internal/domain/services/workflow"
	"github.com/rail-service/erasure_service/internal/domain/services/zombie"
	"github.com/rail-service/erasure_service/pkg/logger"
)

// Schedules is the cron spec per sweep, overridable by configuration.
type Schedules struct {
	LegalHold  string
	Retries    string
	Completion string
	Scan       string
	Zombie     string
}

// DefaultSchedules matches the cadence implied by §4.H's retry backoff
// (seconds-to-minutes) and §4.K/§4.L's day-scale holds/zombie checks: fast
// sweeps for in-flight work, slow sweeps for background bookkeeping.
func DefaultSchedules() Schedules {
	return Schedules{
		LegalHold:  "@every 1m",
		Retries:    "@every 15s",
		Completion: "@every 30s",
		Scan:       "@every 30s",
		Zombie:     "@every 1h",
	}
}

// Sweeper owns the cron.Cron instance and every job registered on it.
type Sweeper struct {
	cron *cron.Cron
	log  *logger.Logger
}

// New builds a Sweeper and registers every DS-4 job. ctx bounds the
// lifetime of each job invocation (not the scheduler itself — Stop() ends
// the schedule).
func New(ctx context.Context, orch *orchestrator.Orchestrator, store *workflow.Store, scan *scanner.Scanner, zmb *zombie.Manager, sched Schedules, log *logger.Logger) (*Sweeper, error) {
	c := cron.New()
	s := &Sweeper{cron: c, log: log}

	identifiersFor := func(workflowID string) (entities.UserIdentifiers, bool) {
		state, err := store.Get(ctx, workflowID)
		if err != nil {
			return entities.UserIdentifiers{}, false
		}
		return state.UserIdentifiers, true
	}

	jobs := []struct {
		spec string
		name string
		run  func()
	}{
		{sched.LegalHold, "legal-hold-sweep", func() {
			if err := orch.SweepLegalHolds(ctx); err != nil {
				log.Error("legal hold sweep failed", "error", err)
			}
		}},
		{sched.Retries, "retry-sweep", func() { orch.SweepRetries(ctx) }},
		{sched.Completion, "completion-sweep", func() { orch.SweepCompletions(ctx) }},
		{sched.Scan, "scan-sweep", func() { scan.SweepPendingScans(ctx, identifiersFor) }},
		{sched.Zombie, "zombie-sweep", func() { zmb.SweepDue(ctx) }},
	}

	for _, j := range jobs {
		if _, err := c.AddFunc(j.spec, wrap(log, j.name, j.run)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// wrap recovers a panicking job so one bad tick never kills the scheduler,
// matching the teacher's per-job error isolation in processBatch.
func wrap(log *logger.Logger, name string, run func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("sweep job panicked", "job", name, "panic", r)
			}
		}()
		run()
	}
}

// Start begins running every registered job on its schedule.
func (s *Sweeper) Start() {
	s.log.Info("starting background sweepers")
	s.cron.Start()
}

// Stop blocks until every in-flight job invocation finishes, then stops
// the scheduler.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
