package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/erasure_service/internal/domain/contracts"
	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/internal/domain/services/executor"
	"github.com/rail-service/erasure_service/internal/domain/services/guard"
	"github.com/rail-service/erasure_service/internal/domain/services/legalhold"
	"github.com/rail-service/erasure_service/internal/domain/services/orchestrator"
	"github.com/rail-service/erasure_service/internal/domain/services/policy"
	"github.com/rail-service/erasure_service/internal/domain/services/scanner"
	"github.com/rail-service/erasure_service/internal/domain/services/workflow"
	"github.com/rail-service/erasure_service/internal/domain/services/zombie"
	"github.com/rail-service/erasure_service/internal/infrastructure/kvstore"
	"github.com/rail-service/erasure_service/pkg/clock"
	"github.com/rail-service/erasure_service/pkg/logger"
)

type noopAdapterRegistry struct{}

func (noopAdapterRegistry) AdapterFor(string) (contracts.Adapter, bool) { return nil, false }

type noopScanAdapterRegistry struct{}

func (noopScanAdapterRegistry) ScanAdapterFor(string) (contracts.ScanAdapter, bool) {
	return nil, false
}

type noopSpawner struct{}

func (noopSpawner) Intake(context.Context, entities.ErasureRequest) (orchestrator.IntakeResult, error) {
	return orchestrator.IntakeResult{}, nil
}

type noopCertGenerator struct{}

func (noopCertGenerator) Generate(context.Context, string) (*entities.CertificateOfDestruction, error) {
	return nil, nil
}

type noopMonitor struct{}

func (noopMonitor) PublishStatusChange(context.Context, string, entities.WorkflowStatus) error {
	return nil
}
func (noopMonitor) PublishStepUpdate(context.Context, string, string, entities.StepStatus) error {
	return nil
}
func (noopMonitor) PublishCompletion(context.Context, string, *entities.CertificateOfDestruction) error {
	return nil
}

func TestNewRegistersEveryJobWithoutError(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	kv := kvstore.NewMemory()
	log := logger.NewNop()
	store := workflow.New(kv, clk, log)
	pol := policy.New(kv, clk, log)
	lh := legalhold.New(store, clk, log)
	exec := executor.New(store, lh, clk, log, executor.DefaultRetryPolicy())
	g := guard.New(kv, store, clk, log)
	scan := scanner.New(store, pol, noopScanAdapterRegistry{}, log, nil)
	zmb := zombie.New(kv, store, noopScanAdapterRegistry{}, noopSpawner{}, clk, log)
	orch := orchestrator.New(store, g, pol, exec, lh, noopAdapterRegistry{}, scan, noopCertGenerator{}, zmb, noopMonitor{}, clk, log)

	sweeper, err := New(context.Background(), orch, store, scan, zmb, DefaultSchedules(), log)
	require.NoError(t, err)
	assert.NotNil(t, sweeper)
}

func TestStartAndStopDoNotBlockIndefinitely(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	kv := kvstore.NewMemory()
	log := logger.NewNop()
	store := workflow.New(kv, clk, log)
	pol := policy.New(kv, clk, log)
	lh := legalhold.New(store, clk, log)
	exec := executor.New(store, lh, clk, log, executor.DefaultRetryPolicy())
	g := guard.New(kv, store, clk, log)
	scan := scanner.New(store, pol, noopScanAdapterRegistry{}, log, nil)
	zmb := zombie.New(kv, store, noopScanAdapterRegistry{}, noopSpawner{}, clk, log)
	orch := orchestrator.New(store, g, pol, exec, lh, noopAdapterRegistry{}, scan, noopCertGenerator{}, zmb, noopMonitor{}, clk, log)

	fast := Schedules{
		LegalHold:  "@every 10ms",
		Retries:    "@every 10ms",
		Completion: "@every 10ms",
		Scan:       "@every 10ms",
		Zombie:     "@every 10ms",
	}
	sweeper, err := New(context.Background(), orch, store, scan, zmb, fast, log)
	require.NoError(t, err)

	sweeper.Start()
	time.Sleep(50 * time.Millisecond)
	sweeper.Stop()
}
