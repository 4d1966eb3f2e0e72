package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/erasure_service/internal/domain/contracts"
	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/internal/domain/services/certificate"
	"github.com/rail-service/erasure_service/internal/domain/services/executor"
	"github.com/rail-service/erasure_service/internal/domain/services/guard"
	"github.com/rail-service/erasure_service/internal/domain/services/legalhold"
	"github.com/rail-service/erasure_service/internal/domain/services/orchestrator"
	"github.com/rail-service/erasure_service/internal/domain/services/policy"
	"github.com/rail-service/erasure_service/internal/domain/services/workflow"
	"github.com/rail-service/erasure_service/internal/infrastructure/kvstore"
	"github.com/rail-service/erasure_service/pkg/canon"
	"github.com/rail-service/erasure_service/pkg/clock"
	"github.com/rail-service/erasure_service/pkg/logger"
	"github.com/rail-service/erasure_service/pkg/metrics"
)

type alwaysSucceedsAdapter struct{ name string }

func (a *alwaysSucceedsAdapter) Name() string { return a.name }
func (a *alwaysSucceedsAdapter) Delete(_ context.Context, _ entities.UserIdentifiers) (contracts.AdapterResult, error) {
	return contracts.AdapterResult{Success: true, Receipt: "rcpt-" + a.name}, nil
}

type fakeRegistry struct{ adapters map[string]contracts.Adapter }

func (r *fakeRegistry) AdapterFor(system string) (contracts.Adapter, bool) {
	a, ok := r.adapters[system]
	return a, ok
}

type noopScanner struct{}

func (noopScanner) StartScans(context.Context, string, entities.UserIdentifiers, []string) error {
	return nil
}
func (noopScanner) AllScansTerminal(context.Context, string) (bool, error) { return true, nil }

type noopZombie struct{}

func (noopZombie) Schedule(_ context.Context, workflowID string, _ entities.UserIdentifiers, completedAt time.Time, intervalDays int) (*entities.ZombieSchedule, error) {
	return &entities.ZombieSchedule{ScheduleID: "sched-" + workflowID, WorkflowID: workflowID, ScheduledFor: completedAt.AddDate(0, 0, intervalDays)}, nil
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

func newTestHandlers(t *testing.T) (*Handlers, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	kv := kvstore.NewMemory()
	store := workflow.New(kv, clk, logger.NewNop())
	pol := policy.New(kv, clk, logger.NewNop())
	lh := legalhold.New(store, clk, logger.NewNop())
	exec := executor.New(store, lh, clk, logger.NewNop(), executor.DefaultRetryPolicy())
	g := guard.New(kv, store, clk, logger.NewNop())

	adapters := map[string]contracts.Adapter{}
	for _, s := range policy.RequiredSystems {
		adapters[s] = &alwaysSucceedsAdapter{name: s}
	}
	reg := &fakeRegistry{adapters: adapters}

	keyProvider, err := canon.NewMemoryKeyProvider()
	require.NoError(t, err)
	certGen := certificate.New(store, canon.NewKeyring(keyProvider), clk, logger.NewNop())

	orch := orchestrator.New(store, g, pol, exec, lh, reg, noopScanner{}, certGen, noopZombie{}, noopMonitor{}, clk, logger.NewNop())
	return NewHandlers(orch, store, certGen, clk, logger.NewNop()), clk
}

func intakeBody() []byte {
	body := map[string]any{
		"userIdentifiers": map[string]any{"userId": "u1", "emails": []string{"alice@example.com"}},
		"legalProof": map[string]any{
			"type":       "SignedRequest",
			"evidence":   "sig-1",
			"verifiedAt": "2026-01-01T00:00:00Z",
		},
		"jurisdiction": "EU",
		"requestedBy":  map[string]any{"userId": "agent-1", "role": "support"},
	}
	raw, _ := json.Marshal(body)
	return raw
}

func TestIntakeReturnsCreatedWithCompletedWorkflow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _ := newTestHandlers(t)
	router := gin.New()
	Register(router.Group("/v1"), h)

	req := httptest.NewRequest(http.MethodPost, "/v1/erasure-requests", bytes.NewReader(intakeBody()))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var state entities.WorkflowState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, entities.WorkflowCompleted, state.Status)
}

func TestIntakeRejectsInvalidJurisdiction(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _ := newTestHandlers(t)
	router := gin.New()
	Register(router.Group("/v1"), h)

	var body map[string]any
	require.NoError(t, json.Unmarshal(intakeBody(), &body))
	body["jurisdiction"] = "MARS"
	raw, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/v1/erasure-requests", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetStatusReturnsNotFoundForUnknownWorkflow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _ := newTestHandlers(t)
	router := gin.New()
	Register(router.Group("/v1"), h)

	req := httptest.NewRequest(http.MethodGet, "/v1/erasure-requests/does-not-exist", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetCertificateAfterIntakeReturnsSignedCertificate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _ := newTestHandlers(t)
	router := gin.New()
	Register(router.Group("/v1"), h)

	req := httptest.NewRequest(http.MethodPost, "/v1/erasure-requests", bytes.NewReader(intakeBody()))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	var state entities.WorkflowState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))

	certReq := httptest.NewRequest(http.MethodGet, "/v1/erasure-requests/"+state.WorkflowID+"/certificate", nil)
	certRec := httptest.NewRecorder()
	router.ServeHTTP(certRec, certReq)

	require.Equal(t, http.StatusOK, certRec.Code)
	var cert entities.CertificateOfDestruction
	require.NoError(t, json.Unmarshal(certRec.Body.Bytes(), &cert))
	assert.NotEmpty(t, cert.Signature)
}

func TestNewRouterMountsMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _ := newTestHandlers(t)
	router := NewRouter(h, metrics.New(), 5*time.Second, logger.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
