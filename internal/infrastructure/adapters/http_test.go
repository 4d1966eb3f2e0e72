package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/pkg/logger"
)

func TestHTTPAdapterDeleteReturnsReceiptOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body entities.UserIdentifiers
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "u1", body.UserID)
		_ = json.NewEncoder(w).Encode(deleteResponse{Success: true, Receipt: "rcpt-123"})
	}))
	defer srv.Close()

	a := NewHTTPAdapter(Endpoint{System: "payment", URL: srv.URL}, logger.NewNop())
	result, err := a.Delete(context.Background(), entities.UserIdentifiers{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "rcpt-123", result.Receipt)
}

func TestHTTPAdapterDeleteMapsServerErrorToTransientFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(Endpoint{System: "crm", URL: srv.URL}, logger.NewNop())
	result, err := a.Delete(context.Background(), entities.UserIdentifiers{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.False(t, result.Error.Permanent)
	assert.Equal(t, "rate_limited", result.Error.ErrorType)
}

func TestHTTPAdapterDeleteMapsClientErrorToPermanentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(Endpoint{System: "mail", URL: srv.URL}, logger.NewNop())
	result, err := a.Delete(context.Background(), entities.UserIdentifiers{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.True(t, result.Error.Permanent)
}

func TestHTTPAdapterNameReturnsConfiguredSystem(t *testing.T) {
	a := NewHTTPAdapter(Endpoint{System: "warehouse", URL: "http://example.invalid"}, logger.NewNop())
	assert.Equal(t, "warehouse", a.Name())
}

func TestHTTPScanAdapterNextDecodesPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req scanRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "cp-1", req.Checkpoint)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"NextCheckpoint":  "cp-2",
			"ProgressPercent": 50.0,
			"Done":            false,
		})
	}))
	defer srv.Close()

	a := NewHTTPScanAdapter(Endpoint{System: "analytics", URL: srv.URL}, logger.NewNop())
	page, err := a.Next(context.Background(), entities.UserIdentifiers{UserID: "u1"}, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, "cp-2", page.NextCheckpoint)
	assert.False(t, page.Done)
}

func TestRegistrySatisfiesOrchestratorAndScannerInterfaces(t *testing.T) {
	log := logger.NewNop()
	reg := NewRegistry(
		[]Endpoint{{System: "payment", URL: "http://example.invalid"}},
		[]Endpoint{{System: "analytics", URL: "http://example.invalid"}},
		log,
	)

	adapter, ok := reg.AdapterFor("payment")
	require.True(t, ok)
	assert.Equal(t, "payment", adapter.Name())

	_, ok = reg.AdapterFor("unknown")
	assert.False(t, ok)

	scanAdapter, ok := reg.ScanAdapterFor("analytics")
	require.True(t, ok)
	assert.Equal(t, "analytics", scanAdapter.System())

	_, ok = reg.ScanAdapterFor("unknown")
	assert.False(t, ok)
}
