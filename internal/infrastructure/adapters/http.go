// Package adapters provides the one generic transport this repo ships for
// talking to a downstream system: an HTTP webhook. The concrete business
// logic of any specific payment/mail/CRM/warehouse provider is explicitly
// out of scope — each is a named external collaborator the operator points
// at their own endpoint via configuration. Grounded on the teacher's
// internal/infrastructure/adapters/email_service.go (context-timeout HTTP
// calls, structured zap logging of provider responses), generalized from a
// fixed set of email providers to one URL-per-system deletion/scan
// contract.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rail-service/erasure_service/internal/domain/contracts"
	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/pkg/logger"
)

// Endpoint is one system's deletion/scan webhook configuration.
type Endpoint struct {
	System  string
	URL     string
	Timeout time.Duration
}

// HTTPAdapter implements contracts.Adapter by POSTing the identifiers to a
// configured webhook and interpreting the JSON response as a deletion
// receipt or structured error.
type HTTPAdapter struct {
	endpoint Endpoint
	client   *http.Client
	log      *logger.Logger
}

func NewHTTPAdapter(endpoint Endpoint, log *logger.Logger) *HTTPAdapter {
	timeout := endpoint.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAdapter{endpoint: endpoint, client: &http.Client{Timeout: timeout}, log: log}
}

func (a *HTTPAdapter) Name() string { return a.endpoint.System }

type deleteResponse struct {
	Success     bool   `json:"success"`
	Receipt     string `json:"receipt"`
	ErrorType   string `json:"errorType"`
	Message     string `json:"message"`
	Permanent   bool   `json:"permanent"`
	RawResponse string `json:"-"`
}

// Delete implements contracts.Adapter.
func (a *HTTPAdapter) Delete(ctx context.Context, identifiers entities.UserIdentifiers) (contracts.AdapterResult, error) {
	body, err := json.Marshal(identifiers)
	if err != nil {
		return contracts.AdapterResult{}, fmt.Errorf("encoding delete request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return contracts.AdapterResult{}, fmt.Errorf("building delete request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.log.Warn("deletion webhook unreachable", "system", a.endpoint.System, "error", err)
		return contracts.AdapterResult{Success: false, Error: &contracts.AdapterError{ErrorType: "timeout", Message: err.Error()}}, nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		a.log.Warn("deletion webhook returned transient error", "system", a.endpoint.System, "status", resp.StatusCode)
		return contracts.AdapterResult{Success: false, Error: &contracts.AdapterError{ErrorType: "rate_limited", Message: string(raw)}}, nil
	}
	if resp.StatusCode >= 400 {
		a.log.Error("deletion webhook returned permanent error", "system", a.endpoint.System, "status", resp.StatusCode)
		return contracts.AdapterResult{Success: false, Error: &contracts.AdapterError{ErrorType: "rejected", Message: string(raw), Permanent: true}}, nil
	}

	var decoded deleteResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return contracts.AdapterResult{}, fmt.Errorf("decoding delete response from %s: %w", a.endpoint.System, err)
	}
	if !decoded.Success {
		return contracts.AdapterResult{Success: false, Error: &contracts.AdapterError{
			ErrorType: decoded.ErrorType, Message: decoded.Message, Permanent: decoded.Permanent,
		}}, nil
	}
	return contracts.AdapterResult{Success: true, Receipt: decoded.Receipt, APIResponse: string(raw)}, nil
}

// HTTPScanAdapter implements contracts.ScanAdapter by GETting a checkpoint
// page from a configured webhook.
type HTTPScanAdapter struct {
	endpoint Endpoint
	client   *http.Client
	log      *logger.Logger
}

func NewHTTPScanAdapter(endpoint Endpoint, log *logger.Logger) *HTTPScanAdapter {
	timeout := endpoint.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPScanAdapter{endpoint: endpoint, client: &http.Client{Timeout: timeout}, log: log}
}

func (a *HTTPScanAdapter) System() string { return a.endpoint.System }

type scanRequest struct {
	Identifiers entities.UserIdentifiers `json:"identifiers"`
	Checkpoint  string                   `json:"checkpoint"`
}

// Next implements contracts.ScanAdapter.
func (a *HTTPScanAdapter) Next(ctx context.Context, identifiers entities.UserIdentifiers, checkpoint string) (contracts.ScanPage, error) {
	body, err := json.Marshal(scanRequest{Identifiers: identifiers, Checkpoint: checkpoint})
	if err != nil {
		return contracts.ScanPage{}, fmt.Errorf("encoding scan request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return contracts.ScanPage{}, fmt.Errorf("building scan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return contracts.ScanPage{}, fmt.Errorf("scan webhook %s unreachable: %w", a.endpoint.System, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return contracts.ScanPage{}, fmt.Errorf("scan webhook %s returned status %d", a.endpoint.System, resp.StatusCode)
	}

	var page contracts.ScanPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return contracts.ScanPage{}, fmt.Errorf("decoding scan page from %s: %w", a.endpoint.System, err)
	}
	return page, nil
}

// Registry is a static system-name-to-adapter map, satisfying both
// orchestrator.AdapterRegistry and scanner/zombie.AdapterRegistry.
type Registry struct {
	deletion map[string]contracts.Adapter
	scan     map[string]contracts.ScanAdapter
}

// NewRegistry builds deletion and scan adapters for every configured
// endpoint. A system present in deletionEndpoints but absent from
// scanEndpoints is critical-path only (no background re-scan), matching
// policy.RequiredSystems entries like "payment"/"primary_db".
func NewRegistry(deletionEndpoints, scanEndpoints []Endpoint, log *logger.Logger) *Registry {
	r := &Registry{deletion: map[string]contracts.Adapter{}, scan: map[string]contracts.ScanAdapter{}}
	for _, e := range deletionEndpoints {
		r.deletion[e.System] = NewHTTPAdapter(e, log)
	}
	for _, e := range scanEndpoints {
		r.scan[e.System] = NewHTTPScanAdapter(e, log)
	}
	return r
}

func (r *Registry) AdapterFor(system string) (contracts.Adapter, bool) {
	a, ok := r.deletion[system]
	return a, ok
}

func (r *Registry) ScanAdapterFor(system string) (contracts.ScanAdapter, bool) {
	a, ok := r.scan[system]
	return a, ok
}

// NewRegistryForSystems builds a Registry pointing every system at
// "<baseURL>/<system>/delete" and "<baseURL>/<system>/scan", the shape
// internal/infrastructure/config.Adapters documents.
func NewRegistryForSystems(systems []string, baseURL string, timeout time.Duration, log *logger.Logger) *Registry {
	deletion := make([]Endpoint, 0, len(systems))
	scan := make([]Endpoint, 0, len(systems))
	for _, s := range systems {
		deletion = append(deletion, Endpoint{System: s, URL: baseURL + "/" + s + "/delete", Timeout: timeout})
		scan = append(scan, Endpoint{System: s, URL: baseURL + "/" + s + "/scan", Timeout: timeout})
	}
	return NewRegistry(deletion, scan, log)
}
