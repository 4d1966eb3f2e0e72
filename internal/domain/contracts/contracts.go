// Package contracts holds the narrow interfaces the orchestration core
// depends on for everything it does not implement itself (§4.O, §6):
// downstream deletion adapters, background-scan adapters, and the PII
// classifier. Concrete implementations are out of scope (§1).
package contracts

import (
	"context"

	"github.com/rail-service/erasure_service/internal/domain/entities"
)

// AdapterResult is what a downstream-adapter delete call reports back.
type AdapterResult struct {
	Success     bool
	Receipt     string
	APIResponse string
	Error       *AdapterError
}

// AdapterError is the structured failure a transient/permanent adapter
// error surfaces to the step executor (§4.H, §7).
type AdapterError struct {
	ErrorType string // e.g. "timeout", "rate_limited", "auth", "not_found"
	Message   string
	Permanent bool
}

func (e *AdapterError) Error() string { return e.ErrorType + ": " + e.Message }

// Adapter is the one-per-system downstream deletion contract (§6).
type Adapter interface {
	// Name identifies the downstream system this adapter deletes from,
	// used for retention-rule lookup and certificate receipts.
	Name() string
	Delete(ctx context.Context, identifiers entities.UserIdentifiers) (AdapterResult, error)
}

// ScanPage is one page of results from a background-scan adapter.
type ScanPage struct {
	Items           []entities.PIIFinding
	NextCheckpoint  string
	ProgressPercent float64
	Done            bool
}

// ScanAdapter is the iterator-style background-scan contract (§6, §4.J).
type ScanAdapter interface {
	System() string
	Next(ctx context.Context, identifiers entities.UserIdentifiers, checkpoint string) (ScanPage, error)
}

// ClassifierMetadata accompanies a PII classification result.
type ClassifierMetadata struct {
	PreFilterMatches int
	ChunkCount       int
}

// ClassifierResult is what the PII classifier returns (§6).
type ClassifierResult struct {
	Findings []entities.PIIFinding
	Metadata ClassifierMetadata
}

// PIIClassifier classifies opaque content for personal data (§6). The core
// never interprets `content`; it only forwards the classifier's findings.
type PIIClassifier interface {
	Classify(ctx context.Context, content []byte, systemName, location string) (ClassifierResult, error)
}
