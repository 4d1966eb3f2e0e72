// Package guard implements the concurrency guard & idempotency gates
// (§4.G): per-user exclusive lock plus a request-hash map, both kept as plain
// KV entries (Get/Set/Delete) under an in-process per-user mutex. Grounded on the teacher's
// pkg/security/webhook_replay_protection.go (Redis SETNX-style dedup) and
// internal/domain/services/session/service.go's cache-with-fallback idiom,
// generalized from webhook/session dedup to workflow admission.
package guard

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/internal/domain/ports"
	"github.com/rail-service/erasure_service/pkg/canon"
	"github.com/rail-service/erasure_service/pkg/clock"
	"github.com/rail-service/erasure_service/pkg/errors"
	"github.com/rail-service/erasure_service/pkg/logger"
)

const (
	nsLocks         = "workflow_locks"
	nsRequestHashes = "request_hashes"
)

// AdmissionReason is the closed set of §6 admission-rejection reasons.
type AdmissionReason string

const (
	ReasonConcurrentWorkflow AdmissionReason = "ConcurrentWorkflow"
	ReasonDuplicateRequest   AdmissionReason = "DuplicateRequest"
)

// Lock is the payload stored under a user's admission lock.
type Lock struct {
	WorkflowID string `json:"workflowId"`
	RequestID  string `json:"requestId"`
	LockedAt   string `json:"lockedAt"`
	LockedBy   string `json:"lockedBy"`
}

// WorkflowLookup lets the guard tell a live lock apart from a dangling one
// without owning the workflow state store itself.
type WorkflowLookup interface {
	IsLive(ctx context.Context, workflowID string) (bool, error)
}

// AdmitDecision is what the guard returns for one intake attempt.
type AdmitDecision struct {
	Admitted           bool
	ExistingWorkflowID string
	Reason             AdmissionReason
}

// Guard owns the per-userId critical section and the two admission gates.
type Guard struct {
	kv       ports.KVStore
	lookup   WorkflowLookup
	clk      clock.Clock
	log      *logger.Logger
	userLock sync.Map // userId -> *sync.Mutex, per-user mutual exclusion (§5)
}

func New(kv ports.KVStore, lookup WorkflowLookup, clk clock.Clock, log *logger.Logger) *Guard {
	return &Guard{kv: kv, lookup: lookup, clk: clk, log: log}
}

func (g *Guard) mutexFor(userID string) *sync.Mutex {
	v, _ := g.userLock.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// RequestHash computes hash(canonical({userIdentifiers, legalProof,
// jurisdiction})), the key used for the dedup map in §4.G gate 2.
func RequestHash(identifiers entities.UserIdentifiers, proof entities.LegalProof, jurisdiction entities.Jurisdiction) (string, error) {
	payload := struct {
		UserIdentifiers entities.UserIdentifiers `json:"userIdentifiers"`
		LegalProof      entities.LegalProof      `json:"legalProof"`
		Jurisdiction    entities.Jurisdiction    `json:"jurisdiction"`
	}{identifiers, proof, jurisdiction}
	h, err := canon.HashValue(payload)
	if err != nil {
		return "", err
	}
	return h.String(), nil
}

// seed writes the user lock and request-hash entries for a newly admitted
// workflow, called by AdmitAndSeed while still holding the per-user
// critical section.
func (g *Guard) seed(ctx context.Context, userID, workflowID, requestID, reqHash, lockedBy string) error {
	lock := Lock{WorkflowID: workflowID, RequestID: requestID, LockedAt: g.clk.Now().Format("2006-01-02T15:04:05.000Z07:00"), LockedBy: lockedBy}
	encoded, err := json.Marshal(lock)
	if err != nil {
		return err
	}
	if err := g.kv.Set(ctx, nsLocks, userID, encoded); err != nil {
		return errors.NewWorkflowStateError("writing user lock", err)
	}
	idBytes, err := json.Marshal(workflowID)
	if err != nil {
		return err
	}
	if err := g.kv.Set(ctx, nsRequestHashes, reqHash, idBytes); err != nil {
		return errors.NewWorkflowStateError("writing request hash entry", err)
	}
	return nil
}

// AdmitAndSeed performs gate checks and, on success, seeds the lock and
// hash entries atomically within one critical section — the composition
// the orchestrator's Intake phase actually calls.
func (g *Guard) AdmitAndSeed(ctx context.Context, userID, requestID, lockedBy, reqHash string, createWorkflowID func() (string, error)) (AdmitDecision, string, error) {
	mu := g.mutexFor(userID)
	mu.Lock()
	defer mu.Unlock()

	decision, err := g.admitLocked(ctx, userID, reqHash)
	if err != nil || !decision.Admitted {
		return decision, "", err
	}

	workflowID, err := createWorkflowID()
	if err != nil {
		return AdmitDecision{}, "", err
	}
	if err := g.seed(ctx, userID, workflowID, requestID, reqHash, lockedBy); err != nil {
		return AdmitDecision{}, "", err
	}
	return decision, workflowID, nil
}

// admitLocked runs the two admission gates; its caller, AdmitAndSeed,
// already holds the per-user mutex.
func (g *Guard) admitLocked(ctx context.Context, userID, reqHash string) (AdmitDecision, error) {
	if raw, found, err := g.kv.Get(ctx, nsLocks, userID); err != nil {
		return AdmitDecision{}, errors.NewWorkflowStateError("reading user lock", err)
	} else if found {
		var lock Lock
		if err := json.Unmarshal(raw, &lock); err != nil {
			return AdmitDecision{}, errors.NewWorkflowStateError("decoding user lock", err)
		}
		live, err := g.lookup.IsLive(ctx, lock.WorkflowID)
		if err != nil {
			return AdmitDecision{}, err
		}
		if live {
			return AdmitDecision{Admitted: false, ExistingWorkflowID: lock.WorkflowID, Reason: ReasonConcurrentWorkflow}, nil
		}
		if err := g.kv.Delete(ctx, nsLocks, userID); err != nil {
			return AdmitDecision{}, errors.NewWorkflowStateError("clearing dangling lock", err)
		}
	}

	if raw, found, err := g.kv.Get(ctx, nsRequestHashes, reqHash); err != nil {
		return AdmitDecision{}, errors.NewWorkflowStateError("reading request hash", err)
	} else if found {
		var existingWorkflowID string
		if err := json.Unmarshal(raw, &existingWorkflowID); err != nil {
			return AdmitDecision{}, errors.NewWorkflowStateError("decoding request hash entry", err)
		}
		return AdmitDecision{Admitted: false, ExistingWorkflowID: existingWorkflowID, Reason: ReasonDuplicateRequest}, nil
	}

	return AdmitDecision{Admitted: true}, nil
}

// Release drops the user lock when the workflow reaches a terminal state
// (§4.G: "Released by the orchestrator when the workflow reaches a
// terminal state"). The request-hash entry is intentionally left in place
// so a resubmission after completion still resolves to DuplicateRequest.
func (g *Guard) Release(ctx context.Context, userID string) error {
	return g.kv.Delete(ctx, nsLocks, userID)
}
