// Package executor implements the step executor (§4.H): drives one
// WorkflowStep through NotStarted/InProgress to a terminal status,
// gating on legal holds, wrapping each adapter call in a circuit breaker,
// and scheduling bounded exponential-backoff retries as cooperative
// re-dispatch rather than a blocking sleep. Grounded on the teacher's
// funding_webhook/processor.go (stored NextRetryAt + poll loop, simple
// bounded-attempt retry) generalized from a fixed 3-attempts/5-minute
// policy to a configurable exponential schedule, and on
// pkg/circuitbreaker for per-adapter failure isolation.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/rail-service/erasure_service/internal/domain/contracts"
	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/internal/domain/services/legalhold"
	"github.com/rail-service/erasure_service/internal/domain/services/workflow"
	"github.com/rail-service/erasure_service/pkg/circuitbreaker"
	"github.com/rail-service/erasure_service/pkg/clock"
	"github.com/rail-service/erasure_service/pkg/errors"
	"github.com/rail-service/erasure_service/pkg/logger"
)

// RetryPolicy is the bounded exponential-backoff schedule from §4.H step 4.
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	StepTimeout       time.Duration
}

// DefaultRetryPolicy matches the executor.* defaults in
// internal/infrastructure/config (max attempts, initial delay, multiplier,
// adapter timeout); MaxDelay has no config key.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		InitialDelay:      2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          5 * time.Minute,
		StepTimeout:       30 * time.Second,
	}
}

// DelayForAttempt computes initialDelay * backoffMultiplier^(attempts-1),
// capped at MaxDelay.
func (p RetryPolicy) DelayForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.BackoffMultiplier
	}
	d := time.Duration(delay)
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Outcome is what one Dispatch call resolved to, used by the orchestrator
// to decide whether to halt a critical path.
type Outcome struct {
	Status       entities.StepStatus
	HaltWorkflow bool
	// Permanent distinguishes a halt the adapter itself declared
	// unrecoverable (e.g. the subject simply doesn't exist there) from one
	// that only exhausted its retry budget — the orchestrator routes the
	// former straight to Failed rather than AwaitingManualReview.
	Permanent bool
}

// ErrorPublisher is the narrow slice of monitor.Publisher the executor
// needs to surface classified failures on the Error topic (§7). Declared
// locally, like orchestrator.Monitor, so this package never imports monitor.
type ErrorPublisher interface {
	PublishError(ctx context.Context, workflowID, errType, message string, permanent bool) error
}

// Executor drives individual steps; it has no notion of ordering between
// steps — that is the orchestrator's job (§4.I).
type Executor struct {
	store     *workflow.Store
	legalHold *legalhold.Manager
	clk       clock.Clock
	log       *logger.Logger
	policy    RetryPolicy
	breakers  sync.Map // adapter name -> *circuitbreaker.CircuitBreaker
	errorPub  ErrorPublisher
}

func New(store *workflow.Store, legalHold *legalhold.Manager, clk clock.Clock, log *logger.Logger, policy RetryPolicy) *Executor {
	return &Executor{store: store, legalHold: legalHold, clk: clk, log: log, policy: policy}
}

// SetErrorPublisher wires the Error-topic publisher after construction,
// mirroring zombie.Manager.SetSpawner: the monitor publisher and the
// executor are both built by buildServices in either order, so this avoids
// forcing one specific construction sequence.
func (e *Executor) SetErrorPublisher(p ErrorPublisher) {
	e.errorPub = p
}

func (e *Executor) publishError(ctx context.Context, workflowID, errType, message string, permanent bool) {
	if e.errorPub == nil {
		return
	}
	if err := e.errorPub.PublishError(ctx, workflowID, errType, message, permanent); err != nil {
		e.log.Error("failed to publish step error event", "workflowId", workflowID, "error", err)
	}
}

func (e *Executor) breakerFor(adapterName string) *circuitbreaker.CircuitBreaker {
	if v, ok := e.breakers.Load(adapterName); ok {
		return v.(*circuitbreaker.CircuitBreaker)
	}
	cb := circuitbreaker.New(circuitbreaker.Config{
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	})
	actual, _ := e.breakers.LoadOrStore(adapterName, cb)
	return actual.(*circuitbreaker.CircuitBreaker)
}

// Dispatch runs §4.H's algorithm once for (workflowID, stepName). It is
// safe to call repeatedly: NotStarted steps start fresh, InProgress steps
// with a due NextAttemptAt are treated as a retry attempt.
func (e *Executor) Dispatch(ctx context.Context, workflowID, stepName string, adapter contracts.Adapter, identifiers entities.UserIdentifiers, critical bool) (Outcome, error) {
	held, err := e.legalHold.IsSystemUnderLegalHold(ctx, workflowID, adapter.Name())
	if err != nil {
		return Outcome{}, err
	}
	if held {
		if err := e.store.UpdateStepStatus(ctx, workflowID, stepName, entities.StepLegalHold, nil, false, critical); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: entities.StepLegalHold}, nil
	}

	if err := e.store.UpdateStepStatus(ctx, workflowID, stepName, entities.StepInProgress, nil, true, critical); err != nil {
		return Outcome{}, err
	}
	state, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return Outcome{}, err
	}
	attempts := state.Steps[stepName].Attempts

	callCtx, cancel := context.WithTimeout(ctx, e.policy.StepTimeout)
	defer cancel()

	var result contracts.AdapterResult
	callErr := e.breakerFor(adapter.Name()).Execute(callCtx, func() error {
		r, adErr := adapter.Delete(callCtx, identifiers)
		result = r
		if adErr != nil {
			return adErr
		}
		if !r.Success {
			return errors.NewAdapterTransient("adapter reported failure", nil)
		}
		return nil
	})

	if callErr == nil && result.Success {
		evidence := entities.StepEvidence{
			Receipt:       result.Receipt,
			APIResponse:   result.APIResponse,
			Timestamp:     e.clk.Now(),
			AttemptNumber: attempts,
		}
		if err := e.store.UpdateStepStatus(ctx, workflowID, stepName, entities.StepDeleted, &evidence, false, critical); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: entities.StepDeleted}, nil
	}

	errType, message := classifyFailure(callCtx, callErr, result)
	evidence := entities.StepEvidence{
		ErrorType:     errType,
		Message:       message,
		Timestamp:     e.clk.Now(),
		AttemptNumber: attempts,
	}
	adapterPermanent := result.Error != nil && result.Error.Permanent
	permanent := attempts >= e.policy.MaxAttempts || adapterPermanent
	e.publishError(ctx, workflowID, errType, message, permanent)

	if attempts < e.policy.MaxAttempts && !adapterPermanent {
		if err := e.store.UpdateStepStatus(ctx, workflowID, stepName, entities.StepInProgress, &evidence, false, critical); err != nil {
			return Outcome{}, err
		}
		nextAt := e.clk.Now().Add(e.policy.DelayForAttempt(attempts))
		if err := e.store.ScheduleRetry(ctx, workflowID, stepName, nextAt); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: entities.StepInProgress}, nil
	}

	if err := e.store.UpdateStepStatus(ctx, workflowID, stepName, entities.StepFailed, &evidence, false, critical); err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: entities.StepFailed, HaltWorkflow: critical, Permanent: adapterPermanent}, nil
}

func classifyFailure(ctx context.Context, err error, result contracts.AdapterResult) (errType, message string) {
	if ctx.Err() != nil {
		return "timeout", ctx.Err().Error()
	}
	if result.Error != nil {
		return result.Error.ErrorType, result.Error.Message
	}
	if err != nil {
		return "adapter_error", err.Error()
	}
	return "unknown", "adapter call failed without detail"
}

// SweepDueRetries re-dispatches every step whose scheduled retry time has
// passed, across all live workflows. Driven by a cron-scheduled ticker
// (DS-4), not a per-step timer, so no goroutine blocks on a sleep.
func (e *Executor) SweepDueRetries(ctx context.Context, adapterFor func(system string) (contracts.Adapter, bool)) {
	due, err := e.store.DueStepRetries(ctx)
	if err != nil {
		e.log.Error("failed to list due step retries", "error", err)
		return
	}
	for _, ref := range due {
		state, err := e.store.Get(ctx, ref.WorkflowID)
		if err != nil {
			continue
		}
		adapter, ok := adapterFor(ref.StepName)
		if !ok {
			e.log.Error("no adapter registered for step", "step", ref.StepName, "workflowId", ref.WorkflowID)
			continue
		}
		step := state.Steps[ref.StepName]
		if _, err := e.Dispatch(ctx, ref.WorkflowID, ref.StepName, adapter, state.UserIdentifiers, step.Critical); err != nil {
			e.log.Error("retry dispatch failed", "workflowId", ref.WorkflowID, "step", ref.StepName, "error", err)
		}
	}
}
