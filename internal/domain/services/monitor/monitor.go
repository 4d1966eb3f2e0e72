// Package monitor implements the monitoring publisher (§4.N): Status,
// Error, and Completion events are JSON-encoded and pushed onto the
// EventBus port (C), keyed by (topic, workflowId) so a durable consumer
// can Replay its backlog after a restart. Prometheus counters (pkg/metrics)
// are updated alongside every publish; the registry's WorkflowDuration
// histogram is not observed here.
package monitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/internal/domain/ports"
	"github.com/rail-service/erasure_service/pkg/clock"
	"github.com/rail-service/erasure_service/pkg/errors"
	"github.com/rail-service/erasure_service/pkg/logger"
	"github.com/rail-service/erasure_service/pkg/metrics"
)

const (
	TopicStatus     = "status"
	TopicError      = "error"
	TopicCompletion = "completion"
)

// StatusEventType is the closed set §4.N's Status topic carries.
type StatusEventType string

const (
	StatusChange   StatusEventType = "StatusChange"
	StepUpdateType StatusEventType = "StepUpdate"
)

// StatusEvent is published on every workflow status transition and step
// outcome.
type StatusEvent struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflowId"`
	Timestamp  time.Time              `json:"timestamp"`
	Type       StatusEventType        `json:"type"`
	Status     entities.WorkflowStatus `json:"status,omitempty"`
	StepName   string                 `json:"stepName,omitempty"`
	StepStatus entities.StepStatus    `json:"stepStatus,omitempty"`
}

// CompletionSummary is the body of a Completion event (§4.N).
type CompletionSummary struct {
	CertificateID string `json:"certificateId,omitempty"`
	AuditHashRoot string `json:"auditHashRoot,omitempty"`
}

// CompletionEvent is published by the orchestrator's completion check when a
// workflow reaches Completed or CompletedWithExceptions and its certificate
// has been issued; Failed and AwaitingManualReview workflows publish none.
type CompletionEvent struct {
	ID         string            `json:"id"`
	WorkflowID string            `json:"workflowId"`
	Type       string            `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	Status     entities.CertificateStatus `json:"status,omitempty"`
	Summary    CompletionSummary `json:"summary"`
}

// Publisher satisfies orchestrator.Monitor.
type Publisher struct {
	bus     ports.EventBus
	metrics *metrics.Registry
	clk     clock.Clock
	log     *logger.Logger
}

func New(bus ports.EventBus, m *metrics.Registry, clk clock.Clock, log *logger.Logger) *Publisher {
	return &Publisher{bus: bus, metrics: m, clk: clk, log: log}
}

func (p *Publisher) publish(ctx context.Context, topic, workflowID string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.NewWorkflowStateError("encoding monitoring event", err)
	}
	if err := p.bus.Publish(ctx, topic, workflowID, payload); err != nil {
		return errors.NewSchedulerError("publishing monitoring event", err)
	}
	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(topic).Inc()
	}
	return nil
}

// PublishStatusChange publishes a StatusChange event on the Status topic.
func (p *Publisher) PublishStatusChange(ctx context.Context, workflowID string, status entities.WorkflowStatus) error {
	return p.publish(ctx, TopicStatus, workflowID, StatusEvent{
		ID:         p.clk.NewID(),
		WorkflowID: workflowID,
		Timestamp:  p.clk.Now(),
		Type:       StatusChange,
		Status:     status,
	})
}

// PublishStepUpdate publishes a StepUpdate event and tallies the outcome.
func (p *Publisher) PublishStepUpdate(ctx context.Context, workflowID, stepName string, status entities.StepStatus) error {
	if p.metrics != nil {
		p.metrics.StepOutcomes.WithLabelValues(stepName, string(status)).Inc()
	}
	return p.publish(ctx, TopicStatus, workflowID, StatusEvent{
		ID:         p.clk.NewID(),
		WorkflowID: workflowID,
		Timestamp:  p.clk.Now(),
		Type:       StepUpdateType,
		StepName:   stepName,
		StepStatus: status,
	})
}

// PublishCompletion publishes the terminal Completion event.
func (p *Publisher) PublishCompletion(ctx context.Context, workflowID string, cert *entities.CertificateOfDestruction) error {
	summary := CompletionSummary{}
	status := entities.CertCompleted
	if cert != nil {
		summary.CertificateID = cert.CertificateID
		summary.AuditHashRoot = cert.AuditHashRoot
		status = cert.Status
	}
	return p.publish(ctx, TopicCompletion, workflowID, CompletionEvent{
		ID:         p.clk.NewID(),
		WorkflowID: workflowID,
		Type:       "WorkflowCompleted",
		Timestamp:  p.clk.Now(),
		Status:     status,
		Summary:    summary,
	})
}

// ErrorEvent is published on the Error topic (§4.N) whenever a step
// executor exhausts its classification of a failure or a workflow-level
// integrity violation is detected.
type ErrorEvent struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflowId"`
	Timestamp  time.Time `json:"timestamp"`
	ErrorType  string    `json:"errorType"`
	Message    string    `json:"message"`
	Permanent  bool      `json:"permanent"`
}

// PublishError publishes an ErrorEvent, satisfying §7's requirement that
// classified step/integrity failures be "surfaced via high-severity Error
// stream" rather than only recorded as step evidence.
func (p *Publisher) PublishError(ctx context.Context, workflowID, errType, message string, permanent bool) error {
	return p.publish(ctx, TopicError, workflowID, ErrorEvent{
		ID:         p.clk.NewID(),
		WorkflowID: workflowID,
		Timestamp:  p.clk.Now(),
		ErrorType:  errType,
		Message:    message,
		Permanent:  permanent,
	})
}

// PublishZombieCheck records a zombie re-check outcome in the metrics
// registry; the audit entry itself is the source of truth (§4.L), this is
// purely observability.
func (p *Publisher) PublishZombieCheck(result entities.ZombieCheckResult) {
	if p.metrics != nil {
		p.metrics.ZombieChecks.WithLabelValues(string(result)).Inc()
	}
}
