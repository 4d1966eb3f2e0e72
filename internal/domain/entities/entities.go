package entities

import "time"

// UserIdentifiers identifies the data subject across downstream systems.
// Immutable once attached to a workflow.
type UserIdentifiers struct {
	UserID  string   `json:"userId"`
	Emails  []string `json:"emails"`
	Phones  []string `json:"phones"`
	Aliases []string `json:"aliases"`
}

// LegalProof documents why the request is authorized.
type LegalProof struct {
	Type       LegalProofType `json:"type"`
	Evidence   string         `json:"evidence"`
	VerifiedAt time.Time      `json:"verifiedAt"`
}

// Requester records who filed the request, for audit only — not an
// authorization mechanism (§1 Non-goals).
type Requester struct {
	UserID       string `json:"userId"`
	Role         string `json:"role"`
	Organization string `json:"organization"`
}

// ErasureRequest is the immutable record of what was asked for.
type ErasureRequest struct {
	RequestID       string          `json:"requestId"`
	WorkflowID      string          `json:"workflowId"`
	UserIdentifiers UserIdentifiers `json:"userIdentifiers"`
	LegalProof      LegalProof      `json:"legalProof"`
	Jurisdiction    Jurisdiction    `json:"jurisdiction"`
	RequestedBy     Requester       `json:"requestedBy"`
	CreatedAt       time.Time       `json:"createdAt"`
	// Reason, when set, records why the request was filed beyond a direct
	// subject ask — e.g. "ZOMBIE_DATA_DETECTED" for a workflow spawned by
	// the zombie scheduler (§4.L).
	Reason string `json:"reason,omitempty"`
	// OriginalWorkflowID links a zombie-spawned workflow back to the one
	// whose re-check found resurrected data.
	OriginalWorkflowID string `json:"originalWorkflowId,omitempty"`
}

// StepEvidence captures what happened the last time a step ran.
type StepEvidence struct {
	Receipt     string `json:"receipt,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	APIResponse string `json:"apiResponse,omitempty"`
	ErrorType   string `json:"errorType,omitempty"`
	Message     string `json:"message,omitempty"`
	AttemptNumber int  `json:"attemptNumber,omitempty"`
}

// WorkflowStep is one downstream-system deletion task.
type WorkflowStep struct {
	Name     string       `json:"name"`
	Status   StepStatus   `json:"status"`
	Attempts int          `json:"attempts"`
	Evidence StepEvidence `json:"evidence"`
	Critical bool         `json:"critical"`
	// NextAttemptAt is set when a retry is pending so the executor's sweep
	// can cooperatively re-dispatch without a blocking sleep (§5).
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
}

// LegalHold suspends deletion against one system.
type LegalHold struct {
	System    string     `json:"system"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	AddedAt   time.Time  `json:"addedAt"`
}

// IsActive reports whether the hold is still in force relative to now.
func (h LegalHold) IsActive(now time.Time) bool {
	return h.ExpiresAt == nil || h.ExpiresAt.After(now)
}

// DataLineageSnapshot freezes, at intake, which systems and identifiers
// are in scope for this workflow.
type DataLineageSnapshot struct {
	Systems     []string  `json:"systems"`
	Identifiers []string  `json:"identifiers"`
	CapturedAt  time.Time `json:"capturedAt"`
}

// PIIFindingProvenance documents where a finding came from.
type PIIFindingProvenance struct {
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"messageId,omitempty"`
	Channel   string    `json:"channel,omitempty"`
}

// PIIFinding is one piece of detected personal data.
type PIIFinding struct {
	MatchID    string               `json:"matchId"`
	System     string               `json:"system"`
	Location   string               `json:"location"`
	PIIType    PIIType              `json:"piiType"`
	Confidence float64              `json:"confidence"`
	Snippet    string               `json:"snippet"`
	Provenance PIIFindingProvenance `json:"provenance"`
}

// BackgroundJob tracks one resumable scan.
type BackgroundJob struct {
	JobID       string              `json:"jobId"`
	WorkflowID  string              `json:"workflowId"`
	Type        BackgroundJobType   `json:"type"`
	Status      BackgroundJobStatus `json:"status"`
	Progress    float64             `json:"progress"`
	Checkpoints []string            `json:"checkpoints"`
	Findings    []PIIFinding        `json:"findings"`
}

// WorkflowState is the authoritative, mutable record for one erasure run.
type WorkflowState struct {
	WorkflowID          string                   `json:"workflowId"`
	UserIdentifiers     UserIdentifiers          `json:"userIdentifiers"`
	Jurisdiction        Jurisdiction             `json:"jurisdiction"`
	Status              WorkflowStatus           `json:"status"`
	PolicyVersion       string                   `json:"policyVersion"`
	LegalHolds          []LegalHold              `json:"legalHolds"`
	Steps               map[string]*WorkflowStep `json:"steps"`
	StepOrder           []string                 `json:"stepOrder"`
	BackgroundJobs      map[string]*BackgroundJob `json:"backgroundJobs"`
	AuditHashes         []string                 `json:"auditHashes"`
	DataLineageSnapshot DataLineageSnapshot      `json:"dataLineageSnapshot"`
	CreatedAt           time.Time                `json:"createdAt"`
	CompletedAt         *time.Time               `json:"completedAt,omitempty"`
	OriginalWorkflowID  string                   `json:"originalWorkflowId,omitempty"`
}

// RetentionRule is one per-system retention policy entry.
type RetentionRule struct {
	System        string `json:"system"`
	RetentionDays int    `json:"retentionDays"`
	Priority      int    `json:"priority"`
}

// LegalHoldRule documents when a hold is permitted for a system.
type LegalHoldRule struct {
	System     string `json:"system"`
	Conditions string `json:"conditions"`
	MaxDuration string `json:"maxDuration"`
}

// ConfidenceThresholds gates background-scan findings (§4.J).
type ConfidenceThresholds struct {
	AutoDelete   float64 `json:"autoDelete"`
	ManualReview float64 `json:"manualReview"`
}

// PolicyConfig is a jurisdiction-scoped, versioned configuration snapshot.
type PolicyConfig struct {
	Version              string               `json:"version"`
	Jurisdiction         Jurisdiction         `json:"jurisdiction"`
	RetentionRules        []RetentionRule      `json:"retentionRules"`
	LegalHoldRules        []LegalHoldRule      `json:"legalHoldRules"`
	ZombieCheckIntervalDays int                `json:"zombieCheckIntervalDays"`
	ConfidenceThresholds  ConfidenceThresholds `json:"confidenceThresholds"`
}

// PolicyApplication snapshots the policy bound to a workflow at creation.
type PolicyApplication struct {
	WorkflowID     string       `json:"workflowId"`
	PolicyVersion  string       `json:"policyVersion"`
	Jurisdiction   Jurisdiction `json:"jurisdiction"`
	AppliedAt      time.Time    `json:"appliedAt"`
	ConfigSnapshot PolicyConfig `json:"configSnapshot"`
}

// AuditEvent is the payload chained into the audit log.
type AuditEvent struct {
	EventID    string         `json:"eventId"`
	WorkflowID string         `json:"workflowId"`
	EventType  AuditEventType `json:"eventType"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AuditEntry links one event into the hash chain.
type AuditEntry struct {
	Event        AuditEvent `json:"event"`
	PreviousHash string     `json:"previousHash"`
	Hash         string     `json:"hash"`
}

// SystemReceipt documents the terminal outcome for one downstream system,
// as it appears on a certificate.
type SystemReceipt struct {
	System    string     `json:"system"`
	Status    StepStatus `json:"status"`
	Evidence  string     `json:"evidence"`
	Timestamp time.Time  `json:"timestamp"`
}

// CertificateLegalHold documents a hold that was in force at completion.
type CertificateLegalHold struct {
	System        string `json:"system"`
	Reason        string `json:"reason"`
	Justification string `json:"justification"`
}

// CertificateOfDestruction is the signed, terminal summary of a workflow.
type CertificateOfDestruction struct {
	CertificateID       string                 `json:"certificateId"`
	WorkflowID          string                 `json:"workflowId"`
	Jurisdiction        Jurisdiction           `json:"jurisdiction"`
	UserIdentifiers     UserIdentifiers        `json:"userIdentifiers"`
	CompletedAt         time.Time              `json:"completedAt"`
	Status              CertificateStatus      `json:"status"`
	SystemReceipts      []SystemReceipt        `json:"systemReceipts"`
	LegalHolds          []CertificateLegalHold `json:"legalHolds"`
	PolicyVersion       string                 `json:"policyVersion"`
	DataLineageSnapshot DataLineageSnapshot    `json:"dataLineageSnapshot"`
	AuditHashRoot       string                 `json:"auditHashRoot"`
	Signature           string                 `json:"signature,omitempty"`
}

// ZombieSchedule is a pending (or completed) deferred re-check.
type ZombieSchedule struct {
	ScheduleID   string               `json:"scheduleId"`
	WorkflowID   string               `json:"workflowId"`
	ScheduledFor time.Time            `json:"scheduledFor"`
	Status       ZombieScheduleStatus `json:"status"`
}

// Alert is the high-severity signal raised on zombie-positive (S6).
type Alert struct {
	AlertID            string        `json:"alertId"`
	Severity           AlertSeverity `json:"severity"`
	OriginalWorkflowID string        `json:"originalWorkflowId"`
	SpawnedWorkflowID  string        `json:"spawnedWorkflowId"`
	Message            string        `json:"message"`
	RaisedAt           time.Time     `json:"raisedAt"`
}
