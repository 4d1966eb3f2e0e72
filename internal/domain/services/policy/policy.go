// Package policy implements the jurisdiction-scoped, versioned policy
// engine (§4.D). Versions are semver strings managed with
// github.com/Masterminds/semver/v3 (a dependency pulled from the sibling
// Mindburn-Labs-helm example repo, since the teacher itself has no
// versioning library and this is exactly the kind of "monotonic version"
// concern a real implementation reaches for a library over).
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/internal/domain/ports"
	"github.com/rail-service/erasure_service/pkg/clock"
	"github.com/rail-service/erasure_service/pkg/errors"
	"github.com/rail-service/erasure_service/pkg/logger"
)

const (
	nsCurrent      = "policies"
	nsHistory      = "policy_history"
	nsApplications = "policy_applications"

	initialVersion = "1.0.0"
)

// RequiredSystems is the fixed set of downstream systems every policy must
// carry a retention rule for. Concrete deployments may extend this list;
// it is data, not hard-coded validation logic, precisely so the engine
// stays decoupled from any particular adapter roster.
var RequiredSystems = []string{"payment", "primary_db", "intercom", "mail", "crm", "analytics"}

// Engine resolves, versions, and snapshots PolicyConfig.
type Engine struct {
	kv  ports.KVStore
	clk clock.Clock
	log *logger.Logger
}

func New(kv ports.KVStore, clk clock.Clock, log *logger.Logger) *Engine {
	return &Engine{kv: kv, clk: clk, log: log}
}

func historyKey(jurisdiction entities.Jurisdiction, version string) string {
	return string(jurisdiction) + ":" + version
}

// GetPolicyForJurisdiction returns the current active version for j,
// falling back to a built-in default.
func (e *Engine) GetPolicyForJurisdiction(ctx context.Context, j entities.Jurisdiction) (*entities.PolicyConfig, error) {
	raw, found, err := e.kv.Get(ctx, nsCurrent, string(j))
	if err != nil {
		return nil, errors.NewWorkflowStateError("reading current policy pointer", err)
	}
	if !found {
		def := DefaultPolicy(j)
		if err := e.seedDefault(ctx, j, def); err != nil {
			return nil, err
		}
		return &def, nil
	}
	var version string
	if err := json.Unmarshal(raw, &version); err != nil {
		return nil, errors.NewWorkflowStateError("decoding current policy pointer", err)
	}
	return e.GetPolicyVersion(ctx, version, j)
}

// seedDefault persists the built-in default into history and repoints
// current, using SetIfAbsent so a concurrent first-use race only ever
// writes one copy.
func (e *Engine) seedDefault(ctx context.Context, j entities.Jurisdiction, def entities.PolicyConfig) error {
	encoded, err := json.Marshal(def)
	if err != nil {
		return errors.NewWorkflowStateError("encoding default policy", err)
	}
	if _, err := e.kv.SetIfAbsent(ctx, nsHistory, historyKey(j, def.Version), encoded); err != nil {
		return errors.NewWorkflowStateError("seeding default policy history", err)
	}
	pointer, err := json.Marshal(def.Version)
	if err != nil {
		return err
	}
	if _, err := e.kv.SetIfAbsent(ctx, nsCurrent, string(j), pointer); err != nil {
		return errors.NewWorkflowStateError("seeding current policy pointer", err)
	}
	return nil
}

// GetPolicyVersion looks up one immutable historical entry.
func (e *Engine) GetPolicyVersion(ctx context.Context, version string, jurisdiction entities.Jurisdiction) (*entities.PolicyConfig, error) {
	raw, found, err := e.kv.Get(ctx, nsHistory, historyKey(jurisdiction, version))
	if err != nil {
		return nil, errors.NewWorkflowStateError("reading policy history", err)
	}
	if !found {
		return nil, errors.NewValidation(fmt.Sprintf("unknown policy version %s for %s", version, jurisdiction), nil)
	}
	var cfg entities.PolicyConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.NewWorkflowStateError("decoding policy history entry", err)
	}
	return &cfg, nil
}

// CreatePolicyVersion validates cfg, assigns the next semver patch version,
// writes it into (immutable) history, and repoints current.
func (e *Engine) CreatePolicyVersion(ctx context.Context, jurisdiction entities.Jurisdiction, cfg entities.PolicyConfig, createdBy, reason string) (string, error) {
	if ok, errs := e.ValidatePolicy(cfg); !ok {
		return "", errors.NewValidation(fmt.Sprintf("invalid policy: %v", errs), nil)
	}

	next, err := e.nextVersion(ctx, jurisdiction)
	if err != nil {
		return "", err
	}
	cfg.Version = next
	cfg.Jurisdiction = jurisdiction

	encoded, err := json.Marshal(cfg)
	if err != nil {
		return "", errors.NewWorkflowStateError("encoding policy", err)
	}
	if err := e.kv.Set(ctx, nsHistory, historyKey(jurisdiction, next), encoded); err != nil {
		return "", errors.NewWorkflowStateError("persisting policy history", err)
	}
	pointer, err := json.Marshal(next)
	if err != nil {
		return "", err
	}
	if err := e.kv.Set(ctx, nsCurrent, string(jurisdiction), pointer); err != nil {
		return "", errors.NewWorkflowStateError("repointing current policy", err)
	}

	e.log.Info("policy version created",
		"jurisdiction", jurisdiction,
		"version", next,
		"createdBy", createdBy,
		"reason", reason,
	)
	return next, nil
}

func (e *Engine) nextVersion(ctx context.Context, jurisdiction entities.Jurisdiction) (string, error) {
	raw, found, err := e.kv.Get(ctx, nsCurrent, string(jurisdiction))
	if err != nil {
		return "", err
	}
	if !found {
		return initialVersion, nil
	}
	var current string
	if err := json.Unmarshal(raw, &current); err != nil {
		return "", err
	}
	v, err := semver.NewVersion(current)
	if err != nil {
		return "", fmt.Errorf("policy: malformed current version %q: %w", current, err)
	}
	next := v.IncPatch()
	return next.String(), nil
}

// RecordPolicyApplication snapshots the jurisdiction's current policy for a
// workflow, idempotently — a second call for the same workflowId is a
// no-op that returns the existing record.
func (e *Engine) RecordPolicyApplication(ctx context.Context, workflowID string, jurisdiction entities.Jurisdiction) (*entities.PolicyApplication, error) {
	raw, found, err := e.kv.Get(ctx, nsApplications, workflowID)
	if err != nil {
		return nil, errors.NewWorkflowStateError("reading policy application", err)
	}
	if found {
		var existing entities.PolicyApplication
		if err := json.Unmarshal(raw, &existing); err != nil {
			return nil, errors.NewWorkflowStateError("decoding policy application", err)
		}
		return &existing, nil
	}

	cfg, err := e.GetPolicyForJurisdiction(ctx, jurisdiction)
	if err != nil {
		return nil, err
	}
	app := entities.PolicyApplication{
		WorkflowID:     workflowID,
		PolicyVersion:  cfg.Version,
		Jurisdiction:   jurisdiction,
		AppliedAt:      e.clk.Now(),
		ConfigSnapshot: *cfg,
	}
	encoded, err := json.Marshal(app)
	if err != nil {
		return nil, err
	}
	if err := e.kv.Set(ctx, nsApplications, workflowID, encoded); err != nil {
		return nil, errors.NewWorkflowStateError("persisting policy application", err)
	}
	return &app, nil
}

// ValidatePolicy rejects: missing retention rule for a required system,
// autoDelete < manualReview, zombieCheckInterval < 1.
func (e *Engine) ValidatePolicy(p entities.PolicyConfig) (bool, []string) {
	var errs []string

	covered := make(map[string]bool, len(p.RetentionRules))
	for _, r := range p.RetentionRules {
		covered[r.System] = true
		if r.RetentionDays < 0 {
			errs = append(errs, fmt.Sprintf("retention rule for %s has negative retentionDays", r.System))
		}
	}
	for _, required := range RequiredSystems {
		if !covered[required] {
			errs = append(errs, fmt.Sprintf("missing retention rule for required system %s", required))
		}
	}

	if p.ConfidenceThresholds.AutoDelete < p.ConfidenceThresholds.ManualReview {
		errs = append(errs, "autoDelete threshold must be >= manualReview threshold")
	}
	if p.ZombieCheckIntervalDays < 1 {
		errs = append(errs, "zombieCheckInterval must be >= 1 day")
	}

	return len(errs) == 0, errs
}

// SortedRetentionRules orders rules by ascending priority (lower number =
// earlier), breaking ties by original insertion order — the open question
// in §9 is resolved this way, and sort.SliceStable makes that explicit.
func SortedRetentionRules(rules []RetentionRuleWithIndex) []RetentionRuleWithIndex {
	out := make([]RetentionRuleWithIndex, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Rule.Priority < out[j].Rule.Priority
	})
	return out
}

// RetentionRuleWithIndex pairs a rule with its original slice position so
// callers can feed SortedRetentionRules without losing insertion order.
type RetentionRuleWithIndex struct {
	Rule  entities.RetentionRule
	Index int
}

// WithIndices annotates a slice of rules with their original positions.
func WithIndices(rules []entities.RetentionRule) []RetentionRuleWithIndex {
	out := make([]RetentionRuleWithIndex, len(rules))
	for i, r := range rules {
		out[i] = RetentionRuleWithIndex{Rule: r, Index: i}
	}
	return out
}

// DefaultPolicy returns the built-in default, differing by jurisdiction:
// EU is strictest (lowest autoDelete threshold, shortest zombie interval),
// US is in between, OTHER is most permissive.
func DefaultPolicy(j entities.Jurisdiction) entities.PolicyConfig {
	rules := make([]entities.RetentionRule, len(RequiredSystems))
	for i, sys := range RequiredSystems {
		rules[i] = entities.RetentionRule{System: sys, RetentionDays: 0, Priority: i + 1}
	}

	base := entities.PolicyConfig{
		Version:        initialVersion,
		Jurisdiction:   j,
		RetentionRules: rules,
		LegalHoldRules: nil,
	}

	switch j {
	case entities.JurisdictionEU:
		base.ZombieCheckIntervalDays = 30
		base.ConfidenceThresholds = entities.ConfidenceThresholds{AutoDelete: 0.80, ManualReview: 0.50}
	case entities.JurisdictionUS:
		base.ZombieCheckIntervalDays = 45
		base.ConfidenceThresholds = entities.ConfidenceThresholds{AutoDelete: 0.85, ManualReview: 0.55}
	default:
		base.ZombieCheckIntervalDays = 60
		base.ConfidenceThresholds = entities.ConfidenceThresholds{AutoDelete: 0.90, ManualReview: 0.60}
	}
	return base
}
