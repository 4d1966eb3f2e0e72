// Package certificate implements the terminal Certificate of Destruction
// (§4.M): assembling per-system receipts and legal-hold documentation from
// a completed WorkflowState, redacting identifiers, and signing the result
// with pkg/canon. Signing is grounded on pkg/canon's Keyring (B); redaction
// is grounded on the teacher's internal/pkg/util/redact.go and
// internal/api/handlers/common/pii.go (RedactPII), generalized from
// "SHA-256 the whole value" to the structure-preserving partial masking
// §4.M step 4 requires.
package certificate

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/internal/domain/services/workflow"
	"github.com/rail-service/erasure_service/pkg/canon"
	"github.com/rail-service/erasure_service/pkg/clock"
	"github.com/rail-service/erasure_service/pkg/errors"
	"github.com/rail-service/erasure_service/pkg/logger"
)

// ErrorPublisher is the narrow slice of monitor.Publisher the generator
// needs to surface an audit-integrity refusal on the Error topic (§7).
// Declared locally, like executor.ErrorPublisher, so this package never
// imports monitor.
type ErrorPublisher interface {
	PublishError(ctx context.Context, workflowID, errType, message string, permanent bool) error
}

// Generator issues and verifies Certificates of Destruction.
type Generator struct {
	store    *workflow.Store
	keyring  *canon.Keyring
	clk      clock.Clock
	log      *logger.Logger
	errorPub ErrorPublisher

	mu               sync.Mutex
	jurisdictionKeys map[entities.Jurisdiction]*canon.Keyring
}

func New(store *workflow.Store, keyring *canon.Keyring, clk clock.Clock, log *logger.Logger) *Generator {
	return &Generator{store: store, keyring: keyring, clk: clk, log: log, jurisdictionKeys: make(map[entities.Jurisdiction]*canon.Keyring)}
}

// SetErrorPublisher wires the Error-topic publisher after construction,
// mirroring executor.Executor.SetErrorPublisher.
func (g *Generator) SetErrorPublisher(p ErrorPublisher) {
	g.errorPub = p
}

// keyringFor returns the jurisdiction-scoped Keyring for j, deriving and
// caching it on first use via canon.Keyring.DeriveForJurisdiction (B). An
// empty jurisdiction (workflows predating jurisdiction tracking, or test
// fixtures) signs with the master keyring directly.
func (g *Generator) keyringFor(j entities.Jurisdiction) *canon.Keyring {
	if j == "" {
		return g.keyring
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if kr, ok := g.jurisdictionKeys[j]; ok {
		return kr
	}
	kr, err := g.keyring.DeriveForJurisdiction(string(j))
	if err != nil {
		g.log.Warn("jurisdiction key derivation failed, falling back to master key", "jurisdiction", j, "error", err)
		return g.keyring
	}
	g.jurisdictionKeys[j] = kr
	return kr
}

// Generate satisfies orchestrator.CertificateGenerator (§4.M steps 1-6).
func (g *Generator) Generate(ctx context.Context, workflowID string) (*entities.CertificateOfDestruction, error) {
	state, err := g.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	trail, err := g.store.GetAuditTrail(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !trail.VerifyIntegrity() {
		const message = "refusing to certify a workflow with a tampered audit trail"
		if g.errorPub != nil {
			if err := g.errorPub.PublishError(ctx, workflowID, "audit_integrity", message, true); err != nil {
				g.log.Error("failed to publish audit integrity error event", "workflowId", workflowID, "error", err)
			}
		}
		return nil, errors.NewAuditIntegrityError(message, nil)
	}

	var status entities.CertificateStatus
	switch state.Status {
	case entities.WorkflowCompleted:
		status = entities.CertCompleted
	case entities.WorkflowCompletedWithExceptions:
		status = entities.CertCompletedWithException
	default:
		return nil, errors.NewValidation(fmt.Sprintf("cannot certify workflow in status %s", state.Status), nil)
	}

	cert := entities.CertificateOfDestruction{
		CertificateID:       g.clk.NewID(),
		WorkflowID:          state.WorkflowID,
		Jurisdiction:        state.Jurisdiction,
		UserIdentifiers:     redactIdentifiers(state.UserIdentifiers),
		Status:              status,
		SystemReceipts:      systemReceipts(state),
		LegalHolds:          legalHoldDocs(state.LegalHolds),
		PolicyVersion:       state.PolicyVersion,
		DataLineageSnapshot: redactLineage(state.DataLineageSnapshot),
		AuditHashRoot:       trail.Root(),
	}
	if state.CompletedAt != nil {
		cert.CompletedAt = *state.CompletedAt
	} else {
		cert.CompletedAt = g.clk.Now()
	}

	signature, err := g.keyringFor(cert.Jurisdiction).Sign(cert)
	if err != nil {
		return nil, errors.NewWorkflowStateError("signing certificate", err)
	}
	cert.Signature = hex.EncodeToString(signature)

	if ok, reasons := ValidateCertificate(&cert); !ok {
		return nil, errors.NewValidation(fmt.Sprintf("generated certificate failed structural validation: %v", reasons), nil)
	}
	return &cert, nil
}

func systemReceipts(state *entities.WorkflowState) []entities.SystemReceipt {
	receipts := make([]entities.SystemReceipt, 0, len(state.Steps))
	for _, name := range state.StepOrder {
		step, ok := state.Steps[name]
		if !ok {
			continue
		}
		evidence := step.Evidence.Receipt
		if step.Status == entities.StepFailed {
			evidence = fmt.Sprintf("failed after %d attempt(s): %s: %s", step.Attempts, step.Evidence.ErrorType, step.Evidence.Message)
		}
		receipts = append(receipts, entities.SystemReceipt{
			System:    name,
			Status:    step.Status,
			Evidence:  evidence,
			Timestamp: step.Evidence.Timestamp,
		})
	}
	return receipts
}

func legalHoldDocs(holds []entities.LegalHold) []entities.CertificateLegalHold {
	docs := make([]entities.CertificateLegalHold, 0, len(holds))
	for _, h := range holds {
		justification := h.Reason
		if h.ExpiresAt != nil {
			justification = fmt.Sprintf("%s (expires %s)", h.Reason, h.ExpiresAt.Format("2006-01-02"))
		} else {
			justification = fmt.Sprintf("%s (indefinite)", h.Reason)
		}
		docs = append(docs, entities.CertificateLegalHold{System: h.System, Reason: h.Reason, Justification: justification})
	}
	return docs
}

func redactLineage(lineage entities.DataLineageSnapshot) entities.DataLineageSnapshot {
	redacted := make([]string, len(lineage.Identifiers))
	for i, id := range lineage.Identifiers {
		redacted[i] = RedactIdentifier(id)
	}
	return entities.DataLineageSnapshot{
		Systems:     append([]string(nil), lineage.Systems...),
		Identifiers: redacted,
		CapturedAt:  lineage.CapturedAt,
	}
}

func redactIdentifiers(ids entities.UserIdentifiers) entities.UserIdentifiers {
	emails := make([]string, len(ids.Emails))
	for i, e := range ids.Emails {
		emails[i] = redactEmail(e)
	}
	phones := make([]string, len(ids.Phones))
	for i, p := range ids.Phones {
		phones[i] = redactPhone(p)
	}
	aliases := make([]string, len(ids.Aliases))
	for i, a := range ids.Aliases {
		aliases[i] = RedactIdentifier(a)
	}
	return entities.UserIdentifiers{
		UserID:  RedactIdentifier(ids.UserID),
		Emails:  emails,
		Phones:  phones,
		Aliases: aliases,
	}
}

// RedactIdentifier dispatches to the structure-preserving masker matching
// the value's shape (§4.M step 4): emails, phone numbers, then the generic
// long-string fallback.
func RedactIdentifier(v string) string {
	switch {
	case v == "":
		return v
	case strings.Contains(v, "@"):
		return redactEmail(v)
	case looksLikePhone(v):
		return redactPhone(v)
	default:
		return redactLongString(v)
	}
}

// redactEmail masks the localpart to a***z, preserving the domain for
// verifiability: "alice@example.com" -> "a***e@example.com".
func redactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return redactLongString(email)
	}
	local, domain := email[:at], email[at+1:]
	return maskMiddle(local) + "@" + domain
}

func looksLikePhone(v string) bool {
	digits := 0
	for _, r := range v {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' || r == '-' || r == ' ' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits >= 7
}

// redactPhone masks the middle digits while preserving a leading "+" with
// the one-digit country code after it and the last two digits, e.g.
// "+14155552671" -> "+1***71".
func redactPhone(phone string) string {
	countryCode := ""
	rest := phone
	if strings.HasPrefix(phone, "+") {
		end := 1
		for end < len(rest) && end < 2 && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		countryCode, rest = rest[:end], rest[end:]
	}
	if len(rest) <= 4 {
		return countryCode + strings.Repeat("*", len(rest))
	}
	return countryCode + "***" + rest[len(rest)-2:]
}

// redactLongString masks everything but the first and last character:
// "X***Y".
func redactLongString(v string) string {
	if len(v) <= 2 {
		return strings.Repeat("*", len(v))
	}
	return string(v[0]) + "***" + string(v[len(v)-1])
}

func maskMiddle(s string) string {
	if len(s) <= 2 {
		return strings.Repeat("*", len(s))
	}
	return string(s[0]) + "***" + string(s[len(s)-1])
}

// ValidateCertificate checks §4.M step 7's structural requirements.
func ValidateCertificate(cert *entities.CertificateOfDestruction) (bool, []string) {
	var errs []string
	if cert.CertificateID == "" {
		errs = append(errs, "missing certificateId")
	}
	if cert.WorkflowID == "" {
		errs = append(errs, "missing workflowId")
	}
	if cert.Status != entities.CertCompleted && cert.Status != entities.CertCompletedWithException {
		errs = append(errs, "invalid certificate status")
	}
	if cert.AuditHashRoot == "" {
		errs = append(errs, "missing auditHashRoot")
	}
	if cert.Signature == "" {
		errs = append(errs, "missing signature")
	}
	if len(cert.SystemReceipts) == 0 {
		errs = append(errs, "missing systemReceipts")
	}
	return len(errs) == 0, errs
}

// VerifyCertificate re-verifies the detached signature over everything but
// the signature field itself (§4.M step 7).
func (g *Generator) VerifyCertificate(cert entities.CertificateOfDestruction) (bool, error) {
	signature := cert.Signature
	cert.Signature = ""
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false, errors.NewValidation("malformed certificate signature encoding", err)
	}
	return g.keyringFor(cert.Jurisdiction).Verify(cert, sig)
}
