// Package api is the thin gin-gonic/gin HTTP binding for the erasure
// orchestration core (DS-1 / §6): Intake, Status, and Certificate
// retrieval. Grounded on the teacher's
// internal/api/handlers/wallet/withdrawal_handlers.go (ShouldBindJSON +
// struct-tag validation + a response-helper package) generalized from a
// fintech withdrawal flow to the erasure request lifecycle.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/rail-service/erasure_service/internal/domain/entities"
	"github.com/rail-service/erasure_service/internal/domain/services/certificate"
	"github.com/rail-service/erasure_service/internal/domain/services/orchestrator"
	"github.com/rail-service/erasure_service/internal/domain/services/workflow"
	"github.com/rail-service/erasure_service/pkg/clock"
	apperrors "github.com/rail-service/erasure_service/pkg/errors"
	"github.com/rail-service/erasure_service/pkg/logger"
)

// Handlers binds the orchestration core to gin routes.
type Handlers struct {
	orch     *orchestrator.Orchestrator
	store    *workflow.Store
	cert     *certificate.Generator
	clk      clock.Clock
	log      *logger.Logger
	validate *validator.Validate
}

func NewHandlers(orch *orchestrator.Orchestrator, store *workflow.Store, cert *certificate.Generator, clk clock.Clock, log *logger.Logger) *Handlers {
	return &Handlers{orch: orch, store: store, cert: cert, clk: clk, log: log, validate: validator.New()}
}

// Register mounts every route onto router, matching the teacher's
// RegisterXRoutes(router *gin.RouterGroup, ...) pattern.
func Register(router *gin.RouterGroup, h *Handlers) {
	erasure := router.Group("/erasure-requests")
	{
		erasure.POST("", h.Intake)
		erasure.GET("/:workflowId", h.GetStatus)
		erasure.GET("/:workflowId/certificate", h.GetCertificate)
	}
}

// Intake handles POST /v1/erasure-requests (§6 Intake).
func (h *Handlers) Intake(c *gin.Context) {
	var body intakeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusUnprocessableEntity, "INVALID_REQUEST", "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(body); err != nil {
		respondError(c, http.StatusUnprocessableEntity, "INVALID_REQUEST", err.Error())
		return
	}

	verifiedAt, err := time.Parse(time.RFC3339, body.LegalProof.VerifiedAt)
	if err != nil {
		respondError(c, http.StatusUnprocessableEntity, "INVALID_REQUEST", "legalProof.verifiedAt must be RFC3339")
		return
	}

	req := entities.ErasureRequest{
		RequestID: h.clk.NewID(),
		UserIdentifiers: entities.UserIdentifiers{
			UserID:  body.UserIdentifiers.UserID,
			Emails:  body.UserIdentifiers.Emails,
			Phones:  body.UserIdentifiers.Phones,
			Aliases: body.UserIdentifiers.Aliases,
		},
		LegalProof: entities.LegalProof{
			Type:       entities.LegalProofType(body.LegalProof.Type),
			Evidence:   body.LegalProof.Evidence,
			VerifiedAt: verifiedAt,
		},
		Jurisdiction: entities.Jurisdiction(body.Jurisdiction),
		RequestedBy: entities.Requester{
			UserID:       body.RequestedBy.UserID,
			Role:         body.RequestedBy.Role,
			Organization: body.RequestedBy.Organization,
		},
		CreatedAt: h.clk.Now(),
	}

	result, err := h.orch.Intake(c.Request.Context(), req)
	if err != nil {
		h.log.Error("intake failed", "error", err)
		respondDomainError(c, err)
		return
	}
	if !result.Admitted {
		c.JSON(http.StatusConflict, intakeConflictResponse{
			ExistingWorkflowID: result.ExistingID,
			Reason:             string(result.Reason),
		})
		return
	}
	c.JSON(http.StatusCreated, result.Workflow)
}

// GetStatus handles GET /v1/erasure-requests/:workflowId.
func (h *Handlers) GetStatus(c *gin.Context) {
	workflowID := c.Param("workflowId")
	state, err := h.store.Get(c.Request.Context(), workflowID)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// GetCertificate handles GET /v1/erasure-requests/:workflowId/certificate
// (§6): 404 for an unknown workflowId, 422 while the workflow is in any
// status other than Completed or CompletedWithExceptions (Failed and
// AwaitingManualReview included), 200 with the signed certificate once it is.
func (h *Handlers) GetCertificate(c *gin.Context) {
	workflowID := c.Param("workflowId")
	cert, err := h.cert.Generate(c.Request.Context(), workflowID)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, cert)
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Code: code, Message: message})
}

// respondDomainError maps a pkg/errors.Error to the HTTP status §6 and
// DS-1 specify; anything else (a bug, not a taxonomy member) is a 500.
func respondDomainError(c *gin.Context, err error) {
	domainErr, ok := err.(*apperrors.Error)
	if !ok {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "an unexpected error occurred")
		return
	}

	switch domainErr.Code {
	case apperrors.Validation:
		respondError(c, http.StatusUnprocessableEntity, string(domainErr.Code), domainErr.Message)
	case apperrors.AdmissionConflict:
		respondError(c, http.StatusConflict, string(domainErr.Code), domainErr.Message)
	case apperrors.AuditIntegrityErr:
		respondError(c, http.StatusInternalServerError, string(domainErr.Code), domainErr.Message)
	case apperrors.WorkflowStateErr:
		if containsNotFound(domainErr.Message) {
			respondError(c, http.StatusNotFound, string(domainErr.Code), domainErr.Message)
			return
		}
		// A WorkflowStateError that isn't "not found" means the caller
		// tried an operation a sealed/terminal workflow can no longer
		// accept (§6: 410).
		respondError(c, http.StatusGone, string(domainErr.Code), domainErr.Message)
	default:
		respondError(c, http.StatusInternalServerError, string(domainErr.Code), domainErr.Message)
	}
}

func containsNotFound(msg string) bool {
	const needle = "not found"
	if len(msg) < len(needle) {
		return false
	}
	for i := 0; i+len(needle) <= len(msg); i++ {
		if msg[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
