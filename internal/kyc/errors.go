// ==============================================================================
// KYC ERROR CLASSIFICATION - internal/kyc/errors.go
// ==============================================================================
// Maps engine errors onto categories so callers and logs can tell caller
// mistakes from expected races and real faults.
// ==============================================================================

package kyc

import (
	"context"
	"errors"
	"fmt"
	"time"

	kycerrors "kycreview/pkg/errors"
	"kycreview/pkg/logger"

	"github.com/google/uuid"
)

// ==============================================================================
// ERROR TYPES AND STRUCTURES
// ==============================================================================

// ErrorCategory represents the category of error for proper handling
type ErrorCategory string

const (
	CategoryInput          ErrorCategory = "input"
	CategoryPrecondition   ErrorCategory = "precondition"
	CategoryConcurrency    ErrorCategory = "concurrency"
	CategoryNotFound       ErrorCategory = "not_found"
	CategoryConfiguration  ErrorCategory = "configuration"
	CategoryInfrastructure ErrorCategory = "infrastructure"
)

// ErrorSeverity represents the severity level of the error
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// StructuredError carries an engine error with its classification.
type StructuredError struct {
	Code          string        `json:"code"`
	Message       string        `json:"message"`
	Category      ErrorCategory `json:"category"`
	Severity      ErrorSeverity `json:"severity"`
	IsRetryable   bool          `json:"is_retryable"`
	Operation     string        `json:"operation"`
	ApplicationID *uuid.UUID    `json:"application_id,omitempty"`
	StepID        *uuid.UUID    `json:"step_id,omitempty"`
	ErrorTime     time.Time     `json:"error_time"`

	Cause error `json:"-"`
}

func (e *StructuredError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// errorMapping describes how a sentinel is classified.
type errorMapping struct {
	sentinel    error
	code        string
	category    ErrorCategory
	severity    ErrorSeverity
	isRetryable bool
}

// errorCatalogue is checked in order; the first sentinel in the chain wins.
var errorCatalogue = []errorMapping{
	// Input errors: caller mistakes, never retried.
	{kycerrors.ErrInvalidDocumentType, "INVALID_DOCUMENT_TYPE", CategoryInput, SeverityLow, false},
	{kycerrors.ErrInvalidStateTransition, "INVALID_STATE_TRANSITION", CategoryInput, SeverityMedium, false},
	{kycerrors.ErrStepConflict, "STEP_CONFLICT", CategoryInput, SeverityLow, false},
	{kycerrors.ErrInvalidReviewResult, "INVALID_REVIEW_RESULT", CategoryInput, SeverityLow, false},
	{kycerrors.ErrStepNotOwned, "STEP_NOT_OWNED", CategoryInput, SeverityMedium, false},
	{kycerrors.ErrInvalidStepState, "INVALID_STEP_STATE", CategoryInput, SeverityLow, false},
	{kycerrors.ErrReviewerNotEligible, "REVIEWER_NOT_ELIGIBLE", CategoryInput, SeverityMedium, false},
	{kycerrors.ErrSupervisorQueueReserved, "SUPERVISOR_QUEUE_RESERVED", CategoryInput, SeverityMedium, false},
	{kycerrors.ErrValidationFailed, "VALIDATION_ERROR", CategoryInput, SeverityLow, false},

	// Precondition errors: caller must resolve and retry.
	{kycerrors.ErrApplicationLocked, "APPLICATION_LOCKED", CategoryPrecondition, SeverityLow, false},
	{kycerrors.ErrDocumentsIncomplete, "DOCUMENTS_INCOMPLETE", CategoryPrecondition, SeverityLow, false},
	{kycerrors.ErrResubmissionLimit, "RESUBMISSION_LIMIT", CategoryPrecondition, SeverityMedium, false},
	{kycerrors.ErrCooldownActive, "COOLDOWN_ACTIVE", CategoryPrecondition, SeverityLow, true},

	// Concurrency: expected races.
	{kycerrors.ErrStaleVersion, "STALE_VERSION", CategoryConcurrency, SeverityLow, true},
	{kycerrors.ErrConcurrentModification, "CONCURRENT_MODIFICATION", CategoryConcurrency, SeverityMedium, true},

	{kycerrors.ErrApplicationNotFound, "APPLICATION_NOT_FOUND", CategoryNotFound, SeverityLow, false},
	{kycerrors.ErrStepNotFound, "STEP_NOT_FOUND", CategoryNotFound, SeverityLow, false},
	{kycerrors.ErrReviewerNotFound, "REVIEWER_NOT_FOUND", CategoryNotFound, SeverityLow, false},
	{kycerrors.ErrAssessmentNotFound, "ASSESSMENT_NOT_FOUND", CategoryNotFound, SeverityLow, false},

	// Configuration errors are fatal at startup.
	{kycerrors.ErrInvalidConfiguration, "INVALID_CONFIGURATION", CategoryConfiguration, SeverityCritical, false},
	{kycerrors.ErrNoSeniorReviewers, "NO_SENIOR_REVIEWERS", CategoryConfiguration, SeverityCritical, false},
}

// Classify maps err onto the catalogue. Unknown errors are infrastructure
// faults. Returns nil for a nil error.
func Classify(err error, operation string) *StructuredError {
	if err == nil {
		return nil
	}
	var se *StructuredError
	if errors.As(err, &se) {
		return se
	}

	out := &StructuredError{
		Code:      "INTERNAL_ERROR",
		Message:   err.Error(),
		Category:  CategoryInfrastructure,
		Severity:  SeverityHigh,
		Operation: operation,
		ErrorTime: time.Now().UTC(),
		Cause:     err,
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		out.Code = "CANCELLED"
		out.Severity = SeverityLow
		out.IsRetryable = true
		return out
	}
	for _, m := range errorCatalogue {
		if errors.Is(err, m.sentinel) {
			out.Code = m.code
			out.Category = m.category
			out.Severity = m.severity
			out.IsRetryable = m.isRetryable
			break
		}
	}
	return out
}

// IsCategory reports whether err classifies into category.
func IsCategory(err error, category ErrorCategory) bool {
	se := Classify(err, "")
	return se != nil && se.Category == category
}

// logError logs an error at a level matching its category. Caller mistakes
// and expected races are not faults.
func logError(log logger.Logger, se *StructuredError, fields map[string]interface{}) {
	if se == nil {
		return
	}
	logData := map[string]interface{}{
		"error_code":   se.Code,
		"category":     string(se.Category),
		"severity":     string(se.Severity),
		"operation":    se.Operation,
		"is_retryable": se.IsRetryable,
		"error":        se.Message,
	}
	if se.ApplicationID != nil {
		logData["application_id"] = se.ApplicationID.String()
	}
	if se.StepID != nil {
		logData["step_id"] = se.StepID.String()
	}
	for k, v := range fields {
		logData[k] = v
	}

	switch se.Category {
	case CategoryInput, CategoryPrecondition, CategoryNotFound:
		log.Warn("KYC request rejected", logData)
	case CategoryConcurrency:
		log.Debug("KYC concurrent update", logData)
	default:
		log.Error("KYC operation failed", logData)
	}
}
