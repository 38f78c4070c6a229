// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
)

// Not-found errors
var (
	ErrApplicationNotFound = errors.New("kyc application not found")
	ErrStepNotFound        = errors.New("workflow step not found")
	ErrReviewerNotFound    = errors.New("reviewer not found")
	ErrAssessmentNotFound  = errors.New("risk assessment not found")
)

// Input errors
var (
	ErrInvalidDocumentType     = errors.New("invalid document type")
	ErrInvalidStateTransition  = errors.New("invalid state transition")
	ErrStepConflict            = errors.New("application already has an open workflow step")
	ErrInvalidReviewResult     = errors.New("invalid review result")
	ErrStepNotOwned            = errors.New("workflow step is not assigned to reviewer")
	ErrInvalidStepState        = errors.New("workflow step is not in the required state")
	ErrReviewerNotEligible     = errors.New("reviewer not eligible for workflow step")
	ErrValidationFailed        = errors.New("validation failed")
	ErrSupervisorQueueReserved = errors.New("supervisor queue step requires supervise permission")
)

// Precondition errors
var (
	ErrApplicationLocked   = errors.New("kyc application is locked")
	ErrDocumentsIncomplete = errors.New("required documents incomplete")
	ErrResubmissionLimit   = errors.New("kyc submission limit reached")
	ErrCooldownActive      = errors.New("new kyc attempt not yet permitted")
)

// Concurrency errors
var (
	// ErrStaleVersion is returned by stores when a compare-and-swap save
	// observes a newer aggregate version. It never leaves the engine.
	ErrStaleVersion           = errors.New("stale aggregate version")
	ErrConcurrentModification = errors.New("concurrent modification")
)

// Configuration errors
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrNoSeniorReviewers    = errors.New("no active tier-2 reviewers in roster")
)

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
