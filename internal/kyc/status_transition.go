// ==============================================================================
// STATUS TRANSITION MANAGEMENT - internal/kyc/status_transition.go
// ==============================================================================
// The application lifecycle. Every status change goes through transition.
// ==============================================================================

package kyc

import (
	"context"
	"fmt"

	"kycreview/pkg/domain"
	kycerrors "kycreview/pkg/errors"
)

// StatusEvent is something that happened to an application.
type StatusEvent string

const (
	EventDocumentsComplete    StatusEvent = "documents_complete"
	EventResubmissionComplete StatusEvent = "resubmission_complete"
	EventAutoApproved         StatusEvent = "auto_approved"
	EventAutoRejected         StatusEvent = "auto_rejected"
	EventManualReview         StatusEvent = "manual_review"
	EventStepApproved         StatusEvent = "step_approved"
	EventStepRejected         StatusEvent = "step_rejected"
	EventStepSupplement       StatusEvent = "step_requires_supplement"
	EventStepHigherReview     StatusEvent = "step_pending_higher_review"
	EventConsentWithdrawn     StatusEvent = "consent_withdrawn"
)

// StatusTransition is one row of the lifecycle table.
type StatusTransition struct {
	From  domain.ApplicationStatus
	Event StatusEvent
	To    domain.ApplicationStatus
}

var allowedTransitions = []StatusTransition{
	{domain.ApplicationStatusPending, EventDocumentsComplete, domain.ApplicationStatusUnderReview},

	{domain.ApplicationStatusUnderReview, EventAutoApproved, domain.ApplicationStatusApproved},
	{domain.ApplicationStatusUnderReview, EventAutoRejected, domain.ApplicationStatusRejected},
	{domain.ApplicationStatusUnderReview, EventManualReview, domain.ApplicationStatusUnderReview},
	{domain.ApplicationStatusUnderReview, EventStepApproved, domain.ApplicationStatusApproved},
	{domain.ApplicationStatusUnderReview, EventStepRejected, domain.ApplicationStatusRejected},
	{domain.ApplicationStatusUnderReview, EventStepSupplement, domain.ApplicationStatusRequiresResubmit},
	{domain.ApplicationStatusUnderReview, EventStepHigherReview, domain.ApplicationStatusUnderReview},

	{domain.ApplicationStatusRequiresResubmit, EventResubmissionComplete, domain.ApplicationStatusUnderReview},

	{domain.ApplicationStatusPending, EventConsentWithdrawn, domain.ApplicationStatusRejected},
	{domain.ApplicationStatusUnderReview, EventConsentWithdrawn, domain.ApplicationStatusRejected},
	{domain.ApplicationStatusRequiresResubmit, EventConsentWithdrawn, domain.ApplicationStatusRejected},
}

// NextStatus returns the status event leads to from from, or
// ErrInvalidStateTransition.
func NextStatus(from domain.ApplicationStatus, event StatusEvent) (domain.ApplicationStatus, error) {
	if from.IsTerminal() {
		return "", fmt.Errorf("application is %s, no further transitions: %w", from, kycerrors.ErrInvalidStateTransition)
	}
	for _, t := range allowedTransitions {
		if t.From == from && t.Event == event {
			return t.To, nil
		}
	}
	return "", fmt.Errorf("%s not allowed from %s: %w", event, from, kycerrors.ErrInvalidStateTransition)
}

// AllowedEvents lists the events accepted in status.
func AllowedEvents(status domain.ApplicationStatus) []StatusEvent {
	var out []StatusEvent
	for _, t := range allowedTransitions {
		if t.From == status {
			out = append(out, t.Event)
		}
	}
	return out
}

// transition applies event to the application staged in m.
func (s *KYCService) transition(m *mutation, event StatusEvent) error {
	app := m.app()
	from := app.Status
	to, err := NextStatus(from, event)
	if err != nil {
		return err
	}

	app.Status = to
	switch to {
	case domain.ApplicationStatusUnderReview:
		if app.SubmittedAt == nil {
			at := m.now
			app.SubmittedAt = &at
		}
		if from == domain.ApplicationStatusRequiresResubmit {
			app.DecidedAt = nil
		}
	case domain.ApplicationStatusApproved:
		decided := m.now
		expires := m.now.Add(s.config.ApprovalValidity)
		app.DecidedAt = &decided
		app.ExpiresAt = &expires
	case domain.ApplicationStatusRejected, domain.ApplicationStatusRequiresResubmit:
		decided := m.now
		app.DecidedAt = &decided
	}

	if from != to {
		m.emit(domain.AuditStatusChanged, nil, nil, map[string]interface{}{
			"from":  string(from),
			"to":    string(to),
			"event": string(event),
		})
	}
	return nil
}

// applyRecommendation drives the application from a fresh assessment: auto
// decisions close it, anything else opens a manual step.
func (s *KYCService) applyRecommendation(ctx context.Context, m *mutation, assessment *domain.RiskAssessment) error {
	switch assessment.Recommendation {
	case domain.RecommendAutoApprove:
		if err := s.transition(m, EventAutoApproved); err != nil {
			return err
		}
		s.appendRecord(m, nil, nil, domain.ReviewResultAutoApproved,
			fmt.Sprintf("auto-approved at risk level %d (composite %s)", assessment.RiskLevel, assessment.CompositeScore))
		return nil

	case domain.RecommendAutoReject:
		if err := s.transition(m, EventAutoRejected); err != nil {
			return err
		}
		s.appendRecord(m, nil, nil, domain.ReviewResultAutoRejected,
			fmt.Sprintf("auto-rejected at risk level %d (composite %s, identity %s)",
				assessment.RiskLevel, assessment.CompositeScore, assessment.IdentityMatchScore))
		return nil
	}

	if err := s.transition(m, EventManualReview); err != nil {
		return err
	}
	tier := s.scorer.RequiredTier(assessment.RiskLevel, assessment.ManualReviewRequired)
	step, err := s.openStep(m, tier, true, false, nil, "manual")
	if err != nil {
		return err
	}
	return s.autoAssign(ctx, m, step, nil)
}
