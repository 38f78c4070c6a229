package kyc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"kycreview/pkg/domain"
	kycerrors "kycreview/pkg/errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ConsentWithdrawnPrefix starts the review comment written when a user
// withdraws consent, distinguishing it from a reviewer rejection.
const ConsentWithdrawnPrefix = "consent withdrawn"

// StartApplicationRequest opens or resumes a user's verification attempt.
type StartApplicationRequest struct {
	UserID      uuid.UUID `json:"user_id"`
	CountryCode string    `json:"country_code,omitempty" validate:"omitempty,len=2,alpha"`
}

type attemptPolicy struct {
	// resumeActive returns a non-terminal attempt instead of failing.
	resumeActive bool
	// replaceApproved lets a still-valid approval be superseded.
	replaceApproved bool
}

// StartApplication returns the user's active attempt, or opens a new one
// linked to the previous attempt. A still-valid approval locks the user out;
// a rejection is subject to the cooldown policy.
func (s *KYCService) StartApplication(ctx context.Context, req StartApplicationRequest) (app *domain.Application, err error) {
	ctx, span := s.startSpan(ctx, "StartApplication", attribute.String("user_id", req.UserID.String()))
	defer func() {
		s.finish(span, "StartApplication", err, map[string]interface{}{"user_id": req.UserID.String()})
	}()
	return s.startAttempt(ctx, req, attemptPolicy{resumeActive: true})
}

// Resubmit is the explicit flow for a fresh attempt after a terminal
// decision, including re-verification of an approved user.
func (s *KYCService) Resubmit(ctx context.Context, req StartApplicationRequest) (app *domain.Application, err error) {
	ctx, span := s.startSpan(ctx, "Resubmit", attribute.String("user_id", req.UserID.String()))
	defer func() {
		s.finish(span, "Resubmit", err, map[string]interface{}{"user_id": req.UserID.String()})
	}()
	return s.startAttempt(ctx, req, attemptPolicy{replaceApproved: true})
}

func (s *KYCService) startAttempt(ctx context.Context, req StartApplicationRequest, policy attemptPolicy) (*domain.Application, error) {
	if req.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: user_id is required", kycerrors.ErrValidationFailed)
	}
	if err := s.validator.Validate(req); err != nil {
		return nil, fmt.Errorf("%w: %s", kycerrors.ErrValidationFailed, err.Error())
	}

	attempts := s.config.MaxConflictRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		latest, err := s.store.LatestByUser(ctx, req.UserID)
		if err != nil && !errors.Is(err, kycerrors.ErrApplicationNotFound) {
			return nil, err
		}

		var prev *domain.Application
		if latest != nil {
			prev = latest.Application
			if err := s.checkNewAttempt(ctx, prev, policy); err != nil {
				return nil, err
			}
			if !prev.Status.IsTerminal() {
				return prev, nil
			}
		}

		app, err := s.openAttempt(ctx, req, prev)
		if errors.Is(err, kycerrors.ErrStaleVersion) {
			s.metrics.IncConflictRetry("StartApplication")
			continue
		}
		return app, err
	}
	return nil, kycerrors.Wrapf(kycerrors.ErrConcurrentModification, "StartApplication gave up after %d attempts", attempts)
}

// checkNewAttempt decides whether prev allows the user to move on.
func (s *KYCService) checkNewAttempt(ctx context.Context, prev *domain.Application, policy attemptPolicy) error {
	now := s.clock.Now()
	switch prev.Status {
	case domain.ApplicationStatusApproved:
		stillValid := prev.ExpiresAt == nil || now.Before(*prev.ExpiresAt)
		if stillValid && !policy.replaceApproved {
			return fmt.Errorf("approved until %v: %w", prev.ExpiresAt, kycerrors.ErrApplicationLocked)
		}
	case domain.ApplicationStatusRejected:
		if prev.DecidedAt == nil {
			return nil
		}
		next, err := s.cooldown.NextAttemptAllowedAt(ctx, prev.UserID, *prev.DecidedAt)
		if err != nil {
			return kycerrors.Wrap(err, "failed to evaluate cooldown policy")
		}
		if now.Before(next) {
			return fmt.Errorf("new attempt allowed from %s: %w", next.Format("2006-01-02T15:04:05Z07:00"), kycerrors.ErrCooldownActive)
		}
	default:
		if !policy.resumeActive {
			return fmt.Errorf("attempt %s is still %s: %w", prev.ID, prev.Status, kycerrors.ErrInvalidStateTransition)
		}
	}
	return nil
}

// SubmissionsUsed counts submissions across a user's attempts: one per
// attempt that reached review plus its resubmissions.
func SubmissionsUsed(apps []*domain.Application) int {
	used := 0
	for _, a := range apps {
		if a.SubmittedAt == nil {
			continue
		}
		used += 1 + a.ResubmissionCount
	}
	return used
}

func (s *KYCService) openAttempt(ctx context.Context, req StartApplicationRequest, prev *domain.Application) (*domain.Application, error) {
	apps, err := s.store.ListByUser(ctx, req.UserID)
	if err != nil {
		return nil, kycerrors.Wrap(err, "failed to load attempt history")
	}
	if used := SubmissionsUsed(apps); used >= s.config.MaxSubmissions {
		return nil, fmt.Errorf("%d of %d submissions used: %w", used, s.config.MaxSubmissions, kycerrors.ErrResubmissionLimit)
	}

	now := s.clock.Now().UTC()
	app := &domain.Application{
		ID:          uuid.New(),
		UserID:      req.UserID,
		Status:      domain.ApplicationStatusPending,
		CountryCode: strings.ToUpper(req.CountryCode),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if prev != nil {
		prevID := prev.ID
		app.PreviousApplicationID = &prevID
		if app.CountryCode == "" {
			app.CountryCode = prev.CountryCode
		}
	}

	agg := &domain.KYCAggregate{Application: app}
	if err := s.store.CreateApplication(ctx, agg); err != nil {
		return nil, err
	}

	m := &mutation{agg: agg, now: now}
	data := map[string]interface{}{}
	if prev != nil {
		data["previous_application_id"] = prev.ID.String()
	}
	m.emit(domain.AuditApplicationCreated, nil, nil, data)
	s.commit(ctx, m)

	s.logger.Info("KYC attempt opened", map[string]interface{}{
		"application_id": app.ID.String(),
		"user_id":        app.UserID.String(),
		"linked":         prev != nil,
	})
	return agg.Application, nil
}

// Withdraw force-rejects a non-terminal application after the user withdraws
// consent. Any open step is closed with a REJECTED decision.
func (s *KYCService) Withdraw(ctx context.Context, applicationID uuid.UUID, reason string) (app *domain.Application, err error) {
	ctx, span := s.startSpan(ctx, "Withdraw", attribute.String("application_id", applicationID.String()))
	defer func() {
		s.finish(span, "Withdraw", err, map[string]interface{}{"application_id": applicationID.String()})
	}()

	comment := ConsentWithdrawnPrefix
	if r := strings.TrimSpace(reason); r != "" {
		comment += ": " + r
	}

	m, err := s.mutate(ctx, "Withdraw", s.byApplication(applicationID), func(ctx context.Context, m *mutation) error {
		if err := s.transition(m, EventConsentWithdrawn); err != nil {
			return err
		}

		var stepID *uuid.UUID
		if st := m.agg.OpenStep(); st != nil {
			decision := domain.ReviewResultRejected
			closed := m.now
			st.Status = domain.StepStatusCompleted
			st.Decision = &decision
			st.Comment = comment
			st.CompletedAt = &closed
			id := st.ID
			stepID = &id
			m.emit(domain.AuditStepCompleted, stepID, nil, map[string]interface{}{
				"result": string(decision),
				"reason": ConsentWithdrawnPrefix,
			})
		}
		s.appendRecord(m, stepID, nil, domain.ReviewResultRejected, comment)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.app(), nil
}
