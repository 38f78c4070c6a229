package kyc

import (
	"context"
	"fmt"
	"time"

	"kycreview/pkg/domain"
	kycerrors "kycreview/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// GetApplicationStatus returns a snapshot read from a single aggregate load.
// The current step is the open one, or the most recent one once closed.
func (s *KYCService) GetApplicationStatus(ctx context.Context, applicationID uuid.UUID) (view *domain.StatusView, err error) {
	ctx, span := s.startSpan(ctx, "GetApplicationStatus", attribute.String("application_id", applicationID.String()))
	defer func() { s.finish(span, "GetApplicationStatus", err, nil) }()

	agg, err := s.store.Load(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	app := agg.Application
	view = &domain.StatusView{
		ApplicationID:     app.ID,
		UserID:            app.UserID,
		Status:            app.Status,
		RiskLevel:         app.RiskLevel,
		DocumentsComplete: app.DocumentsComplete,
		ResubmissionCount: app.ResubmissionCount,
		ExpiresAt:         app.ExpiresAt,
		Version:           app.Version,
	}

	step := agg.OpenStep()
	if step == nil {
		step = agg.LatestStep()
	}
	if step != nil {
		view.CurrentStep = &domain.StepSummary{
			StepID:          step.ID,
			StepNumber:      step.StepNumber,
			Status:          step.Status,
			Tier:            step.Tier,
			SupervisorQueue: step.SupervisorQueue,
			Assigned:        step.AssignedReviewer != nil,
			DeadlineAt:      step.DeadlineAt,
		}
	}
	return view, nil
}

func validatePeriod(from, to time.Time) error {
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return fmt.Errorf("%w: period start must precede its end", kycerrors.ErrValidationFailed)
	}
	return nil
}

// Statistics counts applications created in [from, to) by status and risk
// level. ApprovalRate is approved over decided, to four places.
func (s *KYCService) Statistics(ctx context.Context, from, to time.Time) (stats *domain.ReviewStatistics, err error) {
	ctx, span := s.startSpan(ctx, "Statistics")
	defer func() { s.finish(span, "Statistics", err, nil) }()

	if err = validatePeriod(from, to); err != nil {
		return nil, err
	}
	apps, err := s.store.ApplicationsCreatedBetween(ctx, from, to)
	if err != nil {
		return nil, kycerrors.Wrap(err, "failed to load applications")
	}

	stats = &domain.ReviewStatistics{
		From:         from,
		To:           to,
		ByStatus:     make(map[domain.ApplicationStatus]int),
		ByRiskLevel:  make(map[int]int),
		ApprovalRate: decimal.Zero,
	}
	for _, app := range apps {
		stats.Total++
		stats.ByStatus[app.Status]++
		if app.RiskLevel != nil {
			stats.ByRiskLevel[*app.RiskLevel]++
		}
	}

	approved := stats.ByStatus[domain.ApplicationStatusApproved]
	decided := approved + stats.ByStatus[domain.ApplicationStatusRejected]
	if decided > 0 {
		stats.ApprovalRate = decimal.NewFromInt(int64(approved)).
			DivRound(decimal.NewFromInt(int64(decided)), 4)
	}
	return stats, nil
}

// ReviewerWorkload summarises steps assigned to a reviewer that started in
// [from, to).
func (s *KYCService) ReviewerWorkload(ctx context.Context, reviewerID uuid.UUID, from, to time.Time) (load *domain.ReviewerWorkload, err error) {
	ctx, span := s.startSpan(ctx, "ReviewerWorkload", attribute.String("reviewer_id", reviewerID.String()))
	defer func() { s.finish(span, "ReviewerWorkload", err, nil) }()

	if err = validatePeriod(from, to); err != nil {
		return nil, err
	}
	if _, err = s.roster.Get(ctx, reviewerID); err != nil {
		return nil, err
	}
	steps, err := s.store.StepsByReviewer(ctx, reviewerID, from, to)
	if err != nil {
		return nil, kycerrors.Wrap(err, "failed to load reviewer steps")
	}

	load = &domain.ReviewerWorkload{ReviewerID: reviewerID, Total: len(steps)}
	var processing time.Duration
	for _, st := range steps {
		switch st.Status {
		case domain.StepStatusCompleted:
			load.Completed++
			processing += st.ProcessingTime()
		case domain.StepStatusTimedOut:
			load.TimedOut++
		}
	}
	if load.Completed > 0 {
		load.AverageProcessing = processing / time.Duration(load.Completed)
	}
	return load, nil
}
