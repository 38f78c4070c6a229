// ==============================================================================
// REVIEW LEDGER - internal/kyc/ledger.go
// ==============================================================================
// Append-only record of every review decision, human or automated. Records
// are staged on a mutation and committed with the aggregate write.
// ==============================================================================

package kyc

import (
	"context"
	"sort"

	"kycreview/pkg/domain"
	kycerrors "kycreview/pkg/errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// AttemptHistory is one application attempt with its review log.
type AttemptHistory struct {
	Application *domain.Application    `json:"application"`
	Records     []*domain.ReviewRecord `json:"records"`
}

// appendRecord stages a review record on m.
func (s *KYCService) appendRecord(m *mutation, stepID, reviewerID *uuid.UUID, result domain.ReviewResult, comment string) *domain.ReviewRecord {
	rec := &domain.ReviewRecord{
		ID:            uuid.New(),
		ApplicationID: m.app().ID,
		StepID:        stepID,
		ReviewerID:    reviewerID,
		Result:        result,
		Comment:       comment,
		CreatedAt:     m.now,
	}
	m.records = append(m.records, rec)
	m.onCommit(func() { s.metrics.IncDecision(string(result)) })
	return rec
}

// ReviewHistory returns the review log of one application, oldest first.
func (s *KYCService) ReviewHistory(ctx context.Context, applicationID uuid.UUID) (records []*domain.ReviewRecord, err error) {
	ctx, span := s.startSpan(ctx, "ReviewHistory", attribute.String("application_id", applicationID.String()))
	defer func() { s.finish(span, "ReviewHistory", err, nil) }()

	if _, err = s.store.Load(ctx, applicationID); err != nil {
		return nil, err
	}
	records, err = s.store.ReviewRecords(ctx, applicationID)
	if err != nil {
		return nil, kycerrors.Wrap(err, "failed to load review records")
	}
	sortRecords(records)
	return records, nil
}

// UserHistory returns every attempt of a user with its review log, oldest
// attempt first.
func (s *KYCService) UserHistory(ctx context.Context, userID uuid.UUID) (history []*AttemptHistory, err error) {
	ctx, span := s.startSpan(ctx, "UserHistory", attribute.String("user_id", userID.String()))
	defer func() { s.finish(span, "UserHistory", err, nil) }()

	apps, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, kycerrors.Wrap(err, "failed to list applications")
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].CreatedAt.Before(apps[j].CreatedAt) })

	for _, app := range apps {
		records, err := s.store.ReviewRecords(ctx, app.ID)
		if err != nil {
			return nil, kycerrors.Wrap(err, "failed to load review records")
		}
		sortRecords(records)
		history = append(history, &AttemptHistory{Application: app, Records: records})
	}
	return history, nil
}

func sortRecords(records []*domain.ReviewRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
