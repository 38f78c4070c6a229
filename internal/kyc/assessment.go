package kyc

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"kycreview/pkg/domain"
	kycerrors "kycreview/pkg/errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// scoringContext gathers the contextual signals from the user's other
// attempts.
func (s *KYCService) scoringContext(ctx context.Context, m *mutation) (priorRejections, recentAttempts int, err error) {
	apps, err := s.store.ListByUser(ctx, m.app().UserID)
	if err != nil {
		return 0, 0, kycerrors.Wrap(err, "failed to load attempt history")
	}
	since := m.now.Add(-s.config.VelocityWindow)
	recentAttempts = 1
	for _, a := range apps {
		if a.ID == m.app().ID {
			continue
		}
		if a.Status == domain.ApplicationStatusRejected {
			priorRejections++
		}
		if !a.CreatedAt.Before(since) {
			recentAttempts++
		}
	}
	return priorRejections, recentAttempts, nil
}

// runAssessment scores the staged aggregate and appends an immutable
// assessment. With apply set the recommendation drives the application.
func (s *KYCService) runAssessment(ctx context.Context, m *mutation, apply bool) (*domain.RiskAssessment, error) {
	rejections, attempts, err := s.scoringContext(ctx, m)
	if err != nil {
		return nil, err
	}

	current := m.agg.CurrentDocuments()
	docs := make([]*domain.Document, 0, len(current))
	for _, d := range current {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Type < docs[j].Type })

	app := m.app()
	score := s.scorer.Score(ScoreInput{
		Documents:       docs,
		IdentityMatch:   app.IdentityMatch,
		CountryCode:     app.CountryCode,
		PriorRejections: rejections,
		RecentAttempts:  attempts,
		Now:             m.now,
	})

	assessment := &domain.RiskAssessment{
		ID:                   uuid.New(),
		ApplicationID:        app.ID,
		RiskLevel:            score.RiskLevel,
		DocumentQualityScore: score.DocumentQuality,
		IdentityMatchScore:   score.IdentityMatch,
		ContextualScore:      score.Contextual,
		CompositeScore:       score.Composite,
		FlaggedDocuments:     score.Flagged,
		ManualReviewRequired: score.ManualReviewRequired,
		Recommendation:       score.Recommendation,
		CreatedAt:            m.now,
	}
	m.agg.Assessments = append(m.agg.Assessments, assessment)
	level := score.RiskLevel
	app.RiskLevel = &level

	m.emit(domain.AuditAssessmentCreated, nil, nil, map[string]interface{}{
		"assessment_id":          assessment.ID.String(),
		"risk_level":             level,
		"composite_score":        score.Composite.String(),
		"recommendation":         string(score.Recommendation),
		"manual_review_required": score.ManualReviewRequired,
		"flagged_documents":      score.Flagged,
	})
	m.onCommit(func() { s.metrics.IncRiskLevel(strconv.Itoa(level)) })

	if apply {
		if err := s.applyRecommendation(ctx, m, assessment); err != nil {
			return nil, err
		}
	}
	return assessment, nil
}

// Assess re-scores an application under review and records a new
// assessment. It does not re-decide: the open step stays, but an unassigned
// step is re-routed when the new risk needs a higher tier.
func (s *KYCService) Assess(ctx context.Context, applicationID uuid.UUID) (assessment *domain.RiskAssessment, err error) {
	ctx, span := s.startSpan(ctx, "Assess", attribute.String("application_id", applicationID.String()))
	defer func() {
		s.finish(span, "Assess", err, map[string]interface{}{"application_id": applicationID.String()})
	}()

	_, err = s.mutate(ctx, "Assess", s.byApplication(applicationID), func(ctx context.Context, m *mutation) error {
		app := m.app()
		if app.Status.IsTerminal() {
			return fmt.Errorf("application is %s: %w", app.Status, kycerrors.ErrApplicationLocked)
		}
		if !app.DocumentsComplete {
			return kycerrors.ErrDocumentsIncomplete
		}

		a, err := s.runAssessment(ctx, m, false)
		if err != nil {
			return err
		}
		if st := m.agg.OpenStep(); st != nil && st.Status == domain.StepStatusPending && !st.SupervisorQueue {
			if tier := s.scorer.RequiredTier(a.RiskLevel, a.ManualReviewRequired); tier > st.Tier {
				st.Tier = tier
				if err := s.autoAssign(ctx, m, st, nil); err != nil {
					return err
				}
			}
		}
		assessment = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assessment, nil
}
