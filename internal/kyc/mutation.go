package kyc

import (
	"context"
	"errors"
	"time"

	"kycreview/pkg/domain"
	kycerrors "kycreview/pkg/errors"

	"github.com/google/uuid"
)

// errNoChange aborts a mutation without saving. Used when fresh state shows
// the work was already done by someone else.
var errNoChange = errors.New("no change")

// mutation is one optimistic attempt at changing an aggregate. Everything
// staged here is committed together or not at all.
type mutation struct {
	agg     *domain.KYCAggregate
	now     time.Time
	records []*domain.ReviewRecord
	events  []domain.AuditEvent
	after   []func()
}

func (m *mutation) app() *domain.Application {
	return m.agg.Application
}

// emit stages an audit event for delivery after commit.
func (m *mutation) emit(t domain.AuditEventType, stepID, reviewerID *uuid.UUID, data map[string]interface{}) {
	m.events = append(m.events, domain.AuditEvent{
		ID:            uuid.New(),
		Type:          t,
		ApplicationID: m.agg.Application.ID,
		UserID:        m.agg.Application.UserID,
		StepID:        stepID,
		ReviewerID:    reviewerID,
		Data:          data,
		OccurredAt:    m.now,
	})
}

// onCommit registers fn to run once the save succeeds.
func (m *mutation) onCommit(fn func()) {
	m.after = append(m.after, fn)
}

type loadFunc func(ctx context.Context) (*domain.KYCAggregate, error)

func (s *KYCService) byApplication(id uuid.UUID) loadFunc {
	return func(ctx context.Context) (*domain.KYCAggregate, error) {
		return s.store.Load(ctx, id)
	}
}

func (s *KYCService) byStep(id uuid.UUID) loadFunc {
	return func(ctx context.Context) (*domain.KYCAggregate, error) {
		return s.store.LoadByStep(ctx, id)
	}
}

// mutate runs load -> fn -> compare-and-swap save, retrying fn against fresh
// state on a stale version. After the configured number of retries the caller
// gets ErrConcurrentModification. fn must be free of side effects outside m.
func (s *KYCService) mutate(ctx context.Context, op string, load loadFunc, fn func(ctx context.Context, m *mutation) error) (*mutation, error) {
	attempts := s.config.MaxConflictRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, err := load(ctx)
		if err != nil {
			return nil, err
		}
		m := &mutation{agg: current.Clone(), now: s.clock.Now().UTC()}
		if err := fn(ctx, m); err != nil {
			return nil, err
		}

		m.agg.Application.UpdatedAt = m.now
		err = s.store.Save(ctx, m.agg, m.records)
		if err == nil {
			s.commit(ctx, m)
			return m, nil
		}
		if !errors.Is(err, kycerrors.ErrStaleVersion) {
			return nil, kycerrors.Wrap(err, "failed to save kyc application")
		}

		s.metrics.IncConflictRetry(op)
		s.logger.Debug("Stale application version, retrying", map[string]interface{}{
			"operation":      op,
			"application_id": current.Application.ID.String(),
			"attempt":        attempt,
		})
	}
	return nil, kycerrors.Wrapf(kycerrors.ErrConcurrentModification, "%s gave up after %d attempts", op, attempts)
}

// commit publishes what a successful mutation staged.
func (s *KYCService) commit(ctx context.Context, m *mutation) {
	for _, r := range m.records {
		m.emit(domain.AuditReviewRecorded, r.StepID, r.ReviewerID, map[string]interface{}{
			"result":  string(r.Result),
			"comment": r.Comment,
		})
	}
	if len(m.events) > 0 {
		if err := s.events.Emit(ctx, m.events...); err != nil {
			// Audit delivery is external; the committed state stands.
			s.logger.Error("Failed to emit audit events", map[string]interface{}{
				"application_id": m.agg.Application.ID.String(),
				"events":         len(m.events),
				"error":          err.Error(),
			})
		}
	}
	for _, fn := range m.after {
		fn()
	}
}
