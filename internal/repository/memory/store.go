// Package memory provides in-process implementations of the KYC store and
// reviewer roster. Every read and write goes through a deep copy so callers
// never share state with the store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"kycreview/pkg/domain"
	"kycreview/pkg/errors"

	"github.com/google/uuid"
)

// Store keeps application aggregates and review records in memory.
type Store struct {
	mu      sync.RWMutex
	apps    map[uuid.UUID]*domain.KYCAggregate
	steps   map[uuid.UUID]uuid.UUID // step ID -> application ID
	records map[uuid.UUID][]*domain.ReviewRecord
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		apps:    make(map[uuid.UUID]*domain.KYCAggregate),
		steps:   make(map[uuid.UUID]uuid.UUID),
		records: make(map[uuid.UUID][]*domain.ReviewRecord),
	}
}

func cloneRecord(r *domain.ReviewRecord) *domain.ReviewRecord {
	c := *r
	return &c
}

func (s *Store) CreateApplication(_ context.Context, agg *domain.KYCAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apps[agg.Application.ID]; ok {
		return errors.ErrStaleVersion
	}
	for _, existing := range s.apps {
		if existing.Application.UserID == agg.Application.UserID && !existing.Application.Status.IsTerminal() {
			return errors.ErrStaleVersion
		}
	}

	agg.Application.Version = 1
	s.put(agg.Clone())
	return nil
}

func (s *Store) put(agg *domain.KYCAggregate) {
	s.apps[agg.Application.ID] = agg
	for _, st := range agg.Steps {
		s.steps[st.ID] = agg.Application.ID
	}
}

func (s *Store) Load(_ context.Context, applicationID uuid.UUID) (*domain.KYCAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg, ok := s.apps[applicationID]
	if !ok {
		return nil, errors.ErrApplicationNotFound
	}
	return agg.Clone(), nil
}

func (s *Store) LoadByStep(ctx context.Context, stepID uuid.UUID) (*domain.KYCAggregate, error) {
	s.mu.RLock()
	appID, ok := s.steps[stepID]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.ErrStepNotFound
	}
	return s.Load(ctx, appID)
}

func (s *Store) LatestByUser(_ context.Context, userID uuid.UUID) (*domain.KYCAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.KYCAggregate
	for _, agg := range s.apps {
		if agg.Application.UserID != userID {
			continue
		}
		if latest == nil || agg.Application.CreatedAt.After(latest.Application.CreatedAt) {
			latest = agg
		}
	}
	if latest == nil {
		return nil, errors.ErrApplicationNotFound
	}
	return latest.Clone(), nil
}

func (s *Store) ListByUser(_ context.Context, userID uuid.UUID) ([]*domain.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Application
	for _, agg := range s.apps {
		if agg.Application.UserID == userID {
			app := *agg.Application
			out = append(out, &app)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Save replaces the aggregate when agg carries the stored version.
func (s *Store) Save(_ context.Context, agg *domain.KYCAggregate, records []*domain.ReviewRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.apps[agg.Application.ID]
	if !ok {
		return errors.ErrApplicationNotFound
	}
	if current.Application.Version != agg.Application.Version {
		return errors.ErrStaleVersion
	}

	agg.Application.Version++
	s.put(agg.Clone())
	for _, r := range records {
		s.records[agg.Application.ID] = append(s.records[agg.Application.ID], cloneRecord(r))
	}
	return nil
}

func (s *Store) ReviewRecords(_ context.Context, applicationID uuid.UUID) ([]*domain.ReviewRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.ReviewRecord, 0, len(s.records[applicationID]))
	for _, r := range s.records[applicationID] {
		out = append(out, cloneRecord(r))
	}
	return out, nil
}

func (s *Store) OverdueStepApplications(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	return s.matching(func(agg *domain.KYCAggregate) bool {
		st := agg.OpenStep()
		return st != nil &&
			st.Status == domain.StepStatusInProgress &&
			!st.SupervisorQueue &&
			st.DeadlineAt != nil &&
			now.After(*st.DeadlineAt)
	}), nil
}

func (s *Store) UnassignedStepApplications(_ context.Context) ([]uuid.UUID, error) {
	return s.matching(func(agg *domain.KYCAggregate) bool {
		if agg.Application.Status != domain.ApplicationStatusUnderReview {
			return false
		}
		st := agg.OpenStep()
		return st != nil && st.Status == domain.StepStatusPending && !st.SupervisorQueue
	}), nil
}

func (s *Store) matching(keep func(*domain.KYCAggregate) bool) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []uuid.UUID
	for id, agg := range s.apps {
		if keep(agg) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func (s *Store) ApplicationsCreatedBetween(_ context.Context, from, to time.Time) ([]*domain.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Application
	for _, agg := range s.apps {
		created := agg.Application.CreatedAt
		if !created.Before(from) && created.Before(to) {
			app := *agg.Application
			out = append(out, &app)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) StepsByReviewer(_ context.Context, reviewerID uuid.UUID, from, to time.Time) ([]*domain.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.WorkflowStep
	for _, agg := range s.apps {
		for _, st := range agg.Steps {
			if st.AssignedReviewer == nil || *st.AssignedReviewer != reviewerID || st.StartedAt == nil {
				continue
			}
			if st.StartedAt.Before(from) || !st.StartedAt.Before(to) {
				continue
			}
			c := *st
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(*out[j].StartedAt) })
	return out, nil
}

// openLoad returns open-step counts and the latest assignment time per
// reviewer, derived from the stored steps.
func (s *Store) openLoad() (map[uuid.UUID]int, map[uuid.UUID]time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	open := make(map[uuid.UUID]int)
	last := make(map[uuid.UUID]time.Time)
	for _, agg := range s.apps {
		for _, st := range agg.Steps {
			if st.AssignedReviewer == nil {
				continue
			}
			id := *st.AssignedReviewer
			if st.Status.IsOpen() {
				open[id]++
			}
			if st.StartedAt != nil && st.StartedAt.After(last[id]) {
				last[id] = *st.StartedAt
			}
		}
	}
	return open, last
}
