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

// Roster holds reviewers in memory. Workload is read from the store so it
// always reflects committed assignments.
type Roster struct {
	mu        sync.RWMutex
	reviewers map[uuid.UUID]*domain.Reviewer
	store     *Store
}

// NewRoster creates a roster whose workload counts come from store.
func NewRoster(store *Store, reviewers ...*domain.Reviewer) *Roster {
	r := &Roster{reviewers: make(map[uuid.UUID]*domain.Reviewer), store: store}
	for _, rv := range reviewers {
		r.Put(rv)
	}
	return r
}

func cloneReviewer(r *domain.Reviewer) *domain.Reviewer {
	c := *r
	c.Permissions = append([]domain.Permission(nil), r.Permissions...)
	return &c
}

// Put adds or replaces a reviewer.
func (r *Roster) Put(rv *domain.Reviewer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reviewers[rv.ID] = cloneReviewer(rv)
}

// SetActive toggles a reviewer's availability.
func (r *Roster) SetActive(id uuid.UUID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rv, ok := r.reviewers[id]
	if !ok {
		return errors.ErrReviewerNotFound
	}
	rv.Active = active
	return nil
}

func (r *Roster) Get(_ context.Context, reviewerID uuid.UUID) (*domain.Reviewer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rv, ok := r.reviewers[reviewerID]
	if !ok {
		return nil, errors.ErrReviewerNotFound
	}
	return cloneReviewer(rv), nil
}

func (r *Roster) ListActive(_ context.Context) ([]*domain.Reviewer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Reviewer
	for _, rv := range r.reviewers {
		if rv.Active {
			out = append(out, cloneReviewer(rv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (r *Roster) Loads(ctx context.Context, tier domain.ReviewerTier) ([]*domain.ReviewerLoad, error) {
	active, err := r.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	open, last := map[uuid.UUID]int{}, map[uuid.UUID]time.Time{}
	if r.store != nil {
		open, last = r.store.openLoad()
	}

	var out []*domain.ReviewerLoad
	for _, rv := range active {
		if rv.Tier != tier {
			continue
		}
		load := &domain.ReviewerLoad{Reviewer: *rv, OpenSteps: open[rv.ID]}
		if at, ok := last[rv.ID]; ok {
			load.LastAssignedAt = &at
		}
		out = append(out, load)
	}
	return out, nil
}
