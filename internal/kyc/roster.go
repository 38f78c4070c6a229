package kyc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"kycreview/pkg/domain"
	kycerrors "kycreview/pkg/errors"

	"github.com/google/uuid"
)

// RosterWriter persists a reviewer and replaces its permission set.
type RosterWriter interface {
	Upsert(ctx context.Context, rv *domain.Reviewer) error
}

// ParseRoster decodes a JSON array of reviewers and checks every entry.
func ParseRoster(r io.Reader) ([]*domain.Reviewer, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var reviewers []*domain.Reviewer
	if err := dec.Decode(&reviewers); err != nil {
		return nil, fmt.Errorf("%w: reviewer roster: %v", kycerrors.ErrValidationFailed, err)
	}

	seen := make(map[uuid.UUID]bool, len(reviewers))
	for i, rv := range reviewers {
		if rv == nil || rv.ID == uuid.Nil {
			return nil, fmt.Errorf("%w: reviewer %d has no id", kycerrors.ErrValidationFailed, i)
		}
		if seen[rv.ID] {
			return nil, fmt.Errorf("%w: reviewer %s listed twice", kycerrors.ErrValidationFailed, rv.ID)
		}
		seen[rv.ID] = true
		if rv.Tier != domain.TierStandard && rv.Tier != domain.TierSenior {
			return nil, fmt.Errorf("%w: reviewer %s has tier %d", kycerrors.ErrValidationFailed, rv.ID, rv.Tier)
		}
		for _, p := range rv.Permissions {
			if p != domain.PermissionReview && p != domain.PermissionSupervise {
				return nil, fmt.Errorf("%w: reviewer %s has unknown permission %q", kycerrors.ErrValidationFailed, rv.ID, p)
			}
		}
	}
	return reviewers, nil
}

// SeedRoster upserts reviewers in order and stops at the first failure.
func SeedRoster(ctx context.Context, w RosterWriter, reviewers []*domain.Reviewer) error {
	for _, rv := range reviewers {
		if err := w.Upsert(ctx, rv); err != nil {
			return kycerrors.Wrapf(err, "failed to seed reviewer %s", rv.ID)
		}
	}
	return nil
}
