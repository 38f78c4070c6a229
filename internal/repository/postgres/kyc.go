package postgres

import (
	"context"
	"database/sql"

	"kycreview/pkg/domain"
	"kycreview/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ReviewerRepository reads reviewers and derives their workload from the
// workflow steps table.
type ReviewerRepository struct {
	db *sqlx.DB
}

func NewReviewerRepository(db *sqlx.DB) *ReviewerRepository {
	return &ReviewerRepository{db: db}
}

type permissionRow struct {
	ReviewerID uuid.UUID         `db:"reviewer_id"`
	Permission domain.Permission `db:"permission"`
}

func (r *ReviewerRepository) permissions(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]domain.Permission, error) {
	out := make(map[uuid.UUID][]domain.Permission, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}

	var rows []permissionRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT reviewer_id, permission
		FROM kyc_schema.kyc_reviewer_permissions
		WHERE reviewer_id = ANY($1::uuid[])
		ORDER BY reviewer_id, permission
	`, pq.Array(keys))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load reviewer permissions")
	}
	for _, row := range rows {
		out[row.ReviewerID] = append(out[row.ReviewerID], row.Permission)
	}
	return out, nil
}

func (r *ReviewerRepository) Get(ctx context.Context, reviewerID uuid.UUID) (*domain.Reviewer, error) {
	var rv domain.Reviewer
	err := r.db.GetContext(ctx, &rv,
		`SELECT id, name, tier, active FROM kyc_schema.kyc_reviewers WHERE id = $1`, reviewerID)
	if err == sql.ErrNoRows {
		return nil, errors.ErrReviewerNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get reviewer")
	}

	perms, err := r.permissions(ctx, []uuid.UUID{rv.ID})
	if err != nil {
		return nil, err
	}
	rv.Permissions = perms[rv.ID]
	return &rv, nil
}

func (r *ReviewerRepository) ListActive(ctx context.Context) ([]*domain.Reviewer, error) {
	var reviewers []*domain.Reviewer
	err := r.db.SelectContext(ctx, &reviewers, `
		SELECT id, name, tier, active
		FROM kyc_schema.kyc_reviewers
		WHERE active
		ORDER BY id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list reviewers")
	}

	ids := make([]uuid.UUID, len(reviewers))
	for i, rv := range reviewers {
		ids[i] = rv.ID
	}
	perms, err := r.permissions(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, rv := range reviewers {
		rv.Permissions = perms[rv.ID]
	}
	return reviewers, nil
}

// Loads returns active reviewers of exactly tier with their open-step count
// and most recent assignment.
func (r *ReviewerRepository) Loads(ctx context.Context, tier domain.ReviewerTier) ([]*domain.ReviewerLoad, error) {
	var loads []*domain.ReviewerLoad
	err := r.db.SelectContext(ctx, &loads, `
		SELECT r.id, r.name, r.tier, r.active,
		       COUNT(s.id) FILTER (WHERE s.status IN ('PENDING', 'IN_PROGRESS')) AS open_steps,
		       MAX(s.started_at) AS last_assigned_at
		FROM kyc_schema.kyc_reviewers r
		LEFT JOIN kyc_schema.kyc_workflow_steps s ON s.assigned_reviewer = r.id
		WHERE r.active AND r.tier = $1
		GROUP BY r.id, r.name, r.tier, r.active
		ORDER BY r.id
	`, tier)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load reviewer workload")
	}

	ids := make([]uuid.UUID, len(loads))
	for i, l := range loads {
		ids[i] = l.ID
	}
	perms, err := r.permissions(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, l := range loads {
		l.Permissions = perms[l.ID]
	}
	return loads, nil
}

// Upsert creates or replaces a reviewer and its permission set.
func (r *ReviewerRepository) Upsert(ctx context.Context, rv *domain.Reviewer) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO kyc_schema.kyc_reviewers (id, name, tier, active)
		VALUES (:id, :name, :tier, :active)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, tier = EXCLUDED.tier, active = EXCLUDED.active
	`, rv)
	if err != nil {
		return errors.Wrap(err, "failed to upsert reviewer")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM kyc_schema.kyc_reviewer_permissions WHERE reviewer_id = $1`, rv.ID); err != nil {
		return errors.Wrap(err, "failed to reset reviewer permissions")
	}
	for _, p := range rv.Permissions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kyc_schema.kyc_reviewer_permissions (reviewer_id, permission) VALUES ($1, $2)`,
			rv.ID, p); err != nil {
			return errors.Wrap(err, "failed to grant reviewer permission")
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit reviewer")
}
