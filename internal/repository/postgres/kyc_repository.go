// ==============================================================================
// KYC REPOSITORY IMPLEMENTATION
// ==============================================================================
// Aggregate persistence for KYC applications. An application row carries the
// version; every child table is written in the same transaction as the
// version bump.
// ==============================================================================

package postgres

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"kycreview/pkg/domain"
	"kycreview/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// ApplicationRepository implements the KYC aggregate store on PostgreSQL.
type ApplicationRepository struct {
	db *sqlx.DB
}

// NewApplicationRepository creates a new ApplicationRepository
func NewApplicationRepository(db *sqlx.DB) *ApplicationRepository {
	return &ApplicationRepository{db: db}
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == uniqueViolation
}

const applicationColumns = `
	id, user_id, previous_application_id, status, risk_level, country_code,
	identity_match, documents_complete, resubmission_count, supplement_requirement,
	submitted_at, decided_at, expires_at, version, created_at, updated_at`

// CreateApplication inserts a new aggregate at version 1.
func (r *ApplicationRepository) CreateApplication(ctx context.Context, agg *domain.KYCAggregate) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	app := *agg.Application
	app.Version = 1
	query := `
		INSERT INTO kyc_schema.kyc_applications (` + applicationColumns + `
		) VALUES (
			:id, :user_id, :previous_application_id, :status, :risk_level, :country_code,
			:identity_match, :documents_complete, :resubmission_count, :supplement_requirement,
			:submitted_at, :decided_at, :expires_at, :version, :created_at, :updated_at
		)
	`
	if _, err := tx.NamedExecContext(ctx, query, &app); err != nil {
		if isUniqueViolation(err) {
			return errors.ErrStaleVersion
		}
		return errors.Wrap(err, "failed to create kyc application")
	}
	if err := writeChildren(ctx, tx, agg, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit kyc application")
	}

	agg.Application.Version = 1
	return nil
}

// Save writes agg when the stored version still equals agg's version.
func (r *ApplicationRepository) Save(ctx context.Context, agg *domain.KYCAggregate, records []*domain.ReviewRecord) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	query := `
		UPDATE kyc_schema.kyc_applications SET
			status = :status,
			risk_level = :risk_level,
			country_code = :country_code,
			identity_match = :identity_match,
			documents_complete = :documents_complete,
			resubmission_count = :resubmission_count,
			supplement_requirement = :supplement_requirement,
			submitted_at = :submitted_at,
			decided_at = :decided_at,
			expires_at = :expires_at,
			updated_at = :updated_at,
			version = version + 1
		WHERE id = :id AND version = :version
	`
	result, err := tx.NamedExecContext(ctx, query, agg.Application)
	if err != nil {
		return errors.Wrap(err, "failed to update kyc application")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.ErrStaleVersion
	}

	if err := writeChildren(ctx, tx, agg, records); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit kyc application")
	}

	agg.Application.Version++
	return nil
}

// writeChildren upserts documents, assessments and steps, and appends review
// records. Steps go in step-number order so a closed step leaves the open
// slot before its successor takes it.
func writeChildren(ctx context.Context, tx *sqlx.Tx, agg *domain.KYCAggregate, records []*domain.ReviewRecord) error {
	for _, d := range agg.Documents {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO kyc_schema.kyc_documents (
				id, application_id, document_type, storage_ref, quality_score,
				uploaded_at, expires_at, superseded
			) VALUES (
				:id, :application_id, :document_type, :storage_ref, :quality_score,
				:uploaded_at, :expires_at, :superseded
			)
			ON CONFLICT (id) DO UPDATE SET superseded = EXCLUDED.superseded
		`, d)
		if err != nil {
			return errors.Wrap(err, "failed to write kyc document")
		}
	}

	for _, a := range agg.Assessments {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO kyc_schema.kyc_risk_assessments (
				id, application_id, risk_level, document_quality_score, identity_match_score,
				contextual_score, composite_score, flagged_documents, manual_review_required,
				recommendation, created_at
			) VALUES (
				:id, :application_id, :risk_level, :document_quality_score, :identity_match_score,
				:contextual_score, :composite_score, :flagged_documents, :manual_review_required,
				:recommendation, :created_at
			)
			ON CONFLICT (id) DO NOTHING
		`, a)
		if err != nil {
			return errors.Wrap(err, "failed to write risk assessment")
		}
	}

	steps := append([]*domain.WorkflowStep(nil), agg.Steps...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepNumber < steps[j].StepNumber })
	for _, st := range steps {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO kyc_schema.kyc_workflow_steps (
				id, application_id, step_number, status, tier, supervisor_queue, requires_manual,
				assigned_reviewer, escalated_from, decision, comment,
				created_at, started_at, deadline_at, completed_at
			) VALUES (
				:id, :application_id, :step_number, :status, :tier, :supervisor_queue, :requires_manual,
				:assigned_reviewer, :escalated_from, :decision, :comment,
				:created_at, :started_at, :deadline_at, :completed_at
			)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				tier = EXCLUDED.tier,
				supervisor_queue = EXCLUDED.supervisor_queue,
				assigned_reviewer = EXCLUDED.assigned_reviewer,
				decision = EXCLUDED.decision,
				comment = EXCLUDED.comment,
				started_at = EXCLUDED.started_at,
				deadline_at = EXCLUDED.deadline_at,
				completed_at = EXCLUDED.completed_at
		`, st)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.ErrStaleVersion
			}
			return errors.Wrap(err, "failed to write workflow step")
		}
	}

	for _, rec := range records {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO kyc_schema.kyc_review_records (
				id, application_id, step_id, reviewer_id, result, comment, created_at
			) VALUES (
				:id, :application_id, :step_id, :reviewer_id, :result, :comment, :created_at
			)
		`, rec)
		if err != nil {
			return errors.Wrap(err, "failed to append review record")
		}
	}
	return nil
}

// snapshotOptions gives every statement of a load the same snapshot, so an
// aggregate is never assembled from two committed versions.
var snapshotOptions = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

// readSnapshot runs fn in a read-only repeatable-read transaction.
func (r *ApplicationRepository) readSnapshot(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, snapshotOptions)
	if err != nil {
		return errors.Wrap(err, "failed to begin read transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit read transaction")
}

// Load reads the full aggregate of one application.
func (r *ApplicationRepository) Load(ctx context.Context, applicationID uuid.UUID) (*domain.KYCAggregate, error) {
	var agg *domain.KYCAggregate
	err := r.readSnapshot(ctx, func(tx *sqlx.Tx) error {
		var err error
		agg, err = loadAggregate(ctx, tx, applicationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return agg, nil
}

func loadAggregate(ctx context.Context, tx *sqlx.Tx, applicationID uuid.UUID) (*domain.KYCAggregate, error) {
	var app domain.Application
	err := tx.GetContext(ctx, &app,
		`SELECT `+applicationColumns+` FROM kyc_schema.kyc_applications WHERE id = $1`, applicationID)
	if err == sql.ErrNoRows {
		return nil, errors.ErrApplicationNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load kyc application")
	}

	agg := &domain.KYCAggregate{Application: &app}
	err = tx.SelectContext(ctx, &agg.Documents, `
		SELECT id, application_id, document_type, storage_ref, quality_score,
		       uploaded_at, expires_at, superseded
		FROM kyc_schema.kyc_documents
		WHERE application_id = $1
		ORDER BY uploaded_at, id
	`, applicationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load kyc documents")
	}

	err = tx.SelectContext(ctx, &agg.Assessments, `
		SELECT id, application_id, risk_level, document_quality_score, identity_match_score,
		       contextual_score, composite_score, flagged_documents, manual_review_required,
		       recommendation, created_at
		FROM kyc_schema.kyc_risk_assessments
		WHERE application_id = $1
		ORDER BY created_at, id
	`, applicationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load risk assessments")
	}

	err = tx.SelectContext(ctx, &agg.Steps, `
		SELECT id, application_id, step_number, status, tier, supervisor_queue, requires_manual,
		       assigned_reviewer, escalated_from, decision, comment,
		       created_at, started_at, deadline_at, completed_at
		FROM kyc_schema.kyc_workflow_steps
		WHERE application_id = $1
		ORDER BY step_number
	`, applicationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load workflow steps")
	}

	return agg, nil
}

// LoadByStep loads the aggregate that owns stepID.
func (r *ApplicationRepository) LoadByStep(ctx context.Context, stepID uuid.UUID) (*domain.KYCAggregate, error) {
	var agg *domain.KYCAggregate
	err := r.readSnapshot(ctx, func(tx *sqlx.Tx) error {
		var applicationID uuid.UUID
		err := tx.GetContext(ctx, &applicationID,
			`SELECT application_id FROM kyc_schema.kyc_workflow_steps WHERE id = $1`, stepID)
		if err == sql.ErrNoRows {
			return errors.ErrStepNotFound
		}
		if err != nil {
			return errors.Wrap(err, "failed to find workflow step")
		}
		agg, err = loadAggregate(ctx, tx, applicationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return agg, nil
}

// LatestByUser loads the user's most recent application.
func (r *ApplicationRepository) LatestByUser(ctx context.Context, userID uuid.UUID) (*domain.KYCAggregate, error) {
	var agg *domain.KYCAggregate
	err := r.readSnapshot(ctx, func(tx *sqlx.Tx) error {
		var applicationID uuid.UUID
		err := tx.GetContext(ctx, &applicationID, `
			SELECT id FROM kyc_schema.kyc_applications
			WHERE user_id = $1
			ORDER BY created_at DESC
			LIMIT 1
		`, userID)
		if err == sql.ErrNoRows {
			return errors.ErrApplicationNotFound
		}
		if err != nil {
			return errors.Wrap(err, "failed to find latest kyc application")
		}
		agg, err = loadAggregate(ctx, tx, applicationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return agg, nil
}

func (r *ApplicationRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Application, error) {
	var apps []*domain.Application
	err := r.db.SelectContext(ctx, &apps, `
		SELECT `+applicationColumns+`
		FROM kyc_schema.kyc_applications
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list kyc applications")
	}
	return apps, nil
}

func (r *ApplicationRepository) ReviewRecords(ctx context.Context, applicationID uuid.UUID) ([]*domain.ReviewRecord, error) {
	var records []*domain.ReviewRecord
	err := r.db.SelectContext(ctx, &records, `
		SELECT id, application_id, step_id, reviewer_id, result, comment, created_at
		FROM kyc_schema.kyc_review_records
		WHERE application_id = $1
		ORDER BY created_at, id
	`, applicationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load review records")
	}
	return records, nil
}

func (r *ApplicationRepository) OverdueStepApplications(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.SelectContext(ctx, &ids, `
		SELECT application_id FROM kyc_schema.kyc_workflow_steps
		WHERE status = 'IN_PROGRESS' AND NOT supervisor_queue AND deadline_at < $1
		ORDER BY deadline_at
	`, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list overdue steps")
	}
	return ids, nil
}

func (r *ApplicationRepository) UnassignedStepApplications(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.SelectContext(ctx, &ids, `
		SELECT s.application_id
		FROM kyc_schema.kyc_workflow_steps s
		JOIN kyc_schema.kyc_applications a ON a.id = s.application_id
		WHERE s.status = 'PENDING' AND NOT s.supervisor_queue AND a.status = 'UNDER_REVIEW'
		ORDER BY s.created_at
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list unassigned steps")
	}
	return ids, nil
}

func (r *ApplicationRepository) ApplicationsCreatedBetween(ctx context.Context, from, to time.Time) ([]*domain.Application, error) {
	var apps []*domain.Application
	err := r.db.SelectContext(ctx, &apps, `
		SELECT `+applicationColumns+`
		FROM kyc_schema.kyc_applications
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at
	`, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list kyc applications")
	}
	return apps, nil
}

func (r *ApplicationRepository) StepsByReviewer(ctx context.Context, reviewerID uuid.UUID, from, to time.Time) ([]*domain.WorkflowStep, error) {
	var steps []*domain.WorkflowStep
	err := r.db.SelectContext(ctx, &steps, `
		SELECT id, application_id, step_number, status, tier, supervisor_queue, requires_manual,
		       assigned_reviewer, escalated_from, decision, comment,
		       created_at, started_at, deadline_at, completed_at
		FROM kyc_schema.kyc_workflow_steps
		WHERE assigned_reviewer = $1 AND started_at >= $2 AND started_at < $3
		ORDER BY started_at
	`, reviewerID, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list reviewer steps")
	}
	return steps, nil
}
