// ==============================================================================
// WORKFLOW STEP SCHEDULER - internal/kyc/scheduler.go
// ==============================================================================
// Creates, assigns, completes, times out and escalates manual review steps.
// ==============================================================================

package kyc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"kycreview/pkg/domain"
	kycerrors "kycreview/pkg/errors"
	"kycreview/pkg/validator"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// CompleteStepRequest is a reviewer's decision on a step.
type CompleteStepRequest struct {
	StepID              uuid.UUID             `json:"step_id"`
	ReviewerID          uuid.UUID             `json:"reviewer_id"`
	Result              domain.ReviewResult   `json:"result" validate:"kyc_review_result"`
	Comment             string                `json:"comment" validate:"max=2000"`
	SupplementDocuments []domain.DocumentType `json:"supplement_documents,omitempty" validate:"max=10"`
}

// CompletionResult reports what a step completion did to the application.
type CompletionResult struct {
	Step      *domain.WorkflowStep     `json:"step"`
	Status    domain.ApplicationStatus `json:"status"`
	Successor *domain.WorkflowStep     `json:"successor,omitempty"`
}

// BatchCompleteRequest applies one decision to several steps.
type BatchCompleteRequest struct {
	ReviewerID uuid.UUID           `json:"reviewer_id"`
	StepIDs    []uuid.UUID         `json:"step_ids" validate:"min=1,max=100"`
	Result     domain.ReviewResult `json:"result" validate:"kyc_review_result"`
	Comment    string              `json:"comment" validate:"max=2000"`
}

// BatchOutcome is the per-step result of a batch completion.
type BatchOutcome struct {
	StepID uuid.UUID         `json:"step_id"`
	Result *CompletionResult `json:"result,omitempty"`
	Err    error             `json:"-"`
}

func tierLabel(t domain.ReviewerTier) string {
	return strconv.Itoa(int(t))
}

// slaFor returns how long a step of tier may stay in progress.
func (s *KYCService) slaFor(tier domain.ReviewerTier) time.Duration {
	if tier >= domain.TierSenior {
		return s.config.Tier2SLA
	}
	return s.config.Tier1SLA
}

// ==============================================================================
// STEP LIFECYCLE HELPERS
// ==============================================================================

// openStep adds the next step to m. Fails with ErrStepConflict while another
// step is still open.
func (s *KYCService) openStep(
	m *mutation,
	tier domain.ReviewerTier,
	requiresManual bool,
	supervisor bool,
	from *domain.WorkflowStep,
	reason string,
) (*domain.WorkflowStep, error) {
	if open := m.agg.OpenStep(); open != nil {
		return nil, fmt.Errorf("step %d is %s: %w", open.StepNumber, open.Status, kycerrors.ErrStepConflict)
	}

	number := 1
	for _, st := range m.agg.Steps {
		if st.StepNumber >= number {
			number = st.StepNumber + 1
		}
	}

	step := &domain.WorkflowStep{
		ID:              uuid.New(),
		ApplicationID:   m.app().ID,
		StepNumber:      number,
		Status:          domain.StepStatusPending,
		Tier:            tier,
		SupervisorQueue: supervisor,
		RequiresManual:  requiresManual,
		CreatedAt:       m.now,
	}
	if from != nil {
		prev := from.ID
		step.EscalatedFrom = &prev
	}
	m.agg.Steps = append(m.agg.Steps, step)

	stepID := step.ID
	m.emit(domain.AuditStepCreated, &stepID, nil, map[string]interface{}{
		"step_number":      step.StepNumber,
		"tier":             int(step.Tier),
		"supervisor_queue": step.SupervisorQueue,
		"reason":           reason,
	})
	m.onCommit(func() { s.metrics.IncStepCreated(tierLabel(tier), reason) })
	return step, nil
}

// checkEligible reports whether reviewer may take step.
func checkEligible(r *domain.Reviewer, step *domain.WorkflowStep) error {
	if !r.Active {
		return fmt.Errorf("reviewer %s is inactive: %w", r.ID, kycerrors.ErrReviewerNotEligible)
	}
	if step.SupervisorQueue {
		if !r.Can(domain.PermissionSupervise) {
			return kycerrors.ErrSupervisorQueueReserved
		}
		return nil
	}
	if !r.Can(domain.PermissionReview) {
		return fmt.Errorf("reviewer %s lacks %s permission: %w", r.ID, domain.PermissionReview, kycerrors.ErrReviewerNotEligible)
	}
	if r.Tier < step.Tier {
		return fmt.Errorf("step needs tier %d, reviewer is tier %d: %w", step.Tier, r.Tier, kycerrors.ErrReviewerNotEligible)
	}
	return nil
}

func (s *KYCService) assignStep(m *mutation, step *domain.WorkflowStep, reviewerID uuid.UUID) {
	started := m.now
	deadline := m.now.Add(s.slaFor(step.Tier))
	rid := reviewerID

	step.Status = domain.StepStatusInProgress
	step.AssignedReviewer = &rid
	step.StartedAt = &started
	step.DeadlineAt = &deadline

	stepID := step.ID
	m.emit(domain.AuditStepAssigned, &stepID, &rid, map[string]interface{}{
		"tier":        int(step.Tier),
		"deadline_at": deadline,
	})
}

// SelectReviewer picks the least-loaded reviewer; ties go to whoever was
// assigned longest ago (never-assigned first), then to the lowest ID.
func SelectReviewer(loads []*domain.ReviewerLoad) *domain.ReviewerLoad {
	if len(loads) == 0 {
		return nil
	}
	sorted := append([]*domain.ReviewerLoad(nil), loads...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.OpenSteps != b.OpenSteps {
			return a.OpenSteps < b.OpenSteps
		}
		switch {
		case a.LastAssignedAt == nil && b.LastAssignedAt != nil:
			return true
		case a.LastAssignedAt != nil && b.LastAssignedAt == nil:
			return false
		case a.LastAssignedAt != nil && b.LastAssignedAt != nil && !a.LastAssignedAt.Equal(*b.LastAssignedAt):
			return a.LastAssignedAt.Before(*b.LastAssignedAt)
		}
		return strings.Compare(a.ID.String(), b.ID.String()) < 0
	})
	return sorted[0]
}

// autoAssign hands a PENDING step to the best reviewer of exactly its tier.
// Supervisor steps and steps with no eligible reviewer stay PENDING.
func (s *KYCService) autoAssign(ctx context.Context, m *mutation, step *domain.WorkflowStep, exclude *uuid.UUID) error {
	if step.SupervisorQueue || step.Status != domain.StepStatusPending ||
		m.app().Status != domain.ApplicationStatusUnderReview {
		return nil
	}

	loads, err := s.roster.Loads(ctx, step.Tier)
	if err != nil {
		return kycerrors.Wrap(err, "failed to load reviewer roster")
	}

	var candidates []*domain.ReviewerLoad
	for _, l := range loads {
		if !l.Active || l.Tier != step.Tier || !l.Can(domain.PermissionReview) {
			continue
		}
		if exclude != nil && l.ID == *exclude {
			continue
		}
		candidates = append(candidates, l)
	}

	pick := SelectReviewer(candidates)
	if pick == nil {
		appID, stepNumber, tier := m.app().ID, step.StepNumber, step.Tier
		m.onCommit(func() {
			s.metrics.IncUnassigned(tierLabel(tier))
			s.logger.Warn("No eligible reviewer, step left pending", map[string]interface{}{
				"application_id": appID.String(),
				"step_number":    stepNumber,
				"tier":           int(tier),
			})
		})
		return nil
	}

	s.assignStep(m, step, pick.ID)
	return nil
}

// requestSupplement supersedes the named document slots and reopens the
// completeness gate for the next submission.
func (s *KYCService) requestSupplement(m *mutation, types []domain.DocumentType, comment string) {
	current := m.agg.CurrentDocuments()
	names := make([]string, 0, len(types))
	for _, t := range types {
		if doc, ok := current[t]; ok {
			doc.Superseded = true
		}
		names = append(names, string(t))
	}

	app := m.app()
	app.DocumentsComplete = false
	switch {
	case comment != "":
		app.SupplementRequirement = comment
	case len(names) > 0:
		app.SupplementRequirement = "resubmit: " + strings.Join(names, ", ")
	default:
		app.SupplementRequirement = "supplementary documents required"
	}
}

// ==============================================================================
// PUBLIC OPERATIONS
// ==============================================================================

// CreateStep opens a manual review step for an application under review. The
// tier follows the latest risk assessment.
func (s *KYCService) CreateStep(ctx context.Context, applicationID uuid.UUID, requiresManual bool) (step *domain.WorkflowStep, err error) {
	ctx, span := s.startSpan(ctx, "CreateStep", attribute.String("application_id", applicationID.String()))
	defer func() {
		s.finish(span, "CreateStep", err, map[string]interface{}{"application_id": applicationID.String()})
	}()

	_, err = s.mutate(ctx, "CreateStep", s.byApplication(applicationID), func(ctx context.Context, m *mutation) error {
		if m.app().Status != domain.ApplicationStatusUnderReview {
			return fmt.Errorf("cannot open a step while %s: %w", m.app().Status, kycerrors.ErrInvalidStateTransition)
		}
		tier := domain.TierStandard
		if a := m.agg.LatestAssessment(); a != nil {
			tier = s.scorer.RequiredTier(a.RiskLevel, a.ManualReviewRequired)
		}
		created, err := s.openStep(m, tier, requiresManual, false, nil, "manual")
		if err != nil {
			return err
		}
		step = created
		return s.autoAssign(ctx, m, created, nil)
	})
	if err != nil {
		return nil, err
	}
	return step, nil
}

// Assign gives a PENDING step to reviewerID. Explicit assignment accepts any
// active reviewer at or above the step's tier; supervisor steps need the
// supervise permission.
func (s *KYCService) Assign(ctx context.Context, stepID, reviewerID uuid.UUID) (step *domain.WorkflowStep, err error) {
	ctx, span := s.startSpan(ctx, "Assign",
		attribute.String("step_id", stepID.String()),
		attribute.String("reviewer_id", reviewerID.String()))
	defer func() {
		s.finish(span, "Assign", err, map[string]interface{}{
			"step_id":     stepID.String(),
			"reviewer_id": reviewerID.String(),
		})
	}()

	reviewer, err := s.roster.Get(ctx, reviewerID)
	if err != nil {
		return nil, err
	}

	_, err = s.mutate(ctx, "Assign", s.byStep(stepID), func(ctx context.Context, m *mutation) error {
		st := m.agg.Step(stepID)
		if st == nil {
			return kycerrors.ErrStepNotFound
		}
		if st.Status != domain.StepStatusPending {
			return fmt.Errorf("step %d is %s: %w", st.StepNumber, st.Status, kycerrors.ErrInvalidStepState)
		}
		if m.app().Status != domain.ApplicationStatusUnderReview {
			return fmt.Errorf("application is %s: %w", m.app().Status, kycerrors.ErrInvalidStateTransition)
		}
		if err := checkEligible(reviewer, st); err != nil {
			return err
		}
		s.assignStep(m, st, reviewerID)
		step = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return step, nil
}

// Complete records a reviewer's decision and advances the application.
func (s *KYCService) Complete(ctx context.Context, req CompleteStepRequest) (result *CompletionResult, err error) {
	ctx, span := s.startSpan(ctx, "Complete",
		attribute.String("step_id", req.StepID.String()),
		attribute.String("result", string(req.Result)))
	defer func() {
		s.finish(span, "Complete", err, map[string]interface{}{
			"step_id":     req.StepID.String(),
			"reviewer_id": req.ReviewerID.String(),
			"result":      string(req.Result),
		})
	}()

	if err = s.validateCompletion(req); err != nil {
		return nil, err
	}
	comment := validator.Sanitize(req.Comment)

	_, err = s.mutate(ctx, "Complete", s.byStep(req.StepID), func(ctx context.Context, m *mutation) error {
		st := m.agg.Step(req.StepID)
		if st == nil {
			return kycerrors.ErrStepNotFound
		}
		if st.Status != domain.StepStatusInProgress {
			return fmt.Errorf("step %d is %s: %w", st.StepNumber, st.Status, kycerrors.ErrInvalidStepState)
		}
		if st.AssignedReviewer == nil || *st.AssignedReviewer != req.ReviewerID {
			return kycerrors.ErrStepNotOwned
		}
		if req.Result == domain.ReviewResultPendingHigherReview && st.SupervisorQueue {
			return fmt.Errorf("supervisor queue has no higher review: %w", kycerrors.ErrInvalidReviewResult)
		}

		decision := req.Result
		completed := m.now
		st.Status = domain.StepStatusCompleted
		st.Decision = &decision
		st.Comment = comment
		st.CompletedAt = &completed

		stepID, reviewerID := st.ID, req.ReviewerID
		m.emit(domain.AuditStepCompleted, &stepID, &reviewerID, map[string]interface{}{
			"result": string(decision),
		})
		s.appendRecord(m, &stepID, &reviewerID, decision, comment)

		res := &CompletionResult{Step: st}
		switch decision {
		case domain.ReviewResultApproved:
			if err := s.transition(m, EventStepApproved); err != nil {
				return err
			}
		case domain.ReviewResultRejected:
			if err := s.transition(m, EventStepRejected); err != nil {
				return err
			}
		case domain.ReviewResultRequiresSupplement:
			if err := s.transition(m, EventStepSupplement); err != nil {
				return err
			}
			s.requestSupplement(m, req.SupplementDocuments, comment)
		case domain.ReviewResultPendingHigherReview:
			if err := s.transition(m, EventStepHigherReview); err != nil {
				return err
			}
			successor, err := s.openStep(m, domain.TierSenior, true, st.Tier >= domain.TierSenior, st, "escalation")
			if err != nil {
				return err
			}
			if err := s.autoAssign(ctx, m, successor, &reviewerID); err != nil {
				return err
			}
			res.Successor = successor
		}
		res.Status = m.app().Status
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *KYCService) validateCompletion(req CompleteStepRequest) error {
	if req.StepID == uuid.Nil || req.ReviewerID == uuid.Nil {
		return fmt.Errorf("%w: step_id and reviewer_id are required", kycerrors.ErrValidationFailed)
	}
	for _, t := range req.SupplementDocuments {
		if !t.IsValid() {
			return fmt.Errorf("%q: %w", t, kycerrors.ErrInvalidDocumentType)
		}
	}
	return s.validateDecision(req, req.Result)
}

// validateDecision checks a review request's tags. A failed result tag is
// reported as ErrInvalidReviewResult, anything else as ErrValidationFailed.
func (s *KYCService) validateDecision(req interface{}, result domain.ReviewResult) error {
	errs := s.validator.ValidateStructured(req)
	if errs == nil {
		return nil
	}
	if _, bad := errs["Result"]; bad {
		return fmt.Errorf("%q is not a reviewer decision: %w", result, kycerrors.ErrInvalidReviewResult)
	}
	fields := make([]string, 0, len(errs))
	for field, msg := range errs {
		fields = append(fields, field+": "+msg)
	}
	sort.Strings(fields)
	return fmt.Errorf("%w: %s", kycerrors.ErrValidationFailed, strings.Join(fields, "; "))
}

// CheckTimeouts marks every in-progress step past its SLA as TIMED_OUT and
// opens its escalation successor. Each application is re-read and
// re-checked before the write, so concurrent sweeps and reviewer completions
// never double-transition a step. Returns the successor steps created by
// this call.
func (s *KYCService) CheckTimeouts(ctx context.Context, now time.Time) (escalated []*domain.WorkflowStep, err error) {
	ctx, span := s.startSpan(ctx, "CheckTimeouts")
	defer func() { s.finish(span, "CheckTimeouts", err, nil) }()

	ids, err := s.store.OverdueStepApplications(ctx, now)
	if err != nil {
		return nil, kycerrors.Wrap(err, "failed to find overdue steps")
	}
	span.SetAttributes(attribute.Int("kyc.candidates", len(ids)))

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(s.sweepConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			successor, err := s.timeoutStep(ctx, id, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, errNoChange):
			case err != nil:
				errs = append(errs, fmt.Errorf("application %s: %w", id, err))
			default:
				escalated = append(escalated, successor)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(escalated, func(i, j int) bool {
		return escalated[i].ApplicationID.String() < escalated[j].ApplicationID.String()
	})
	if len(escalated) > 0 {
		s.logger.Info("Escalated timed out review steps", map[string]interface{}{
			"escalated":  len(escalated),
			"candidates": len(ids),
		})
	}
	return escalated, errors.Join(errs...)
}

func (s *KYCService) timeoutStep(ctx context.Context, applicationID uuid.UUID, now time.Time) (*domain.WorkflowStep, error) {
	var successor *domain.WorkflowStep
	_, err := s.mutate(ctx, "CheckTimeouts", s.byApplication(applicationID), func(ctx context.Context, m *mutation) error {
		m.now = now.UTC()
		st := m.agg.OpenStep()
		if st == nil || st.Status != domain.StepStatusInProgress || st.SupervisorQueue ||
			st.DeadlineAt == nil || !now.After(*st.DeadlineAt) {
			return errNoChange
		}
		if m.app().Status != domain.ApplicationStatusUnderReview {
			return errNoChange
		}

		timedOut := m.now
		st.Status = domain.StepStatusTimedOut
		st.CompletedAt = &timedOut

		stepID := st.ID
		tier := st.Tier
		m.emit(domain.AuditStepTimedOut, &stepID, st.AssignedReviewer, map[string]interface{}{
			"tier":        int(tier),
			"deadline_at": *st.DeadlineAt,
		})
		m.onCommit(func() { s.metrics.IncStepTimedOut(tierLabel(tier)) })

		next, err := s.openStep(m, domain.TierSenior, true, tier >= domain.TierSenior, st, "timeout")
		if err != nil {
			return err
		}
		if err := s.autoAssign(ctx, m, next, st.AssignedReviewer); err != nil {
			return err
		}
		successor = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return successor, nil
}

// AssignPending retries assignment for PENDING steps that found no eligible
// reviewer when they were opened. Returns how many were assigned.
func (s *KYCService) AssignPending(ctx context.Context) (assigned int, err error) {
	ctx, span := s.startSpan(ctx, "AssignPending")
	defer func() { s.finish(span, "AssignPending", err, nil) }()

	ids, err := s.store.UnassignedStepApplications(ctx)
	if err != nil {
		return 0, kycerrors.Wrap(err, "failed to find unassigned steps")
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(s.sweepConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := s.mutate(ctx, "AssignPending", s.byApplication(id), func(ctx context.Context, m *mutation) error {
				st := m.agg.OpenStep()
				if st == nil || st.Status != domain.StepStatusPending || st.SupervisorQueue {
					return errNoChange
				}
				if err := s.autoAssign(ctx, m, st, nil); err != nil {
					return err
				}
				if st.Status == domain.StepStatusPending {
					return errNoChange
				}
				return nil
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, errNoChange):
			case err != nil:
				errs = append(errs, fmt.Errorf("application %s: %w", id, err))
			default:
				assigned++
			}
			return nil
		})
	}
	_ = g.Wait()
	return assigned, errors.Join(errs...)
}

// BatchComplete applies one decision to several steps owned by the same
// reviewer. Each step succeeds or fails on its own.
func (s *KYCService) BatchComplete(ctx context.Context, req BatchCompleteRequest) (outcomes []BatchOutcome, err error) {
	ctx, span := s.startSpan(ctx, "BatchComplete",
		attribute.String("reviewer_id", req.ReviewerID.String()),
		attribute.Int("steps", len(req.StepIDs)))
	defer func() {
		s.finish(span, "BatchComplete", err, map[string]interface{}{
			"reviewer_id": req.ReviewerID.String(),
			"steps":       len(req.StepIDs),
			"result":      string(req.Result),
		})
	}()

	if err = s.validateDecision(req, req.Result); err != nil {
		return nil, err
	}

	outcomes = make([]BatchOutcome, len(req.StepIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.sweepConcurrency)
	for i, stepID := range req.StepIDs {
		i, stepID := i, stepID
		g.Go(func() error {
			res, err := s.Complete(gctx, CompleteStepRequest{
				StepID:     stepID,
				ReviewerID: req.ReviewerID,
				Result:     req.Result,
				Comment:    req.Comment,
			})
			outcomes[i] = BatchOutcome{StepID: stepID, Result: res, Err: err}
			// Only cancellation stops the batch.
			if errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}
