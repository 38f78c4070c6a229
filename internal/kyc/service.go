// ==============================================================================
// KYC SERVICE - internal/kyc/service.go
// ==============================================================================
// Risk-adaptive KYC review workflow: document gate, risk scoring, manual
// review scheduling and the application lifecycle.
// ==============================================================================

package kyc

import (
	"context"
	"time"

	"kycreview/internal/metrics"
	"kycreview/pkg/config"
	"kycreview/pkg/domain"
	kycerrors "kycreview/pkg/errors"
	"kycreview/pkg/logger"
	"kycreview/pkg/validator"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ==============================================================================
// REPOSITORY INTERFACES
// ==============================================================================

// Store persists application aggregates and the review log.
//
// Save is a compare-and-swap on Application.Version: it must fail with
// errors.ErrStaleVersion when the stored version differs, and on success bump
// the version on both the stored copy and agg. Review records passed to Save
// are committed in the same atomic write.
type Store interface {
	// CreateApplication stores a new aggregate at version 1. It fails with
	// errors.ErrStaleVersion when the user already has a non-terminal
	// application.
	CreateApplication(ctx context.Context, agg *domain.KYCAggregate) error
	Load(ctx context.Context, applicationID uuid.UUID) (*domain.KYCAggregate, error)
	LoadByStep(ctx context.Context, stepID uuid.UUID) (*domain.KYCAggregate, error)
	// LatestByUser returns the user's most recent application.
	LatestByUser(ctx context.Context, userID uuid.UUID) (*domain.KYCAggregate, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Application, error)
	Save(ctx context.Context, agg *domain.KYCAggregate, records []*domain.ReviewRecord) error

	ReviewRecords(ctx context.Context, applicationID uuid.UUID) ([]*domain.ReviewRecord, error)
	// OverdueStepApplications lists applications with an IN_PROGRESS,
	// non-supervisor step whose deadline is before now.
	OverdueStepApplications(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	// UnassignedStepApplications lists UNDER_REVIEW applications with a
	// PENDING, non-supervisor step.
	UnassignedStepApplications(ctx context.Context) ([]uuid.UUID, error)
	ApplicationsCreatedBetween(ctx context.Context, from, to time.Time) ([]*domain.Application, error)
	StepsByReviewer(ctx context.Context, reviewerID uuid.UUID, from, to time.Time) ([]*domain.WorkflowStep, error)
}

// ReviewerRoster provides reviewers and their current workload.
type ReviewerRoster interface {
	Get(ctx context.Context, reviewerID uuid.UUID) (*domain.Reviewer, error)
	// Loads returns active reviewers of exactly tier with open-step counts.
	Loads(ctx context.Context, tier domain.ReviewerTier) ([]*domain.ReviewerLoad, error)
	ListActive(ctx context.Context) ([]*domain.Reviewer, error)
}

// Clock is the time source for every SLA and decision timestamp.
type Clock interface {
	Now() time.Time
}

// EventSink receives audit events after the change they describe commits.
type EventSink interface {
	Emit(ctx context.Context, events ...domain.AuditEvent) error
}

// CooldownPolicy decides when a rejected user may open a new attempt.
type CooldownPolicy interface {
	NextAttemptAllowedAt(ctx context.Context, userID uuid.UUID, rejectedAt time.Time) (time.Time, error)
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedCooldown allows a new attempt a fixed duration after rejection.
type FixedCooldown time.Duration

func (c FixedCooldown) NextAttemptAllowedAt(_ context.Context, _ uuid.UUID, rejectedAt time.Time) (time.Time, error) {
	return rejectedAt.Add(time.Duration(c)), nil
}

type discardSink struct{}

func (discardSink) Emit(context.Context, ...domain.AuditEvent) error { return nil }

// ==============================================================================
// KYC SERVICE STRUCT WITH DEPENDENCIES
// ==============================================================================

// KYCService is the review workflow engine. It is safe for concurrent use;
// all coordination happens through versioned aggregate writes.
type KYCService struct {
	store     Store
	roster    ReviewerRoster
	clock     Clock
	events    EventSink
	cooldown  CooldownPolicy
	scorer    *Scorer
	config    config.KYCConfig
	validator *validator.Validator
	metrics   *metrics.Metrics
	logger    logger.Logger
	tracer    trace.Tracer

	sweepConcurrency int
}

// Option configures a KYCService.
type Option func(*KYCService)

func WithClock(c Clock) Option {
	return func(s *KYCService) { s.clock = c }
}

func WithEventSink(sink EventSink) Option {
	return func(s *KYCService) { s.events = sink }
}

func WithCooldownPolicy(p CooldownPolicy) Option {
	return func(s *KYCService) { s.cooldown = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *KYCService) { s.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *KYCService) { s.tracer = t }
}

// WithSweepConcurrency bounds how many applications CheckTimeouts and
// AssignPending process at once.
func WithSweepConcurrency(n int) Option {
	return func(s *KYCService) {
		if n > 0 {
			s.sweepConcurrency = n
		}
	}
}

// NewKYCService wires the engine. Invalid configuration is rejected here so
// it surfaces at startup rather than per request.
func NewKYCService(
	store Store,
	roster ReviewerRoster,
	cfg config.KYCConfig,
	log logger.Logger,
	opts ...Option,
) (*KYCService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, kycerrors.Wrap(kycerrors.ErrInvalidConfiguration, err.Error())
	}
	if log == nil {
		log = logger.NewNop()
	}

	s := &KYCService{
		store:            store,
		roster:           roster,
		clock:            SystemClock{},
		events:           discardSink{},
		cooldown:         FixedCooldown(cfg.RejectionCooldown),
		scorer:           NewScorer(cfg),
		config:           cfg,
		validator:        validator.New(),
		logger:           log.With(map[string]interface{}{"component": "kyc"}),
		tracer:           otel.Tracer("kycreview/internal/kyc"),
		sweepConcurrency: 8,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ValidateRoster fails when no active tier-2 reviewer can take escalations.
func (s *KYCService) ValidateRoster(ctx context.Context) error {
	reviewers, err := s.roster.ListActive(ctx)
	if err != nil {
		return kycerrors.Wrap(err, "failed to list reviewers")
	}
	for _, r := range reviewers {
		if r.Active && r.Tier == domain.TierSenior && r.Can(domain.PermissionReview) {
			return nil
		}
	}
	return kycerrors.ErrNoSeniorReviewers
}

// Scorer exposes the configured scorer.
func (s *KYCService) Scorer() *Scorer {
	return s.scorer
}

// ==============================================================================
// TRACING & ERROR REPORTING
// ==============================================================================

func (s *KYCService) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "kyc."+op, trace.WithAttributes(attrs...))
}

// finish closes span and reports err by category.
func (s *KYCService) finish(span trace.Span, op string, err error, fields map[string]interface{}) {
	defer span.End()
	if err == nil {
		return
	}
	se := Classify(err, op)
	span.SetAttributes(
		attribute.String("kyc.error_code", se.Code),
		attribute.String("kyc.error_category", string(se.Category)),
	)
	if se.Category == CategoryInfrastructure || se.Category == CategoryConfiguration {
		span.RecordError(err)
		span.SetStatus(codes.Error, se.Code)
	}
	logError(s.logger, se, fields)
}
