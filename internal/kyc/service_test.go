package kyc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kycreview/internal/repository/memory"
	"kycreview/pkg/config"
	"kycreview/pkg/domain"
	kycerrors "kycreview/pkg/errors"
	"kycreview/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// --- Mocks ---

type MockEventSink struct {
	mock.Mock
}

func (m *MockEventSink) Emit(ctx context.Context, events ...domain.AuditEvent) error {
	args := m.Called(ctx, events)
	return args.Error(0)
}

func (m *MockEventSink) eventTypes() []domain.AuditEventType {
	var out []domain.AuditEventType
	for _, c := range m.Calls {
		for _, e := range c.Arguments.Get(1).([]domain.AuditEvent) {
			out = append(out, e.Type)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	juniorID     = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	seniorID     = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	senior2ID    = uuid.MustParse("00000000-0000-0000-0000-000000000003")
	junior2ID    = uuid.MustParse("00000000-0000-0000-0000-000000000004")
	supervisorID = uuid.MustParse("00000000-0000-0000-0000-000000000009")
)

func reviewer(id uuid.UUID, tier domain.ReviewerTier, perms ...domain.Permission) *domain.Reviewer {
	return &domain.Reviewer{ID: id, Name: id.String()[30:], Tier: tier, Permissions: perms, Active: true}
}

// --- Suite ---

type EngineSuite struct {
	suite.Suite

	ctx    context.Context
	cfg    config.KYCConfig
	clock  *fakeClock
	store  *memory.Store
	roster *memory.Roster
	sink   *MockEventSink
	svc    *KYCService
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.cfg = config.DefaultKYC()
	s.clock = &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	s.store = memory.NewStore()
	s.roster = memory.NewRoster(s.store,
		reviewer(juniorID, domain.TierStandard, domain.PermissionReview),
		reviewer(seniorID, domain.TierSenior, domain.PermissionReview),
		reviewer(supervisorID, domain.TierSenior, domain.PermissionSupervise),
	)
	s.sink = new(MockEventSink)
	s.sink.On("Emit", mock.Anything, mock.Anything).Return(nil)
	s.rebuild(nil)
}

// rebuild recreates the service after adjusting the configuration.
func (s *EngineSuite) rebuild(adjust func(*config.KYCConfig), opts ...Option) {
	if adjust != nil {
		adjust(&s.cfg)
	}
	opts = append([]Option{WithClock(s.clock), WithEventSink(s.sink)}, opts...)
	svc, err := NewKYCService(s.store, s.roster, s.cfg, logger.NewNop(), opts...)
	s.Require().NoError(err)
	s.svc = svc
}

func (s *EngineSuite) submit(appID, userID uuid.UUID, t domain.DocumentType, quality int, identity string) (*DocumentSlot, error) {
	req := SubmitDocumentRequest{
		ApplicationID: appID,
		UserID:        userID,
		Type:          t,
		QualityScore:  quality,
		StorageRef:    "kyc/" + userID.String() + "/" + string(t),
	}
	if identity != "" {
		d := decimal.RequireFromString(identity)
		req.IdentityMatch = &d
	}
	return s.svc.SubmitDocument(s.ctx, req)
}

// submitSet uploads the required set at one quality. The identity match
// comes with the selfie, which completes the set.
func (s *EngineSuite) submitSet(userID uuid.UUID, country string, quality int, identity string) *DocumentSlot {
	var (
		appID uuid.UUID
		slot  *DocumentSlot
	)
	for _, t := range domain.RequiredDocumentTypes {
		req := SubmitDocumentRequest{
			ApplicationID: appID,
			UserID:        userID,
			CountryCode:   country,
			Type:          t,
			QualityScore:  quality,
			StorageRef:    "kyc/" + userID.String() + "/" + string(t),
		}
		if t == domain.DocumentTypeSelfie && identity != "" {
			d := decimal.RequireFromString(identity)
			req.IdentityMatch = &d
		}
		out, err := s.svc.SubmitDocument(s.ctx, req)
		s.Require().NoError(err)
		appID = out.ApplicationID
		slot = out
	}
	return slot
}

// manualApp produces an application routed to a tier-1 manual step
// (composite 79, risk level 3).
func (s *EngineSuite) manualApp(userID uuid.UUID) (*DocumentSlot, *domain.WorkflowStep) {
	slot := s.submitSet(userID, "", 7, "70")
	s.Require().Equal(domain.ApplicationStatusUnderReview, slot.Status)
	step := s.load(slot.ApplicationID).OpenStep()
	s.Require().NotNil(step)
	return slot, step
}

func (s *EngineSuite) load(appID uuid.UUID) *domain.KYCAggregate {
	agg, err := s.store.Load(s.ctx, appID)
	s.Require().NoError(err)
	return agg
}

// assertStepInvariants checks step numbering and the single open step.
func (s *EngineSuite) assertStepInvariants(agg *domain.KYCAggregate) {
	open, inProgress := 0, 0
	for i, st := range agg.Steps {
		s.Equal(i+1, st.StepNumber, "step numbers are gapless")
		if st.Status.IsOpen() {
			open++
		}
		if st.Status == domain.StepStatusInProgress {
			inProgress++
		}
	}
	s.LessOrEqual(open, 1)
	s.LessOrEqual(inProgress, 1)
}

// --- Scenarios ---

func (s *EngineSuite) TestScenarioA_AutoApprove() {
	slot := s.submitSet(uuid.New(), "", 9, "95")

	s.Equal(domain.ApplicationStatusApproved, slot.Status)
	s.True(slot.Complete)
	s.Require().NotNil(slot.Assessment)
	s.True(slot.Assessment.CompositeScore.Equal(decimal.NewFromInt(95)), slot.Assessment.CompositeScore.String())
	s.Equal(1, slot.Assessment.RiskLevel)
	s.Equal(domain.RecommendAutoApprove, slot.Assessment.Recommendation)

	agg := s.load(slot.ApplicationID)
	s.Empty(agg.Steps)
	s.Require().NotNil(agg.Application.ExpiresAt)
	s.True(agg.Application.ExpiresAt.Equal(s.clock.Now().Add(s.cfg.ApprovalValidity)))

	records, err := s.svc.ReviewHistory(s.ctx, slot.ApplicationID)
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Equal(domain.ReviewResultAutoApproved, records[0].Result)
	s.Nil(records[0].ReviewerID)
	s.Nil(records[0].StepID)

	types := s.sink.eventTypes()
	s.Contains(types, domain.AuditApplicationCreated)
	s.Contains(types, domain.AuditAssessmentCreated)
	s.Contains(types, domain.AuditStatusChanged)
	s.Contains(types, domain.AuditReviewRecorded)
	s.NotContains(types, domain.AuditStepCreated)
}

func (s *EngineSuite) TestScenarioB_AutoReject() {
	s.rebuild(func(c *config.KYCConfig) {
		c.HighRiskJurisdictions = []string{"KP"}
		c.JurisdictionPenalty = decimal.NewFromInt(100)
	})

	slot := s.submitSet(uuid.New(), "kp", 1, "30")

	s.Equal(domain.ApplicationStatusRejected, slot.Status)
	s.Require().NotNil(slot.Assessment)
	s.True(slot.Assessment.CompositeScore.Equal(decimal.NewFromInt(15)), slot.Assessment.CompositeScore.String())
	s.Equal(8, slot.Assessment.RiskLevel)
	s.Equal(domain.RecommendAutoReject, slot.Assessment.Recommendation)

	agg := s.load(slot.ApplicationID)
	s.Empty(agg.Steps)
	s.Equal("KP", agg.Application.CountryCode)
	s.Nil(agg.Application.ExpiresAt)

	records, err := s.svc.ReviewHistory(s.ctx, slot.ApplicationID)
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Equal(domain.ReviewResultAutoRejected, records[0].Result)
}

func (s *EngineSuite) TestScenarioC_SeniorReviewRequired() {
	slot := s.submitSet(uuid.New(), "", 3, "40")

	s.Equal(domain.ApplicationStatusUnderReview, slot.Status)
	s.True(slot.Assessment.CompositeScore.Equal(decimal.NewFromInt(55)))
	s.Equal(5, slot.Assessment.RiskLevel)
	s.True(slot.Assessment.ManualReviewRequired)

	step := s.load(slot.ApplicationID).OpenStep()
	s.Require().NotNil(step)
	s.Equal(domain.TierSenior, step.Tier)
	s.Equal(domain.StepStatusInProgress, step.Status)
	s.Equal(seniorID, *step.AssignedReviewer)
	s.True(step.DeadlineAt.Equal(s.clock.Now().Add(s.cfg.Tier2SLA)))
}

func (s *EngineSuite) TestScenarioC_NoSeniorAvailableLeavesStepPending() {
	s.Require().NoError(s.roster.SetActive(seniorID, false))

	slot := s.submitSet(uuid.New(), "", 3, "40")

	step := s.load(slot.ApplicationID).OpenStep()
	s.Require().NotNil(step)
	s.Equal(domain.TierSenior, step.Tier)
	s.Equal(domain.StepStatusPending, step.Status)
	s.Nil(step.AssignedReviewer)
	s.Nil(step.DeadlineAt)

	// Withdrawing closes the waiting step as well.
	_, err := s.svc.Withdraw(s.ctx, slot.ApplicationID, "")
	s.Require().NoError(err)
	agg := s.load(slot.ApplicationID)
	s.Nil(agg.OpenStep())
	s.Equal(domain.StepStatusCompleted, agg.Step(step.ID).Status)
}

func (s *EngineSuite) TestScenarioE_SupplementRoundTrip() {
	user := uuid.New()
	slot, step := s.manualApp(user)
	first := slot.Assessment

	res, err := s.svc.Complete(s.ctx, CompleteStepRequest{
		StepID:              step.ID,
		ReviewerID:          juniorID,
		Result:              domain.ReviewResultRequiresSupplement,
		SupplementDocuments: []domain.DocumentType{domain.DocumentTypeSelfie},
	})
	s.Require().NoError(err)
	s.Equal(domain.ApplicationStatusRequiresResubmit, res.Status)

	agg := s.load(slot.ApplicationID)
	s.False(agg.Application.DocumentsComplete)
	s.Equal("resubmit: SELFIE", agg.Application.SupplementRequirement)
	missing, err := s.svc.MissingDocuments(s.ctx, slot.ApplicationID)
	s.Require().NoError(err)
	s.Equal([]domain.DocumentType{domain.DocumentTypeSelfie}, missing)

	s.clock.Advance(time.Hour)
	again, err := s.submit(slot.ApplicationID, user, domain.DocumentTypeSelfie, 7, "70")
	s.Require().NoError(err)
	s.True(again.Complete)
	s.Equal(domain.ApplicationStatusUnderReview, again.Status)
	s.Require().NotNil(again.Assessment)
	s.NotEqual(first.ID, again.Assessment.ID)

	agg = s.load(slot.ApplicationID)
	s.Equal(1, agg.Application.ResubmissionCount)
	s.Empty(agg.Application.SupplementRequirement)
	s.Nil(agg.Application.DecidedAt)
	s.Len(agg.Assessments, 2)
	s.Equal(first.ID, agg.Assessments[0].ID, "earlier assessments are never rewritten")

	next := agg.OpenStep()
	s.Require().NotNil(next)
	s.Equal(2, next.StepNumber)
	s.assertStepInvariants(agg)
}

// --- Document registry ---

func (s *EngineSuite) TestCompletenessEdgeFiresOnce() {
	user := uuid.New()
	slot, err := s.submit(uuid.Nil, user, domain.DocumentTypeIDFront, 7, "")
	s.Require().NoError(err)
	appID := slot.ApplicationID
	s.False(slot.Complete)

	_, err = s.submit(appID, user, domain.DocumentTypeIDBack, 7, "")
	s.Require().NoError(err)

	complete, err := s.svc.IsComplete(s.ctx, appID)
	s.Require().NoError(err)
	s.False(complete)

	_, err = s.svc.Assess(s.ctx, appID)
	s.ErrorIs(err, kycerrors.ErrDocumentsIncomplete)

	expired := s.clock.Now().Add(-time.Hour)
	stale, err := s.svc.SubmitDocument(s.ctx, SubmitDocumentRequest{
		ApplicationID: appID, UserID: user, Type: domain.DocumentTypeSelfie,
		QualityScore: 7, StorageRef: "kyc/selfie-old", ExpiresAt: &expired,
	})
	s.Require().NoError(err)
	s.False(stale.Complete)
	s.Equal([]domain.DocumentType{domain.DocumentTypeSelfie}, stale.Missing)
	s.Nil(stale.Assessment)

	done, err := s.submit(appID, user, domain.DocumentTypeSelfie, 7, "70")
	s.Require().NoError(err)
	s.True(done.Complete)
	s.Equal(domain.ApplicationStatusUnderReview, done.Status)
	s.Require().NotNil(done.Assessment)
	s.NotNil(done.Replaced)

	// Replacing a document after the edge does not re-assess.
	replaced, err := s.submit(appID, user, domain.DocumentTypeIDFront, 9, "")
	s.Require().NoError(err)
	s.Nil(replaced.Assessment)
	s.NotNil(replaced.Replaced)
	s.True(replaced.Complete)
	s.Len(s.load(appID).Assessments, 1)

	complete, err = s.svc.IsComplete(s.ctx, appID)
	s.Require().NoError(err)
	s.True(complete)
}

func (s *EngineSuite) TestSubmitDocumentRejectsBadInput() {
	user := uuid.New()

	_, err := s.submit(uuid.Nil, user, "NOT_A_DOC", 5, "")
	s.ErrorIs(err, kycerrors.ErrInvalidDocumentType)

	_, err = s.submit(uuid.Nil, user, domain.DocumentTypeIDFront, 11, "")
	s.ErrorIs(err, kycerrors.ErrValidationFailed)

	_, err = s.submit(uuid.Nil, uuid.Nil, domain.DocumentTypeIDFront, 5, "")
	s.ErrorIs(err, kycerrors.ErrValidationFailed)

	_, err = s.submit(uuid.Nil, user, domain.DocumentTypeSelfie, 5, "101")
	s.ErrorIs(err, kycerrors.ErrValidationFailed)

	slot, err := s.submit(uuid.Nil, user, " passport ", 5, "")
	s.Require().NoError(err)
	s.Equal(domain.DocumentTypePassport, slot.Document.Type)

	_, err = s.submit(slot.ApplicationID, uuid.New(), domain.DocumentTypeIDFront, 5, "")
	s.ErrorIs(err, kycerrors.ErrValidationFailed)

	_, err = s.submit(uuid.New(), user, domain.DocumentTypeIDFront, 5, "")
	s.ErrorIs(err, kycerrors.ErrApplicationNotFound)
}

func (s *EngineSuite) TestSubmitToDecidedApplicationIsLocked() {
	user := uuid.New()
	slot := s.submitSet(user, "", 9, "95")

	_, err := s.submit(slot.ApplicationID, user, domain.DocumentTypeIDFront, 9, "")
	s.ErrorIs(err, kycerrors.ErrApplicationLocked)
	s.True(IsCategory(err, CategoryPrecondition))
}

func (s *EngineSuite) TestFlaggedDocumentBlocksAutoApprove() {
	user := uuid.New()
	slot, err := s.submit(uuid.Nil, user, domain.DocumentTypeIDFront, 2, "")
	s.Require().NoError(err)
	s.True(slot.Flagged)
	_, err = s.submit(slot.ApplicationID, user, domain.DocumentTypeIDBack, 9, "")
	s.Require().NoError(err)
	done, err := s.submit(slot.ApplicationID, user, domain.DocumentTypeSelfie, 9, "95")
	s.Require().NoError(err)

	s.Equal(2, done.Assessment.RiskLevel)
	s.True(done.Assessment.FlaggedDocuments)
	s.Equal(domain.RecommendManualReview, done.Assessment.Recommendation)
	s.Equal(domain.ApplicationStatusUnderReview, done.Status)

	step := s.load(slot.ApplicationID).OpenStep()
	s.Require().NotNil(step)
	s.Equal(domain.TierStandard, step.Tier)
}

func (s *EngineSuite) TestMissingIdentityMatchGoesToReview() {
	slot := s.submitSet(uuid.New(), "", 9, "")

	s.Equal(domain.ApplicationStatusUnderReview, slot.Status)
	s.Equal(domain.RecommendManualReview, slot.Assessment.Recommendation)
	s.True(slot.Assessment.FlaggedDocuments)
	s.Equal(5, slot.Assessment.RiskLevel)
}

func (s *EngineSuite) TestAutoReviewDisabled() {
	s.rebuild(func(c *config.KYCConfig) { c.AutoReviewEnabled = false })

	slot := s.submitSet(uuid.New(), "", 9, "95")

	s.Equal(domain.ApplicationStatusUnderReview, slot.Status)
	s.Equal(1, slot.Assessment.RiskLevel)
	s.Equal(domain.RecommendManualReview, slot.Assessment.Recommendation)
	s.NotNil(s.load(slot.ApplicationID).OpenStep())
}

// --- Assessment ---

func (s *EngineSuite) TestAssessReroutesPendingStep() {
	s.Require().NoError(s.roster.SetActive(juniorID, false))
	user := uuid.New()
	slot, step := s.manualApp(user)
	s.Equal(domain.StepStatusPending, step.Status)

	for _, t := range domain.RequiredDocumentTypes {
		identity := ""
		if t == domain.DocumentTypeSelfie {
			identity = "40"
		}
		out, err := s.submit(slot.ApplicationID, user, t, 3, identity)
		s.Require().NoError(err)
		s.Nil(out.Assessment)
	}

	a, err := s.svc.Assess(s.ctx, slot.ApplicationID)
	s.Require().NoError(err)
	s.Equal(5, a.RiskLevel)
	s.NotEqual(slot.Assessment.ID, a.ID)

	agg := s.load(slot.ApplicationID)
	s.Equal(domain.ApplicationStatusUnderReview, agg.Application.Status)
	s.Equal(5, *agg.Application.RiskLevel)
	s.Len(agg.Assessments, 2)
	s.Len(agg.Steps, 1)
	open := agg.OpenStep()
	s.Equal(domain.TierSenior, open.Tier)
	s.Equal(domain.StepStatusInProgress, open.Status)
	s.Equal(seniorID, *open.AssignedReviewer)
}

func (s *EngineSuite) TestAssessDecidedApplicationIsLocked() {
	slot := s.submitSet(uuid.New(), "", 9, "95")
	_, err := s.svc.Assess(s.ctx, slot.ApplicationID)
	s.ErrorIs(err, kycerrors.ErrApplicationLocked)
}

// --- Attempts ---

func (s *EngineSuite) TestStartApplicationResumesActiveAttempt() {
	user := uuid.New()
	first, err := s.svc.StartApplication(s.ctx, StartApplicationRequest{UserID: user, CountryCode: "de"})
	s.Require().NoError(err)
	s.Equal(domain.ApplicationStatusPending, first.Status)
	s.Equal("DE", first.CountryCode)
	s.EqualValues(1, first.Version)

	again, err := s.svc.StartApplication(s.ctx, StartApplicationRequest{UserID: user})
	s.Require().NoError(err)
	s.Equal(first.ID, again.ID)

	_, err = s.svc.Resubmit(s.ctx, StartApplicationRequest{UserID: user})
	s.ErrorIs(err, kycerrors.ErrInvalidStateTransition)

	_, err = s.svc.StartApplication(s.ctx, StartApplicationRequest{UserID: user, CountryCode: "DEU"})
	s.ErrorIs(err, kycerrors.ErrValidationFailed)
}

func (s *EngineSuite) TestApprovedUserIsLockedUntilExpiry() {
	user := uuid.New()
	approved := s.submitSet(user, "", 9, "95")

	_, err := s.svc.StartApplication(s.ctx, StartApplicationRequest{UserID: user})
	s.ErrorIs(err, kycerrors.ErrApplicationLocked)

	s.clock.Advance(s.cfg.ApprovalValidity + time.Hour)
	next, err := s.svc.StartApplication(s.ctx, StartApplicationRequest{UserID: user})
	s.Require().NoError(err)
	s.NotEqual(approved.ApplicationID, next.ID)
	s.Require().NotNil(next.PreviousApplicationID)
	s.Equal(approved.ApplicationID, *next.PreviousApplicationID)
}

func (s *EngineSuite) TestResubmitSupersedesApproval() {
	user := uuid.New()
	approved := s.submitSet(user, "", 9, "95")

	s.clock.Advance(time.Hour)
	fresh, err := s.svc.Resubmit(s.ctx, StartApplicationRequest{UserID: user})
	s.Require().NoError(err)
	s.Equal(domain.ApplicationStatusPending, fresh.Status)
	s.Equal(approved.ApplicationID, *fresh.PreviousApplicationID)
}

func (s *EngineSuite) TestRejectionCooldown() {
	s.rebuild(nil, WithCooldownPolicy(FixedCooldown(72*time.Hour)))
	user := uuid.New()
	rejected := s.submitSet(user, "DE", 2, "10")
	s.Require().Equal(domain.ApplicationStatusRejected, rejected.Status)

	_, err := s.svc.StartApplication(s.ctx, StartApplicationRequest{UserID: user})
	s.ErrorIs(err, kycerrors.ErrCooldownActive)
	s.True(Classify(err, "StartApplication").IsRetryable)

	s.clock.Advance(73 * time.Hour)
	next, err := s.svc.StartApplication(s.ctx, StartApplicationRequest{UserID: user})
	s.Require().NoError(err)
	s.Equal("DE", next.CountryCode)
	s.Equal(rejected.ApplicationID, *next.PreviousApplicationID)

	// One prior rejection and one other attempt inside the velocity window.
	slot := s.submitSet(user, "", 9, "95")
	s.Equal(next.ID, slot.ApplicationID)
	s.True(slot.Assessment.ContextualScore.Equal(decimal.NewFromInt(75)), slot.Assessment.ContextualScore.String())
	s.Equal(domain.ApplicationStatusApproved, slot.Status)
}

func (s *EngineSuite) TestSubmissionCapAcrossAttempts() {
	s.rebuild(func(c *config.KYCConfig) { c.MaxSubmissions = 1 })
	user := uuid.New()
	s.submitSet(user, "", 2, "10")

	_, err := s.svc.Resubmit(s.ctx, StartApplicationRequest{UserID: user})
	s.ErrorIs(err, kycerrors.ErrResubmissionLimit)
}

func (s *EngineSuite) TestSubmissionCapOnResubmission() {
	s.rebuild(func(c *config.KYCConfig) { c.MaxSubmissions = 2 })
	user := uuid.New()
	slot, step := s.manualApp(user)

	supplement := func(stepID uuid.UUID) {
		_, err := s.svc.Complete(s.ctx, CompleteStepRequest{
			StepID: stepID, ReviewerID: juniorID,
			Result:              domain.ReviewResultRequiresSupplement,
			SupplementDocuments: []domain.DocumentType{domain.DocumentTypeIDBack},
		})
		s.Require().NoError(err)
	}

	supplement(step.ID)
	out, err := s.submit(slot.ApplicationID, user, domain.DocumentTypeIDBack, 7, "")
	s.Require().NoError(err)
	s.Equal(domain.ApplicationStatusUnderReview, out.Status)

	supplement(s.load(slot.ApplicationID).OpenStep().ID)
	_, err = s.submit(slot.ApplicationID, user, domain.DocumentTypeIDBack, 7, "")
	s.ErrorIs(err, kycerrors.ErrResubmissionLimit)

	agg := s.load(slot.ApplicationID)
	s.Equal(domain.ApplicationStatusRequiresResubmit, agg.Application.Status)
	s.Equal(1, agg.Application.ResubmissionCount)

	// The refused upload is not kept and the attempt can only be withdrawn.
	s.NotContains(agg.CurrentDocuments(), domain.DocumentTypeIDBack)
	app, err := s.svc.Withdraw(s.ctx, slot.ApplicationID, "")
	s.Require().NoError(err)
	s.Equal(domain.ApplicationStatusRejected, app.Status)
}

func (s *EngineSuite) TestConcurrentSubmissionsAssessOnce() {
	for i := 0; i < 20; i++ {
		user := uuid.New()
		first, err := s.submit(uuid.Nil, user, domain.DocumentTypeIDFront, 7, "")
		s.Require().NoError(err)

		uploads := []struct {
			docType  domain.DocumentType
			identity string
		}{
			{domain.DocumentTypeIDBack, ""},
			{domain.DocumentTypeSelfie, "70"},
		}
		slots := make([]*DocumentSlot, len(uploads))
		errs := make([]error, len(uploads))
		var wg sync.WaitGroup
		for j, u := range uploads {
			j, u := j, u
			wg.Add(1)
			go func() {
				defer wg.Done()
				slots[j], errs[j] = s.submit(first.ApplicationID, user, u.docType, 7, u.identity)
			}()
		}
		wg.Wait()

		assessed := 0
		for j := range uploads {
			s.Require().NoError(errs[j])
			if slots[j].Assessment != nil {
				assessed++
			}
		}
		s.Equal(1, assessed, "only the submission that completes the set assesses")

		agg := s.load(first.ApplicationID)
		s.True(agg.Application.DocumentsComplete)
		s.Len(agg.Assessments, 1)
		s.Len(agg.Steps, 1)
		s.Equal(domain.ApplicationStatusUnderReview, agg.Application.Status)
	}
}

// --- Withdrawal ---

func (s *EngineSuite) TestWithdrawClosesInProgressStep() {
	slot, step := s.manualApp(uuid.New())

	app, err := s.svc.Withdraw(s.ctx, slot.ApplicationID, " moved abroad ")
	s.Require().NoError(err)
	s.Equal(domain.ApplicationStatusRejected, app.Status)
	s.NotNil(app.DecidedAt)

	agg := s.load(slot.ApplicationID)
	closed := agg.Step(step.ID)
	s.Equal(domain.StepStatusCompleted, closed.Status)
	s.Equal(domain.ReviewResultRejected, *closed.Decision)
	s.Nil(agg.OpenStep())

	records, err := s.svc.ReviewHistory(s.ctx, slot.ApplicationID)
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Equal("consent withdrawn: moved abroad", records[0].Comment)
	s.Nil(records[0].ReviewerID)
	s.Equal(step.ID, *records[0].StepID)

	_, err = s.svc.Withdraw(s.ctx, slot.ApplicationID, "")
	s.ErrorIs(err, kycerrors.ErrInvalidStateTransition)
}

func (s *EngineSuite) TestWithdrawBeforeReview() {
	user := uuid.New()
	slot, err := s.submit(uuid.Nil, user, domain.DocumentTypeIDFront, 6, "")
	s.Require().NoError(err)

	app, err := s.svc.Withdraw(s.ctx, slot.ApplicationID, "")
	s.Require().NoError(err)
	s.Equal(domain.ApplicationStatusRejected, app.Status)

	records, err := s.svc.ReviewHistory(s.ctx, slot.ApplicationID)
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Equal(ConsentWithdrawnPrefix, records[0].Comment)
	s.Nil(records[0].StepID)
}

// --- Read models ---

func (s *EngineSuite) TestGetApplicationStatus() {
	slot, step := s.manualApp(uuid.New())

	view, err := s.svc.GetApplicationStatus(s.ctx, slot.ApplicationID)
	s.Require().NoError(err)
	s.Equal(domain.ApplicationStatusUnderReview, view.Status)
	s.Equal(3, *view.RiskLevel)
	s.True(view.DocumentsComplete)
	s.Require().NotNil(view.CurrentStep)
	s.Equal(step.ID, view.CurrentStep.StepID)
	s.True(view.CurrentStep.Assigned)
	s.Equal(s.load(slot.ApplicationID).Application.Version, view.Version)

	_, err = s.svc.Complete(s.ctx, CompleteStepRequest{StepID: step.ID, ReviewerID: juniorID, Result: domain.ReviewResultApproved})
	s.Require().NoError(err)

	view, err = s.svc.GetApplicationStatus(s.ctx, slot.ApplicationID)
	s.Require().NoError(err)
	s.Equal(domain.ApplicationStatusApproved, view.Status)
	s.Equal(domain.StepStatusCompleted, view.CurrentStep.Status)
	s.NotNil(view.ExpiresAt)

	_, err = s.svc.GetApplicationStatus(s.ctx, uuid.New())
	s.ErrorIs(err, kycerrors.ErrApplicationNotFound)
	s.True(IsCategory(err, CategoryNotFound))
}

func (s *EngineSuite) TestUserHistoryAcrossAttempts() {
	user := uuid.New()
	s.submitSet(user, "", 2, "10")
	s.clock.Advance(time.Hour)
	s.submitSet(user, "", 9, "95")

	history, err := s.svc.UserHistory(s.ctx, user)
	s.Require().NoError(err)
	s.Require().Len(history, 2)
	s.Equal(domain.ApplicationStatusRejected, history[0].Application.Status)
	s.Equal(domain.ApplicationStatusApproved, history[1].Application.Status)
	s.Equal(history[0].Application.ID, *history[1].Application.PreviousApplicationID)
	s.Equal(domain.ReviewResultAutoRejected, history[0].Records[0].Result)
	s.Equal(domain.ReviewResultAutoApproved, history[1].Records[0].Result)

	_, err = s.svc.ReviewHistory(s.ctx, uuid.New())
	s.ErrorIs(err, kycerrors.ErrApplicationNotFound)
}

func (s *EngineSuite) TestStatistics() {
	start := s.clock.Now()
	s.submitSet(uuid.New(), "", 9, "95")
	s.submitSet(uuid.New(), "", 2, "10")
	s.manualApp(uuid.New())

	stats, err := s.svc.Statistics(s.ctx, start.Add(-time.Hour), start.Add(time.Hour))
	s.Require().NoError(err)
	s.Equal(3, stats.Total)
	s.Equal(1, stats.ByStatus[domain.ApplicationStatusApproved])
	s.Equal(1, stats.ByStatus[domain.ApplicationStatusRejected])
	s.Equal(1, stats.ByStatus[domain.ApplicationStatusUnderReview])
	s.Equal(map[int]int{1: 1, 3: 1, 6: 1}, stats.ByRiskLevel)
	s.True(stats.ApprovalRate.Equal(decimal.RequireFromString("0.5")), stats.ApprovalRate.String())

	empty, err := s.svc.Statistics(s.ctx, start.Add(time.Hour), start.Add(2*time.Hour))
	s.Require().NoError(err)
	s.Zero(empty.Total)
	s.True(empty.ApprovalRate.IsZero())

	_, err = s.svc.Statistics(s.ctx, start, start)
	s.ErrorIs(err, kycerrors.ErrValidationFailed)
}

func (s *EngineSuite) TestReviewerWorkload() {
	start := s.clock.Now()
	_, first := s.manualApp(uuid.New())
	s.clock.Advance(10 * time.Minute)
	_, err := s.svc.Complete(s.ctx, CompleteStepRequest{StepID: first.ID, ReviewerID: juniorID, Result: domain.ReviewResultApproved})
	s.Require().NoError(err)

	s.manualApp(uuid.New())
	s.clock.Advance(31 * time.Minute)
	_, err = s.svc.CheckTimeouts(s.ctx, s.clock.Now())
	s.Require().NoError(err)

	load, err := s.svc.ReviewerWorkload(s.ctx, juniorID, start.Add(-time.Hour), start.Add(2*time.Hour))
	s.Require().NoError(err)
	s.Equal(2, load.Total)
	s.Equal(1, load.Completed)
	s.Equal(1, load.TimedOut)
	s.Equal(10*time.Minute, load.AverageProcessing)

	_, err = s.svc.ReviewerWorkload(s.ctx, uuid.New(), start, start.Add(time.Hour))
	s.ErrorIs(err, kycerrors.ErrReviewerNotFound)
}

// --- Wiring ---

func (s *EngineSuite) TestAuditFailureDoesNotUndoCommit() {
	failing := new(MockEventSink)
	failing.On("Emit", mock.Anything, mock.Anything).Return(errors.New("broker unavailable"))
	s.rebuild(nil, WithEventSink(failing))

	slot := s.submitSet(uuid.New(), "", 9, "95")
	s.Equal(domain.ApplicationStatusApproved, s.load(slot.ApplicationID).Application.Status)
	failing.AssertCalled(s.T(), "Emit", mock.Anything, mock.Anything)
}

func (s *EngineSuite) TestValidateRoster() {
	s.NoError(s.svc.ValidateRoster(s.ctx))

	s.Require().NoError(s.roster.SetActive(seniorID, false))
	err := s.svc.ValidateRoster(s.ctx)
	s.ErrorIs(err, kycerrors.ErrNoSeniorReviewers)
	s.Equal(CategoryConfiguration, Classify(err, "ValidateRoster").Category)
}

func TestNewKYCService_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultKYC()
	cfg.QualityWeight = decimal.RequireFromString("0.5")

	_, err := NewKYCService(memory.NewStore(), memory.NewRoster(nil), cfg, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, kycerrors.ErrInvalidConfiguration)
	assert.Contains(t, err.Error(), "weights must sum to 1")
}
