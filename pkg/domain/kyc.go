// Package domain defines the core business entities for the KYC review workflow.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ==============================================================================
// ENUMS & STATUS TYPES
// ==============================================================================

// ApplicationStatus is the lifecycle status of a KYC application.
type ApplicationStatus string

const (
	ApplicationStatusPending          ApplicationStatus = "PENDING"
	ApplicationStatusUnderReview      ApplicationStatus = "UNDER_REVIEW"
	ApplicationStatusApproved         ApplicationStatus = "APPROVED"
	ApplicationStatusRejected         ApplicationStatus = "REJECTED"
	ApplicationStatusRequiresResubmit ApplicationStatus = "REQUIRES_RESUBMIT"
)

// IsTerminal reports whether the attempt is finished. REQUIRES_RESUBMIT is not
// terminal: the same application re-enters review once documents are complete.
func (s ApplicationStatus) IsTerminal() bool {
	return s == ApplicationStatusApproved || s == ApplicationStatusRejected
}

// DocumentType represents types of KYC documents.
type DocumentType string

const (
	DocumentTypeIDFront           DocumentType = "ID_FRONT"
	DocumentTypeIDBack            DocumentType = "ID_BACK"
	DocumentTypeSelfie            DocumentType = "SELFIE"
	DocumentTypePassport          DocumentType = "PASSPORT"
	DocumentTypeDriverLicense     DocumentType = "DRIVER_LICENSE"
	DocumentTypeBankStatement     DocumentType = "BANK_STATEMENT"
	DocumentTypeUtilityBill       DocumentType = "UTILITY_BILL"
	DocumentTypeProofOfAddress    DocumentType = "PROOF_OF_ADDRESS"
	DocumentTypeIncomeCertificate DocumentType = "INCOME_CERTIFICATE"
	DocumentTypeOther             DocumentType = "OTHER"
)

var knownDocumentTypes = map[DocumentType]bool{
	DocumentTypeIDFront:           true,
	DocumentTypeIDBack:            true,
	DocumentTypeSelfie:            true,
	DocumentTypePassport:          true,
	DocumentTypeDriverLicense:     true,
	DocumentTypeBankStatement:     true,
	DocumentTypeUtilityBill:       true,
	DocumentTypeProofOfAddress:    true,
	DocumentTypeIncomeCertificate: true,
	DocumentTypeOther:             true,
}

// RequiredDocumentTypes must all be present before risk assessment runs.
var RequiredDocumentTypes = []DocumentType{
	DocumentTypeIDFront,
	DocumentTypeIDBack,
	DocumentTypeSelfie,
}

// IsValid reports whether t belongs to the recognized set.
func (t DocumentType) IsValid() bool {
	return knownDocumentTypes[t]
}

// IsRequired reports whether t is part of the required set.
func (t DocumentType) IsRequired() bool {
	for _, r := range RequiredDocumentTypes {
		if r == t {
			return true
		}
	}
	return false
}

// StepStatus is the status of a manual review workflow step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "PENDING"
	StepStatusInProgress StepStatus = "IN_PROGRESS"
	StepStatusCompleted  StepStatus = "COMPLETED"
	StepStatusTimedOut   StepStatus = "TIMED_OUT"
)

// IsOpen reports whether the step still awaits work.
func (s StepStatus) IsOpen() bool {
	return s == StepStatusPending || s == StepStatusInProgress
}

// ReviewResult is the outcome recorded for a review, human or automated.
type ReviewResult string

const (
	ReviewResultApproved            ReviewResult = "APPROVED"
	ReviewResultRejected            ReviewResult = "REJECTED"
	ReviewResultRequiresSupplement  ReviewResult = "REQUIRES_SUPPLEMENT"
	ReviewResultPendingHigherReview ReviewResult = "PENDING_HIGHER_REVIEW"
	ReviewResultAutoApproved        ReviewResult = "AUTO_APPROVED"
	ReviewResultAutoRejected        ReviewResult = "AUTO_REJECTED"
)

// IsManual reports whether a reviewer may submit this result for a step.
func (r ReviewResult) IsManual() bool {
	switch r {
	case ReviewResultApproved, ReviewResultRejected,
		ReviewResultRequiresSupplement, ReviewResultPendingHigherReview:
		return true
	}
	return false
}

// IsAutomated reports whether the result is produced by the scorer.
func (r ReviewResult) IsAutomated() bool {
	return r == ReviewResultAutoApproved || r == ReviewResultAutoRejected
}

// Recommendation is the scorer's decision recommendation.
type Recommendation string

const (
	RecommendAutoApprove  Recommendation = "AUTO_APPROVE"
	RecommendAutoReject   Recommendation = "AUTO_REJECT"
	RecommendManualReview Recommendation = "MANUAL_REVIEW"
)

// ReviewerTier is the qualification level of a reviewer.
type ReviewerTier int

const (
	TierStandard ReviewerTier = 1
	TierSenior   ReviewerTier = 2
)

// Permission is a single reviewer capability.
type Permission string

const (
	PermissionReview    Permission = "review"
	PermissionSupervise Permission = "supervise"
)

// Risk levels run from 1 (lowest) to 8 (highest).
const (
	MinRiskLevel = 1
	MaxRiskLevel = 8
)

// ==============================================================================
// DOMAIN MODELS
// ==============================================================================

// Application is one verification attempt by a user.
type Application struct {
	ID                    uuid.UUID         `json:"id" db:"id"`
	UserID                uuid.UUID         `json:"user_id" db:"user_id"`
	PreviousApplicationID *uuid.UUID        `json:"previous_application_id,omitempty" db:"previous_application_id"`
	Status                ApplicationStatus `json:"status" db:"status"`
	RiskLevel             *int              `json:"risk_level,omitempty" db:"risk_level"`
	CountryCode           string            `json:"country_code,omitempty" db:"country_code"`
	IdentityMatch         *decimal.Decimal  `json:"identity_match,omitempty" db:"identity_match"`
	DocumentsComplete     bool              `json:"documents_complete" db:"documents_complete"`
	ResubmissionCount     int               `json:"resubmission_count" db:"resubmission_count"`
	SupplementRequirement string            `json:"supplement_requirement,omitempty" db:"supplement_requirement"`
	SubmittedAt           *time.Time        `json:"submitted_at,omitempty" db:"submitted_at"`
	DecidedAt             *time.Time        `json:"decided_at,omitempty" db:"decided_at"`
	ExpiresAt             *time.Time        `json:"expires_at,omitempty" db:"expires_at"`
	Version               int64             `json:"version" db:"version"`
	CreatedAt             time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at" db:"updated_at"`
}

// Document is one uploaded document version for a (application, type) slot.
type Document struct {
	ID            uuid.UUID    `json:"id" db:"id"`
	ApplicationID uuid.UUID    `json:"application_id" db:"application_id"`
	Type          DocumentType `json:"type" db:"document_type"`
	StorageRef    string       `json:"storage_ref" db:"storage_ref"`
	QualityScore  int          `json:"quality_score" db:"quality_score"`
	UploadedAt    time.Time    `json:"uploaded_at" db:"uploaded_at"`
	ExpiresAt     *time.Time   `json:"expires_at,omitempty" db:"expires_at"`
	Superseded    bool         `json:"superseded" db:"superseded"`
}

// IsExpired reports whether the document's validity ended before now.
func (d *Document) IsExpired(now time.Time) bool {
	return d.ExpiresAt != nil && !now.Before(*d.ExpiresAt)
}

// RiskAssessment is the immutable output of one scoring run.
type RiskAssessment struct {
	ID                   uuid.UUID       `json:"id" db:"id"`
	ApplicationID        uuid.UUID       `json:"application_id" db:"application_id"`
	RiskLevel            int             `json:"risk_level" db:"risk_level"`
	DocumentQualityScore decimal.Decimal `json:"document_quality_score" db:"document_quality_score"`
	IdentityMatchScore   decimal.Decimal `json:"identity_match_score" db:"identity_match_score"`
	ContextualScore      decimal.Decimal `json:"contextual_score" db:"contextual_score"`
	CompositeScore       decimal.Decimal `json:"composite_score" db:"composite_score"`
	FlaggedDocuments     bool            `json:"flagged_documents" db:"flagged_documents"`
	ManualReviewRequired bool            `json:"manual_review_required" db:"manual_review_required"`
	Recommendation       Recommendation  `json:"recommendation" db:"recommendation"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
}

// WorkflowStep is one unit of manual review work.
type WorkflowStep struct {
	ID               uuid.UUID     `json:"id" db:"id"`
	ApplicationID    uuid.UUID     `json:"application_id" db:"application_id"`
	StepNumber       int           `json:"step_number" db:"step_number"`
	Status           StepStatus    `json:"status" db:"status"`
	Tier             ReviewerTier  `json:"tier" db:"tier"`
	SupervisorQueue  bool          `json:"supervisor_queue" db:"supervisor_queue"`
	RequiresManual   bool          `json:"requires_manual" db:"requires_manual"`
	AssignedReviewer *uuid.UUID    `json:"assigned_reviewer,omitempty" db:"assigned_reviewer"`
	EscalatedFrom    *uuid.UUID    `json:"escalated_from,omitempty" db:"escalated_from"`
	Decision         *ReviewResult `json:"decision,omitempty" db:"decision"`
	Comment          string        `json:"comment,omitempty" db:"comment"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	StartedAt        *time.Time    `json:"started_at,omitempty" db:"started_at"`
	DeadlineAt       *time.Time    `json:"deadline_at,omitempty" db:"deadline_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
}

// ProcessingTime is the time between assignment and completion.
func (s *WorkflowStep) ProcessingTime() time.Duration {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(*s.StartedAt)
}

// ReviewRecord is an append-only audit entry for a review decision.
type ReviewRecord struct {
	ID            uuid.UUID    `json:"id" db:"id"`
	ApplicationID uuid.UUID    `json:"application_id" db:"application_id"`
	StepID        *uuid.UUID   `json:"step_id,omitempty" db:"step_id"`
	ReviewerID    *uuid.UUID   `json:"reviewer_id,omitempty" db:"reviewer_id"`
	Result        ReviewResult `json:"result" db:"result"`
	Comment       string       `json:"comment,omitempty" db:"comment"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
}

// Reviewer is a human reviewer with an explicit capability set.
type Reviewer struct {
	ID          uuid.UUID    `json:"id" db:"id"`
	Name        string       `json:"name" db:"name"`
	Tier        ReviewerTier `json:"tier" db:"tier"`
	Permissions []Permission `json:"permissions" db:"-"`
	Active      bool         `json:"active" db:"active"`
}

// Can reports whether the reviewer holds permission p.
func (r *Reviewer) Can(p Permission) bool {
	for _, have := range r.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// ReviewerLoad is a roster entry with the reviewer's current workload.
type ReviewerLoad struct {
	Reviewer
	OpenSteps      int        `json:"open_steps" db:"open_steps"`
	LastAssignedAt *time.Time `json:"last_assigned_at,omitempty" db:"last_assigned_at"`
}

// ==============================================================================
// READ MODELS
// ==============================================================================

// StepSummary is the user-facing view of the current workflow step.
type StepSummary struct {
	StepID          uuid.UUID    `json:"step_id"`
	StepNumber      int          `json:"step_number"`
	Status          StepStatus   `json:"status"`
	Tier            ReviewerTier `json:"tier"`
	SupervisorQueue bool         `json:"supervisor_queue"`
	Assigned        bool         `json:"assigned"`
	DeadlineAt      *time.Time   `json:"deadline_at,omitempty"`
}

// StatusView is a consistent snapshot of an application's progress.
type StatusView struct {
	ApplicationID     uuid.UUID         `json:"application_id"`
	UserID            uuid.UUID         `json:"user_id"`
	Status            ApplicationStatus `json:"status"`
	RiskLevel         *int              `json:"risk_level,omitempty"`
	DocumentsComplete bool              `json:"documents_complete"`
	ResubmissionCount int               `json:"resubmission_count"`
	CurrentStep       *StepSummary      `json:"current_step,omitempty"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
	Version           int64             `json:"version"`
}

// ReviewStatistics aggregates application outcomes over a period.
type ReviewStatistics struct {
	From         time.Time                 `json:"from"`
	To           time.Time                 `json:"to"`
	Total        int                       `json:"total"`
	ByStatus     map[ApplicationStatus]int `json:"by_status"`
	ByRiskLevel  map[int]int               `json:"by_risk_level"`
	ApprovalRate decimal.Decimal           `json:"approval_rate"`
}

// ReviewerWorkload summarises a reviewer's completed work over a period.
type ReviewerWorkload struct {
	ReviewerID        uuid.UUID     `json:"reviewer_id"`
	Total             int           `json:"total"`
	Completed         int           `json:"completed"`
	TimedOut          int           `json:"timed_out"`
	AverageProcessing time.Duration `json:"average_processing"`
}

// ==============================================================================
// AGGREGATE
// ==============================================================================

// KYCAggregate is the unit of consistency: an application with everything it
// owns. Stores load and save it whole under the application's Version.
type KYCAggregate struct {
	Application *Application
	Documents   []*Document
	Assessments []*RiskAssessment
	Steps       []*WorkflowStep
}

// Clone returns a deep copy safe to mutate without affecting the original.
func (a *KYCAggregate) Clone() *KYCAggregate {
	if a == nil {
		return nil
	}
	out := &KYCAggregate{}
	if a.Application != nil {
		app := *a.Application
		out.Application = &app
	}
	out.Documents = make([]*Document, len(a.Documents))
	for i, d := range a.Documents {
		c := *d
		out.Documents[i] = &c
	}
	out.Assessments = make([]*RiskAssessment, len(a.Assessments))
	for i, ra := range a.Assessments {
		c := *ra
		out.Assessments[i] = &c
	}
	out.Steps = make([]*WorkflowStep, len(a.Steps))
	for i, s := range a.Steps {
		c := *s
		out.Steps[i] = &c
	}
	return out
}

// OpenStep returns the PENDING or IN_PROGRESS step, if any.
func (a *KYCAggregate) OpenStep() *WorkflowStep {
	for _, s := range a.Steps {
		if s.Status.IsOpen() {
			return s
		}
	}
	return nil
}

// LatestStep returns the step with the highest step number.
func (a *KYCAggregate) LatestStep() *WorkflowStep {
	var latest *WorkflowStep
	for _, s := range a.Steps {
		if latest == nil || s.StepNumber > latest.StepNumber {
			latest = s
		}
	}
	return latest
}

// Step finds a step by ID.
func (a *KYCAggregate) Step(id uuid.UUID) *WorkflowStep {
	for _, s := range a.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// LatestAssessment returns the most recent risk assessment, if any.
func (a *KYCAggregate) LatestAssessment() *RiskAssessment {
	if len(a.Assessments) == 0 {
		return nil
	}
	return a.Assessments[len(a.Assessments)-1]
}

// CurrentDocuments returns the live document per type.
func (a *KYCAggregate) CurrentDocuments() map[DocumentType]*Document {
	out := make(map[DocumentType]*Document)
	for _, d := range a.Documents {
		if d.Superseded {
			continue
		}
		if prev, ok := out[d.Type]; !ok || d.UploadedAt.After(prev.UploadedAt) {
			out[d.Type] = d
		}
	}
	return out
}

// ==============================================================================
// AUDIT EVENTS
// ==============================================================================

// AuditEventType names a state change emitted to the audit stream.
type AuditEventType string

const (
	AuditApplicationCreated AuditEventType = "kyc.application.created"
	AuditDocumentSubmitted  AuditEventType = "kyc.document.submitted"
	AuditAssessmentCreated  AuditEventType = "kyc.assessment.created"
	AuditStatusChanged      AuditEventType = "kyc.application.status_changed"
	AuditStepCreated        AuditEventType = "kyc.step.created"
	AuditStepAssigned       AuditEventType = "kyc.step.assigned"
	AuditStepCompleted      AuditEventType = "kyc.step.completed"
	AuditStepTimedOut       AuditEventType = "kyc.step.timed_out"
	AuditReviewRecorded     AuditEventType = "kyc.review.recorded"
)

// AuditEvent is one entry on the audit stream. Emitted only after the change
// it describes has been committed.
type AuditEvent struct {
	ID            uuid.UUID              `json:"id"`
	Type          AuditEventType         `json:"type"`
	ApplicationID uuid.UUID              `json:"application_id"`
	UserID        uuid.UUID              `json:"user_id"`
	StepID        *uuid.UUID             `json:"step_id,omitempty"`
	ReviewerID    *uuid.UUID             `json:"reviewer_id,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
	OccurredAt    time.Time              `json:"occurred_at"`
}
