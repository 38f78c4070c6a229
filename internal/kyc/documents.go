// ==============================================================================
// DOCUMENT REGISTRY - internal/kyc/documents.go
// ==============================================================================
// Per-application document slots and the required-set completeness gate.
// ==============================================================================

package kyc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kycreview/pkg/domain"
	kycerrors "kycreview/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// SubmitDocumentRequest uploads one document version. When ApplicationID is
// empty the document goes to the user's active attempt, opening one if
// needed. Quality and identity-match scores come from external assessors.
type SubmitDocumentRequest struct {
	ApplicationID uuid.UUID           `json:"application_id"`
	UserID        uuid.UUID           `json:"user_id"`
	CountryCode   string              `json:"country_code,omitempty" validate:"omitempty,len=2,alpha"`
	Type          domain.DocumentType `json:"type" validate:"kyc_document_type"`
	QualityScore  int                 `json:"quality_score" validate:"min=1,max=10"`
	StorageRef    string              `json:"storage_ref" validate:"required,max=512"`
	ExpiresAt     *time.Time          `json:"expires_at,omitempty"`
	IdentityMatch *decimal.Decimal    `json:"identity_match,omitempty" validate:"omitempty,score_range"`
}

// DocumentSlot is the outcome of a submission.
type DocumentSlot struct {
	ApplicationID uuid.UUID                `json:"application_id"`
	Document      *domain.Document         `json:"document"`
	Replaced      *domain.Document         `json:"replaced,omitempty"`
	Flagged       bool                     `json:"flagged"`
	Complete      bool                     `json:"complete"`
	Missing       []domain.DocumentType    `json:"missing,omitempty"`
	Status        domain.ApplicationStatus `json:"status"`
	// Assessment is set when this submission crossed the completeness edge.
	Assessment *domain.RiskAssessment `json:"assessment,omitempty"`
}

// Completeness is the required-set evaluation of an aggregate.
type Completeness struct {
	Complete bool
	Flagged  bool
	Missing  []domain.DocumentType
}

// EvaluateCompleteness checks the required set against live documents at now.
// A document below minQuality is present but flagged.
func EvaluateCompleteness(agg *domain.KYCAggregate, now time.Time, minQuality int) Completeness {
	current := agg.CurrentDocuments()
	var out Completeness
	for _, t := range domain.RequiredDocumentTypes {
		d, ok := current[t]
		if !ok || d.IsExpired(now) {
			out.Missing = append(out.Missing, t)
			continue
		}
		if d.QualityScore < minQuality {
			out.Flagged = true
		}
	}
	out.Complete = len(out.Missing) == 0
	return out
}

func (s *KYCService) validateSubmission(req *SubmitDocumentRequest) error {
	req.Type = domain.DocumentType(strings.ToUpper(strings.TrimSpace(string(req.Type))))
	if !req.Type.IsValid() {
		return fmt.Errorf("%q: %w", req.Type, kycerrors.ErrInvalidDocumentType)
	}
	if req.ApplicationID == uuid.Nil && req.UserID == uuid.Nil {
		return fmt.Errorf("%w: application_id or user_id is required", kycerrors.ErrValidationFailed)
	}
	if err := s.validator.Validate(req); err != nil {
		return fmt.Errorf("%w: %s", kycerrors.ErrValidationFailed, err.Error())
	}
	return nil
}

// SubmitDocument records a document version. The submission that completes
// the required set runs the risk assessment in the same write, so the
// assessment fires exactly once per completeness edge.
func (s *KYCService) SubmitDocument(ctx context.Context, req SubmitDocumentRequest) (slot *DocumentSlot, err error) {
	ctx, span := s.startSpan(ctx, "SubmitDocument",
		attribute.String("application_id", req.ApplicationID.String()),
		attribute.String("document_type", string(req.Type)))
	defer func() {
		s.finish(span, "SubmitDocument", err, map[string]interface{}{
			"application_id": req.ApplicationID.String(),
			"document_type":  string(req.Type),
		})
	}()

	if err = s.validateSubmission(&req); err != nil {
		return nil, err
	}

	applicationID := req.ApplicationID
	if applicationID == uuid.Nil {
		app, err := s.StartApplication(ctx, StartApplicationRequest{UserID: req.UserID, CountryCode: req.CountryCode})
		if err != nil {
			return nil, err
		}
		applicationID = app.ID
	}

	_, err = s.mutate(ctx, "SubmitDocument", s.byApplication(applicationID), func(ctx context.Context, m *mutation) error {
		app := m.app()
		if req.UserID != uuid.Nil && req.UserID != app.UserID {
			return fmt.Errorf("%w: application belongs to another user", kycerrors.ErrValidationFailed)
		}
		if app.Status.IsTerminal() {
			return fmt.Errorf("application is %s: %w", app.Status, kycerrors.ErrApplicationLocked)
		}

		out := &DocumentSlot{ApplicationID: app.ID}
		if prev, ok := m.agg.CurrentDocuments()[req.Type]; ok {
			prev.Superseded = true
			out.Replaced = prev
		}

		doc := &domain.Document{
			ID:            uuid.New(),
			ApplicationID: app.ID,
			Type:          req.Type,
			StorageRef:    req.StorageRef,
			QualityScore:  req.QualityScore,
			UploadedAt:    m.now,
			ExpiresAt:     req.ExpiresAt,
		}
		m.agg.Documents = append(m.agg.Documents, doc)
		out.Document = doc

		if req.IdentityMatch != nil {
			score := *req.IdentityMatch
			app.IdentityMatch = &score
		}
		if app.CountryCode == "" && req.CountryCode != "" {
			app.CountryCode = strings.ToUpper(req.CountryCode)
		}

		docID := doc.ID
		m.emit(domain.AuditDocumentSubmitted, nil, nil, map[string]interface{}{
			"document_id":   docID.String(),
			"document_type": string(doc.Type),
			"quality_score": doc.QualityScore,
			"replaced":      out.Replaced != nil,
		})

		c := EvaluateCompleteness(m.agg, m.now, s.config.MinDocumentQuality)
		out.Flagged = c.Flagged
		out.Missing = c.Missing

		if !app.DocumentsComplete && c.Complete {
			assessment, err := s.onDocumentsComplete(ctx, m)
			if err != nil {
				return err
			}
			out.Assessment = assessment
		}
		out.Complete = app.DocumentsComplete
		out.Status = app.Status
		slot = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}

// onDocumentsComplete handles the false->true completeness edge.
func (s *KYCService) onDocumentsComplete(ctx context.Context, m *mutation) (*domain.RiskAssessment, error) {
	app := m.app()
	event := EventDocumentsComplete
	if app.Status == domain.ApplicationStatusRequiresResubmit {
		apps, err := s.store.ListByUser(ctx, app.UserID)
		if err != nil {
			return nil, kycerrors.Wrap(err, "failed to load attempt history")
		}
		// The stored copy of this attempt is replaced by the staged one.
		others := make([]*domain.Application, 0, len(apps))
		for _, a := range apps {
			if a.ID != app.ID {
				others = append(others, a)
			}
		}
		if used := SubmissionsUsed(append(others, app)); used >= s.config.MaxSubmissions {
			return nil, fmt.Errorf("%d of %d submissions used: %w", used, s.config.MaxSubmissions, kycerrors.ErrResubmissionLimit)
		}
		event = EventResubmissionComplete
	}

	if err := s.transition(m, event); err != nil {
		return nil, err
	}
	app.DocumentsComplete = true
	if event == EventResubmissionComplete {
		app.ResubmissionCount++
		app.SupplementRequirement = ""
	}
	return s.runAssessment(ctx, m, true)
}

// IsComplete reports the application's completeness flag. The flag only
// drops back to false when a reviewer requests supplementary documents.
func (s *KYCService) IsComplete(ctx context.Context, applicationID uuid.UUID) (complete bool, err error) {
	ctx, span := s.startSpan(ctx, "IsComplete", attribute.String("application_id", applicationID.String()))
	defer func() { s.finish(span, "IsComplete", err, nil) }()

	agg, err := s.store.Load(ctx, applicationID)
	if err != nil {
		return false, err
	}
	return agg.Application.DocumentsComplete, nil
}

// MissingDocuments lists required types without a live document.
func (s *KYCService) MissingDocuments(ctx context.Context, applicationID uuid.UUID) ([]domain.DocumentType, error) {
	agg, err := s.store.Load(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	return EvaluateCompleteness(agg, s.clock.Now(), s.config.MinDocumentQuality).Missing, nil
}
