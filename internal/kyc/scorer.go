// ==============================================================================
// RISK SCORER - internal/kyc/scorer.go
// ==============================================================================
// Pure scoring: sub-scores, weighted composite, risk band, recommendation.
// Never touches application state.
// ==============================================================================

package kyc

import (
	"time"

	"kycreview/pkg/config"
	"kycreview/pkg/domain"

	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	ten     = decimal.NewFromInt(10)
)

// ScoreInput is everything the scorer needs, resolved ahead of time.
type ScoreInput struct {
	Documents       []*domain.Document
	IdentityMatch   *decimal.Decimal
	CountryCode     string
	PriorRejections int
	RecentAttempts  int
	Now             time.Time
}

// Score is the scorer's output before it is persisted as an assessment.
type Score struct {
	DocumentQuality      decimal.Decimal
	IdentityMatch        decimal.Decimal
	Contextual           decimal.Decimal
	Composite            decimal.Decimal
	RiskLevel            int
	Flagged              bool
	ManualReviewRequired bool
	Recommendation       domain.Recommendation
}

// Scorer computes deterministic risk scores from configuration.
type Scorer struct {
	cfg config.KYCConfig
}

func NewScorer(cfg config.KYCConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score runs the full scoring pipeline for in.
func (s *Scorer) Score(in ScoreInput) Score {
	quality, flagged := s.documentQuality(in.Documents, in.Now)

	identity := decimal.Zero
	if in.IdentityMatch != nil {
		identity = clamp(*in.IdentityMatch)
	} else {
		// No face-match confidence yet: cannot auto-decide either way.
		flagged = true
	}

	contextual := s.contextual(in)

	composite := quality.Mul(s.cfg.QualityWeight).
		Add(identity.Mul(s.cfg.IdentityWeight)).
		Add(contextual.Mul(s.cfg.ContextWeight)).
		Round(2)
	composite = clamp(composite)

	out := Score{
		DocumentQuality: quality,
		IdentityMatch:   identity,
		Contextual:      contextual,
		Composite:       composite,
		RiskLevel:       s.RiskLevel(composite),
		Flagged:         flagged,
	}
	out.ManualReviewRequired = out.RiskLevel >= s.cfg.ManualReviewMinLevel
	out.Recommendation = s.recommend(out, in.IdentityMatch != nil)
	return out
}

// RiskLevel maps a 0-100 composite onto levels 1..8 using the configured
// descending lower bounds.
func (s *Scorer) RiskLevel(composite decimal.Decimal) int {
	for i, bound := range s.cfg.RiskBands {
		if composite.GreaterThanOrEqual(bound) {
			return i + 1
		}
	}
	return domain.MaxRiskLevel
}

// RequiredTier returns the reviewer tier a manual step needs.
func (s *Scorer) RequiredTier(riskLevel int, manualReviewRequired bool) domain.ReviewerTier {
	if manualReviewRequired || riskLevel >= s.cfg.SeniorReviewMinLevel {
		return domain.TierSenior
	}
	return domain.TierStandard
}

func (s *Scorer) recommend(sc Score, haveIdentity bool) domain.Recommendation {
	if !s.cfg.AutoReviewEnabled {
		return domain.RecommendManualReview
	}
	if haveIdentity && sc.IdentityMatch.LessThan(s.cfg.IdentityFloor) {
		return domain.RecommendAutoReject
	}
	if sc.RiskLevel >= s.cfg.AutoRejectMinLevel {
		return domain.RecommendAutoReject
	}
	if sc.RiskLevel <= s.cfg.AutoApproveMaxLevel && !sc.Flagged {
		return domain.RecommendAutoApprove
	}
	return domain.RecommendManualReview
}

// documentQuality averages the quality of live documents, rescaled to 0-100,
// and reports whether any required document falls below the minimum.
func (s *Scorer) documentQuality(docs []*domain.Document, now time.Time) (decimal.Decimal, bool) {
	var (
		sum     int64
		n       int64
		flagged bool
	)
	for _, d := range docs {
		if d.Superseded || d.IsExpired(now) {
			continue
		}
		sum += int64(d.QualityScore)
		n++
		if d.QualityScore < s.cfg.MinDocumentQuality {
			flagged = true
		}
	}
	if n == 0 {
		return decimal.Zero, true
	}
	mean := decimal.NewFromInt(sum).Div(decimal.NewFromInt(n))
	return clamp(mean.Mul(ten).Round(2)), flagged
}

func (s *Scorer) contextual(in ScoreInput) decimal.Decimal {
	score := hundred
	if s.cfg.IsHighRiskJurisdiction(in.CountryCode) {
		score = score.Sub(s.cfg.JurisdictionPenalty)
	}
	if in.PriorRejections > 0 {
		score = score.Sub(s.cfg.RejectionPenalty.Mul(decimal.NewFromInt(int64(in.PriorRejections))))
	}
	// The current attempt itself is not velocity.
	if extra := in.RecentAttempts - 1; extra > 0 {
		score = score.Sub(s.cfg.VelocityPenalty.Mul(decimal.NewFromInt(int64(extra))))
	}
	return clamp(score)
}

func clamp(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(hundred) {
		return hundred
	}
	return d
}
