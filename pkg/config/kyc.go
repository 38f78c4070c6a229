package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// KYCConfig holds the review engine's tunables. Every threshold the decision
// policy depends on lives here so it can change without a code change.
type KYCConfig struct {
	MinDocumentQuality int
	// Weights for document quality, identity match and contextual risk.
	QualityWeight  decimal.Decimal
	IdentityWeight decimal.Decimal
	ContextWeight  decimal.Decimal
	// RiskBands are the lower composite bounds for levels 1..7, descending.
	// A composite below the last bound maps to level 8.
	RiskBands     []decimal.Decimal
	IdentityFloor decimal.Decimal

	AutoApproveMaxLevel   int
	AutoRejectMinLevel    int
	ManualReviewMinLevel  int
	SeniorReviewMinLevel  int
	AutoReviewEnabled     bool
	HighRiskJurisdictions []string
	JurisdictionPenalty   decimal.Decimal
	RejectionPenalty      decimal.Decimal
	VelocityPenalty       decimal.Decimal
	VelocityWindow        time.Duration

	Tier1SLA time.Duration
	Tier2SLA time.Duration

	MaxConflictRetries int
	MaxSubmissions     int
	ApprovalValidity   time.Duration
	RejectionCooldown  time.Duration

	parseErrors []string
}

// DefaultKYC returns the built-in engine configuration.
func DefaultKYC() KYCConfig {
	return KYCConfig{
		MinDocumentQuality:   3,
		QualityWeight:        decimal.RequireFromString("0.3"),
		IdentityWeight:       decimal.RequireFromString("0.4"),
		ContextWeight:        decimal.RequireFromString("0.3"),
		RiskBands:            decimalList("90,80,70,60,50,40,20"),
		IdentityFloor:        decimal.NewFromInt(40),
		AutoApproveMaxLevel:  2,
		AutoRejectMinLevel:   7,
		ManualReviewMinLevel: 5,
		SeniorReviewMinLevel: 6,
		AutoReviewEnabled:    true,
		JurisdictionPenalty:  decimal.NewFromInt(40),
		RejectionPenalty:     decimal.NewFromInt(15),
		VelocityPenalty:      decimal.NewFromInt(10),
		VelocityWindow:       30 * 24 * time.Hour,
		Tier1SLA:             30 * time.Minute,
		Tier2SLA:             24 * time.Hour,
		MaxConflictRetries:   3,
		MaxSubmissions:       5,
		ApprovalValidity:     365 * 24 * time.Hour,
	}
}

// LoadKYC reads KYC_* variables over DefaultKYC. Malformed decimals are kept
// as parse errors and reported by ValidateKYC.
func LoadKYC() KYCConfig {
	c := DefaultKYC()
	c.MinDocumentQuality = getIntEnv("KYC_MIN_DOCUMENT_QUALITY", c.MinDocumentQuality)
	c.QualityWeight = c.decimalEnv("KYC_WEIGHT_DOCUMENT_QUALITY", c.QualityWeight)
	c.IdentityWeight = c.decimalEnv("KYC_WEIGHT_IDENTITY_MATCH", c.IdentityWeight)
	c.ContextWeight = c.decimalEnv("KYC_WEIGHT_CONTEXTUAL", c.ContextWeight)
	c.IdentityFloor = c.decimalEnv("KYC_IDENTITY_FLOOR", c.IdentityFloor)
	c.JurisdictionPenalty = c.decimalEnv("KYC_JURISDICTION_PENALTY", c.JurisdictionPenalty)
	c.RejectionPenalty = c.decimalEnv("KYC_REJECTION_PENALTY", c.RejectionPenalty)
	c.VelocityPenalty = c.decimalEnv("KYC_VELOCITY_PENALTY", c.VelocityPenalty)
	if raw := os.Getenv("KYC_RISK_BANDS"); raw != "" {
		bands, err := parseDecimalList(raw)
		if err != nil {
			c.parseErrors = append(c.parseErrors, fmt.Sprintf("KYC_RISK_BANDS: %v", err))
		} else {
			c.RiskBands = bands
		}
	}
	c.AutoApproveMaxLevel = getIntEnv("KYC_AUTO_APPROVE_MAX_LEVEL", c.AutoApproveMaxLevel)
	c.AutoRejectMinLevel = getIntEnv("KYC_AUTO_REJECT_MIN_LEVEL", c.AutoRejectMinLevel)
	c.ManualReviewMinLevel = getIntEnv("KYC_MANUAL_REVIEW_MIN_LEVEL", c.ManualReviewMinLevel)
	c.SeniorReviewMinLevel = getIntEnv("KYC_SENIOR_REVIEW_MIN_LEVEL", c.SeniorReviewMinLevel)
	c.AutoReviewEnabled = getBoolEnv("KYC_AUTO_REVIEW_ENABLED", c.AutoReviewEnabled)
	c.HighRiskJurisdictions = getListEnv("KYC_HIGH_RISK_JURISDICTIONS", c.HighRiskJurisdictions)
	c.VelocityWindow = getDurationEnv("KYC_VELOCITY_WINDOW", c.VelocityWindow)
	c.Tier1SLA = getDurationEnv("KYC_TIER1_SLA", c.Tier1SLA)
	c.Tier2SLA = getDurationEnv("KYC_TIER2_SLA", c.Tier2SLA)
	c.MaxConflictRetries = getIntEnv("KYC_MAX_CONFLICT_RETRIES", c.MaxConflictRetries)
	c.MaxSubmissions = getIntEnv("KYC_MAX_SUBMISSIONS", c.MaxSubmissions)
	c.ApprovalValidity = getDurationEnv("KYC_APPROVAL_VALIDITY", c.ApprovalValidity)
	c.RejectionCooldown = getDurationEnv("KYC_REJECTION_COOLDOWN", c.RejectionCooldown)
	return c
}

// IsHighRiskJurisdiction reports whether country is on the configured list.
func (c KYCConfig) IsHighRiskJurisdiction(country string) bool {
	for _, j := range c.HighRiskJurisdictions {
		if strings.EqualFold(j, country) {
			return true
		}
	}
	return false
}

func (c *KYCConfig) decimalEnv(key string, defaultValue decimal.Decimal) decimal.Decimal {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		c.parseErrors = append(c.parseErrors, fmt.Sprintf("%s: %v", key, err))
		return defaultValue
	}
	return d
}

func parseDecimalList(raw string) ([]decimal.Decimal, error) {
	var out []decimal.Decimal
	for _, part := range strings.Split(raw, ",") {
		d, err := decimal.NewFromString(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func decimalList(raw string) []decimal.Decimal {
	out, err := parseDecimalList(raw)
	if err != nil {
		panic(err)
	}
	return out
}
