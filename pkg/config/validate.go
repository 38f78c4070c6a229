// Package config loads and validates service configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ValidateCore ensures critical configuration is present.
func (c *Config) ValidateCore() error {
	var missing []string

	if strings.TrimSpace(c.Database.URL) == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if strings.TrimSpace(c.Redis.URL) == "" {
		missing = append(missing, "REDIS_URL")
	}
	if strings.TrimSpace(c.Server.Port) == "" {
		missing = append(missing, "SERVER_PORT")
	}
	if len(c.Kafka.Brokers) > 0 && strings.TrimSpace(c.Kafka.Topic) == "" {
		missing = append(missing, "KAFKA_AUDIT_TOPIC")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return nil
}

// Validate rejects engine settings that would make the decision policy
// ambiguous. Failures are meant to be fatal at startup.
func (c *KYCConfig) Validate() error {
	problems := append([]string(nil), c.parseErrors...)

	hundred := decimal.NewFromInt(100)
	sum := c.QualityWeight.Add(c.IdentityWeight).Add(c.ContextWeight)
	if !sum.Equal(decimal.NewFromInt(1)) {
		problems = append(problems, fmt.Sprintf("score weights must sum to 1, got %s", sum))
	}
	for name, w := range map[string]decimal.Decimal{
		"KYC_WEIGHT_DOCUMENT_QUALITY": c.QualityWeight,
		"KYC_WEIGHT_IDENTITY_MATCH":   c.IdentityWeight,
		"KYC_WEIGHT_CONTEXTUAL":       c.ContextWeight,
	} {
		if w.IsNegative() {
			problems = append(problems, name+" must not be negative")
		}
	}

	if len(c.RiskBands) != 7 {
		problems = append(problems, fmt.Sprintf("KYC_RISK_BANDS needs 7 bounds, got %d", len(c.RiskBands)))
	}
	for i, b := range c.RiskBands {
		if !b.IsPositive() || b.GreaterThan(hundred) {
			problems = append(problems, fmt.Sprintf("risk band %d out of range (0,100]: %s", i+1, b))
		}
		if i > 0 && !b.LessThan(c.RiskBands[i-1]) {
			problems = append(problems, fmt.Sprintf("risk bands must be strictly descending at %d", i+1))
		}
	}

	if c.IdentityFloor.IsNegative() || c.IdentityFloor.GreaterThan(hundred) {
		problems = append(problems, "KYC_IDENTITY_FLOOR out of range [0,100]")
	}
	if c.MinDocumentQuality < 1 || c.MinDocumentQuality > 10 {
		problems = append(problems, "KYC_MIN_DOCUMENT_QUALITY out of range [1,10]")
	}
	if c.AutoApproveMaxLevel >= c.AutoRejectMinLevel {
		problems = append(problems, "auto-approve level must be below auto-reject level")
	}
	if c.Tier1SLA <= 0 || c.Tier2SLA <= 0 {
		problems = append(problems, "review SLAs must be positive")
	}
	if c.MaxConflictRetries < 1 {
		problems = append(problems, "KYC_MAX_CONFLICT_RETRIES must be at least 1")
	}
	if c.MaxSubmissions < 1 {
		problems = append(problems, "KYC_MAX_SUBMISSIONS must be at least 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid kyc configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateKYC validates the KYC section of the loaded configuration.
func (c *Config) ValidateKYC() error {
	if err := c.KYC.Validate(); err != nil {
		return err
	}
	if c.Sweeper.Interval <= 0 || c.Sweeper.Concurrency < 1 {
		return fmt.Errorf("invalid kyc configuration: sweeper interval and concurrency must be positive")
	}
	return nil
}
