package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultKYC_IsValid(t *testing.T) {
	cfg := DefaultKYC()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.RiskBands, 7)
}

func TestLoad_ReadsEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://kyc@localhost/kyc")
	t.Setenv("REDIS_URL", "redis://cache:6379")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("KYC_SWEEP_INTERVAL", "30s")
	t.Setenv("KYC_TIER1_SLA", "45m")
	t.Setenv("KYC_AUTO_REVIEW_ENABLED", "off")
	t.Setenv("KYC_HIGH_RISK_JURISDICTIONS", "KP, IR")
	t.Setenv("KYC_RISK_BANDS", "95,85,75,65,55,45,25")
	t.Setenv("KYC_MAX_SUBMISSIONS", "not-a-number")
	t.Setenv("KYC_REVIEWERS_FILE", "/etc/kyc/reviewers.json")

	cfg := Load()
	require.NoError(t, cfg.ValidateCore())
	require.NoError(t, cfg.ValidateKYC())

	assert.Equal(t, "cache:6379", cfg.Redis.URL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 30*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, "/etc/kyc/reviewers.json", cfg.Sweeper.ReviewersFile)
	assert.Equal(t, 45*time.Minute, cfg.KYC.Tier1SLA)
	assert.False(t, cfg.KYC.AutoReviewEnabled)
	assert.True(t, cfg.KYC.IsHighRiskJurisdiction("ir"))
	assert.True(t, cfg.KYC.RiskBands[0].Equal(decimal.NewFromInt(95)))
	assert.Equal(t, 5, cfg.KYC.MaxSubmissions, "malformed ints fall back to the default")
}

func TestValidateCore_ReportsMissing(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Port: "9102"},
		Kafka:  KafkaConfig{Brokers: []string{"k1:9092"}},
	}
	err := cfg.ValidateCore()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "REDIS_URL")
	assert.Contains(t, err.Error(), "KAFKA_AUDIT_TOPIC")
}

func TestKYCValidate(t *testing.T) {
	tests := []struct {
		name   string
		adjust func(*KYCConfig)
		want   string
	}{
		{"weights", func(c *KYCConfig) { c.ContextWeight = decimal.RequireFromString("0.4") }, "weights must sum to 1"},
		{"negative weight", func(c *KYCConfig) {
			c.QualityWeight = decimal.RequireFromString("-0.1")
			c.ContextWeight = decimal.RequireFromString("0.7")
		}, "KYC_WEIGHT_DOCUMENT_QUALITY must not be negative"},
		{"band count", func(c *KYCConfig) { c.RiskBands = c.RiskBands[:6] }, "needs 7 bounds"},
		{"band order", func(c *KYCConfig) { c.RiskBands[3] = decimal.NewFromInt(75) }, "strictly descending"},
		{"band range", func(c *KYCConfig) { c.RiskBands[0] = decimal.NewFromInt(120) }, "out of range"},
		{"levels", func(c *KYCConfig) { c.AutoApproveMaxLevel = 7 }, "auto-approve level"},
		{"sla", func(c *KYCConfig) { c.Tier2SLA = 0 }, "SLAs must be positive"},
		{"retries", func(c *KYCConfig) { c.MaxConflictRetries = 0 }, "KYC_MAX_CONFLICT_RETRIES"},
		{"quality", func(c *KYCConfig) { c.MinDocumentQuality = 11 }, "KYC_MIN_DOCUMENT_QUALITY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultKYC()
			tt.adjust(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadKYC_MalformedDecimalIsReported(t *testing.T) {
	t.Setenv("KYC_IDENTITY_FLOOR", "forty")
	t.Setenv("KYC_RISK_BANDS", "90,eighty")

	cfg := LoadKYC()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KYC_IDENTITY_FLOOR")
	assert.Contains(t, err.Error(), "KYC_RISK_BANDS")
}

func TestValidateKYC_Sweeper(t *testing.T) {
	cfg := &Config{KYC: DefaultKYC(), Sweeper: SweeperConfig{Interval: 0, Concurrency: 1}}
	assert.Error(t, cfg.ValidateKYC())
}
