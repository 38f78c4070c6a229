package validator

import (
	"testing"

	"kycreview/pkg/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upload struct {
	Type          domain.DocumentType `validate:"kyc_document_type"`
	QualityScore  int                 `validate:"min=1,max=10"`
	StorageRef    string              `validate:"required"`
	IdentityMatch *decimal.Decimal    `validate:"omitempty,score_range"`
}

type decision struct {
	Result domain.ReviewResult `validate:"kyc_review_result"`
}

func score(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestValidate(t *testing.T) {
	v := New()

	require.NoError(t, v.Validate(upload{Type: domain.DocumentTypeSelfie, QualityScore: 7, StorageRef: "s3://kyc/1", IdentityMatch: score("88.5")}))
	require.NoError(t, v.Validate(upload{Type: domain.DocumentTypeIDFront, QualityScore: 1, StorageRef: "s3://kyc/2"}))

	err := v.Validate(upload{Type: "SCAN", QualityScore: 11, IdentityMatch: score("100.01")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kyc_document_type")
	assert.Contains(t, err.Error(), "score_range")
}

func TestValidateStructured(t *testing.T) {
	v := New()

	errs := v.ValidateStructured(upload{Type: "SCAN", QualityScore: 0})
	assert.Equal(t, map[string]string{
		"Type":         "Unknown document type",
		"QualityScore": "Must be at least 1",
		"StorageRef":   "This field is required",
	}, errs)

	assert.Nil(t, v.ValidateStructured(decision{Result: domain.ReviewResultRequiresSupplement}))
	assert.Equal(t, "Not a reviewer decision", v.ValidateStructured(decision{Result: domain.ReviewResultAutoApproved})["Result"])
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "looks fine", Sanitize("  looks fine \n"))
}
