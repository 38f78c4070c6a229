package kyc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	kycerrors "kycreview/pkg/errors"
	"kycreview/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		category  ErrorCategory
		retryable bool
	}{
		{"wrapped input", fmt.Errorf("step 2 is PENDING: %w", kycerrors.ErrStepConflict), "STEP_CONFLICT", CategoryInput, false},
		{"precondition", kycerrors.ErrDocumentsIncomplete, "DOCUMENTS_INCOMPLETE", CategoryPrecondition, false},
		{"cooldown", kycerrors.ErrCooldownActive, "COOLDOWN_ACTIVE", CategoryPrecondition, true},
		{"concurrency", kycerrors.Wrap(kycerrors.ErrConcurrentModification, "gave up"), "CONCURRENT_MODIFICATION", CategoryConcurrency, true},
		{"not found", kycerrors.ErrReviewerNotFound, "REVIEWER_NOT_FOUND", CategoryNotFound, false},
		{"configuration", kycerrors.ErrNoSeniorReviewers, "NO_SENIOR_REVIEWERS", CategoryConfiguration, false},
		{"cancelled", fmt.Errorf("load: %w", context.Canceled), "CANCELLED", CategoryInfrastructure, true},
		{"unknown", errors.New("connection reset"), "INTERNAL_ERROR", CategoryInfrastructure, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := Classify(tt.err, "Complete")
			require.NotNil(t, se)
			assert.Equal(t, tt.code, se.Code)
			assert.Equal(t, tt.category, se.Category)
			assert.Equal(t, tt.retryable, se.IsRetryable)
			assert.Equal(t, "Complete", se.Operation)
			assert.ErrorIs(t, se, tt.err)
		})
	}

	assert.Nil(t, Classify(nil, "Complete"))
}

func TestClassify_KeepsStructuredError(t *testing.T) {
	se := Classify(kycerrors.ErrStepNotOwned, "Complete")
	wrapped := fmt.Errorf("batch: %w", se)

	assert.Same(t, se, Classify(wrapped, "BatchComplete"))
	assert.True(t, IsCategory(wrapped, CategoryInput))
}

func TestLogError_LevelFollowsCategory(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := logger.NewZap(zap.New(core))

	logError(log, Classify(kycerrors.ErrInvalidDocumentType, "SubmitDocument"), map[string]interface{}{"document_type": "SCAN"})
	logError(log, Classify(kycerrors.ErrConcurrentModification, "Complete"), nil)
	logError(log, Classify(errors.New("disk full"), "Complete"), nil)
	logError(log, nil, nil)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "SCAN", entries[0].ContextMap()["document_type"])
	assert.Equal(t, "INVALID_DOCUMENT_TYPE", entries[0].ContextMap()["error_code"])
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}
