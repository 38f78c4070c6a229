// Package audit delivers committed KYC state changes to the audit stream.
package audit

import (
	"context"
	"errors"

	"kycreview/pkg/domain"
	"kycreview/pkg/logger"
)

// LogSink writes each event to the structured log.
type LogSink struct {
	logger logger.Logger
}

func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{logger: log.With(map[string]interface{}{"component": "audit"})}
}

func (s *LogSink) Emit(_ context.Context, events ...domain.AuditEvent) error {
	for _, e := range events {
		fields := map[string]interface{}{
			"event_id":       e.ID.String(),
			"event_type":     string(e.Type),
			"application_id": e.ApplicationID.String(),
			"user_id":        e.UserID.String(),
			"occurred_at":    e.OccurredAt,
		}
		if e.StepID != nil {
			fields["step_id"] = e.StepID.String()
		}
		if e.ReviewerID != nil {
			fields["reviewer_id"] = e.ReviewerID.String()
		}
		for k, v := range e.Data {
			fields["data."+k] = v
		}
		s.logger.Info("KYC audit event", fields)
	}
	return nil
}

// Sink is anything that accepts audit events.
type Sink interface {
	Emit(ctx context.Context, events ...domain.AuditEvent) error
}

// FanOut delivers to every sink and joins their errors.
type FanOut []Sink

func (f FanOut) Emit(ctx context.Context, events ...domain.AuditEvent) error {
	var errs []error
	for _, s := range f {
		if err := s.Emit(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
