// Package scheduler runs the periodic KYC sweep: overdue steps are timed
// out and unassigned steps are routed to reviewers. Across replicas a Redis
// lease keeps one sweep running at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"kycreview/internal/metrics"
	"kycreview/pkg/config"
	"kycreview/pkg/domain"
	"kycreview/pkg/logger"

	"github.com/google/uuid"
)

// Engine is the part of the KYC service the sweep drives.
type Engine interface {
	CheckTimeouts(ctx context.Context, now time.Time) ([]*domain.WorkflowStep, error)
	AssignPending(ctx context.Context) (int, error)
}

// Lease is a distributed mutual-exclusion lease.
type Lease interface {
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
}

// StatusStore keeps the summary of the last completed sweep.
type StatusStore interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// LastRunKey is where the last sweep summary is stored.
const LastRunKey = "kyc:sweeper:last_run"

// Result summarises one sweep.
type Result struct {
	Skipped    bool          `json:"skipped"`
	TimedOut   int           `json:"timed_out"`
	Assigned   int           `json:"assigned"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
	Owner      string        `json:"owner"`
	Error      string        `json:"error,omitempty"`
}

type Scheduler struct {
	engine  Engine
	lease   Lease
	status  StatusStore
	cfg     config.SweeperConfig
	owner   string
	now     func() time.Time
	metrics *metrics.Metrics
	logger  logger.Logger

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLease(l Lease) Option {
	return func(s *Scheduler) { s.lease = l }
}

// WithStatusStore records each sweep summary under LastRunKey.
func WithStatusStore(st StatusStore) Option {
	return func(s *Scheduler) { s.status = st }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithOwner sets the lease owner token. Defaults to hostname plus a random
// suffix.
func WithOwner(owner string) Option {
	return func(s *Scheduler) { s.owner = owner }
}

func NewScheduler(engine Engine, cfg config.SweeperConfig, log logger.Logger, opts ...Option) *Scheduler {
	host, _ := os.Hostname()
	s := &Scheduler{
		engine: engine,
		cfg:    cfg,
		owner:  fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.With(map[string]interface{}{"component": "kyc_sweeper"}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce performs a single sweep if this instance can take the lease.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	if s.lease != nil {
		ok, err := s.lease.AcquireLease(ctx, s.cfg.LeaseKey, s.owner, s.cfg.LeaseTTL)
		if err != nil {
			s.logger.Error("Failed to acquire sweep lease", map[string]interface{}{"error": err.Error()})
			return Result{}, fmt.Errorf("failed to acquire sweep lease: %w", err)
		}
		if !ok {
			s.metrics.IncSweepSkipped()
			s.logger.Debug("Sweep lease held elsewhere, skipping", map[string]interface{}{"lease_key": s.cfg.LeaseKey})
			return Result{Skipped: true}, nil
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := s.lease.ReleaseLease(releaseCtx, s.cfg.LeaseKey, s.owner); err != nil {
				s.logger.Warn("Failed to release sweep lease", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	started := time.Now()
	var res Result

	timedOut, errTimeouts := s.engine.CheckTimeouts(ctx, s.now())
	res.TimedOut = len(timedOut)

	assigned, errAssign := s.engine.AssignPending(ctx)
	res.Assigned = assigned

	res.Duration = time.Since(started)
	s.metrics.ObserveSweep(res.Duration)

	err := errors.Join(errTimeouts, errAssign)
	res.FinishedAt = s.now()
	res.Owner = s.owner
	if err != nil {
		res.Error = err.Error()
	}
	s.recordStatus(ctx, res)

	fields := map[string]interface{}{
		"timed_out":   res.TimedOut,
		"assigned":    res.Assigned,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		s.logger.Error("KYC sweep finished with errors", fields)
	} else if res.TimedOut > 0 || res.Assigned > 0 {
		s.logger.Info("KYC sweep finished", fields)
	}
	return res, err
}

func (s *Scheduler) recordStatus(ctx context.Context, res Result) {
	if s.status == nil {
		return
	}
	// Kept for a few intervals so a stalled sweeper shows up as missing.
	ttl := 3 * s.cfg.Interval
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := s.status.Set(ctx, LastRunKey, res, ttl); err != nil {
		s.logger.Warn("Failed to record sweep status", map[string]interface{}{"error": err.Error()})
	}
}

// Start runs a sweep immediately and then every configured interval until
// Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	stop, done := make(chan struct{}), make(chan struct{})
	s.stop, s.done = stop, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		s.sweep(ctx)
		for {
			select {
			case <-ticker.C:
				s.sweep(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("KYC sweeper started", map[string]interface{}{
		"interval": s.cfg.Interval.String(),
		"owner":    s.owner,
	})
}

func (s *Scheduler) sweep(ctx context.Context) {
	// Errors are logged by RunOnce; the next tick retries.
	_, _ = s.RunOnce(ctx)
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("KYC sweeper stopped", nil)
}
