// Package maintenance runs scheduled full passes over every metric owner
// and keeps their history.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/metricache/internal/config"
	"github.com/thebtf/metricache/internal/db"
	"github.com/thebtf/metricache/pkg/metrics"
	"github.com/thebtf/metricache/pkg/models"
)

// ErrUnknownOwner is returned when a pass is requested for an owner that
// is not configured.
var ErrUnknownOwner = errors.New("maintenance: unknown owner")

// Runners is the set of owners the service refreshes.
type Runners interface {
	Runner(name string) (metrics.Runner, bool)
	Runners() []metrics.Runner
}

// Service runs full passes on a schedule and on demand.
type Service struct {
	log             zerolog.Logger
	lastRunTime     time.Time
	runners         Runners
	history         db.PassRunWriter
	config          *config.Config
	stopCh          chan struct{}
	doneCh          chan struct{}
	group           singleflight.Group
	lastRunDuration time.Duration
	totalPasses     int64
	totalFailed     int64
	totalPruned     int64
	mu              sync.Mutex
	running         bool
}

// NewService creates a refresh service. history may be nil, in which case
// passes are not recorded.
func NewService(runners Runners, history db.PassRunWriter, cfg *config.Config, log zerolog.Logger) *Service {
	return &Service{
		runners: runners,
		history: history,
		config:  cfg,
		log:     log.With().Str("component", "maintenance").Logger(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start runs the refresh loop until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	if !s.config.RefreshEnabled {
		s.log.Info().Msg("Refresh disabled, not starting scheduler")
		return
	}

	interval := s.config.RefreshInterval()
	delay := time.Duration(s.config.RefreshInitialDelaySecs) * time.Second

	s.log.Info().
		Dur("interval", interval).
		Dur("initial_delay", delay).
		Int("concurrency", s.config.RefreshConcurrency).
		Msg("Starting refresh scheduler")

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	s.refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Refresh shutting down due to context cancellation")
			return
		case <-s.stopCh:
			s.log.Info().Msg("Refresh shutting down due to stop signal")
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

// Stop signals the refresh loop to stop.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Wait waits for the refresh loop to finish.
func (s *Service) Wait() {
	<-s.doneCh
}

func (s *Service) refresh(ctx context.Context) {
	start := time.Now()
	err := s.RunAll(ctx, models.TriggerScheduled)
	if err != nil {
		s.log.Error().Err(err).Msg("Refresh run finished with errors")
	}

	s.mu.Lock()
	s.lastRunTime = time.Now()
	s.lastRunDuration = time.Since(start)
	s.mu.Unlock()
}

// RunAll runs a full pass for every owner, at most RefreshConcurrency at
// a time. A failing owner does not stop the others; their errors are
// joined.
func (s *Service) RunAll(ctx context.Context, trigger models.PassTrigger) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(max(s.config.RefreshConcurrency, 1))

	for _, r := range s.runners.Runners() {
		g.Go(func() error {
			run, err := s.run(ctx, r, trigger)
			if err == nil && run.Error != "" {
				err = errors.New(run.Error)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("owner %s: %w", r.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// RunOwner runs a full pass for the named owner. Concurrent requests for
// the same owner share one pass.
func (s *Service) RunOwner(ctx context.Context, name string, trigger models.PassTrigger) (*models.PassRun, error) {
	r, ok := s.runners.Runner(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOwner, name)
	}
	return s.run(ctx, r, trigger)
}

// Refresh runs every owner once, like a scheduled tick, and returns when
// all passes are done.
func (s *Service) Refresh(ctx context.Context) {
	s.refresh(ctx)
}

// ReconcileAll reconciles the store schema of every owner.
func (s *Service) ReconcileAll(ctx context.Context) error {
	var errs []error
	for _, r := range s.runners.Runners() {
		if err := r.Reconcile(ctx); err != nil {
			errs = append(errs, fmt.Errorf("owner %s: %w", r.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) run(ctx context.Context, r metrics.Runner, trigger models.PassTrigger) (*models.PassRun, error) {
	v, err, shared := s.group.Do(r.Name(), func() (any, error) {
		return s.runPass(ctx, r, trigger)
	})
	if shared {
		s.log.Debug().Str("owner", r.Name()).Msg("Joined pass already in progress")
	}
	if err != nil {
		return nil, err
	}
	return v.(*models.PassRun), nil
}

func (s *Service) runPass(ctx context.Context, r metrics.Runner, trigger models.PassTrigger) (*models.PassRun, error) {
	passCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout := s.config.PassTimeout(); timeout > 0 {
		passCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	report, err := r.RunFullPass(passCtx)
	cancel()

	if report == nil {
		return nil, err
	}
	run := passRunFromReport(report, trigger, err)

	s.mu.Lock()
	s.totalPasses++
	if !run.Succeeded() {
		s.totalFailed++
	}
	s.mu.Unlock()

	event := s.log.Info()
	if !run.Succeeded() {
		event = s.log.Warn()
	}
	event.
		Str("owner", run.Owner).
		Str("pass_id", run.PassID).
		Str("trigger", string(trigger)).
		Int64("duration_ms", run.DurationMs).
		Int("failed_batches", run.FailedBatches).
		Str("error", run.Error).
		Msg("Pass finished")

	s.record(context.WithoutCancel(ctx), run)
	return run, nil
}

func (s *Service) record(ctx context.Context, run *models.PassRun) {
	if s.history == nil {
		return
	}
	if _, err := s.history.RecordPassRun(ctx, run); err != nil {
		s.log.Error().Err(err).Str("owner", run.Owner).Msg("Failed to record pass")
		return
	}
	pruned, err := s.history.PrunePassRuns(ctx, run.Owner, s.config.HistoryKeep)
	if err != nil {
		s.log.Error().Err(err).Str("owner", run.Owner).Msg("Failed to prune pass history")
		return
	}
	if pruned > 0 {
		s.mu.Lock()
		s.totalPruned += pruned
		s.mu.Unlock()
	}
}

func passRunFromReport(report *metrics.PassReport, trigger models.PassTrigger, err error) *models.PassRun {
	run := &models.PassRun{
		PassID:        report.ID,
		Owner:         report.Owner,
		Trigger:       trigger,
		StartedAt:     report.StartedAt,
		DurationMs:    report.Duration.Milliseconds(),
		Metrics:       report.Metrics,
		Inferred:      report.Inferred,
		BadGuesses:    report.BadGuesses,
		Singular:      report.Singular,
		Aggregates:    report.Aggregates,
		Batches:       report.Batches,
		FailedBatches: len(report.FailedBatches),
	}
	if err != nil {
		run.Error = err.Error()
	}
	return run
}

// Stats returns scheduler statistics.
func (s *Service) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]any{
		"enabled":          s.config.RefreshEnabled,
		"interval_minutes": s.config.RefreshIntervalMinutes,
		"concurrency":      s.config.RefreshConcurrency,
		"history_keep":     s.config.HistoryKeep,
		"last_run":         s.lastRunTime,
		"last_duration_ms": s.lastRunDuration.Milliseconds(),
		"total_passes":     s.totalPasses,
		"total_failed":     s.totalFailed,
		"total_pruned":     s.totalPruned,
		"running":          s.running,
	}
}
