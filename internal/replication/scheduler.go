// Package replication reconciles a node's store against its peers.
//
// Two engines run under the same Scheduler:
//
//	HubSync     pulls missed messages from every connected Hub and pushes ours to peers
//	            whose high-water mark is behind (asymmetric best-effort reconciliation)
//	PDSSync     pulls records of accounts homed on peer PDS nodes (listSince cursor)
//
// Convergence is probabilistic: two nodes that are never online at the same time can
// diverge indefinitely. Gossip and push-on-write bound the inconsistency window,
// the periodic run repairs what they missed.
package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sakif/relaynet/internal/metrics"
)

// DefaultInterval is used when neither an interval nor a cron expression is configured.
const DefaultInterval = 5 * time.Minute

// Job is one unit of periodic reconciliation.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// ScheduleConfig picks when jobs run. A non-empty Cron wins over Interval.
type ScheduleConfig struct {
	Interval time.Duration
	Cron     string
}

// Scheduler runs its jobs once at startup and then on every tick, on its own goroutine.
// A tick that arrives while the previous run is still going is skipped.
type Scheduler struct {
	cfg     ScheduleConfig
	jobs    []Job
	logger  *slog.Logger
	metrics *metrics.Metrics

	running atomic.Bool
	// wg tracks the in-flight run so Run returns only after the jobs have let go of the
	// stores they write to.
	wg  sync.WaitGroup
	now func() time.Time
}

func NewScheduler(cfg ScheduleConfig, logger *slog.Logger, m *metrics.Metrics, jobs ...Job) (*Scheduler, error) {
	if cfg.Cron != "" && !gronx.IsValid(cfg.Cron) {
		return nil, fmt.Errorf("invalid sync cron expression: %q", cfg.Cron)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Scheduler{
		cfg:     cfg,
		jobs:    jobs,
		logger:  logger.With(slog.String("component", "scheduler")),
		metrics: m,
		now:     time.Now,
	}, nil
}

// Run blocks until ctx is cancelled and any in-flight run has finished.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("sync scheduler started",
		slog.Duration("interval", s.cfg.Interval),
		slog.String("cron", s.cfg.Cron),
		slog.Int("jobs", len(s.jobs)),
	)
	s.trigger(ctx)

	for {
		wait := s.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("sync scheduler stopping")
			s.wg.Wait()
			return
		case <-timer.C:
			s.trigger(ctx)
		}
	}
}

// nextWait is the delay until the next tick.
func (s *Scheduler) nextWait() time.Duration {
	if s.cfg.Cron == "" {
		return s.cfg.Interval
	}
	now := s.now().UTC()
	next, err := gronx.NextTickAfter(s.cfg.Cron, now, false)
	if err != nil {
		s.logger.Error("computing next sync tick", slog.String("cron", s.cfg.Cron), slog.String("error", err.Error()))
		return s.cfg.Interval
	}
	if wait := next.Sub(now); wait > 0 {
		return wait
	}
	return time.Second
}

// trigger starts a run in the background unless one is in progress.
// It reports whether a run was started.
func (s *Scheduler) trigger(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous sync run still in progress, skipping tick")
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.RunOnce(ctx)
	}()
	return true
}

// RunOnce runs every job sequentially. A failing job does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		err := job.Run(ctx)
		elapsed := time.Since(start)

		result := "ok"
		if err != nil {
			result = "error"
			s.logger.Warn("sync job failed",
				slog.String("job", job.Name()),
				slog.Duration("duration", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			s.logger.Debug("sync job finished", slog.String("job", job.Name()), slog.Duration("duration", elapsed))
		}
		if s.metrics != nil {
			s.metrics.SyncRuns.WithLabelValues(job.Name(), result).Inc()
			s.metrics.SyncDuration.WithLabelValues(job.Name()).Observe(elapsed.Seconds())
		}
	}
}
