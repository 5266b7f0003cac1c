// Package scheduler runs the periodic jobs of the engine: closing batch
// windows that are due and pruning old retired handles.
package scheduler

import (
	"PrivateMarkets/internal/market"
	"PrivateMarkets/internal/observability"
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Caller is the identity the scheduler acts as.
const Caller = "scheduler"

// Clearer is the slice of the engine the batch job needs.
type Clearer interface {
	DueForClear(ctx context.Context) ([]uuid.UUID, error)
	QueueBatchClear(ctx context.Context, caller string, id uuid.UUID) (uuid.UUID, bool, error)
}

// Purger removes retired handles older than a cutoff.
type Purger interface {
	PurgeOlderThan(ctx context.Context, cutoff int64) (int64, error)
}

type Config struct {
	// BatchSpec is a cron spec with seconds, e.g. "*/15 * * * * *".
	BatchSpec string
	// PurgeSpec schedules the retired-handle purge. Empty disables it.
	PurgeSpec string
	// RetainSeconds is how long retired handles are kept.
	RetainSeconds int64

	Clearer Clearer
	Purger  Purger
	Now     func() int64
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

type Scheduler struct {
	cron    *cron.Cron
	clearer Clearer
	purger  Purger
	retain  int64
	now     func() int64

	// running guards against overlapping batch sweeps.
	running sync.Mutex

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func New(cfg Config) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		clearer: cfg.Clearer,
		purger:  cfg.Purger,
		retain:  cfg.RetainSeconds,
		now:     cfg.Now,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	if cfg.BatchSpec == "" {
		cfg.BatchSpec = "*/15 * * * * *"
	}
	if _, err := s.cron.AddFunc(cfg.BatchSpec, func() { s.SweepBatches(context.Background()) }); err != nil {
		return nil, err
	}
	if cfg.PurgeSpec != "" && cfg.Purger != nil {
		if _, err := s.cron.AddFunc(cfg.PurgeSpec, func() { s.PurgeRetired(context.Background()) }); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Run starts the cron and blocks until ctx is done, then waits for
// running jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
	return ctx.Err()
}

// SweepBatches queues a clear for every market whose window closed.
// It returns how many markets were cleared or queued.
func (s *Scheduler) SweepBatches(ctx context.Context) int {
	if !s.running.TryLock() {
		s.metrics.SchedulerRun("skipped")
		return 0
	}
	defer s.running.Unlock()

	due, err := s.clearer.DueForClear(ctx)
	if err != nil {
		s.metrics.SchedulerRun("error")
		s.logger.Error().Err(err).Msg("list markets due for clear")
		return 0
	}

	n := 0
	for _, id := range due {
		handle, cleared, err := s.clearer.QueueBatchClear(ctx, Caller, id)
		switch {
		case err == nil:
			n++
			s.logger.Info().
				Str("market_id", id.String()).
				Bool("cleared", cleared).
				Str("handle", handle.String()).
				Msg("batch window closed")
		case errors.Is(err, market.ErrComputationOutstanding), errors.Is(err, market.ErrBatchWindowOpen):
			s.logger.Debug().Err(err).Str("market_id", id.String()).Msg("batch clear not due")
		default:
			s.logger.Warn().Err(err).Str("market_id", id.String()).Msg("queue batch clear")
		}
	}
	s.metrics.SchedulerRun("ok")
	return n
}

// PurgeRetired drops retired handles past the retention window.
func (s *Scheduler) PurgeRetired(ctx context.Context) {
	if s.purger == nil || s.retain <= 0 {
		return
	}
	n, err := s.purger.PurgeOlderThan(ctx, s.now()-s.retain)
	if err != nil {
		s.logger.Error().Err(err).Msg("purge retired handles")
		return
	}
	s.logger.Info().Int64("purged", n).Msg("retired handles purged")
}
