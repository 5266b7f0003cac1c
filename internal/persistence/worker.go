package persistence

import (
	"PrivateMarkets/internal/core"
	"PrivateMarkets/internal/ledger"
	"PrivateMarkets/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// WorkerConfig wires a Worker.
type WorkerConfig struct {
	DB           *sql.DB
	Events       <-chan core.Output
	Journals     <-chan *ledger.Batch
	BatchSize    int
	FlushTimeout time.Duration
	// AfterFlush, when set, receives every output once it is durable.
	AfterFlush func(outs []core.Output)
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
}

// Worker drains the persist channels and batch-writes to Postgres.
// The engine and ledger send on both channels with BLOCKING sends, so if
// this worker falls behind the engine stalls and no event is lost.
type Worker struct {
	writer       *EventLogWriter
	events       <-chan core.Output
	journals     <-chan *ledger.Batch
	batchSize    int
	flushTimeout time.Duration
	afterFlush   func(outs []core.Output)
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 50 * time.Millisecond
	}
	return &Worker{
		writer:       NewEventLogWriter(cfg.DB),
		events:       cfg.Events,
		journals:     cfg.Journals,
		batchSize:    cfg.BatchSize,
		flushTimeout: cfg.FlushTimeout,
		afterFlush:   cfg.AfterFlush,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}
}

type pendingBatch struct {
	outs     []core.Output
	events   []EventRow
	journals []JournalRow
}

func (p *pendingBatch) size() int { return len(p.events) + len(p.journals) }

func (p *pendingBatch) reset() {
	p.outs = nil
	p.events = p.events[:0]
	p.journals = p.journals[:0]
}

// Run batches incoming outputs and flushes either when the batch is full
// or the flush timeout expires. Blocks until ctx is cancelled or both
// channels are closed.
func (w *Worker) Run(ctx context.Context) error {
	var pb pendingBatch
	events, journals := w.events, w.journals

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		if events == nil && journals == nil {
			// Both channels closed: flush and exit
			return w.flushWithRetry(context.Background(), &pb)
		}

		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if err := w.flush(context.WithoutCancel(ctx), &pb); err != nil {
				w.logger.Error().Err(err).Msg("final flush failed")
			}
			return ctx.Err()

		case out, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			row, err := EventRowFrom(out)
			if err != nil {
				// The envelope already carries the hashed record, so an
				// encode failure here is a bug, not a transient error.
				w.logger.Error().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("FATAL: event row")
				w.persistError("encode")
				continue
			}
			pb.outs = append(pb.outs, out)
			pb.events = append(pb.events, row)

		case b, ok := <-journals:
			if !ok {
				journals = nil
				continue
			}
			pb.journals = append(pb.journals, JournalRowsFrom(b)...)

		case <-timer.C:
			if pb.size() > 0 {
				if err := w.flushWithRetry(ctx, &pb); err != nil {
					w.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
			}
			timer.Reset(w.flushTimeout)
			continue
		}

		if pb.size() >= w.batchSize {
			if err := w.flushWithRetry(ctx, &pb); err != nil {
				w.logger.Error().Err(err).Msg("batch flush failed after retries")
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops
// a batch: it retries until the write succeeds or ctx is cancelled, then
// makes one last attempt detached from ctx.
func (w *Worker) flushWithRetry(ctx context.Context, pb *pendingBatch) error {
	if pb.size() == 0 {
		return nil
	}
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(pb.events)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.WithoutCancel(ctx), pb); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, pb)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		w.logger.Warn().Err(err).Msg("persistence flush failed")
		if w.metrics != nil {
			w.metrics.PersistRetry.Inc()
		}
	}
}

// flush writes events and journals in a single transaction and resets pb
// on success.
func (w *Worker) flush(ctx context.Context, pb *pendingBatch) error {
	if pb.size() == 0 {
		return nil
	}
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		w.persistError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, pb.events); err != nil {
		w.persistError("write_events")
		return err
	}
	if err := w.writer.WriteJournalBatch(ctx, tx, pb.journals); err != nil {
		w.persistError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		w.persistError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistEventsWritten.Add(float64(len(pb.events)))
		w.metrics.PersistJournalsWritten.Add(float64(len(pb.journals)))
		if n := len(pb.events); n > 0 {
			w.metrics.PersistLastSequence.Set(float64(pb.events[n-1].Sequence))
		}
	}

	if w.afterFlush != nil && len(pb.outs) > 0 {
		w.afterFlush(pb.outs)
	}
	pb.reset()
	return nil
}

func (w *Worker) persistError(stage string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
