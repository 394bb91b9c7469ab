package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"PerpClearing/internal/engine"
	"PerpClearing/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to
// Postgres. The engine sends to it with a blocking send, so when this
// worker falls behind the engine stalls instead of losing output.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan engine.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger

	lastSeq atomic.Int64
}

// batch accumulates rows between flushes
type batch struct {
	events     []EventRow
	rejections []RejectionRow
	journals   []JournalRow
	funding    []FundingRow
}

func (b *batch) add(r Rows) {
	if r.Event != nil {
		b.events = append(b.events, *r.Event)
	}
	if r.Rejection != nil {
		b.rejections = append(b.rejections, *r.Rejection)
	}
	b.journals = append(b.journals, r.Journals...)
	b.funding = append(b.funding, r.Funding...)
}

func (b *batch) len() int { return len(b.events) + len(b.rejections) }

func (b *batch) reset() {
	b.events = b.events[:0]
	b.rejections = b.rejections[:0]
	b.journals = b.journals[:0]
	b.funding = b.funding[:0]
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan engine.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log,
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	b := &batch{}
	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if b.len() > 0 {
				if err := pw.flush(context.Background(), b); err != nil {
					pw.log.Error().Err(err).Int("outputs", b.len()).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				if b.len() > 0 {
					if err := pw.flush(context.Background(), b); err != nil {
						pw.log.Error().Err(err).Int("outputs", b.len()).Msg("final flush failed")
					}
				}
				return nil
			}

			rows, err := RowsFromOutput(out)
			if err != nil {
				// Dropping an applied output would leave a gap in the log
				return fmt.Errorf("persist output: %w", err)
			}
			b.add(rows)

			if b.len() >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, b); err != nil {
					pw.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				b.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if b.len() > 0 {
				if err := pw.flushWithRetry(ctx, b); err != nil {
					pw.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				b.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write
// succeeds or ctx is cancelled, in which case one last attempt is made.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, b *batch) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("outputs", b.len()).Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), b); err != nil {
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

		err := pw.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.log.Warn().Err(err).Msg("persistence flush failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, b *batch) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	// Events first: journal and funding rows reference them.
	if err := pw.writer.WriteEventBatch(ctx, tx, b.events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, b.journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := pw.writer.WriteFundingBatch(ctx, tx, b.funding); err != nil {
		pw.countError("write_funding")
		return err
	}
	if err := pw.writer.WriteRejectionBatch(ctx, tx, b.rejections); err != nil {
		pw.countError("write_rejections")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if len(b.events) > 0 {
		pw.advance(b.events[len(b.events)-1].Sequence)
	}
	if pw.metrics != nil {
		pw.metrics.PersistBatchDuration.Observe(time.Since(start).Seconds())
		pw.metrics.PersistEventsWritten.Add(float64(len(b.events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(b.journals)))
		if len(b.events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(b.events[len(b.events)-1].Sequence))
		}
	}
	return nil
}

// LastSequence returns the highest applied sequence committed so far.
func (pw *PersistenceWorker) LastSequence() int64 { return pw.lastSeq.Load() }

// SetLastSequence seeds the watermark with what the log already holds.
func (pw *PersistenceWorker) SetLastSequence(seq int64) { pw.advance(seq) }

// advance only moves the watermark forward; replay rewrites older rows.
func (pw *PersistenceWorker) advance(seq int64) {
	for {
		cur := pw.lastSeq.Load()
		if seq <= cur || pw.lastSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
