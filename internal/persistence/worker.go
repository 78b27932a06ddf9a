package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"Bankroll/internal/core"
	"Bankroll/internal/observability"
)

// Worker drains the persist channel and batch-writes to Postgres. The
// engine's sends on that channel are blocking, so a worker that falls
// behind stalls the engine instead of losing audit rows.
type Worker struct {
	writer       *StateWriter
	inputChan    <-chan core.StateUpdate
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan core.StateUpdate,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewStateWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run batches incoming updates and flushes when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the
// input channel closes; either way the last batch is flushed first.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]core.StateUpdate, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case update, ok := <-w.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			batch = append(batch, update)
			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write
// succeeds or the context is cancelled; updates are never dropped. On
// cancellation one final attempt runs with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, batch []core.StateUpdate) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, updates=%d)",
				attempt, backoff, len(batch))
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), batch); err != nil {
					log.Printf("ERROR: final flush on shutdown failed: %v", err)
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, batch); err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return
		}
	}
}

func (w *Worker) flush(ctx context.Context, batch []core.StateUpdate) error {
	start := time.Now()

	if err := w.writer.WriteBatch(ctx, batch); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_batch").Inc()
		}
		return fmt.Errorf("write batch: %w", err)
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(batch)))
		w.metrics.PersistEntriesWritten.Add(float64(len(batch)))
		w.metrics.PersistLastSequence.Set(float64(batch[len(batch)-1].Entry.Seq))
		for _, u := range batch {
			if len(u.Balances) > 0 {
				w.metrics.PersistRowsWritten.WithLabelValues("balances").Add(float64(len(u.Balances)))
			}
			if len(u.Shares) > 0 {
				w.metrics.PersistRowsWritten.WithLabelValues("lp_shares").Add(float64(len(u.Shares)))
			}
			if u.Pool != nil {
				w.metrics.PersistRowsWritten.WithLabelValues("pool").Inc()
			}
			if len(u.Pending) > 0 {
				w.metrics.PersistRowsWritten.WithLabelValues("pending_withdrawals").Add(float64(len(u.Pending)))
			}
		}
	}

	return nil
}
