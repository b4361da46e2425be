// Package buffer batches accepted telemetry records and writes them through
// a small worker pool. Producers never block: a full queue rejects with
// ErrOverloaded and the record is dropped.
package buffer

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paritytech/substrate-analytics/internal/metrics"
	"github.com/paritytech/substrate-analytics/internal/models"
	"github.com/paritytech/substrate-analytics/internal/store"
	"github.com/paritytech/substrate-analytics/pkg/logging"
)

// ErrOverloaded is returned by Enqueue when the pending queue is full. The
// caller should drop the record and keep its connection open.
var ErrOverloaded = errors.New("log buffer overloaded")

// DefaultMailboxCapacity bounds pending records beyond the batch being built.
const DefaultMailboxCapacity = 10000

// Options tune a LogBuffer. Zero values fall back to defaults.
type Options struct {
	// BatchSize is the flush threshold.
	BatchSize int
	// SaveLatency bounds how long an accepted record may sit unflushed.
	SaveLatency time.Duration
	// Workers is the size of the writer pool.
	Workers int
	// MailboxCapacity bounds the pending queue.
	MailboxCapacity int
}

func (o *Options) withDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 1024
	}
	if o.SaveLatency <= 0 {
		o.SaveLatency = 100 * time.Millisecond
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MailboxCapacity <= 0 {
		o.MailboxCapacity = DefaultMailboxCapacity
	}
}

// LogBuffer accepts records from node sessions, accumulates them into
// batches, and hands finished batches to the writer pool. A single collector
// goroutine owns the batch under construction, so no locking is needed.
type LogBuffer struct {
	opts    Options
	store   store.Store
	metrics *metrics.Metrics
	logger  logging.Logger

	mailbox chan models.SubstrateLog
	batches chan []models.SubstrateLog
}

func NewLogBuffer(opts Options, st store.Store, m *metrics.Metrics, logger logging.Logger) *LogBuffer {
	opts.withDefaults()
	return &LogBuffer{
		opts:    opts,
		store:   st,
		metrics: m,
		logger:  logger,
		mailbox: make(chan models.SubstrateLog, opts.MailboxCapacity),
		batches: make(chan []models.SubstrateLog, opts.Workers),
	}
}

// Enqueue admits one record. It never blocks; a full queue returns
// ErrOverloaded immediately.
func (b *LogBuffer) Enqueue(l models.SubstrateLog) error {
	select {
	case b.mailbox <- l:
		return nil
	default:
		b.metrics.LogsDropped.WithLabelValues("overloaded").Inc()
		return ErrOverloaded
	}
}

// Pending reports how many records are queued but not yet batched.
func (b *LogBuffer) Pending() int {
	return len(b.mailbox)
}

// Run drives the collector and the writer pool until the context is
// cancelled, then flushes whatever is still pending.
func (b *LogBuffer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.collect(ctx)
	})
	for i := 0; i < b.opts.Workers; i++ {
		g.Go(func() error {
			b.write()
			return nil
		})
	}
	return g.Wait()
}

// collect owns the batch under construction. It flushes when the batch is
// full or when the latency ticker fires with records pending.
func (b *LogBuffer) collect(ctx context.Context) error {
	ticker := time.NewTicker(b.opts.SaveLatency)
	defer ticker.Stop()
	defer close(b.batches)

	batch := make([]models.SubstrateLog, 0, b.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.batches <- batch
		batch = make([]models.SubstrateLog, 0, b.opts.BatchSize)
	}

	for {
		select {
		case <-ctx.Done():
			b.drain(&batch)
			flush()
			return ctx.Err()
		case l := <-b.mailbox:
			batch = append(batch, l)
			if len(batch) >= b.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// drain moves whatever is left in the mailbox into the final batch on
// shutdown, flushing intermediate full batches.
func (b *LogBuffer) drain(batch *[]models.SubstrateLog) {
	for {
		select {
		case l := <-b.mailbox:
			*batch = append(*batch, l)
			if len(*batch) >= b.opts.BatchSize {
				b.batches <- *batch
				*batch = make([]models.SubstrateLog, 0, b.opts.BatchSize)
			}
		default:
			return
		}
	}
}

// write consumes finished batches until the batches channel closes. A failed
// insert drops the batch; there is no retry, the records are lost and
// accounted for.
func (b *LogBuffer) write() {
	for batch := range b.batches {
		n, err := b.store.InsertLogs(context.Background(), batch)
		if err != nil {
			b.logger.WithError(err).WithField("records", len(batch)).Error("Error saving logs batch")
			b.metrics.BatchesWritten.WithLabelValues("error").Inc()
			b.metrics.LogsDropped.WithLabelValues("store_error").Add(float64(len(batch)))
			continue
		}
		b.metrics.BatchesWritten.WithLabelValues("ok").Inc()
		b.metrics.BatchSize.WithLabelValues().Observe(float64(n))
	}
}
