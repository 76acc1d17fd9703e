// Package pipeline drives batches from the partitioned queue to the
// time-series store: resolve point identity, suppress duplicates, write,
// warm the current-value cache, then commit the partition offset. One
// worker runs per owned partition; batches on a partition are strictly
// sequential.
package pipeline

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pointstream/consumer"
	"github.com/c360/pointstream/errors"
	"github.com/c360/pointstream/kvstate"
	"github.com/c360/pointstream/metric"
	"github.com/c360/pointstream/pkg/retry"
	"github.com/c360/pointstream/point"
)

// Resolver resolves point names to registered points.
type Resolver interface {
	ResolveOrRegister(ctx context.Context, sourceGroup, name string) (point.Point, error)
}

// Idempotency is the completed-batch store.
type Idempotency interface {
	Seen(ctx context.Context, partition int, batchID string) (bool, error)
	Mark(ctx context.Context, partition int, batchID string) error
}

// CurrentValues is the latest-observation cache.
type CurrentValues interface {
	Set(ctx context.Context, seq point.SequenceID, cv kvstate.CurrentValue) error
}

// Sink is the time-series write path.
type Sink interface {
	Validate(dp point.DataPoint) error
	Add(ctx context.Context, dp point.DataPoint) error
	Flush(ctx context.Context) error
	Discard()
}

// DeadLetters publishes poison rows, batches, and undecodable envelopes.
type DeadLetters interface {
	Row(ctx context.Context, partition int, batchID string, dp point.DataPoint, cause error) error
	Batch(ctx context.Context, partition int, batch point.Batch, cause error) error
	Malformed(ctx context.Context, partition int, raw []byte, cause error) error
}

// Ownership reports which partitions this instance holds.
type Ownership interface {
	Owned() []int
	Owns(partition int) bool
	Revoked() <-chan int
}

// Reader fetches and commits deliveries for one partition.
type Reader interface {
	Partition() int
	Fetch(ctx context.Context, max int) ([]consumer.Delivery, error)
	Commit(d consumer.Delivery) error
	Release(d consumer.Delivery) error
}

// ReaderFactory opens a reader for a newly claimed partition.
type ReaderFactory func(ctx context.Context, partition int) (Reader, error)

// Config configures pipeline behavior.
type Config struct {
	// WriteRetry bounds in-process retries of a transiently failing
	// sink write before the batch is left for redelivery.
	WriteRetry retry.Config `json:"write_retry"`

	// MaxBatchAge dead-letters a whole batch whose sink write has been
	// failing longer than this, measured from its arrival on the
	// stream. It applies only to the write step: transient idempotency,
	// resolution, and DLQ failures always leave the batch for
	// redelivery, since dead-lettering on a store outage would trade a
	// recoverable stall for data loss. Zero retries forever.
	MaxBatchAge time.Duration `json:"max_batch_age"`

	// SkipNonFinite drops NaN and infinite rows silently instead of
	// dead-lettering them. Matches the sink encoder policy.
	SkipNonFinite bool `json:"skip_non_finite"`

	// ReconcileInterval is how often partition ownership is reconciled
	// into running workers.
	ReconcileInterval time.Duration `json:"reconcile_interval"`

	// FetchWait bounds one empty fetch cycle.
	FetchWait time.Duration `json:"fetch_wait"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.MaxBatchAge < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_batch_age cannot be negative")
	}
	if c.ReconcileInterval < 0 || c.FetchWait < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"intervals cannot be negative")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.WriteRetry.MaxAttempts == 0 {
		out.WriteRetry = retry.Config{
			MaxAttempts:  3,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
			AddJitter:    true,
		}
	}
	if out.ReconcileInterval == 0 {
		out.ReconcileInterval = time.Second
	}
	if out.FetchWait == 0 {
		out.FetchWait = time.Second
	}
	return out
}

// Pipeline runs the ingestion state machine over all owned partitions.
type Pipeline struct {
	cfg       Config
	group     Ownership
	newReader ReaderFactory
	resolver  Resolver
	idem      Idempotency
	values    CurrentValues
	sink      Sink
	dlq       DeadLetters
	logger    *slog.Logger

	// writeMu serializes the shared sink across partition workers so a
	// flush only ever confirms one batch's rows.
	writeMu sync.Mutex

	workersMu sync.Mutex
	workers   map[int]*worker

	lifecycleMu sync.Mutex
	running     bool
	shutdown    chan struct{}
	wg          sync.WaitGroup

	batchesTotal    *prometheus.CounterVec
	rowsDeadLetters prometheus.Counter
	rowsSkipped     prometheus.Counter
	dedupeSkips     prometheus.Counter
	batchDuration   prometheus.Histogram
	inflight        prometheus.Gauge
}

type worker struct {
	partition int
	reader    Reader
	stop      chan struct{}
	done      chan struct{}
}

// New creates a pipeline.
func New(cfg Config, group Ownership, newReader ReaderFactory, res Resolver,
	idem Idempotency, values CurrentValues, sink Sink, dlq DeadLetters,
	logger *slog.Logger, registry *metric.Registry) (*Pipeline, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		cfg:       cfg.withDefaults(),
		group:     group,
		newReader: newReader,
		resolver:  res,
		idem:      idem,
		values:    values,
		sink:      sink,
		dlq:       dlq,
		logger:    logger,
		workers:   make(map[int]*worker),
		shutdown:  make(chan struct{}),
	}
	p.initMetrics(registry)
	return p, nil
}

func (p *Pipeline) initMetrics(registry *metric.Registry) {
	p.batchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pointstream", Subsystem: "pipeline",
		Name: "batches_total",
		Help: "Batches by terminal state",
	}, []string{"state"})
	p.rowsDeadLetters = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pointstream", Subsystem: "pipeline",
		Name: "rows_dead_lettered_total",
		Help: "Rows stripped from batches and dead-lettered",
	})
	p.rowsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pointstream", Subsystem: "pipeline",
		Name: "rows_skipped_total",
		Help: "Non-finite rows dropped under the skip policy",
	})
	p.dedupeSkips = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pointstream", Subsystem: "pipeline",
		Name: "dedupe_skips_total",
		Help: "Batches short-circuited by the idempotency store",
	})
	p.batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pointstream", Subsystem: "pipeline",
		Name:    "batch_duration_seconds",
		Help:    "Time from fetch to terminal state per batch",
		Buckets: prometheus.DefBuckets,
	})
	p.inflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pointstream", Subsystem: "pipeline",
		Name: "batches_inflight",
		Help: "Batches currently being processed",
	})

	if registry != nil {
		_ = registry.RegisterCounterVec("pipeline", "batches_total", p.batchesTotal)
		_ = registry.RegisterCounter("pipeline", "rows_dead_lettered_total", p.rowsDeadLetters)
		_ = registry.RegisterCounter("pipeline", "rows_skipped_total", p.rowsSkipped)
		_ = registry.RegisterCounter("pipeline", "dedupe_skips_total", p.dedupeSkips)
		_ = registry.RegisterHistogram("pipeline", "batch_duration_seconds", p.batchDuration)
		_ = registry.RegisterGauge("pipeline", "batches_inflight", p.inflight)
	}
}

// Start launches the ownership reconciler
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Pipeline", "Start", "check running state")
	}
	p.running = true

	p.wg.Add(1)
	go p.reconcileLoop(ctx)
	return nil
}

// Stop halts fetching, lets in-flight batches reach a terminal state and
// shuts all workers down.
func (p *Pipeline) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false
	close(p.shutdown)

	waitCh := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Pipeline", "Stop", "wait for workers")
	}
}

func (p *Pipeline) reconcileLoop(ctx context.Context) {
	defer p.wg.Done()
	defer p.stopAllWorkers()

	ticker := time.NewTicker(p.cfg.ReconcileInterval)
	defer ticker.Stop()

	p.reconcile(ctx)
	for {
		select {
		case <-p.shutdown:
			return
		case <-ctx.Done():
			return
		case partition := <-p.group.Revoked():
			p.stopWorker(partition)
		case <-ticker.C:
			p.reconcile(ctx)
		}
	}
}

// reconcile starts workers for newly claimed partitions and stops
// workers for partitions no longer owned.
func (p *Pipeline) reconcile(ctx context.Context) {
	owned := make(map[int]bool)
	for _, partition := range p.group.Owned() {
		owned[partition] = true
		p.startWorker(ctx, partition)
	}

	p.workersMu.Lock()
	var stale []int
	for partition := range p.workers {
		if !owned[partition] {
			stale = append(stale, partition)
		}
	}
	p.workersMu.Unlock()

	for _, partition := range stale {
		p.stopWorker(partition)
	}
}

func (p *Pipeline) startWorker(ctx context.Context, partition int) {
	p.workersMu.Lock()
	if _, exists := p.workers[partition]; exists {
		p.workersMu.Unlock()
		return
	}
	p.workersMu.Unlock()

	reader, err := p.newReader(ctx, partition)
	if err != nil {
		p.logger.Warn("failed to open partition reader", "partition", partition, "error", err)
		return
	}

	w := &worker{
		partition: partition,
		reader:    reader,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	p.workersMu.Lock()
	if _, exists := p.workers[partition]; exists {
		p.workersMu.Unlock()
		return
	}
	p.workers[partition] = w
	p.workersMu.Unlock()

	p.logger.Info("starting partition worker", "partition", partition)
	p.wg.Add(1)
	go p.runWorker(ctx, w)
}

func (p *Pipeline) stopWorker(partition int) {
	p.workersMu.Lock()
	w, ok := p.workers[partition]
	if ok {
		delete(p.workers, partition)
	}
	p.workersMu.Unlock()
	if !ok {
		return
	}

	p.logger.Info("stopping partition worker", "partition", partition)
	close(w.stop)
	<-w.done
}

func (p *Pipeline) stopAllWorkers() {
	p.workersMu.Lock()
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = make(map[int]*worker)
	p.workersMu.Unlock()

	for _, w := range workers {
		close(w.stop)
		<-w.done
	}
}

func (p *Pipeline) runWorker(ctx context.Context, w *worker) {
	defer p.wg.Done()
	defer close(w.done)

	for {
		select {
		case <-w.stop:
			return
		case <-p.shutdown:
			return
		case <-ctx.Done():
			return
		default:
		}

		ds, err := w.reader.Fetch(ctx, 1)
		if err != nil {
			p.logger.Debug("fetch failed", "partition", w.partition, "error", err)
			select {
			case <-w.stop:
				return
			case <-p.shutdown:
				return
			case <-time.After(p.cfg.FetchWait):
			}
			continue
		}

		for _, d := range ds {
			p.process(ctx, w, d)
		}
	}
}

// process runs one delivery through the state machine to a terminal
// state. Once entered, a delivery always reaches a terminal state even
// during shutdown; fetching stops but in-flight work completes.
func (p *Pipeline) process(ctx context.Context, w *worker, d consumer.Delivery) State {
	start := time.Now()
	p.inflight.Inc()
	defer p.inflight.Dec()

	final := p.advance(ctx, w, d)

	p.batchesTotal.WithLabelValues(final.String()).Inc()
	p.batchDuration.Observe(time.Since(start).Seconds())
	p.logger.Debug("batch reached terminal state",
		"partition", d.Partition,
		"batch_id", d.Batch.ID,
		"state", final.String(),
		"duration", time.Since(start))
	return final
}

func (p *Pipeline) advance(ctx context.Context, w *worker, d consumer.Delivery) State {
	// Received: a malformed envelope or invalid batch dead-letters
	// whole and commits, it can never succeed on redelivery. An
	// undecodable envelope keeps its raw bytes in the DLQ payload.
	if d.Err != nil {
		return p.deadLetterMalformed(ctx, w, d,
			errors.WrapInvalid(d.Err, "Pipeline", "advance", "decode envelope"))
	}
	if err := d.Batch.Validate(); err != nil {
		return p.deadLetterBatch(ctx, w, d, errors.WrapInvalid(err, "Pipeline", "advance", "validate envelope"))
	}

	// Resolving
	rows, state := p.resolveRows(ctx, w, d)
	if state.Terminal() {
		return state
	}

	// Deduplicating
	seen, err := p.idem.Seen(ctx, d.Partition, d.Batch.ID)
	if err != nil {
		return p.retryLater(w, d, err)
	}
	if seen {
		p.dedupeSkips.Inc()
		return p.commit(w, d)
	}

	// Writing
	written, state := p.writeRows(ctx, w, d, rows)
	if state.Terminal() {
		return state
	}

	// CacheUpdating: mark first so a crash after the write never
	// double-writes, then refresh current values in delivery order.
	if err := p.idem.Mark(ctx, d.Partition, d.Batch.ID); err != nil {
		return p.retryLater(w, d, err)
	}
	for _, row := range written {
		cv := kvstate.CurrentValue{Value: row.Value, Quality: row.Quality, Timestamp: row.Timestamp}
		if err := p.values.Set(ctx, row.Sequence, cv); err != nil {
			// The batch is already marked; a redelivery would skip
			// this update anyway, so log and keep going
			p.logger.Warn("current-value update failed",
				"partition", d.Partition, "point", row.Name, "error", err)
		}
	}

	return p.commit(w, d)
}

// resolveRows resolves every row's sequence id, stripping and
// dead-lettering rows that can never resolve. A transient failure leaves
// the whole batch for redelivery.
func (p *Pipeline) resolveRows(ctx context.Context, w *worker, d consumer.Delivery) ([]point.DataPoint, State) {
	rows := make([]point.DataPoint, 0, len(d.Batch.Points))
	for _, row := range d.Batch.Points {
		if !row.NeedsResolution() {
			rows = append(rows, row)
			continue
		}

		if row.Name == "" {
			cause := errors.WrapInvalid(errors.ErrUnresolvedName, "Pipeline", "resolveRows", "resolve row")
			if state, ok := p.deadLetterRow(ctx, w, d, row, cause); !ok {
				return nil, state
			}
			continue
		}

		pt, err := p.resolver.ResolveOrRegister(ctx, d.Batch.SourceGroup, row.Name)
		if err != nil {
			if errors.IsInvalid(err) {
				if state, ok := p.deadLetterRow(ctx, w, d, row, err); !ok {
					return nil, state
				}
				continue
			}
			return nil, p.retryLater(w, d, err)
		}

		row.Sequence = pt.Sequence
		rows = append(rows, row)
	}
	return rows, StateResolving
}

// writeRows validates, buffers and flushes the batch's rows. Per-row
// permanent failures are stripped and dead-lettered; the remaining rows
// are written with bounded in-process retries.
func (p *Pipeline) writeRows(ctx context.Context, w *worker, d consumer.Delivery, rows []point.DataPoint) ([]point.DataPoint, State) {
	good := make([]point.DataPoint, 0, len(rows))
	for _, row := range rows {
		err := p.sink.Validate(row)
		if err == nil {
			good = append(good, row)
			continue
		}
		if p.cfg.SkipNonFinite && stderrors.Is(err, errors.ErrNonFiniteValue) {
			p.rowsSkipped.Inc()
			continue
		}
		if state, ok := p.deadLetterRow(ctx, w, d, row, err); !ok {
			return nil, state
		}
	}

	if len(good) == 0 {
		return good, StateWriting
	}

	p.writeMu.Lock()
	err := retry.Do(ctx, p.cfg.WriteRetry, func() error {
		p.sink.Discard()
		for _, row := range good {
			if err := p.sink.Add(ctx, row); err != nil {
				return err
			}
		}
		if err := p.sink.Flush(ctx); err != nil {
			if errors.IsInvalid(err) {
				return retry.NonRetryable(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		p.sink.Discard()
	}
	p.writeMu.Unlock()

	if err == nil {
		return good, StateWriting
	}

	if errors.IsInvalid(err) {
		// The store rejected the payload outright; a redelivery would
		// be rejected the same way
		return nil, p.deadLetterBatch(ctx, w, d, err)
	}
	if p.cfg.MaxBatchAge > 0 && !d.Received.IsZero() && time.Since(d.Received) > p.cfg.MaxBatchAge {
		p.logger.Warn("batch exceeded max age, dead-lettering whole",
			"partition", d.Partition, "batch_id", d.Batch.ID, "age", time.Since(d.Received))
		return nil, p.deadLetterBatch(ctx, w, d, err)
	}
	return nil, p.retryLater(w, d, err)
}

// deadLetterRow strips one row. The second return is false when the DLQ
// publish itself failed and the batch must be left for redelivery.
func (p *Pipeline) deadLetterRow(ctx context.Context, w *worker, d consumer.Delivery, row point.DataPoint, cause error) (State, bool) {
	if err := p.dlq.Row(ctx, d.Partition, d.Batch.ID, row, cause); err != nil {
		return p.retryLater(w, d, err), false
	}
	p.rowsDeadLetters.Inc()
	return StateReceived, true
}

// deadLetterMalformed publishes the raw envelope bytes to the DLQ and
// commits. The batch never decoded, so the original payload is all the
// operator has to replay from.
func (p *Pipeline) deadLetterMalformed(ctx context.Context, w *worker, d consumer.Delivery, cause error) State {
	if err := p.dlq.Malformed(ctx, d.Partition, d.Raw, cause); err != nil {
		return p.retryLater(w, d, err)
	}
	return p.commitDeadLettered(w, d)
}

// deadLetterBatch publishes the whole batch to the DLQ and commits so a
// poison batch cannot stall the partition.
func (p *Pipeline) deadLetterBatch(ctx context.Context, w *worker, d consumer.Delivery, cause error) State {
	if err := p.dlq.Batch(ctx, d.Partition, d.Batch, cause); err != nil {
		return p.retryLater(w, d, err)
	}
	return p.commitDeadLettered(w, d)
}

func (p *Pipeline) commitDeadLettered(w *worker, d consumer.Delivery) State {
	if !p.group.Owns(d.Partition) {
		p.logger.Warn("ownership lost before dead-letter commit",
			"partition", d.Partition, "batch_id", d.Batch.ID)
		return StateDeadLettered
	}
	if err := w.reader.Commit(d); err != nil {
		p.logger.Warn("commit after dead-letter failed",
			"partition", d.Partition, "batch_id", d.Batch.ID, "error", err)
	}
	return StateDeadLettered
}

// retryLater leaves the delivery un-acked for redelivery.
func (p *Pipeline) retryLater(w *worker, d consumer.Delivery, cause error) State {
	p.logger.Warn("batch left for redelivery",
		"partition", d.Partition,
		"batch_id", d.Batch.ID,
		"class", errors.Classify(cause).String(),
		"error", cause)
	if err := w.reader.Release(d); err != nil {
		p.logger.Warn("release failed, redelivery waits for ack timeout",
			"partition", d.Partition, "error", err)
	}
	return StateRetrying
}

// commit acks the delivery, committing the partition offset. A partition
// whose claim was lost is never committed.
func (p *Pipeline) commit(w *worker, d consumer.Delivery) State {
	if !p.group.Owns(d.Partition) {
		p.logger.Warn("ownership lost before commit, discarding batch",
			"partition", d.Partition, "batch_id", d.Batch.ID)
		return StateRetrying
	}
	if err := w.reader.Commit(d); err != nil {
		p.logger.Warn("commit failed, batch will redeliver and dedupe",
			"partition", d.Partition, "batch_id", d.Batch.ID, "error", err)
		return StateRetrying
	}
	return StateCommitted
}
