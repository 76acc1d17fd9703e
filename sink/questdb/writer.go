package questdb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pointstream/errors"
	"github.com/c360/pointstream/metric"
	"github.com/c360/pointstream/point"
)

// WriterConfig configures the batching sink writer.
type WriterConfig struct {
	// URL is the full write endpoint, e.g. http://questdb:9000/write
	URL string `json:"url"`

	Table          string        `json:"table"`
	NonFinite      string        `json:"non_finite"` // "error" or "skip"
	MaxRows        int           `json:"max_rows"`
	MaxBytes       int           `json:"max_bytes"`
	FlushInterval  time.Duration `json:"flush_interval"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// Validate checks the configuration for errors
func (c *WriterConfig) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "WriterConfig", "Validate", "url is required")
	}
	if c.MaxRows < 0 || c.MaxBytes < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "WriterConfig", "Validate",
			"max_rows and max_bytes cannot be negative")
	}
	if _, err := ParseNonFinitePolicy(c.NonFinite); err != nil {
		return err
	}
	return nil
}

func (c *WriterConfig) withDefaults() WriterConfig {
	out := *c
	if out.MaxRows == 0 {
		out.MaxRows = 1000
	}
	if out.MaxBytes == 0 {
		out.MaxBytes = 1 << 20
	}
	if out.FlushInterval == 0 {
		out.FlushInterval = time.Second
	}
	if out.RequestTimeout == 0 {
		out.RequestTimeout = 10 * time.Second
	}
	return out
}

// Writer accumulates encoded rows and ships them in one HTTP POST per
// flush. Adds flush automatically at MaxRows or MaxBytes; a background
// timer bounds staleness when traffic is low. Rows stay buffered across a
// failed flush so nothing is dropped on a sink outage.
type Writer struct {
	cfg    WriterConfig
	enc    *Encoder
	client *http.Client
	logger *slog.Logger

	bufMu   sync.Mutex
	buf     []byte
	bufRows int

	lifecycleMu sync.Mutex
	running     bool
	shutdown    chan struct{}
	wg          sync.WaitGroup

	rowsWritten   prometheus.Counter
	flushTotal    *prometheus.CounterVec
	flushDuration prometheus.Histogram
}

// NewWriter creates a sink writer.
func NewWriter(cfg WriterConfig, logger *slog.Logger, registry *metric.Registry) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	policy, _ := ParseNonFinitePolicy(cfg.NonFinite)

	w := &Writer{
		cfg:      cfg,
		enc:      NewEncoder(cfg.Table, policy),
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		logger:   logger,
		shutdown: make(chan struct{}),
	}
	w.initMetrics(registry)
	return w, nil
}

func (w *Writer) initMetrics(registry *metric.Registry) {
	w.rowsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pointstream", Subsystem: "sink",
		Name: "rows_written_total",
		Help: "Rows accepted by the time-series store",
	})
	w.flushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pointstream", Subsystem: "sink",
		Name: "flush_total",
		Help: "Flushes by outcome",
	}, []string{"outcome"})
	w.flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pointstream", Subsystem: "sink",
		Name:    "flush_duration_seconds",
		Help:    "Time to ship one flush to the store",
		Buckets: prometheus.DefBuckets,
	})

	if registry != nil {
		_ = registry.RegisterCounter("sink", "rows_written_total", w.rowsWritten)
		_ = registry.RegisterCounterVec("sink", "flush_total", w.flushTotal)
		_ = registry.RegisterHistogram("sink", "flush_duration_seconds", w.flushDuration)
	}
}

// Encoder returns the writer's row encoder.
func (w *Writer) Encoder() *Encoder {
	return w.enc
}

// Validate reports whether the row would encode, without buffering it.
func (w *Writer) Validate(dp point.DataPoint) error {
	_, err := w.enc.AppendRow(nil, dp)
	return err
}

// Add encodes one row into the open batch, flushing first if the row
// would push the batch past MaxRows or MaxBytes. Row validation errors
// come back unchanged from the encoder.
func (w *Writer) Add(ctx context.Context, dp point.DataPoint) error {
	w.bufMu.Lock()
	defer w.bufMu.Unlock()

	row, err := w.enc.AppendRow(nil, dp)
	if err != nil {
		return err
	}

	if w.bufRows >= w.cfg.MaxRows || len(w.buf)+len(row) > w.cfg.MaxBytes {
		if err := w.flushLocked(ctx); err != nil {
			return err
		}
	}

	w.buf = append(w.buf, row...)
	w.bufRows++
	return nil
}

// Flush ships the open batch. A no-op when the batch is empty.
func (w *Writer) Flush(ctx context.Context) error {
	w.bufMu.Lock()
	defer w.bufMu.Unlock()
	return w.flushLocked(ctx)
}

// Discard drops the open batch without shipping it, used when the rows'
// source batch is being abandoned for redelivery.
func (w *Writer) Discard() {
	w.bufMu.Lock()
	w.buf = w.buf[:0]
	w.bufRows = 0
	w.bufMu.Unlock()
}

// Pending returns the number of rows in the open batch.
func (w *Writer) Pending() int {
	w.bufMu.Lock()
	defer w.bufMu.Unlock()
	return w.bufRows
}

func (w *Writer) flushLocked(ctx context.Context) error {
	if w.bufRows == 0 {
		return nil
	}

	start := time.Now()
	err := w.post(ctx, w.buf)
	w.flushDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		w.flushTotal.WithLabelValues("failure").Inc()
		return err
	}

	w.flushTotal.WithLabelValues("success").Inc()
	w.rowsWritten.Add(float64(w.bufRows))
	w.logger.Debug("flushed rows to sink", "rows", w.bufRows, "bytes", len(w.buf))
	w.buf = w.buf[:0]
	w.bufRows = 0
	return nil
}

// post ships one payload. Transport failures and 5xx responses are
// transient; 4xx responses mean the store rejected the payload and a
// retry cannot help.
func (w *Writer) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return errors.WrapFatal(err, "Writer", "post", "build request")
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.WrapTransient(errors.ErrStorageUnavailable, "Writer", "post",
			fmt.Sprintf("send request: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	detail := fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	if resp.StatusCode >= 500 {
		return errors.WrapTransient(errors.ErrStorageUnavailable, "Writer", "post", detail)
	}
	return errors.WrapInvalid(errors.ErrSinkRejected, "Writer", "post", detail)
}

// Start begins the background flush timer
func (w *Writer) Start(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Writer", "Start", "check running state")
	}
	w.running = true

	w.wg.Add(1)
	go w.flushLoop(ctx)
	return nil
}

// Stop flushes the open batch and stops the timer
func (w *Writer) Stop(timeout time.Duration) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	close(w.shutdown)

	waitCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Writer", "Stop", "wait for flush loop")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return w.Flush(ctx)
}

func (w *Writer) flushLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil {
				w.logger.Warn("background flush failed, rows retained", "error", err)
			}
		}
	}
}
