// Package resolver provides the point resolution cache: an in-memory,
// multi-keyed index over the point directory. Lookups are lock-free reads
// of an immutable snapshot; the snapshot is rebuilt on a timer and swapped
// atomically. Unknown names are registered synchronously so that every
// message for a newly-seen point resolves to the same sequence id without
// waiting for the next refresh.
package resolver

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pointstream/directory"
	"github.com/c360/pointstream/errors"
	"github.com/c360/pointstream/metric"
	"github.com/c360/pointstream/point"
)

// DefaultRefreshInterval is how often the full point set is reloaded from
// the directory.
const DefaultRefreshInterval = 5 * time.Minute

// Config holds configuration for the resolution cache
type Config struct {
	RefreshInterval time.Duration `json:"refresh_interval"`

	// DefaultValueType and DefaultUnit are applied to auto-registered
	// points, which arrive with no engineering metadata.
	DefaultValueType string `json:"default_value_type"`
	DefaultUnit      string `json:"default_unit"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.RefreshInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"refresh_interval cannot be negative")
	}
	return nil
}

// Cache is the resolution cache component.
type Cache struct {
	dir    directory.Directory
	logger *slog.Logger

	refreshInterval time.Duration
	valueType       string
	unit            string

	// snap holds the published snapshot. Readers load it without
	// locking; writeMu serializes the two writers (refresh timer and
	// ResolveOrRegister).
	snap    atomic.Pointer[snapshot]
	writeMu sync.Mutex

	// Lifecycle
	lifecycleMu sync.Mutex
	running     bool
	shutdown    chan struct{}
	wg          sync.WaitGroup

	// Metrics
	snapshotSize    prometheus.Gauge
	refreshTotal    *prometheus.CounterVec
	registrations   prometheus.Counter
	lookupsTotal    *prometheus.CounterVec
	metricsRegistry *metric.Registry
}

// New creates a resolution cache over the given directory.
func New(dir directory.Directory, cfg Config, logger *slog.Logger, registry *metric.Registry) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	refreshInterval := cfg.RefreshInterval
	if refreshInterval == 0 {
		refreshInterval = DefaultRefreshInterval
	}
	valueType := cfg.DefaultValueType
	if valueType == "" {
		valueType = "float64"
	}

	c := &Cache{
		dir:             dir,
		logger:          logger,
		refreshInterval: refreshInterval,
		valueType:       valueType,
		unit:            cfg.DefaultUnit,
		shutdown:        make(chan struct{}),
		metricsRegistry: registry,
	}
	c.snap.Store(buildSnapshot(nil))
	c.initMetrics()
	return c, nil
}

func (c *Cache) initMetrics() {
	c.snapshotSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pointstream", Subsystem: "resolver",
		Name: "snapshot_points",
		Help: "Number of points in the published snapshot",
	})
	c.refreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pointstream", Subsystem: "resolver",
		Name: "refresh_total",
		Help: "Snapshot refreshes by outcome",
	}, []string{"outcome"})
	c.registrations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pointstream", Subsystem: "resolver",
		Name: "registrations_total",
		Help: "Points auto-registered on first sight",
	})
	c.lookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pointstream", Subsystem: "resolver",
		Name: "lookups_total",
		Help: "Snapshot lookups by outcome",
	}, []string{"outcome"})

	if c.metricsRegistry != nil {
		// Registration failures mean a duplicate component instance;
		// surfaced at wiring time, not here
		_ = c.metricsRegistry.RegisterGauge("resolver", "snapshot_points", c.snapshotSize)
		_ = c.metricsRegistry.RegisterCounterVec("resolver", "refresh_total", c.refreshTotal)
		_ = c.metricsRegistry.RegisterCounter("resolver", "registrations_total", c.registrations)
		_ = c.metricsRegistry.RegisterCounterVec("resolver", "lookups_total", c.lookupsTotal)
	}
}

// Initialize loads the first snapshot from the directory. Called before
// Start so the hot path never begins against an empty cache.
func (c *Cache) Initialize(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return errors.Wrap(err, "Cache", "Initialize", "load initial snapshot")
	}
	return nil
}

// Start begins the background refresh timer
func (c *Cache) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Cache", "Start", "check running state")
	}
	c.running = true

	c.wg.Add(1)
	go c.refreshLoop(ctx)
	return nil
}

// Stop stops the refresh timer
func (c *Cache) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false
	close(c.shutdown)

	waitCh := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Cache", "Stop", "wait for refresh loop")
	}
}

func (c *Cache) refreshLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				// Stale snapshot stays in use; never blank the cache
				c.logger.Error("snapshot refresh failed, serving stale snapshot",
					"error", err,
					"snapshot_points", c.snap.Load().size())
			}
		}
	}
}

// Refresh reloads the full point set into a new snapshot and publishes it
// atomically. On failure the current snapshot remains in use. The writer
// lock is held across the list so a registration landing mid-refresh
// cannot vanish from the published snapshot; lookups stay lock-free.
func (c *Cache) Refresh(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	points, err := c.dir.ListAll(ctx)
	if err != nil {
		c.refreshTotal.WithLabelValues("failure").Inc()
		return errors.WrapTransient(err, "Cache", "Refresh", "list points")
	}

	next := buildSnapshot(points)
	c.snap.Store(next)

	c.refreshTotal.WithLabelValues("success").Inc()
	c.snapshotSize.Set(float64(next.size()))
	c.logger.Debug("snapshot refreshed", "points", next.size())
	return nil
}

// LookupBySequence returns the point with the given sequence id.
func (c *Cache) LookupBySequence(id int64) (point.Point, bool) {
	p, ok := c.snap.Load().bySequence[id]
	c.countLookup(ok)
	return p, ok
}

// LookupByName returns the point with the given name within a source group.
func (c *Cache) LookupByName(sourceGroup, name string) (point.Point, bool) {
	p, ok := c.snap.Load().byName[nameKey(sourceGroup, name)]
	c.countLookup(ok)
	return p, ok
}

// LookupByID returns the point with the given stable id.
func (c *Cache) LookupByID(id string) (point.Point, bool) {
	p, ok := c.snap.Load().byID[id]
	c.countLookup(ok)
	return p, ok
}

// PointsInGroup returns all points belonging to a source group. The
// returned slice is shared with the snapshot and must not be modified.
func (c *Cache) PointsInGroup(sourceGroup string) []point.Point {
	return c.snap.Load().byGroup[sourceGroup]
}

// Size returns the number of points in the published snapshot.
func (c *Cache) Size() int {
	return c.snap.Load().size()
}

func (c *Cache) countLookup(hit bool) {
	if hit {
		c.lookupsTotal.WithLabelValues("hit").Inc()
	} else {
		c.lookupsTotal.WithLabelValues("miss").Inc()
	}
}

// ResolveOrRegister returns the point for a name, creating it in the
// directory on first sight. The new point is merged into the live
// snapshot before returning, so a second message for the same name inside
// the same batch resolves to the identical sequence id. Registrations are
// serialized; concurrent readers keep reading the prior snapshot until
// the merge is published.
func (c *Cache) ResolveOrRegister(ctx context.Context, sourceGroup, name string) (point.Point, error) {
	if name == "" {
		return point.Point{}, errors.WrapInvalid(errors.ErrUnresolvedName,
			"Cache", "ResolveOrRegister", "validate name")
	}

	if p, ok := c.LookupByName(sourceGroup, name); ok && p.Sequence.Resolved() {
		return p, nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Another worker may have registered the name while we waited for
	// the write lock
	if p, ok := c.snap.Load().byName[nameKey(sourceGroup, name)]; ok && p.Sequence.Resolved() {
		return p, nil
	}

	p, err := c.dir.CreatePoint(ctx, sourceGroup, name, c.valueType, c.unit)
	if err != nil {
		return point.Point{}, errors.Wrap(err, "Cache", "ResolveOrRegister", "create point")
	}

	next := c.snap.Load().withPoint(p)
	c.snap.Store(next)
	c.snapshotSize.Set(float64(next.size()))
	c.registrations.Inc()

	c.logger.Info("registered new point",
		"name", name,
		"source_group", sourceGroup,
		"sequence", p.Sequence.String())
	return p, nil
}
