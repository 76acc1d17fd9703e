package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pointstream/errors"
	"github.com/c360/pointstream/metric"
	"github.com/c360/pointstream/natsclient"
)

// ClaimsBucket is the KV bucket holding partition ownership claims.
const ClaimsBucket = "POINTSTREAM_CLAIMS"

// Claim timing defaults. A claim not renewed within the bucket TTL
// expires and another instance may take the partition.
const (
	DefaultClaimTTL      = 30 * time.Second
	DefaultRenewInterval = 10 * time.Second
)

// ClaimsBucketConfig returns the claims bucket definition.
func ClaimsBucketConfig(ttl time.Duration) jetstream.KeyValueConfig {
	if ttl == 0 {
		ttl = DefaultClaimTTL
	}
	return jetstream.KeyValueConfig{
		Bucket:      ClaimsBucket,
		Description: "Partition ownership claims",
		TTL:         ttl,
		History:     1,
	}
}

// ClaimKV is the KV surface the claim protocol needs. Satisfied by
// *natsclient.KVStore.
type ClaimKV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string) error
}

// GroupConfig configures partition claiming.
type GroupConfig struct {
	// InstanceID identifies this process in claim records. Must be
	// unique across running instances.
	InstanceID string `json:"instance_id"`

	Partitions    int           `json:"partitions"`
	RenewInterval time.Duration `json:"renew_interval"`
}

// Validate checks the configuration for errors
func (c *GroupConfig) Validate() error {
	if c.InstanceID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "GroupConfig", "Validate", "instance_id is required")
	}
	if c.Partitions < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "GroupConfig", "Validate", "partitions cannot be negative")
	}
	if c.RenewInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "GroupConfig", "Validate", "renew_interval cannot be negative")
	}
	return nil
}

// Group claims partitions for this instance and keeps the claims
// renewed. Ownership is advisory between instances: the claim record is
// CAS-updated each renewal, and a claim that cannot be renewed is
// reported on the revocation channel so the owner stops fetching and
// never commits for a partition it lost.
type Group struct {
	cfg    GroupConfig
	kv     ClaimKV
	logger *slog.Logger

	mu      sync.Mutex
	owned   map[int]uint64 // partition -> claim revision
	revoked chan int

	lifecycleMu sync.Mutex
	running     bool
	shutdown    chan struct{}
	wg          sync.WaitGroup

	ownedGauge  prometheus.Gauge
	claimEvents *prometheus.CounterVec
}

// NewGroup creates a partition claim group.
func NewGroup(cfg GroupConfig, kv ClaimKV, logger *slog.Logger, registry *metric.Registry) (*Group, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Partitions == 0 {
		cfg.Partitions = DefaultPartitions
	}
	if cfg.RenewInterval == 0 {
		cfg.RenewInterval = DefaultRenewInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Group{
		cfg:      cfg,
		kv:       kv,
		logger:   logger.With("instance_id", cfg.InstanceID),
		owned:    make(map[int]uint64),
		revoked:  make(chan int, cfg.Partitions),
		shutdown: make(chan struct{}),
	}
	g.initMetrics(registry)
	return g, nil
}

func (g *Group) initMetrics(registry *metric.Registry) {
	g.ownedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pointstream", Subsystem: "consumer",
		Name: "partitions_owned",
		Help: "Partitions currently claimed by this instance",
	})
	g.claimEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pointstream", Subsystem: "consumer",
		Name: "claim_events_total",
		Help: "Partition claim lifecycle events",
	}, []string{"event"})
	if registry != nil {
		_ = registry.RegisterGauge("consumer", "partitions_owned", g.ownedGauge)
		_ = registry.RegisterCounterVec("consumer", "claim_events_total", g.claimEvents)
	}
}

func claimKey(partition int) string {
	return fmt.Sprintf("partition.%d", partition)
}

// Owned returns the currently claimed partitions in ascending order.
func (g *Group) Owned() []int {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]int, 0, len(g.owned))
	for p := range g.owned {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Owns reports whether this instance currently holds the partition.
func (g *Group) Owns(partition int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.owned[partition]
	return ok
}

// Revoked returns the channel carrying partitions whose claims were
// lost. The holder must stop fetching them immediately.
func (g *Group) Revoked() <-chan int {
	return g.revoked
}

// Claim attempts to take every unclaimed partition. Contended partitions
// stay with their current owner; expired claims are re-creatable once
// the bucket TTL drops them.
func (g *Group) Claim(ctx context.Context) error {
	for p := range g.cfg.Partitions {
		if g.Owns(p) {
			continue
		}

		rev, err := g.kv.Create(ctx, claimKey(p), []byte(g.cfg.InstanceID))
		if err != nil {
			if natsclient.IsKVConflictError(err) {
				continue // another instance holds it
			}
			return errors.WrapTransient(err, "Group", "Claim", "create claim")
		}

		g.mu.Lock()
		g.owned[p] = rev
		g.ownedGauge.Set(float64(len(g.owned)))
		g.mu.Unlock()

		g.claimEvents.WithLabelValues("claimed").Inc()
		g.logger.Info("claimed partition", "partition", p)
	}
	return nil
}

// Renew CAS-updates every owned claim. A claim that cannot be renewed is
// dropped and reported on the revocation channel.
func (g *Group) Renew(ctx context.Context) {
	for _, p := range g.Owned() {
		g.mu.Lock()
		rev, ok := g.owned[p]
		g.mu.Unlock()
		if !ok {
			continue
		}

		newRev, err := g.kv.Update(ctx, claimKey(p), []byte(g.cfg.InstanceID), rev)
		if err != nil {
			g.drop(p, err)
			continue
		}

		g.mu.Lock()
		g.owned[p] = newRev
		g.mu.Unlock()
	}
}

func (g *Group) drop(partition int, cause error) {
	g.mu.Lock()
	_, held := g.owned[partition]
	delete(g.owned, partition)
	g.ownedGauge.Set(float64(len(g.owned)))
	g.mu.Unlock()

	if !held {
		return
	}
	g.claimEvents.WithLabelValues("revoked").Inc()
	g.logger.Warn("partition claim lost", "partition", partition, "error", cause)

	select {
	case g.revoked <- partition:
	default:
		// Channel full means the owner is not draining revocations;
		// Owns() still reports the loss
	}
}

// Release gives up a claim voluntarily, deleting the record so another
// instance can take the partition without waiting for the TTL.
func (g *Group) Release(ctx context.Context, partition int) error {
	g.mu.Lock()
	_, held := g.owned[partition]
	delete(g.owned, partition)
	g.ownedGauge.Set(float64(len(g.owned)))
	g.mu.Unlock()

	if !held {
		return errors.WrapInvalid(errors.ErrPartitionNotOwned, "Group", "Release", "release claim")
	}

	g.claimEvents.WithLabelValues("released").Inc()
	if err := g.kv.Delete(ctx, claimKey(partition)); err != nil {
		return errors.WrapTransient(err, "Group", "Release", "delete claim")
	}
	return nil
}

// ReleaseAll gives up every claim, used at shutdown.
func (g *Group) ReleaseAll(ctx context.Context) {
	for _, p := range g.Owned() {
		if err := g.Release(ctx, p); err != nil {
			g.logger.Warn("failed to release partition claim", "partition", p, "error", err)
		}
	}
}

// Start begins the claim/renew loop
func (g *Group) Start(ctx context.Context) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if g.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Group", "Start", "check running state")
	}
	g.running = true

	g.wg.Add(1)
	go g.claimLoop(ctx)
	return nil
}

// Stop stops the claim loop and releases all claims
func (g *Group) Stop(timeout time.Duration) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if !g.running {
		return nil
	}
	g.running = false
	close(g.shutdown)

	waitCh := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Group", "Stop", "wait for claim loop")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	g.ReleaseAll(ctx)
	return nil
}

func (g *Group) claimLoop(ctx context.Context) {
	defer g.wg.Done()

	if err := g.Claim(ctx); err != nil {
		g.logger.Warn("initial partition claim failed", "error", err)
	}

	ticker := time.NewTicker(g.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Renew(ctx)
			if err := g.Claim(ctx); err != nil {
				g.logger.Warn("partition claim failed", "error", err)
			}
		}
	}
}
