package resolver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pointstream/directory"
	"github.com/c360/pointstream/errors"
	"github.com/c360/pointstream/point"
)

func newTestCache(t *testing.T, dir *directory.Memory) *Cache {
	t.Helper()
	c, err := New(dir, Config{}, nil, nil)
	require.NoError(t, err)
	return c
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{RefreshInterval: -time.Second}
	assert.Error(t, cfg.Validate())

	cfg = Config{RefreshInterval: time.Minute}
	assert.NoError(t, cfg.Validate())
}

func TestInitializeLoadsSnapshot(t *testing.T) {
	dir := directory.NewMemory()
	dir.Seed(point.Point{
		ID:          "p1",
		Sequence:    point.ResolvedSequence(100),
		Name:        "B1/PUMP_1/FLOW",
		SourceGroup: "plant-b",
	})

	c := newTestCache(t, dir)
	require.NoError(t, c.Initialize(context.Background()))

	assert.Equal(t, 1, c.Size())

	p, ok := c.LookupByName("plant-b", "B1/PUMP_1/FLOW")
	require.True(t, ok)
	seq, resolved := p.Sequence.Value()
	assert.True(t, resolved)
	assert.Equal(t, int64(100), seq)

	p, ok = c.LookupBySequence(100)
	require.True(t, ok)
	assert.Equal(t, "B1/PUMP_1/FLOW", p.Name)

	p, ok = c.LookupByID("p1")
	require.True(t, ok)
	assert.Equal(t, "B1/PUMP_1/FLOW", p.Name)
}

func TestLookupMiss(t *testing.T) {
	c := newTestCache(t, directory.NewMemory())

	_, ok := c.LookupByName("plant-b", "NOPE")
	assert.False(t, ok)
	_, ok = c.LookupBySequence(42)
	assert.False(t, ok)
	_, ok = c.LookupByID("nope")
	assert.False(t, ok)
	assert.Empty(t, c.PointsInGroup("plant-b"))
}

func TestResolveOrRegisterAssignsOnce(t *testing.T) {
	dir := directory.NewMemory()
	c := newTestCache(t, dir)
	ctx := context.Background()

	// Two messages for the same unseen name inside one batch must
	// resolve to the identical sequence id with a single registration.
	p1, err := c.ResolveOrRegister(ctx, "plant-b", "B1/PUMP_1/FLOW")
	require.NoError(t, err)
	p2, err := c.ResolveOrRegister(ctx, "plant-b", "B1/PUMP_1/FLOW")
	require.NoError(t, err)

	assert.Equal(t, p1.Sequence, p2.Sequence)
	assert.Equal(t, p1.ID, p2.ID)
	assert.Equal(t, 1, dir.CreateCalls)

	// Registration is visible to lookups before the next refresh
	got, ok := c.LookupByName("plant-b", "B1/PUMP_1/FLOW")
	require.True(t, ok)
	assert.Equal(t, p1.ID, got.ID)
}

func TestResolveOrRegisterEmptyName(t *testing.T) {
	c := newTestCache(t, directory.NewMemory())

	_, err := c.ResolveOrRegister(context.Background(), "plant-b", "")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestResolveOrRegisterSameNameDifferentGroup(t *testing.T) {
	dir := directory.NewMemory()
	c := newTestCache(t, dir)
	ctx := context.Background()

	p1, err := c.ResolveOrRegister(ctx, "plant-a", "PUMP_1/FLOW")
	require.NoError(t, err)
	p2, err := c.ResolveOrRegister(ctx, "plant-b", "PUMP_1/FLOW")
	require.NoError(t, err)

	assert.NotEqual(t, p1.ID, p2.ID)
	assert.NotEqual(t, p1.Sequence, p2.Sequence)
	assert.Equal(t, 2, dir.CreateCalls)
}

func TestResolveOrRegisterConcurrent(t *testing.T) {
	dir := directory.NewMemory()
	c := newTestCache(t, dir)
	ctx := context.Background()

	const workers = 16
	results := make([]point.Point, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := range workers {
		go func() {
			defer wg.Done()
			p, err := c.ResolveOrRegister(ctx, "plant-b", "B1/PUMP_1/TEMP")
			assert.NoError(t, err)
			results[i] = p
		}()
	}
	wg.Wait()

	for _, p := range results[1:] {
		assert.Equal(t, results[0].Sequence, p.Sequence)
	}
	assert.Equal(t, 1, dir.CreateCalls)
}

// gatedDirectory blocks one ListAll call mid-flight so tests can
// interleave a registration with a refresh.
type gatedDirectory struct {
	*directory.Memory
	armed   bool
	mu      sync.Mutex
	entered chan struct{}
	release chan struct{}
}

func (g *gatedDirectory) ListAll(ctx context.Context) ([]point.Point, error) {
	g.mu.Lock()
	armed := g.armed
	g.armed = false
	g.mu.Unlock()
	if armed {
		close(g.entered)
		<-g.release
	}
	return g.Memory.ListAll(ctx)
}

func TestRefreshDoesNotDropConcurrentRegistration(t *testing.T) {
	gate := &gatedDirectory{
		Memory:  directory.NewMemory(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c, err := New(gate, Config{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Initialize(context.Background()))

	gate.mu.Lock()
	gate.armed = true
	gate.mu.Unlock()

	refreshDone := make(chan error, 1)
	go func() { refreshDone <- c.Refresh(context.Background()) }()
	<-gate.entered

	// Registration arriving while the refresh lists the directory must
	// not vanish from the snapshot the refresh publishes.
	registered := make(chan point.Point, 1)
	go func() {
		p, regErr := c.ResolveOrRegister(context.Background(), "plant-b", "B1/PUMP_1/LEVEL")
		assert.NoError(t, regErr)
		registered <- p
	}()

	time.Sleep(20 * time.Millisecond)
	close(gate.release)

	require.NoError(t, <-refreshDone)
	p := <-registered

	got, ok := c.LookupByName("plant-b", "B1/PUMP_1/LEVEL")
	require.True(t, ok)
	assert.Equal(t, p.Sequence, got.Sequence)
	assert.Equal(t, 1, gate.CreateCalls)
}

func TestRefreshFailureKeepsStaleSnapshot(t *testing.T) {
	dir := directory.NewMemory()
	dir.Seed(point.Point{
		ID:          "p1",
		Sequence:    point.ResolvedSequence(100),
		Name:        "B1/PUMP_1/FLOW",
		SourceGroup: "plant-b",
	})

	c := newTestCache(t, dir)
	require.NoError(t, c.Initialize(context.Background()))
	require.Equal(t, 1, c.Size())

	dir.FailList = true
	err := c.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	// Prior snapshot still serves lookups
	assert.Equal(t, 1, c.Size())
	_, ok := c.LookupBySequence(100)
	assert.True(t, ok)
}

func TestRefreshPicksUpDirectoryChanges(t *testing.T) {
	dir := directory.NewMemory()
	c := newTestCache(t, dir)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	assert.Equal(t, 0, c.Size())

	_, err := dir.CreatePoint(ctx, "plant-b", "B1/PUMP_1/FLOW", "float64", "")
	require.NoError(t, err)

	require.NoError(t, c.Refresh(ctx))
	assert.Equal(t, 1, c.Size())
}

func TestReadersDuringRefresh(t *testing.T) {
	dir := directory.NewMemory()
	ctx := context.Background()
	for _, name := range []string{"A", "B", "C"} {
		_, err := dir.CreatePoint(ctx, "g", name, "float64", "")
		require.NoError(t, err)
	}

	c := newTestCache(t, dir)
	require.NoError(t, c.Initialize(ctx))

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(4)
	for range 4 {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					p, ok := c.LookupByName("g", "B")
					if assert.True(t, ok) {
						assert.Equal(t, "B", p.Name)
					}
				}
			}
		}()
	}

	for range 50 {
		require.NoError(t, c.Refresh(ctx))
	}
	close(done)
	wg.Wait()
}

func TestStartStop(t *testing.T) {
	dir := directory.NewMemory()
	c, err := New(dir, Config{RefreshInterval: 10 * time.Millisecond}, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	require.NoError(t, c.Start(ctx))

	// Background refresh picks up a point created behind the cache
	_, err = dir.CreatePoint(ctx, "g", "LATE", "float64", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := c.LookupByName("g", "LATE")
		return ok
	}, time.Second, 5*time.Millisecond)

	assert.Error(t, c.Start(ctx))
	require.NoError(t, c.Stop(time.Second))
	require.NoError(t, c.Stop(time.Second))
}
