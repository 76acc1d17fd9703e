package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pointstream/natsclient"
)

// claimFake is an in-process ClaimKV with CAS semantics.
type claimFake struct {
	mu      sync.Mutex
	values  map[string][]byte
	revs    map[string]uint64
	nextRev uint64
}

func newClaimFake() *claimFake {
	return &claimFake{
		values: make(map[string][]byte),
		revs:   make(map[string]uint64),
	}
}

func (f *claimFake) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	return &natsclient.KVEntry{Key: key, Value: v, Revision: f.revs[key]}, nil
}

func (f *claimFake) Create(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; ok {
		return 0, natsclient.ErrKVKeyExists
	}
	f.nextRev++
	f.values[key] = value
	f.revs[key] = f.nextRev
	return f.nextRev, nil
}

func (f *claimFake) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.revs[key]
	if !ok {
		return 0, natsclient.ErrKVKeyNotFound
	}
	if cur != revision {
		return 0, natsclient.ErrKVRevisionMismatch
	}
	f.nextRev++
	f.values[key] = value
	f.revs[key] = f.nextRev
	return f.nextRev, nil
}

func (f *claimFake) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	delete(f.revs, key)
	return nil
}

// expire drops a claim as the bucket TTL would.
func (f *claimFake) expire(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	delete(f.revs, key)
}

// steal hands a claim to another owner at a new revision.
func (f *claimFake) steal(key, owner string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRev++
	f.values[key] = []byte(owner)
	f.revs[key] = f.nextRev
}

func newTestGroup(t *testing.T, instanceID string, kv ClaimKV, partitions int) *Group {
	t.Helper()
	g, err := NewGroup(GroupConfig{
		InstanceID: instanceID,
		Partitions: partitions,
	}, kv, nil, nil)
	require.NoError(t, err)
	return g
}

func TestGroupConfigValidate(t *testing.T) {
	cfg := GroupConfig{}
	assert.Error(t, cfg.Validate())

	cfg = GroupConfig{InstanceID: "a", Partitions: -1}
	assert.Error(t, cfg.Validate())

	cfg = GroupConfig{InstanceID: "a", Partitions: 4}
	assert.NoError(t, cfg.Validate())
}

func TestGroupClaimsAllFreePartitions(t *testing.T) {
	g := newTestGroup(t, "instance-a", newClaimFake(), 4)

	require.NoError(t, g.Claim(context.Background()))
	assert.Equal(t, []int{0, 1, 2, 3}, g.Owned())
	assert.True(t, g.Owns(2))
	assert.False(t, g.Owns(4))
}

func TestGroupClaimContention(t *testing.T) {
	kv := newClaimFake()
	a := newTestGroup(t, "instance-a", kv, 4)
	b := newTestGroup(t, "instance-b", kv, 4)
	ctx := context.Background()

	require.NoError(t, a.Claim(ctx))
	require.NoError(t, b.Claim(ctx))

	// Every partition has exactly one owner
	assert.Len(t, a.Owned(), 4)
	assert.Empty(t, b.Owned())
}

func TestGroupRenewKeepsClaims(t *testing.T) {
	kv := newClaimFake()
	g := newTestGroup(t, "instance-a", kv, 2)
	ctx := context.Background()

	require.NoError(t, g.Claim(ctx))
	g.Renew(ctx)
	g.Renew(ctx)
	assert.Equal(t, []int{0, 1}, g.Owned())
}

func TestGroupRevocationOnLostClaim(t *testing.T) {
	kv := newClaimFake()
	g := newTestGroup(t, "instance-a", kv, 2)
	ctx := context.Background()

	require.NoError(t, g.Claim(ctx))

	// Partition 1's claim expires and another instance takes it
	kv.steal(claimKey(1), "instance-b")
	g.Renew(ctx)

	assert.Equal(t, []int{0}, g.Owned())
	assert.False(t, g.Owns(1))

	select {
	case p := <-g.Revoked():
		assert.Equal(t, 1, p)
	default:
		t.Fatal("expected revocation notification")
	}
}

func TestGroupReclaimsExpiredPartition(t *testing.T) {
	kv := newClaimFake()
	g := newTestGroup(t, "instance-a", kv, 1)
	ctx := context.Background()

	require.NoError(t, g.Claim(ctx))
	kv.expire(claimKey(0))
	g.Renew(ctx)
	assert.Empty(t, g.Owned())

	require.NoError(t, g.Claim(ctx))
	assert.Equal(t, []int{0}, g.Owned())
}

func TestGroupRelease(t *testing.T) {
	kv := newClaimFake()
	a := newTestGroup(t, "instance-a", kv, 1)
	b := newTestGroup(t, "instance-b", kv, 1)
	ctx := context.Background()

	require.NoError(t, a.Claim(ctx))
	require.NoError(t, a.Release(ctx, 0))
	assert.Empty(t, a.Owned())

	// Released claim is immediately available
	require.NoError(t, b.Claim(ctx))
	assert.Equal(t, []int{0}, b.Owned())

	assert.Error(t, a.Release(ctx, 0))
}

func TestGroupStartStop(t *testing.T) {
	kv := newClaimFake()
	g, err := NewGroup(GroupConfig{
		InstanceID:    "instance-a",
		Partitions:    2,
		RenewInterval: 10 * time.Millisecond,
	}, kv, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, g.Start(ctx))

	require.Eventually(t, func() bool {
		return len(g.Owned()) == 2
	}, time.Second, 5*time.Millisecond)

	assert.Error(t, g.Start(ctx))
	require.NoError(t, g.Stop(time.Second))

	// Claims are released at shutdown
	_, err = kv.Get(ctx, claimKey(0))
	assert.Error(t, err)
}
