//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestIntegration_ConnectAndPublish exercises the client against a real
// NATS server: connect, provision the ingest stream, publish, read back.
func TestIntegration_ConnectAndPublish(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	natsContainer, natsURL := startNATSContainer(ctx, t)
	defer natsContainer.Terminate(ctx)

	client, err := NewClient(natsURL)
	require.NoError(t, err)
	err = client.Connect(ctx)
	require.NoError(t, err)
	defer client.Close(ctx)

	assert.True(t, client.IsHealthy())
	assert.Equal(t, StatusConnected, client.Status())

	stream, err := client.CreateStream(ctx, jetstream.StreamConfig{
		Name:      "POINTS",
		Subjects:  []string{"points.data.*"},
		Retention: jetstream.LimitsPolicy,
	})
	require.NoError(t, err)

	err = client.PublishToStream(ctx, "points.data.3", []byte(`{"batch_id":"b-1"}`))
	require.NoError(t, err)

	// Creating the same stream again must be idempotent.
	_, err = client.CreateStream(ctx, jetstream.StreamConfig{
		Name:      "POINTS",
		Subjects:  []string{"points.data.*"},
		Retention: jetstream.LimitsPolicy,
	})
	require.NoError(t, err)

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "it-reader",
		FilterSubject: "points.data.3",
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	require.NoError(t, err)

	batch, err := cons.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
	require.NoError(t, err)
	for msg := range batch.Messages() {
		assert.Equal(t, "points.data.3", msg.Subject())
		assert.JSONEq(t, `{"batch_id":"b-1"}`, string(msg.Data()))
		require.NoError(t, msg.Ack())
	}
	require.NoError(t, batch.Error())
}

// TestIntegration_KVStoreConcurrency verifies create-only and CAS update
// semantics against a real KV bucket, the same operations the
// idempotency and current-value stores depend on.
func TestIntegration_KVStoreConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	natsContainer, natsURL := startNATSContainer(ctx, t)
	defer natsContainer.Terminate(ctx)

	client, err := NewClient(natsURL)
	require.NoError(t, err)
	err = client.Connect(ctx)
	require.NoError(t, err)
	defer client.Close(ctx)

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket: "POINTSTREAM_IDEMPOTENCY",
		TTL:    time.Hour,
	})
	require.NoError(t, err)
	kv := client.NewKVStore(bucket)

	rev, err := kv.Create(ctx, "p0.batch-1", []byte("1"))
	require.NoError(t, err)
	assert.Greater(t, rev, uint64(0))

	// Second create of the same key is a conflict, not an overwrite.
	_, err = kv.Create(ctx, "p0.batch-1", []byte("2"))
	assert.True(t, IsKVConflictError(err))

	entry, err := kv.Get(ctx, "p0.batch-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), entry.Value)

	// Stale revision must lose the CAS race.
	_, err = kv.Update(ctx, "p0.batch-1", []byte("3"), entry.Revision+10)
	assert.True(t, IsKVConflictError(err))

	// UpdateWithRetry re-reads and lands the write.
	err = kv.UpdateWithRetry(ctx, "p0.batch-1", func(current []byte) ([]byte, error) {
		return append(current, '!'), nil
	})
	require.NoError(t, err)

	entry, err = kv.Get(ctx, "p0.batch-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("1!"), entry.Value)

	_, err = kv.Get(ctx, "p0.missing")
	assert.True(t, IsKVNotFoundError(err))
}

// Helper to start a JetStream-enabled NATS container.
func startNATSContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "nats:2.11.7-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
		Cmd:          []string{"--js"},
	}

	natsContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := natsContainer.Host(ctx)
	require.NoError(t, err)

	port, err := natsContainer.MappedPort(ctx, "4222")
	require.NoError(t, err)

	return natsContainer, fmt.Sprintf("nats://%s:%s", host, port.Port())
}
