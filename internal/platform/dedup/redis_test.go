package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/civicworks/engage/internal/platform/config"
)

func setupRedis(t *testing.T) config.RedisConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	return config.RedisConfig{Addr: endpoint}
}

func TestRedisStore_MarkThenSeen(t *testing.T) {
	s, err := NewRedisStore(setupRedis(t))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	seen, err := s.IsProcessed(ctx, "delivery-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.MarkProcessed(ctx, "delivery-1", time.Minute))

	seen, err = s.IsProcessed(ctx, "delivery-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestRedisStore_Expiry(t *testing.T) {
	s, err := NewRedisStore(setupRedis(t))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.MarkProcessed(ctx, "delivery-2", time.Second))

	assert.Eventually(t, func() bool {
		seen, err := s.IsProcessed(ctx, "delivery-2")
		return err == nil && !seen
	}, 5*time.Second, 100*time.Millisecond)
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	_, err := NewRedisStore(config.RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
