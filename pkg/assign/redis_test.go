package assign

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyexp/pkg/experiment"
)

// Set TINYEXP_TEST_REDIS_ADDR to run against a real server.
func TestRedisCache(t *testing.T) {
	addr := os.Getenv("TINYEXP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TINYEXP_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	prefix := "tinyexp:test:" + time.Now().Format("150405.000000") + ":"
	cache, err := NewRedisCache(ctx, RedisConfig{Addr: addr, Prefix: prefix, TTL: time.Minute})
	require.NoError(t, err)
	defer cache.Close()

	_, ok, err := cache.Get(ctx, "exp", "user")
	require.NoError(t, err)
	assert.False(t, ok)

	first := experiment.Assignment{ExperimentID: "exp", SubjectID: "user", Group: experiment.GroupVariant, AssignedAt: time.Now().UTC()}
	require.NoError(t, cache.SetIfAbsent(ctx, first))

	second := first
	second.Group = experiment.GroupControl
	require.NoError(t, cache.SetIfAbsent(ctx, second))

	got, ok, err := cache.Get(ctx, "exp", "user")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, experiment.GroupVariant, got.Group)
}
