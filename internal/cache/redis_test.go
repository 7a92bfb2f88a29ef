package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanielKusyDev/posthog-session-insights/config"
)

func TestDisabledCache(t *testing.T) {
	c, err := NewRedisCache(config.RedisConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.False(t, c.Enabled())

	ctx := context.Background()
	var out map[string]string
	assert.ErrorIs(t, c.Get(ctx, "k", &out), ErrCacheDisabled)
	assert.ErrorIs(t, c.Set(ctx, "k", map[string]string{"a": "b"}), ErrCacheDisabled)

	stored, err := c.SetNX(ctx, "k", map[string]string{"a": "b"})
	assert.ErrorIs(t, err, ErrCacheDisabled)
	assert.False(t, stored)

	assert.NoError(t, c.Close())
}

func TestContextKey(t *testing.T) {
	assert.Equal(t, "context:user-1", ContextKey("user-1"))
}
