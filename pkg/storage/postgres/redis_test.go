package postgres

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/sessionbridge/pkg/config"
)

func TestNewRedisClient(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		client, err := NewRedisClient(context.Background(), config.RedisConfig{})
		assert.NoError(t, err)
		assert.Nil(t, client)
	})

	t.Run("connects", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := NewRedisClient(context.Background(), config.RedisConfig{URL: "redis://" + mr.Addr() + "/0", PoolSize: 4})
		require.NoError(t, err)
		defer client.Close()
		assert.Equal(t, 4, client.Options().PoolSize)
	})

	t.Run("invalid url", func(t *testing.T) {
		_, err := NewRedisClient(context.Background(), config.RedisConfig{URL: "://nope"})
		assert.Error(t, err)
	})

	t.Run("unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		_, err := NewRedisClient(context.Background(), config.RedisConfig{URL: "redis://" + addr, MaxRetries: 1})
		assert.Error(t, err)
	})
}
