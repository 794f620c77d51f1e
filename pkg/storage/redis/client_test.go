package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinicguard/pkg/storage"
)

func TestOptions(t *testing.T) {
	cfg := storage.DefaultConfig()
	cfg.RedisURL = "redis://:urlpass@cache:6380/1"
	cfg.RedisPassword = "override"
	cfg.RedisDB = 3
	cfg.RedisPoolSize = 42

	opts, err := Options(cfg)
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "override", opts.Password)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, 42, opts.PoolSize)
	assert.Equal(t, cfg.RedisMaxRetries, opts.MaxRetries)
}

func TestOptions_InvalidURL(t *testing.T) {
	cfg := storage.DefaultConfig()
	cfg.RedisURL = "http://not-redis"

	_, err := Options(cfg)
	assert.ErrorContains(t, err, "invalid redis URL")
}

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := storage.DefaultConfig()
	cfg.RedisURL = "redis://" + mr.Addr()

	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewClient_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	cfg := storage.DefaultConfig()
	cfg.RedisURL = "redis://" + addr
	cfg.RedisMaxRetries = 0

	_, err = NewClient(context.Background(), cfg)
	assert.ErrorContains(t, err, "failed to connect to redis")
}
