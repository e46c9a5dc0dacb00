package memcache

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memcachefs/memcachefs/internal/memcachetest"
	"github.com/memcachefs/memcachefs/pkg/errors"
)

func TestClientRoundTrip(t *testing.T) {
	srv := memcachetest.New(t)
	ctx := context.Background()

	c, err := Dial(ctx, testConfig(srv), zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, srv.Addr(), c.Addr())

	require.NoError(t, c.Set(ctx, "greeting", []byte("hello")))
	v, ok := srv.Value("greeting")
	require.True(t, ok)
	assert.Equal(t, "hello", string(v))

	got, err := c.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	require.NoError(t, c.Set(ctx, "empty", nil))
	got, err = c.Get(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, c.Delete(ctx, "greeting"))
	_, ok = srv.Value("greeting")
	assert.False(t, ok)

	require.NoError(t, c.Ping(ctx))
}

func TestClientErrors(t *testing.T) {
	srv := memcachetest.New(t)
	ctx := context.Background()

	c, err := Dial(ctx, testConfig(srv), zerolog.Nop())
	require.NoError(t, err)

	t.Run("miss is not found", func(t *testing.T) {
		_, err := c.Get(ctx, "absent")
		assert.True(t, errors.HasCode(err, errors.ErrCodeKeyNotFound))

		err = c.Delete(ctx, "absent")
		assert.True(t, errors.HasCode(err, errors.ErrCodeKeyNotFound))
	})

	t.Run("malformed key is io", func(t *testing.T) {
		err := c.Set(ctx, "has space", []byte("v"))
		assert.True(t, errors.HasCode(err, errors.ErrCodeIO))
	})

	t.Run("server error is io", func(t *testing.T) {
		srv.FailWrites(true)
		defer srv.FailWrites(false)

		err := c.Set(ctx, "k", []byte("v"))
		assert.True(t, errors.HasCode(err, errors.ErrCodeIO))
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := c.Get(cctx, "k")
		assert.True(t, errors.HasCode(err, errors.ErrCodeIO))
	})

	t.Run("closed client", func(t *testing.T) {
		require.NoError(t, c.Close())
		_, err := c.Get(ctx, "k")
		assert.True(t, errors.HasCode(err, errors.ErrCodeIO))
	})
}

func TestDialFailure(t *testing.T) {
	srv := memcachetest.New(t)
	cfg := testConfig(srv)
	srv.Close()

	_, err := Dial(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConnectionFailed))
}

func TestConfigAddr(t *testing.T) {
	cfg := &Config{Host: "cache01"}
	assert.Equal(t, "cache01:11211", cfg.Addr())

	cfg.Port = 11311
	assert.Equal(t, "cache01:11311", cfg.Addr())

	cfg = &Config{Host: "::1", Port: 11211}
	assert.Equal(t, "[::1]:11211", cfg.Addr())
}
