package memcache

import (
	"context"
	stderrors "errors"
	"sync/atomic"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/rs/zerolog"

	"github.com/memcachefs/memcachefs/pkg/errors"
)

// Client is one memcached session: a gomemcache client restricted to a single
// idle connection, so a pool handle owns exactly one backing connection.
type Client struct {
	mc     *memcache.Client
	addr   string
	logger zerolog.Logger
	closed atomic.Bool
}

// Dial creates a client and verifies the server answers before returning it.
func Dial(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Client, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	cfg = cfg.withDefaults()

	if err := ctx.Err(); err != nil {
		return nil, errors.NewError(errors.ErrCodeConnectionFailed, "dial cancelled").
			WithComponent("memcache").WithOperation("dial").WithCause(err)
	}

	mc := memcache.New(cfg.Addr())
	mc.MaxIdleConns = 1
	if cfg.IOTimeout > 0 {
		mc.Timeout = cfg.IOTimeout
	}

	if err := mc.Ping(); err != nil {
		return nil, errors.NewError(errors.ErrCodeConnectionFailed, "memcached did not answer").
			WithComponent("memcache").
			WithOperation("dial").
			WithDetail("addr", cfg.Addr()).
			WithCause(err)
	}

	return &Client{
		mc:     mc,
		addr:   cfg.Addr(),
		logger: logger.With().Str("component", "memcache").Logger(),
	}, nil
}

// Addr returns the server address this client talks to.
func (c *Client) Addr() string {
	return c.addr
}

// Get fetches the value stored under key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	if err := c.check(ctx, "get", key); err != nil {
		return nil, err
	}

	item, err := c.mc.Get(key)
	if err != nil {
		return nil, c.translate("get", key, err)
	}
	return item.Value, nil
}

// Set stores value under key with no flags and no expiry.
func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	if err := c.check(ctx, "set", key); err != nil {
		return err
	}

	err := c.mc.Set(&memcache.Item{Key: key, Value: value, Flags: 0, Expiration: 0})
	if err != nil {
		return c.translate("set", key, err)
	}
	return nil
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.check(ctx, "delete", key); err != nil {
		return err
	}

	if err := c.mc.Delete(key); err != nil {
		return c.translate("delete", key, err)
	}
	return nil
}

// Ping checks the server is reachable over this client's connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.check(ctx, "ping", ""); err != nil {
		return err
	}
	if err := c.mc.Ping(); err != nil {
		return c.translate("ping", "", err)
	}
	return nil
}

// Close marks the client unusable. Later calls fail with an I/O error; the
// idle connection is dropped with the client.
func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Client) check(ctx context.Context, op, key string) error {
	if c.closed.Load() {
		return errors.NewError(errors.ErrCodeIO, "client is closed").
			WithComponent("memcache").WithOperation(op).WithKey(key)
	}
	if err := ctx.Err(); err != nil {
		return errors.NewError(errors.ErrCodeIO, "request cancelled").
			WithComponent("memcache").WithOperation(op).WithKey(key).WithCause(err)
	}
	return nil
}

// translate maps gomemcache errors onto the error taxonomy: a cache miss is
// NotFound, everything else (malformed key, server error, network) is I/O.
func (c *Client) translate(op, key string, err error) error {
	if stderrors.Is(err, memcache.ErrCacheMiss) {
		return errors.NewError(errors.ErrCodeKeyNotFound, "key not found").
			WithComponent("memcache").WithOperation(op).WithKey(key)
	}

	c.logger.Error().Err(err).Str("op", op).Str("key", key).Msg("memcached request failed")
	return errors.NewError(errors.ErrCodeIO, "memcached request failed").
		WithComponent("memcache").
		WithOperation(op).
		WithKey(key).
		WithCause(err)
}
