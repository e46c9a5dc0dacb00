package adapter

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/memcachefs/memcachefs/internal/config"
	"github.com/memcachefs/memcachefs/internal/filesystem"
	"github.com/memcachefs/memcachefs/internal/fuse"
	"github.com/memcachefs/memcachefs/internal/metrics"
	"github.com/memcachefs/memcachefs/internal/pool"
	"github.com/memcachefs/memcachefs/internal/storage/memcache"
	"github.com/memcachefs/memcachefs/pkg/errors"
	"github.com/memcachefs/memcachefs/pkg/retry"
	"github.com/memcachefs/memcachefs/pkg/utils"
)

// MountFunc builds the kernel-facing mount for a backend.
type MountFunc func(backend filesystem.FilesystemInterface, cfg *fuse.MountConfig, logger zerolog.Logger) fuse.PlatformFileSystem

// Adapter owns every memcachefs component and wires them together.
type Adapter struct {
	mountPoint string
	config     *config.Configuration
	logger     zerolog.Logger
	mountFunc  MountFunc

	mu      sync.Mutex
	started bool
	metrics *metrics.Collector
	pool    *pool.Pool
	backend *filesystem.MemcacheFilesystem
	mount   fuse.PlatformFileSystem
}

// New creates a new memcachefs adapter instance. server is "host" or
// "host:port"; it overrides the configured server.
func New(ctx context.Context, server, mountPoint string, cfg *config.Configuration, logger zerolog.Logger) (*Adapter, error) {
	if server != "" {
		host, port, err := ParseServerAddr(server, cfg.Server.Port)
		if err != nil {
			return nil, fmt.Errorf("invalid server address: %w", err)
		}
		cfg.Server.Host, cfg.Server.Port = host, port
	}

	if mountPoint == "" {
		return nil, fmt.Errorf("mount point cannot be empty")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Adapter{
		mountPoint: mountPoint,
		config:     cfg,
		logger:     logger,
		mountFunc:  fuse.CreatePlatformMountManager,
	}, nil
}

// ParseServerAddr splits "host[:port]" and falls back to defaultPort when no
// port is given. IPv6 literals need brackets when a port follows.
func ParseServerAddr(addr string, defaultPort int) (string, int, error) {
	if addr == "" {
		return "", 0, fmt.Errorf("address cannot be empty")
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// No port: a bare host name or IPv6 literal.
		host = strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
		if strings.Count(addr, ":") == 1 {
			return "", 0, fmt.Errorf("invalid address %q: %w", addr, err)
		}
		return host, defaultPort, nil
	}
	if host == "" {
		return "", 0, fmt.Errorf("address %q has no host", addr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// Start initializes and starts the adapter
func (a *Adapter) Start(ctx context.Context) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "adapter already started").
			WithComponent("adapter")
	}

	storeCfg := a.storeConfig()
	a.logger.Info().
		Str("server", storeCfg.Addr()).
		Str("mountpoint", a.mountPoint).
		Int("max_handles", a.config.Pool.MaxHandles).
		Str("buffer_size", a.config.Pool.BufferSize).
		Msg("starting memcachefs")

	defer func() {
		if err != nil {
			err = multierr.Append(err, a.teardown(ctx))
		}
	}()

	// 1. Metrics collector
	a.metrics, err = metrics.NewCollector(&metrics.Config{
		Enabled:   a.config.Monitoring.Metrics.Enabled,
		Port:      a.config.Global.MetricsPort,
		Path:      a.config.Monitoring.Metrics.Path,
		Namespace: "memcachefs",
	}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}

	// 2. Session pool
	bufSize, err := a.config.BufferBytes()
	if err != nil {
		return err
	}
	storeLogger := a.logger.With().Str("component", "memcache").Logger()
	a.pool, err = pool.New(ctx, pool.Config{Size: a.config.Pool.MaxHandles, BufferSize: bufSize},
		func(ctx context.Context, index int) (pool.Session, error) {
			var c *memcache.Client
			err := a.dialRetryer(index).Do(ctx, func(ctx context.Context) (err error) {
				c, err = memcache.Dial(ctx, storeCfg, storeLogger)
				return err
			})
			if err != nil {
				return nil, err
			}
			return c, nil
		})
	if err != nil {
		return err
	}
	a.logger.Info().
		Int("handles", a.pool.Size()).
		Str("buffer", utils.FormatBytes(int64(bufSize))).
		Msg("session pool ready")

	// 3. Directory enumerator and filesystem
	enumerator := memcache.NewEnumerator(storeCfg, storeLogger)
	a.backend = filesystem.NewMemcacheFilesystem(a.pool, enumerator, a.metrics, a.logger)

	// 4. Metrics endpoint
	a.metrics.SetHealthCheck(enumerator)
	if err = a.metrics.Start(ctx); err != nil {
		return err
	}

	// 5. Mount
	a.mount = a.mountFunc(a.backend, a.mountConfig(), a.logger)
	if err = a.mount.Mount(ctx); err != nil {
		a.mount = nil
		return errors.NewError(errors.ErrCodeMountFailed, "failed to mount filesystem").
			WithComponent("adapter").
			WithDetail("mountpoint", a.mountPoint).
			WithCause(err)
	}

	a.started = true
	a.logger.Info().Msg("memcachefs started")
	return nil
}

// Wait blocks until the filesystem is unmounted.
func (a *Adapter) Wait() {
	a.mu.Lock()
	mount := a.mount
	a.mu.Unlock()
	if mount != nil {
		mount.Wait()
	}
}

// Stop unmounts the filesystem, closes every memcached session and stops the
// metrics server.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	a.logger.Info().Msg("stopping memcachefs")

	err := a.teardown(ctx)
	a.started = false
	if err != nil {
		return err
	}

	a.logger.Info().Msg("memcachefs stopped")
	return nil
}

// teardown releases whatever Start managed to build, in reverse order.
func (a *Adapter) teardown(ctx context.Context) error {
	var err error

	if a.mount != nil {
		if a.mount.IsMounted() {
			if uerr := a.mount.Unmount(); uerr != nil {
				err = multierr.Append(err, errors.NewError(errors.ErrCodeUnmountFailed, "failed to unmount").
					WithComponent("adapter").WithCause(uerr))
			}
		}
		stats := a.mount.GetStats()
		a.logger.Info().
			Int64("opens", stats.Opens).
			Int64("reads", stats.Reads).
			Int64("writes", stats.Writes).
			Int64("errors", stats.Errors).
			Msg("filesystem statistics")
		a.mount = nil
	}

	if a.pool != nil {
		err = multierr.Append(err, a.pool.Close())
		a.pool = nil
	}

	if a.metrics != nil {
		err = multierr.Append(err, a.metrics.Stop(ctx))
		a.metrics = nil
	}

	a.backend = nil
	return err
}

func (a *Adapter) storeConfig() *memcache.Config {
	return &memcache.Config{
		Host:            a.config.Server.Host,
		Port:            a.config.Server.Port,
		ConnectTimeout:  a.config.Server.ConnectTimeout,
		IOTimeout:       a.config.Server.IOTimeout,
		ReadChunkSize:   a.config.Enumerator.ReadChunkSize,
		MaxResponseSize: a.config.Enumerator.MaxResponseSize,
		MaxLineLength:   a.config.Enumerator.MaxLineLength,
	}
}

func (a *Adapter) dialRetryer(index int) *retry.Retryer {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = a.config.Server.DialAttempts
	cfg.InitialDelay = a.config.Server.DialBackoff
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		a.logger.Warn().Err(err).
			Int("session", index).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("memcached not reachable, retrying")
	}
	return retry.New(cfg)
}

func (a *Adapter) mountConfig() *fuse.MountConfig {
	m := a.config.Mount
	opts := fuse.DefaultMountOptions()
	opts.AllowOther = m.AllowOther
	opts.DirectIO = m.DirectIO
	opts.Debug = m.Debug
	opts.AttrTimeout = m.AttrTimeout
	opts.EntryTimeout = m.EntryTimeout
	if m.FSName != "" {
		opts.FSName = m.FSName
	}
	return &fuse.MountConfig{MountPoint: a.mountPoint, Options: opts}
}
