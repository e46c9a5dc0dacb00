package memcache

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/memcachefs/memcachefs/pkg/errors"
	"github.com/memcachefs/memcachefs/pkg/utils"
)

// Enumerator rebuilds the live key set from memcached's introspection
// commands. Every listing uses its own short-lived connection and is a
// best-effort snapshot: keys written or evicted while it runs may or may not
// appear.
type Enumerator struct {
	cfg    *Config
	dialer net.Dialer
	logger zerolog.Logger
}

// NewEnumerator creates an enumerator for the configured server.
func NewEnumerator(cfg *Config, logger zerolog.Logger) *Enumerator {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	cfg = cfg.withDefaults()
	return &Enumerator{
		cfg:    cfg,
		dialer: net.Dialer{Timeout: cfg.ConnectTimeout},
		logger: logger.With().Str("component", "enumerator").Logger(),
	}
}

// ListKeys returns every key memcached reports, deduplicated, in discovery
// order. It does not include directory self/parent entries.
func (e *Enumerator) ListKeys(ctx context.Context) (keys []string, err error) {
	conn, err := e.dialer.DialContext(ctx, "tcp", e.cfg.Addr())
	if err != nil {
		return nil, e.ioError("dial", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil && err == nil {
			e.logger.Debug().Err(closeErr).Msg("closing enumerator connection")
		}
	}()

	stop := e.watch(ctx, conn)
	defer stop()

	resp, err := e.roundTrip(ctx, conn, "stats items\r\n")
	if err != nil {
		return nil, e.ioError("stats items", err)
	}

	slabs := e.parseSlabs(resp)
	e.logger.Debug().Ints("slabs", slabs).Msg("slab classes with items")

	seen := make(map[string]struct{})
	keys = make([]string, 0)
	for _, slab := range slabs {
		cmd := fmt.Sprintf("stats cachedump %d 0\r\n", slab)
		dump, err := e.roundTrip(ctx, conn, cmd)
		if err != nil {
			return nil, e.ioError("stats cachedump", err)
		}

		for _, key := range e.parseDump(slab, dump) {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}

	return keys, nil
}

// Ping sends "version" on a connection of its own, so a health check never
// competes with open files for pooled sessions.
func (e *Enumerator) Ping(ctx context.Context) error {
	conn, err := e.dialer.DialContext(ctx, "tcp", e.cfg.Addr())
	if err != nil {
		return e.pingError(err)
	}
	defer func() { _ = conn.Close() }()

	stop := e.watch(ctx, conn)
	defer stop()

	resp, err := e.roundTrip(ctx, conn, "version\r\n")
	if err != nil {
		return e.pingError(err)
	}
	if !bytes.HasPrefix(resp, []byte("VERSION ")) {
		return e.pingError(fmt.Errorf("unexpected reply %q", bytes.TrimSpace(resp)))
	}
	return nil
}

func (e *Enumerator) pingError(cause error) error {
	return errors.NewError(errors.ErrCodeConnectionFailed, "memcached did not answer").
		WithComponent("enumerator").
		WithOperation("ping").
		WithDetail("addr", e.cfg.Addr()).
		WithCause(cause)
}

func (e *Enumerator) roundTrip(ctx context.Context, conn net.Conn, cmd string) ([]byte, error) {
	deadline := time.Time{}
	if e.cfg.IOTimeout > 0 {
		deadline = time.Now().Add(e.cfg.IOTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if _, err := io.WriteString(conn, cmd); err != nil {
		return nil, err
	}

	resp, err := readResponse(conn, e.cfg.ReadChunkSize, e.cfg.MaxResponseSize)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, multierr.Append(ctxErr, err)
		}
		return nil, err
	}
	return resp, nil
}

// watch unblocks pending I/O on conn when ctx is cancelled.
func (e *Enumerator) watch(ctx context.Context, conn net.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()
	return func() { close(done) }
}

// parseSlabs extracts the slab classes holding at least one item.
func (e *Enumerator) parseSlabs(resp []byte) []int {
	var slabs []int
	seen := make(map[int]struct{})

	eachLine(resp, e.cfg.MaxLineLength, func(line []byte, oversized bool) bool {
		if oversized {
			e.logger.Warn().Int("limit", e.cfg.MaxLineLength).Msg("ignoring oversized stats items line")
			return true
		}
		if isEnd(line) {
			return false
		}
		slab, count, ok := parseItemsLine(line)
		if !ok || count == 0 {
			return true
		}
		if _, dup := seen[slab]; !dup {
			seen[slab] = struct{}{}
			slabs = append(slabs, slab)
		}
		return true
	})

	return slabs
}

// parseDump extracts keys from one cachedump reply. The first line that is not
// an ITEM line ends the dump.
func (e *Enumerator) parseDump(slab int, dump []byte) []string {
	var keys []string

	eachLine(dump, e.cfg.MaxLineLength, func(line []byte, oversized bool) bool {
		if oversized {
			e.logger.Warn().Int("slab", slab).Msg("oversized cachedump line, truncating dump")
			return false
		}
		key, ok := parseItemLine(line)
		if !ok {
			if !isEnd(line) {
				e.logger.Warn().Int("slab", slab).Bytes("line", line).Msg("unexpected cachedump line")
			}
			return false
		}
		if err := utils.ValidateKey(key); err != nil {
			e.logger.Warn().Int("slab", slab).Str("key", key).Err(err).Msg("skipping unlistable key")
			return true
		}
		keys = append(keys, key)
		return true
	})

	return keys
}

func (e *Enumerator) ioError(op string, cause error) error {
	code := errors.ErrCodeIO
	msg := "directory listing failed"
	if stderrors.Is(cause, errResponseTooLarge) {
		msg = "directory listing response too large"
	}
	e.logger.Error().Err(cause).Str("op", op).Msg(msg)
	return errors.NewError(code, msg).
		WithComponent("enumerator").
		WithOperation(op).
		WithDetail("addr", e.cfg.Addr()).
		WithCause(cause)
}
