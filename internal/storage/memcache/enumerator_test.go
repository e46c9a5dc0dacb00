package memcache

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memcachefs/memcachefs/internal/memcachetest"
	"github.com/memcachefs/memcachefs/pkg/errors"
)

func testConfig(srv *memcachetest.Server) *Config {
	cfg := NewDefaultConfig()
	cfg.Host = srv.Host()
	cfg.Port = srv.Port()
	cfg.IOTimeout = 5 * time.Second
	return cfg
}

func TestEnumeratorListsKeysAcrossSlabs(t *testing.T) {
	srv := memcachetest.New(t)
	srv.Put("small", []byte("x"))
	srv.Put("medium", []byte(strings.Repeat("m", 200)))
	srv.Put("large", []byte(strings.Repeat("l", 5000)))
	srv.Put("other", []byte("y"))

	require.NotEqual(t, memcachetest.SlabFor(len("small")+1), memcachetest.SlabFor(len("large")+5000))

	keys, err := NewEnumerator(testConfig(srv), zerolog.Nop()).ListKeys(context.Background())
	require.NoError(t, err)

	sort.Strings(keys)
	assert.Equal(t, []string{"large", "medium", "other", "small"}, keys)
	assert.Equal(t, 4, srv.Commands("stats"), "one stats items plus one cachedump per slab")
}

func TestEnumeratorEmptyServer(t *testing.T) {
	srv := memcachetest.New(t)

	keys, err := NewEnumerator(testConfig(srv), zerolog.Nop()).ListKeys(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, keys)
	assert.Empty(t, keys)
}

func TestEnumeratorSkipsEmptyAndForeignStats(t *testing.T) {
	srv := memcachetest.New(t)
	srv.Override("stats items", strings.Join([]string{
		"STAT items:1:number 2",
		"STAT items:1:number_hot 2",
		"STAT items:3:number 0",
		"STAT items:5:age 10",
		"STAT items:7:number 1",
		"STAT items:7:number 1",
		"END",
	}, "\r\n")+"\r\n")
	srv.Override("stats cachedump 1 0", "ITEM a [1 b; 0 s]\r\nITEM b [1 b; 0 s]\r\nEND\r\n")
	srv.Override("stats cachedump 7 0", "ITEM c [1 b; 0 s]\r\nEND\r\n")
	srv.Override("stats cachedump 3 0", "ITEM never [1 b; 0 s]\r\nEND\r\n")
	srv.Override("stats cachedump 5 0", "ITEM never [1 b; 0 s]\r\nEND\r\n")

	keys, err := NewEnumerator(testConfig(srv), zerolog.Nop()).ListKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestEnumeratorMalformedLineEndsOnlyThatSlab(t *testing.T) {
	srv := memcachetest.New(t)
	srv.Override("stats items", "STAT items:1:number 3\r\nSTAT items:2:number 1\r\nEND\r\n")
	srv.Override("stats cachedump 1 0", "ITEM k1 [1 b; 0 s]\r\nGARBAGE\r\nITEM k2 [1 b; 0 s]\r\nEND\r\n")
	srv.Override("stats cachedump 2 0", "ITEM k3 [1 b; 0 s]\r\nEND\r\n")

	keys, err := NewEnumerator(testConfig(srv), zerolog.Nop()).ListKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k3"}, keys)
}

func TestEnumeratorOversizedLines(t *testing.T) {
	srv := memcachetest.New(t)
	long := strings.Repeat("q", 400)
	srv.Override("stats items", "STAT items:9:number "+long+"\r\nSTAT items:1:number 2\r\nEND\r\n")
	srv.Override("stats cachedump 1 0", "ITEM k1 [1 b; 0 s]\r\nITEM "+long+" [1 b; 0 s]\r\nITEM k2 [1 b; 0 s]\r\nEND\r\n")

	cfg := testConfig(srv)
	cfg.MaxLineLength = 300

	keys, err := NewEnumerator(cfg, zerolog.Nop()).ListKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"k1"}, keys)
	assert.Equal(t, 2, srv.Commands("stats"), "the oversized slab line must not be dumped")
}

func TestEnumeratorDeduplicates(t *testing.T) {
	srv := memcachetest.New(t)
	srv.Override("stats items", "STAT items:1:number 1\r\nSTAT items:2:number 1\r\nEND\r\n")
	srv.Override("stats cachedump 1 0", "ITEM moving [1 b; 0 s]\r\nEND\r\n")
	srv.Override("stats cachedump 2 0", "ITEM moving [300 b; 0 s]\r\nITEM other [1 b; 0 s]\r\nEND\r\n")

	keys, err := NewEnumerator(testConfig(srv), zerolog.Nop()).ListKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"moving", "other"}, keys)
}

func TestEnumeratorResponseTooLarge(t *testing.T) {
	srv := memcachetest.New(t)
	srv.Override("stats items", "STAT items:1:number 1\r\nEND\r\n")
	srv.Override("stats cachedump 1 0", strings.Repeat("x", 20000)+"\r\nEND\r\n")

	cfg := testConfig(srv)
	cfg.MaxResponseSize = 8192

	_, err := NewEnumerator(cfg, zerolog.Nop()).ListKeys(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeIO))
	assert.Contains(t, err.Error(), "too large")
}

func TestEnumeratorConnectionFailure(t *testing.T) {
	srv := memcachetest.New(t)
	cfg := testConfig(srv)
	srv.Close()

	_, err := NewEnumerator(cfg, zerolog.Nop()).ListKeys(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeIO))
}

func TestEnumeratorHonoursCancelledContext(t *testing.T) {
	srv := memcachetest.New(t)
	srv.Put("k", []byte("v"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEnumerator(testConfig(srv), zerolog.Nop()).ListKeys(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeIO))
}

func TestEnumeratorPing(t *testing.T) {
	srv := memcachetest.New(t)
	e := NewEnumerator(testConfig(srv), zerolog.Nop())

	require.NoError(t, e.Ping(context.Background()))
	assert.Equal(t, 1, srv.Commands("version"))

	srv.Override("version", "SERVER_ERROR busy\r\n")
	err := e.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConnectionFailed))

	srv.Close()
	err = e.Ping(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodeConnectionFailed))
}
