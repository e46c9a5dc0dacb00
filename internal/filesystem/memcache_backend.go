package filesystem

import (
	"context"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/memcachefs/memcachefs/internal/pool"
	"github.com/memcachefs/memcachefs/pkg/errors"
	"github.com/memcachefs/memcachefs/pkg/utils"
)

// KeyLister enumerates the keys currently stored in memcached.
type KeyLister interface {
	ListKeys(ctx context.Context) ([]string, error)
}

// MetricsRecorder receives per operation measurements.
type MetricsRecorder interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordError(operation string, err error)
	UpdateHandlesInUse(count int)
	RecordHandleExhausted()
	UpdateDirectoryKeys(count int)
}

const (
	statfsBlockSize = 4096
	rootMode        = os.ModeDir | 0755
	fileMode        = os.FileMode(0666)
)

// MemcacheFilesystem implements FilesystemInterface on top of a handle pool
// and a key lister. Every file operation borrows a pool handle for the length
// of the call; an open file keeps its handle until Release.
type MemcacheFilesystem struct {
	pool    *pool.Pool
	lister  KeyLister
	metrics MetricsRecorder
	logger  zerolog.Logger
	started time.Time
}

// NewMemcacheFilesystem creates the filesystem. metrics may be nil.
func NewMemcacheFilesystem(p *pool.Pool, lister KeyLister, metrics MetricsRecorder, logger zerolog.Logger) *MemcacheFilesystem {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &MemcacheFilesystem{
		pool:    p,
		lister:  lister,
		metrics: metrics,
		logger:  logger.With().Str("component", "filesystem").Logger(),
		started: time.Now(),
	}
}

var _ FilesystemInterface = (*MemcacheFilesystem)(nil)

// Stat reports the root as a directory and every key as a regular file whose
// size is the length of its value.
func (m *MemcacheFilesystem) Stat(ctx context.Context, path string) (info FileInfo, err error) {
	done := m.begin("stat", path)
	defer func() { done(info.Size_, err) }()

	uid, gid := GetCaller(ctx)
	if utils.IsRoot(path) {
		return FileInfo{
			Name_:    "/",
			Mode_:    rootMode,
			ModTime_: m.started,
			IsDir_:   true,
			Uid:      uid,
			Gid:      gid,
			Nlink:    1,
		}, nil
	}

	key, err := m.lookupKey("stat", path)
	if err != nil {
		return FileInfo{}, err
	}

	var size int
	err = m.withHandle(func(h *pool.Handle) error {
		value, err := h.Session().Get(ctx, key)
		if err != nil {
			return err
		}
		size = len(value)
		return nil
	})
	if err != nil {
		return FileInfo{}, m.fail("stat", path, err)
	}

	return FileInfo{
		Name_:    key,
		Size_:    int64(size),
		Mode_:    fileMode,
		ModTime_: m.started,
		Uid:      uid,
		Gid:      gid,
		Nlink:    1,
	}, nil
}

// ReadDir lists the root. Other paths do not name directories.
func (m *MemcacheFilesystem) ReadDir(ctx context.Context, path string) (entries []DirEntry, err error) {
	done := m.begin("readdir", path)
	defer func() { done(int64(len(entries)), err) }()

	if !utils.IsRoot(path) {
		return nil, m.fail("readdir", path, errors.NewError(errors.ErrCodeKeyNotFound, "not a directory"))
	}

	keys, err := m.lister.ListKeys(ctx)
	if err != nil {
		return nil, m.fail("readdir", path, err)
	}
	m.metrics.UpdateDirectoryKeys(len(keys))

	entries = make([]DirEntry, 0, len(keys)+2)
	entries = append(entries,
		DirEntry{Name: ".", Type: FileTypeDirectory, Mode: rootMode},
		DirEntry{Name: "..", Type: FileTypeDirectory, Mode: rootMode},
	)
	for _, key := range keys {
		entries = append(entries, DirEntry{Name: key, Type: FileTypeRegular, Mode: fileMode})
	}
	return entries, nil
}

// Mknod creates an empty value. Only regular files can be created.
func (m *MemcacheFilesystem) Mknod(ctx context.Context, path string, mode os.FileMode) (err error) {
	done := m.begin("mknod", path)
	defer func() { done(0, err) }()

	if mode.Type() != 0 {
		return m.fail("mknod", path, errors.NewError(errors.ErrCodeUnsupported, "only regular files can be created"))
	}
	key, err := m.mutationKey("mknod", path)
	if err != nil {
		return err
	}

	err = m.withHandle(func(h *pool.Handle) error {
		return h.Session().Set(ctx, key, nil)
	})
	if err != nil {
		return m.fail("mknod", path, err)
	}
	return nil
}

// Create stores an empty value and opens it.
func (m *MemcacheFilesystem) Create(ctx context.Context, path string, mode os.FileMode) (fh FileHandle, err error) {
	done := m.begin("create", path)
	defer func() { done(0, err) }()

	if mode.Type() != 0 {
		return 0, m.fail("create", path, errors.NewError(errors.ErrCodeUnsupported, "only regular files can be created"))
	}
	key, err := m.mutationKey("create", path)
	if err != nil {
		return 0, err
	}

	h, err := m.checkout()
	if err != nil {
		return 0, m.fail("create", path, err)
	}
	if err := h.Session().Set(ctx, key, nil); err != nil {
		m.release(h.Index())
		return 0, m.fail("create", path, err)
	}

	h.SetKey(key)
	return FileHandle(h.Index()), nil
}

// Open checks out a handle and loads the whole value into its buffer. The
// handle's index is the returned file handle.
func (m *MemcacheFilesystem) Open(ctx context.Context, path string, flags int) (fh FileHandle, err error) {
	done := m.begin("open", path)
	defer func() { done(0, err) }()

	key, err := m.lookupKey("open", path)
	if err != nil {
		return 0, err
	}

	h, err := m.checkout()
	if err != nil {
		return 0, m.fail("open", path, err)
	}

	h.SetKey(key)
	value, err := h.Session().Get(ctx, key)
	if err == nil {
		err = h.Load(value)
	}
	if err != nil {
		m.release(h.Index())
		return 0, m.fail("open", path, err)
	}

	return FileHandle(h.Index()), nil
}

// Release returns the handle to the pool. Unflushed writes are discarded.
func (m *MemcacheFilesystem) Release(ctx context.Context, fh FileHandle) (err error) {
	h, err := m.handleFor("release", fh)
	if err != nil {
		return err
	}
	done := m.begin("release", utils.PathFromKey(h.Key()))
	defer func() { done(0, err) }()

	m.release(h.Index())
	return nil
}

// Read copies from the handle's buffer. It never talks to memcached.
func (m *MemcacheFilesystem) Read(ctx context.Context, fh FileHandle, buf []byte, offset int64) (n int, err error) {
	h, err := m.handleFor("read", fh)
	if err != nil {
		return 0, err
	}
	done := m.begin("read", utils.PathFromKey(h.Key()))
	defer func() { done(int64(n), err) }()

	return h.ReadAt(buf, offset), nil
}

// Write copies into the handle's buffer. Nothing reaches memcached until
// Flush or Fsync.
func (m *MemcacheFilesystem) Write(ctx context.Context, fh FileHandle, data []byte, offset int64) (n int, err error) {
	h, err := m.handleFor("write", fh)
	if err != nil {
		return 0, err
	}
	path := utils.PathFromKey(h.Key())
	done := m.begin("write", path)
	defer func() { done(int64(n), err) }()

	n, err = h.WriteAt(data, offset)
	if err != nil {
		return 0, m.fail("write", path, err)
	}
	return n, nil
}

// Flush stores the buffer under the handle's key. On failure the buffer is
// left as it was so the flush can be retried.
func (m *MemcacheFilesystem) Flush(ctx context.Context, fh FileHandle) error {
	return m.store(ctx, "flush", fh)
}

// Fsync is Flush.
func (m *MemcacheFilesystem) Fsync(ctx context.Context, fh FileHandle) error {
	return m.store(ctx, "fsync", fh)
}

func (m *MemcacheFilesystem) store(ctx context.Context, op string, fh FileHandle) (err error) {
	h, err := m.handleFor(op, fh)
	if err != nil {
		return err
	}
	path := utils.PathFromKey(h.Key())
	done := m.begin(op, path)
	defer func() { done(int64(h.Len()), err) }()

	if err := h.Session().Set(ctx, h.Key(), h.Bytes()); err != nil {
		return m.fail(op, path, err)
	}
	return nil
}

// Mkdir is not supported; the namespace is flat.
func (m *MemcacheFilesystem) Mkdir(ctx context.Context, path string, mode os.FileMode) error {
	return m.unsupported("mkdir", path)
}

// Rmdir behaves exactly like Remove.
func (m *MemcacheFilesystem) Rmdir(ctx context.Context, path string) error {
	return m.remove(ctx, "rmdir", path)
}

// Remove deletes the key.
func (m *MemcacheFilesystem) Remove(ctx context.Context, path string) error {
	return m.remove(ctx, "unlink", path)
}

func (m *MemcacheFilesystem) remove(ctx context.Context, op, path string) (err error) {
	done := m.begin(op, path)
	defer func() { done(0, err) }()

	key, err := m.mutationKey(op, path)
	if err != nil {
		return err
	}

	err = m.withHandle(func(h *pool.Handle) error {
		return h.Session().Delete(ctx, key)
	})
	if err != nil {
		return m.fail(op, path, err)
	}
	return nil
}

// Rename copies the value to the new key and deletes the old one. The three
// steps are not atomic: a failure after the copy leaves both keys present.
// RenameNoReplace refuses to overwrite an existing key; other flags are not
// supported.
func (m *MemcacheFilesystem) Rename(ctx context.Context, oldPath, newPath string, flags uint32) (err error) {
	done := m.begin("rename", oldPath)
	defer func() { done(0, err) }()

	if flags&^RenameNoReplace != 0 {
		return m.fail("rename", oldPath, errors.NewError(errors.ErrCodeUnsupported, "rename flags not supported").
			WithDetail("flags", flags))
	}

	from, err := m.mutationKey("rename", oldPath)
	if err != nil {
		return err
	}
	to, err := m.mutationKey("rename", newPath)
	if err != nil {
		return err
	}

	err = m.withHandle(func(h *pool.Handle) error {
		value, err := h.Session().Get(ctx, from)
		if err != nil {
			return err
		}
		if from == to {
			return nil
		}

		if flags&RenameNoReplace != 0 {
			_, err := h.Session().Get(ctx, to)
			if err == nil {
				return errors.NewError(errors.ErrCodeKeyExists, "target key exists").WithKey(to)
			}
			if !errors.HasCode(err, errors.ErrCodeKeyNotFound) {
				return err
			}
		}

		if err := h.Session().Set(ctx, to, value); err != nil {
			return err
		}
		if err := h.Session().Delete(ctx, from); err != nil {
			if errors.HasCode(err, errors.ErrCodeKeyNotFound) {
				m.logger.Warn().Str("from", from).Str("to", to).Msg("source key vanished during rename")
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return m.fail("rename", oldPath, err)
	}
	return nil
}

// Truncate to zero stores an empty value. Other sizes are not supported.
func (m *MemcacheFilesystem) Truncate(ctx context.Context, path string, size int64) (err error) {
	done := m.begin("truncate", path)
	defer func() { done(0, err) }()

	if size != 0 {
		return m.fail("truncate", path, errors.NewError(errors.ErrCodeUnsupported, "only truncation to zero is supported").
			WithDetail("size", size))
	}
	key, err := m.mutationKey("truncate", path)
	if err != nil {
		return err
	}

	err = m.withHandle(func(h *pool.Handle) error {
		return h.Session().Set(ctx, key, nil)
	})
	if err != nil {
		return m.fail("truncate", path, err)
	}
	return nil
}

// TruncateHandle truncates an open file to zero: the stored value and the
// handle's buffer are both emptied, so a later flush does not bring the old
// content back.
func (m *MemcacheFilesystem) TruncateHandle(ctx context.Context, fh FileHandle, size int64) (err error) {
	h, err := m.handleFor("truncate", fh)
	if err != nil {
		return err
	}
	path := utils.PathFromKey(h.Key())
	done := m.begin("truncate", path)
	defer func() { done(0, err) }()

	if size != 0 {
		return m.fail("truncate", path, errors.NewError(errors.ErrCodeUnsupported, "only truncation to zero is supported").
			WithDetail("size", size))
	}
	if err := h.Session().Set(ctx, h.Key(), nil); err != nil {
		return m.fail("truncate", path, err)
	}
	h.Truncate(0)
	return nil
}

// Chmod is not supported; permissions are synthetic.
func (m *MemcacheFilesystem) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	return m.unsupported("chmod", path)
}

// Chown is not supported; ownership is synthetic.
func (m *MemcacheFilesystem) Chown(ctx context.Context, path string, uid, gid int) error {
	return m.unsupported("chown", path)
}

// Utimes accepts and ignores new timestamps.
func (m *MemcacheFilesystem) Utimes(ctx context.Context, path string, atime, mtime time.Time) error {
	done := m.begin("utimens", path)
	done(0, nil)
	return nil
}

func (m *MemcacheFilesystem) Link(ctx context.Context, oldPath, newPath string) error {
	return m.unsupported("link", newPath)
}

func (m *MemcacheFilesystem) Symlink(ctx context.Context, target, linkPath string) error {
	return m.unsupported("symlink", linkPath)
}

func (m *MemcacheFilesystem) Readlink(ctx context.Context, path string) (string, error) {
	return "", m.unsupported("readlink", path)
}

// Statfs reports synthetic figures; memcached has no notion of capacity that
// maps onto blocks.
func (m *MemcacheFilesystem) Statfs(ctx context.Context, path string) (StatfsInfo, error) {
	done := m.begin("statfs", path)
	done(0, nil)

	return StatfsInfo{
		BlockSize:     statfsBlockSize,
		MaxNameLength: utils.MaxKeyLength,
		FreeInodes:    math.MaxUint32,
		TotalInodes:   math.MaxUint32,
	}, nil
}

// Helpers

// begin logs the call and returns the function that records its outcome.
func (m *MemcacheFilesystem) begin(op, path string) func(size int64, err error) {
	start := time.Now()
	m.logger.Debug().Str("op", op).Str("path", path).Msg("call")

	return func(size int64, err error) {
		m.metrics.RecordOperation(op, time.Since(start), size, err == nil)
		if err != nil {
			m.metrics.RecordError(op, err)
			m.logger.Debug().Str("op", op).Str("path", path).Err(err).Msg("call failed")
		}
	}
}

func (m *MemcacheFilesystem) fail(op, path string, err error) error {
	return &FilesystemError{Op: op, Path: path, Err: err}
}

func (m *MemcacheFilesystem) unsupported(op, path string) error {
	done := m.begin(op, path)
	err := m.fail(op, path, errors.NewError(errors.ErrCodeUnsupported, op+" is not supported"))
	done(0, err)
	return err
}

// lookupKey maps a path to its key for operations that read. A path that
// cannot name a key does not exist.
func (m *MemcacheFilesystem) lookupKey(op, path string) (string, error) {
	key, err := utils.KeyFromPath(path)
	if err != nil {
		return "", m.fail(op, path, errors.NewError(errors.ErrCodeKeyNotFound, "path does not name a key").WithCause(err))
	}
	return key, nil
}

// mutationKey maps a path to its key for operations that write. memcached
// refuses such keys, which surfaces as an I/O error.
func (m *MemcacheFilesystem) mutationKey(op, path string) (string, error) {
	key, err := utils.KeyFromPath(path)
	if err != nil {
		return "", m.fail(op, path, errors.NewError(errors.ErrCodeIO, "path does not name a valid key").WithCause(err))
	}
	return key, nil
}

func (m *MemcacheFilesystem) checkout() (*pool.Handle, error) {
	h, err := m.pool.Checkout()
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeResourceExhausted) {
			m.metrics.RecordHandleExhausted()
			m.logger.Warn().Int("handles", m.pool.Size()).Msg("no free handle")
		}
		return nil, err
	}
	m.metrics.UpdateHandlesInUse(m.pool.Stats().InUse)
	return h, nil
}

func (m *MemcacheFilesystem) release(index int) {
	m.pool.Release(index)
	m.metrics.UpdateHandlesInUse(m.pool.Stats().InUse)
}

// withHandle runs fn on a handle borrowed for the duration of the call.
func (m *MemcacheFilesystem) withHandle(fn func(h *pool.Handle) error) error {
	h, err := m.checkout()
	if err != nil {
		return err
	}
	defer m.release(h.Index())
	return fn(h)
}

// handleFor resolves a file handle to the checked out pool handle.
func (m *MemcacheFilesystem) handleFor(op string, fh FileHandle) (*pool.Handle, error) {
	if fh > math.MaxInt32 {
		return nil, m.fail(op, "", errors.NewError(errors.ErrCodeBadHandle, "invalid file handle"))
	}
	index := int(fh)
	h := m.pool.Handle(index)
	if h == nil || !m.pool.InUse(index) {
		return nil, m.fail(op, "", errors.NewError(errors.ErrCodeBadHandle, "invalid file handle").
			WithDetail("handle", index))
	}
	return h, nil
}

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string, time.Duration, int64, bool) {}
func (nopRecorder) RecordError(string, error)                          {}
func (nopRecorder) UpdateHandlesInUse(int)                             {}
func (nopRecorder) RecordHandleExhausted()                             {}
func (nopRecorder) UpdateDirectoryKeys(int)                            {}
