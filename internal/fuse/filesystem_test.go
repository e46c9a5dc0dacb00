package fuse

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memcachefs/memcachefs/internal/filesystem"
	"github.com/memcachefs/memcachefs/pkg/errors"
)

// fakeBackend implements the operations these tests exercise; anything else
// panics through the nil embedded interface.
type fakeBackend struct {
	filesystem.FilesystemInterface

	entries  []filesystem.DirEntry
	info     filesystem.FileInfo
	openErr  error
	buf      []byte
	calls    []string
	released []filesystem.FileHandle
}

func (b *fakeBackend) ReadDir(ctx context.Context, path string) ([]filesystem.DirEntry, error) {
	b.calls = append(b.calls, "readdir "+path)
	return b.entries, nil
}

func (b *fakeBackend) Stat(ctx context.Context, path string) (filesystem.FileInfo, error) {
	b.calls = append(b.calls, "stat "+path)
	return b.info, nil
}

func (b *fakeBackend) Open(ctx context.Context, path string, flags int) (filesystem.FileHandle, error) {
	b.calls = append(b.calls, "open "+path)
	if b.openErr != nil {
		return 0, b.openErr
	}
	return 3, nil
}

func (b *fakeBackend) Read(ctx context.Context, fh filesystem.FileHandle, buf []byte, offset int64) (int, error) {
	if offset >= int64(len(b.buf)) {
		return 0, nil
	}
	return copy(buf, b.buf[offset:]), nil
}

func (b *fakeBackend) Write(ctx context.Context, fh filesystem.FileHandle, data []byte, offset int64) (int, error) {
	if offset+int64(len(data)) > 8 {
		return 0, errors.NewError(errors.ErrCodeTooLarge, "too large")
	}
	if end := int(offset) + len(data); end > len(b.buf) {
		b.buf = append(b.buf, make([]byte, end-len(b.buf))...)
	}
	return copy(b.buf[offset:], data), nil
}

func (b *fakeBackend) Flush(ctx context.Context, fh filesystem.FileHandle) error {
	b.calls = append(b.calls, "flush")
	return nil
}

func (b *fakeBackend) Release(ctx context.Context, fh filesystem.FileHandle) error {
	b.released = append(b.released, fh)
	return nil
}

func (b *fakeBackend) Truncate(ctx context.Context, path string, size int64) error {
	b.calls = append(b.calls, "truncate "+path)
	if size != 0 {
		return errors.NewError(errors.ErrCodeUnsupported, "unsupported")
	}
	return nil
}

func (b *fakeBackend) TruncateHandle(ctx context.Context, fh filesystem.FileHandle, size int64) error {
	b.calls = append(b.calls, "truncate-handle")
	return nil
}

func (b *fakeBackend) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	return &filesystem.FilesystemError{Op: "chmod", Path: path, Err: errors.NewError(errors.ErrCodeUnsupported, "unsupported")}
}

func newTestFS(b *fakeBackend) *FileSystem {
	return NewFileSystem(b, &Config{DirectIO: true}, zerolog.Nop())
}

func TestReaddirListsDotEntriesAndKeys(t *testing.T) {
	b := &fakeBackend{entries: []filesystem.DirEntry{
		{Name: ".", Type: filesystem.FileTypeDirectory},
		{Name: "..", Type: filesystem.FileTypeDirectory},
		{Name: "b", Type: filesystem.FileTypeRegular},
		{Name: "a", Type: filesystem.FileTypeRegular},
		{Name: "c", Type: filesystem.FileTypeRegular},
	}}
	root := &DirectoryNode{fsys: newTestFS(b)}

	stream, errno := root.Readdir(context.Background())
	require.Equal(t, syscall.Errno(0), errno)

	modes := map[string]uint32{}
	for stream.HasNext() {
		e, errno := stream.Next()
		require.Equal(t, syscall.Errno(0), errno)
		modes[e.Name] = e.Mode
	}
	assert.Equal(t, map[string]uint32{
		".":  fuse.S_IFDIR,
		"..": fuse.S_IFDIR,
		"a":  fuse.S_IFREG,
		"b":  fuse.S_IFREG,
		"c":  fuse.S_IFREG,
	}, modes)
	assert.Equal(t, []string{"readdir /"}, b.calls)
}

func TestRootGetattr(t *testing.T) {
	started := time.Unix(1700000000, 0)
	b := &fakeBackend{info: filesystem.FileInfo{
		Name_: "/", Mode_: os.ModeDir | 0755, IsDir_: true, ModTime_: started, Uid: 7, Gid: 8, Nlink: 1,
	}}
	root := &DirectoryNode{fsys: newTestFS(b)}

	var out fuse.AttrOut
	require.Equal(t, syscall.Errno(0), root.Getattr(context.Background(), nil, &out))
	assert.Equal(t, uint32(fuse.S_IFDIR|0755), out.Mode)
	assert.EqualValues(t, 1, out.Nlink)
	assert.EqualValues(t, 7, out.Uid)
	assert.EqualValues(t, 8, out.Gid)
	assert.EqualValues(t, started.Unix(), out.Mtime)
}

func TestFileOpenReadWrite(t *testing.T) {
	b := &fakeBackend{buf: []byte("hello")}
	fsys := newTestFS(b)
	node := &FileNode{fsys: fsys, path: "/greeting"}

	fh, flags, errno := node.Open(context.Background(), syscall.O_RDWR)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint32(fuse.FOPEN_DIRECT_IO), flags)

	handle := fh.(*FileHandle)
	assert.EqualValues(t, 3, handle.handle)

	dest := make([]byte, 16)
	res, errno := handle.Read(context.Background(), dest, 1)
	require.Equal(t, syscall.Errno(0), errno)
	data, _ := res.Bytes(nil)
	assert.Equal(t, "ello", string(data))

	n, errno := handle.Write(context.Background(), []byte("!"), 5)
	require.Equal(t, syscall.Errno(0), errno)
	assert.EqualValues(t, 1, n)

	_, errno = handle.Write(context.Background(), []byte("overflow"), 4)
	assert.Equal(t, syscall.EFBIG, errno)

	assert.Equal(t, syscall.Errno(0), handle.Flush(context.Background()))
	assert.Equal(t, syscall.Errno(0), handle.Release(context.Background()))
	assert.Equal(t, []filesystem.FileHandle{3}, b.released)

	stats := fsys.GetStats()
	assert.EqualValues(t, 1, stats.Opens)
	assert.EqualValues(t, 1, stats.Reads)
	assert.EqualValues(t, 4, stats.BytesRead)
	assert.EqualValues(t, 1, stats.Writes)
	assert.EqualValues(t, 1, stats.Errors)
}

func TestOpenWithoutDirectIO(t *testing.T) {
	b := &fakeBackend{}
	fsys := NewFileSystem(b, &Config{}, zerolog.Nop())
	_, flags, errno := (&FileNode{fsys: fsys, path: "/k"}).Open(context.Background(), 0)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Zero(t, flags)
}

func TestOpenErrno(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{name: "exhausted", err: errors.ErrResourceExhausted, want: syscall.EMFILE},
		{name: "missing", err: errors.ErrNotFound, want: syscall.ENOENT},
		{name: "too large value", err: errors.ErrIO, want: syscall.EIO},
		{name: "wrapped", err: &filesystem.FilesystemError{Op: "open", Path: "/k", Err: errors.ErrResourceExhausted}, want: syscall.EMFILE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBackend{openErr: tt.err}
			_, _, errno := (&FileNode{fsys: newTestFS(b), path: "/k"}).Open(context.Background(), 0)
			assert.Equal(t, tt.want, errno)
		})
	}
}

func TestSetattr(t *testing.T) {
	t.Run("truncate through handle", func(t *testing.T) {
		b := &fakeBackend{}
		fsys := newTestFS(b)
		node := &FileNode{fsys: fsys, path: "/k"}
		fh := fsys.newFileHandle("/k", 2)

		in := &fuse.SetAttrIn{SetAttrInCommon: fuse.SetAttrInCommon{Valid: fuse.FATTR_SIZE}}
		var out fuse.AttrOut
		require.Equal(t, syscall.Errno(0), node.Setattr(context.Background(), fh, in, &out))
		assert.Equal(t, []string{"truncate-handle", "stat /k"}, b.calls)
	})

	t.Run("truncate by path", func(t *testing.T) {
		b := &fakeBackend{}
		node := &FileNode{fsys: newTestFS(b), path: "/k"}

		in := &fuse.SetAttrIn{SetAttrInCommon: fuse.SetAttrInCommon{Valid: fuse.FATTR_SIZE, Size: 4}}
		var out fuse.AttrOut
		assert.Equal(t, syscall.ENOSYS, node.Setattr(context.Background(), nil, in, &out))
		assert.Equal(t, []string{"truncate /k"}, b.calls)
	})

	t.Run("chmod refused", func(t *testing.T) {
		b := &fakeBackend{}
		node := &FileNode{fsys: newTestFS(b), path: "/k"}

		in := &fuse.SetAttrIn{SetAttrInCommon: fuse.SetAttrInCommon{Valid: fuse.FATTR_MODE, Mode: 0600}}
		var out fuse.AttrOut
		assert.Equal(t, syscall.ENOSYS, node.Setattr(context.Background(), nil, in, &out))
	})
}

func TestFileMode(t *testing.T) {
	assert.Equal(t, os.FileMode(0644), fileMode(syscall.S_IFREG|0644))
	assert.Equal(t, os.FileMode(0600), fileMode(0600))
	assert.Equal(t, os.ModeNamedPipe|0644, fileMode(syscall.S_IFIFO|0644))
	assert.Equal(t, os.ModeSocket|0600, fileMode(syscall.S_IFSOCK|0600))
	assert.True(t, fileMode(syscall.S_IFBLK|0600)&os.ModeDevice != 0)
}

func TestFillStatfs(t *testing.T) {
	var out fuse.StatfsOut
	fillStatfs(filesystem.StatfsInfo{
		TotalBytes: 1 << 20, FreeBytes: 1 << 19, AvailBytes: 1 << 19,
		TotalInodes: 100, FreeInodes: 50, BlockSize: 4096, MaxNameLength: 250,
	}, &out)

	assert.EqualValues(t, 4096, out.Bsize)
	assert.EqualValues(t, 256, out.Blocks)
	assert.EqualValues(t, 128, out.Bfree)
	assert.EqualValues(t, 250, out.NameLen)
	assert.EqualValues(t, 50, out.Ffree)
}

func TestMountedIn(t *testing.T) {
	table := []byte("proc /proc proc rw 0 0\nmemcachefs /mnt/cache fuse.memcachefs rw 0 0\n")

	assert.True(t, mountedIn(table, "/mnt/cache"))
	assert.True(t, mountedIn(table, "/mnt/cache/"))
	assert.False(t, mountedIn(table, "/mnt"))
	assert.False(t, mountedIn(table, "/mnt/cache2"))
}

func TestBuildFUSEOptions(t *testing.T) {
	opts := DefaultMountOptions()
	opts.AllowOther = true
	opts.AttrTimeout = time.Second
	m := NewMountManager(newTestFS(&fakeBackend{}), &MountConfig{MountPoint: "/mnt", Options: opts}, zerolog.Nop())

	fo := m.buildFUSEOptions()
	assert.Equal(t, "memcachefs", fo.FsName)
	assert.True(t, fo.AllowOther)
	require.NotNil(t, fo.AttrTimeout)
	assert.Equal(t, time.Second, *fo.AttrTimeout)
	assert.Nil(t, fo.EntryTimeout)
	assert.Contains(t, fo.Options, "subtype=memcachefs")
}

func TestValidateMountPoint(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0600))

	tests := []struct {
		name    string
		point   string
		wantErr bool
	}{
		{name: "directory", point: dir},
		{name: "empty", point: "", wantErr: true},
		{name: "missing", point: filepath.Join(dir, "missing"), wantErr: true},
		{name: "not a directory", point: file, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMountManager(newTestFS(&fakeBackend{}), &MountConfig{MountPoint: tt.point}, zerolog.Nop())
			err := m.validateMountPoint()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUnmountWhenNotMounted(t *testing.T) {
	m := NewMountManager(newTestFS(&fakeBackend{}), &MountConfig{MountPoint: t.TempDir()}, zerolog.Nop())
	assert.False(t, m.IsMounted())
	assert.Error(t, m.Unmount())
	m.Wait()
}
