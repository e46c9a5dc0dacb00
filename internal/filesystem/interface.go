// Package filesystem defines the protocol-neutral operation set that the
// kernel-facing layers (go-fuse nodes, cgofuse host) call into, and the
// memcached-backed implementation of it.
package filesystem

import (
	"context"
	"os"
	"time"
)

// FilesystemInterface defines the operations a protocol handler needs. Paths
// are absolute and slash separated; the namespace is flat, so every path is
// either "/" or "/<key>".
type FilesystemInterface interface {
	// File operations
	Open(ctx context.Context, path string, flags int) (FileHandle, error)
	Create(ctx context.Context, path string, mode os.FileMode) (FileHandle, error)
	Mknod(ctx context.Context, path string, mode os.FileMode) error
	Release(ctx context.Context, fh FileHandle) error
	TruncateHandle(ctx context.Context, fh FileHandle, size int64) error

	// I/O operations
	Read(ctx context.Context, fh FileHandle, buf []byte, offset int64) (int, error)
	Write(ctx context.Context, fh FileHandle, data []byte, offset int64) (int, error)
	Flush(ctx context.Context, fh FileHandle) error
	Fsync(ctx context.Context, fh FileHandle) error

	// Directory operations
	ReadDir(ctx context.Context, path string) ([]DirEntry, error)
	Mkdir(ctx context.Context, path string, mode os.FileMode) error
	Rmdir(ctx context.Context, path string) error

	// File manipulation
	Remove(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string, flags uint32) error

	// Metadata operations
	Stat(ctx context.Context, path string) (FileInfo, error)
	Chmod(ctx context.Context, path string, mode os.FileMode) error
	Chown(ctx context.Context, path string, uid, gid int) error
	Utimes(ctx context.Context, path string, atime, mtime time.Time) error
	Truncate(ctx context.Context, path string, size int64) error

	// Link operations
	Link(ctx context.Context, oldPath, newPath string) error
	Symlink(ctx context.Context, target, linkPath string) error
	Readlink(ctx context.Context, path string) (string, error)

	// Filesystem-level operations
	Statfs(ctx context.Context, path string) (StatfsInfo, error)
}

// FileHandle is the session token handed to the kernel for an open file. It
// is the index of the pool handle serving the file.
type FileHandle uint64

// Rename flags understood by Rename.
const (
	RenameNoReplace uint32 = 1 << 0
)

// DirEntry represents a directory entry returned by ReadDir
type DirEntry struct {
	Name string
	Type FileType
	Mode os.FileMode
}

// FileInfo represents file metadata
type FileInfo struct {
	Name_    string
	Size_    int64
	Mode_    os.FileMode
	ModTime_ time.Time
	IsDir_   bool

	// POSIX compatibility
	Uid   uint32
	Gid   uint32
	Nlink uint32
}

func (fi FileInfo) Name() string       { return fi.Name_ }
func (fi FileInfo) Size() int64        { return fi.Size_ }
func (fi FileInfo) Mode() os.FileMode  { return fi.Mode_ }
func (fi FileInfo) ModTime() time.Time { return fi.ModTime_ }
func (fi FileInfo) IsDir() bool        { return fi.IsDir_ }
func (fi FileInfo) Sys() interface{}   { return nil }

// StatfsInfo represents filesystem statistics
type StatfsInfo struct {
	TotalBytes    uint64
	FreeBytes     uint64
	AvailBytes    uint64
	TotalInodes   uint64
	FreeInodes    uint64
	BlockSize     uint32
	MaxNameLength uint32
}

// FileType represents the type of a file system entry
type FileType uint8

const (
	FileTypeRegular FileType = iota
	FileTypeDirectory
)

// ContextKey carries protocol supplied request information.
type ContextKey string

const (
	ContextKeyProtocol ContextKey = "protocol" // "fuse", "cgofuse"
	ContextKeyUid      ContextKey = "uid"
	ContextKeyGid      ContextKey = "gid"
)

// WithCaller returns a context carrying the identity of the calling process.
func WithCaller(ctx context.Context, protocol string, uid, gid uint32) context.Context {
	ctx = context.WithValue(ctx, ContextKeyProtocol, protocol)
	ctx = context.WithValue(ctx, ContextKeyUid, uid)
	return context.WithValue(ctx, ContextKeyGid, gid)
}

// GetProtocol returns the protocol that issued the request.
func GetProtocol(ctx context.Context) string {
	if protocol, ok := ctx.Value(ContextKeyProtocol).(string); ok {
		return protocol
	}
	return "unknown"
}

// GetCaller returns the uid and gid of the calling process, falling back to
// the identity of this process when the protocol supplied none.
func GetCaller(ctx context.Context) (uid, gid uint32) {
	uid, ok := ctx.Value(ContextKeyUid).(uint32)
	if !ok {
		uid = uint32(os.Getuid())
	}
	gid, ok = ctx.Value(ContextKeyGid).(uint32)
	if !ok {
		gid = uint32(os.Getgid())
	}
	return uid, gid
}

// FilesystemError records the operation and path that failed. Err carries
// the coded error from pkg/errors.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}
