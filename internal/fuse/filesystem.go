package fuse

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog"

	"github.com/memcachefs/memcachefs/internal/filesystem"
	"github.com/memcachefs/memcachefs/pkg/utils"
)

// FileSystem exposes a filesystem.FilesystemInterface through the go-fuse
// node API. The tree is one directory holding one regular file per key.
type FileSystem struct {
	backend filesystem.FilesystemInterface
	config  *Config
	logger  zerolog.Logger
	stats   stats
}

// Config represents FUSE filesystem configuration
type Config struct {
	// DirectIO bypasses the kernel page cache so every read and write reaches
	// the session buffer.
	DirectIO bool `yaml:"direct_io"`
}

// NewFileSystem creates a new FUSE filesystem instance
func NewFileSystem(backend filesystem.FilesystemInterface, config *Config, logger zerolog.Logger) *FileSystem {
	if config == nil {
		config = &Config{DirectIO: true}
	}

	return &FileSystem{
		backend: backend,
		config:  config,
		logger:  logger.With().Str("component", "fuse").Logger(),
	}
}

// Root returns the root inode
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return &DirectoryNode{fsys: fsys}
}

// GetStats returns current filesystem statistics
func (fsys *FileSystem) GetStats() *FilesystemStats {
	return fsys.stats.snapshot()
}

// callerContext attaches the identity of the process behind a request.
func callerContext(ctx context.Context) context.Context {
	if caller, ok := fuse.FromContext(ctx); ok {
		return filesystem.WithCaller(ctx, "fuse", caller.Uid, caller.Gid)
	}
	return ctx
}

func fillAttr(info filesystem.FileInfo, out *fuse.Attr) {
	if info.IsDir() {
		out.Mode = fuse.S_IFDIR | uint32(info.Mode().Perm())
	} else {
		out.Mode = fuse.S_IFREG | uint32(info.Mode().Perm())
	}
	out.Size = safeInt64ToUint64(info.Size())
	out.Nlink = info.Nlink
	out.Owner = fuse.Owner{Uid: info.Uid, Gid: info.Gid}
	out.Blksize = 4096
	out.Blocks = (out.Size + 511) / 512

	t := info.ModTime()
	out.SetTimes(&t, &t, &t)
}

// DirectoryNode is the mount root.
type DirectoryNode struct {
	fs.Inode
	fsys *FileSystem
}

var (
	_ fs.NodeLookuper  = (*DirectoryNode)(nil)
	_ fs.NodeReaddirer = (*DirectoryNode)(nil)
	_ fs.NodeGetattrer = (*DirectoryNode)(nil)
	_ fs.NodeSetattrer = (*DirectoryNode)(nil)
	_ fs.NodeCreater   = (*DirectoryNode)(nil)
	_ fs.NodeMknoder   = (*DirectoryNode)(nil)
	_ fs.NodeMkdirer   = (*DirectoryNode)(nil)
	_ fs.NodeUnlinker  = (*DirectoryNode)(nil)
	_ fs.NodeRmdirer   = (*DirectoryNode)(nil)
	_ fs.NodeRenamer   = (*DirectoryNode)(nil)
	_ fs.NodeSymlinker = (*DirectoryNode)(nil)
	_ fs.NodeLinker    = (*DirectoryNode)(nil)
	_ fs.NodeStatfser  = (*DirectoryNode)(nil)
)

// Lookup looks up a child node by name
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.fsys.stats.update(func(s *FilesystemStats) { s.Lookups++ })

	ctx = callerContext(ctx)
	info, err := n.fsys.backend.Stat(ctx, utils.PathFromKey(name))
	if err != nil {
		return nil, n.fsys.stats.errno(err)
	}

	fillAttr(info, &out.Attr)
	return n.newFileInode(ctx, name), 0
}

// Readdir lists the keys currently held by memcached
func (n *DirectoryNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.fsys.backend.ReadDir(callerContext(ctx), "/")
	if err != nil {
		n.fsys.logger.Warn().Err(err).Msg("readdir failed")
		return nil, n.fsys.stats.errno(err)
	}

	// The backend's "." and ".." are passed through; go-fuse does not add them.
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(fuse.S_IFREG)
		if e.Type == filesystem.FileTypeDirectory {
			mode = fuse.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode})
	}

	return fs.NewListDirStream(out), 0
}

// Getattr gets directory attributes
func (n *DirectoryNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := n.fsys.backend.Stat(callerContext(ctx), "/")
	if err != nil {
		return n.fsys.stats.errno(err)
	}
	fillAttr(info, &out.Attr)
	return 0
}

// Setattr accepts timestamp updates on the root and refuses everything else
func (n *DirectoryNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if errno := n.fsys.setattr(callerContext(ctx), "/", nil, in); errno != 0 {
		return errno
	}
	return n.Getattr(ctx, fh, out)
}

// Create creates a new file
func (n *DirectoryNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (node *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	ctx = callerContext(ctx)
	path := utils.PathFromKey(name)

	handle, err := n.fsys.backend.Create(ctx, path, fileMode(mode))
	if err != nil {
		return nil, nil, 0, n.fsys.stats.errno(err)
	}
	n.fsys.stats.update(func(s *FilesystemStats) { s.Creates++ })

	uid, gid := filesystem.GetCaller(ctx)
	fillAttr(filesystem.FileInfo{Name_: name, Mode_: 0666, ModTime_: time.Now(), Uid: uid, Gid: gid, Nlink: 1}, &out.Attr)

	return n.newFileInode(ctx, name), n.fsys.newFileHandle(path, handle), n.fsys.openFlags(), 0
}

// Mknod creates an empty regular file
func (n *DirectoryNode) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ctx = callerContext(ctx)
	path := utils.PathFromKey(name)

	if err := n.fsys.backend.Mknod(ctx, path, fileMode(mode)); err != nil {
		return nil, n.fsys.stats.errno(err)
	}
	n.fsys.stats.update(func(s *FilesystemStats) { s.Creates++ })

	info, err := n.fsys.backend.Stat(ctx, path)
	if err != nil {
		return nil, n.fsys.stats.errno(err)
	}
	fillAttr(info, &out.Attr)
	return n.newFileInode(ctx, name), 0
}

// Mkdir is refused; the namespace is flat
func (n *DirectoryNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	err := n.fsys.backend.Mkdir(callerContext(ctx), utils.PathFromKey(name), os.FileMode(mode))
	return nil, n.fsys.stats.errno(err)
}

// Unlink deletes a key
func (n *DirectoryNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if err := n.fsys.backend.Remove(callerContext(ctx), utils.PathFromKey(name)); err != nil {
		return n.fsys.stats.errno(err)
	}
	n.fsys.stats.update(func(s *FilesystemStats) { s.Deletes++ })
	return 0
}

// Rmdir deletes a key, exactly like Unlink
func (n *DirectoryNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if err := n.fsys.backend.Rmdir(callerContext(ctx), utils.PathFromKey(name)); err != nil {
		return n.fsys.stats.errno(err)
	}
	n.fsys.stats.update(func(s *FilesystemStats) { s.Deletes++ })
	return 0
}

// Rename moves a value to a new key. The only directory is the root, so
// newParent is always n.
func (n *DirectoryNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	err := n.fsys.backend.Rename(callerContext(ctx), utils.PathFromKey(name), utils.PathFromKey(newName), flags)
	return n.fsys.stats.errno(err)
}

// Symlink is refused
func (n *DirectoryNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	err := n.fsys.backend.Symlink(callerContext(ctx), target, utils.PathFromKey(name))
	return nil, n.fsys.stats.errno(err)
}

// Link is refused
func (n *DirectoryNode) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	oldPath := "/"
	if f, ok := target.(*FileNode); ok {
		oldPath = f.path
	}
	err := n.fsys.backend.Link(callerContext(ctx), oldPath, utils.PathFromKey(name))
	return nil, n.fsys.stats.errno(err)
}

// Statfs reports synthetic filesystem statistics
func (n *DirectoryNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, err := n.fsys.backend.Statfs(callerContext(ctx), "/")
	if err != nil {
		return n.fsys.stats.errno(err)
	}
	fillStatfs(st, out)
	return 0
}

func fillStatfs(st filesystem.StatfsInfo, out *fuse.StatfsOut) {
	out.Bsize = st.BlockSize
	out.Frsize = st.BlockSize
	if st.BlockSize > 0 {
		out.Blocks = st.TotalBytes / uint64(st.BlockSize)
		out.Bfree = st.FreeBytes / uint64(st.BlockSize)
		out.Bavail = st.AvailBytes / uint64(st.BlockSize)
	}
	out.Files = st.TotalInodes
	out.Ffree = st.FreeInodes
	out.NameLen = st.MaxNameLength
}

func (n *DirectoryNode) newFileInode(ctx context.Context, name string) *fs.Inode {
	return n.NewInode(ctx, &FileNode{fsys: n.fsys, path: utils.PathFromKey(name)}, fs.StableAttr{
		Mode: fuse.S_IFREG,
	})
}

// FileNode is a single key.
type FileNode struct {
	fs.Inode
	fsys *FileSystem
	path string
}

var (
	_ fs.NodeOpener     = (*FileNode)(nil)
	_ fs.NodeGetattrer  = (*FileNode)(nil)
	_ fs.NodeSetattrer  = (*FileNode)(nil)
	_ fs.NodeReadlinker = (*FileNode)(nil)
)

// Open loads the value into a session buffer
func (f *FileNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	f.fsys.stats.update(func(s *FilesystemStats) { s.Opens++ })

	handle, err := f.fsys.backend.Open(callerContext(ctx), f.path, int(flags))
	if err != nil {
		return nil, 0, f.fsys.stats.errno(err)
	}

	return f.fsys.newFileHandle(f.path, handle), f.fsys.openFlags(), 0
}

// Getattr gets file attributes
func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := f.fsys.backend.Stat(callerContext(ctx), f.path)
	if err != nil {
		return f.fsys.stats.errno(err)
	}
	fillAttr(info, &out.Attr)
	return 0
}

// Setattr handles truncation and timestamp updates
func (f *FileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	handle, _ := fh.(*FileHandle)
	if errno := f.fsys.setattr(callerContext(ctx), f.path, handle, in); errno != 0 {
		return errno
	}
	return f.Getattr(ctx, fh, out)
}

// Readlink is refused
func (f *FileNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	_, err := f.fsys.backend.Readlink(callerContext(ctx), f.path)
	return nil, f.fsys.stats.errno(err)
}

func (fsys *FileSystem) setattr(ctx context.Context, path string, fh *FileHandle, in *fuse.SetAttrIn) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		var err error
		if fh != nil {
			err = fsys.backend.TruncateHandle(ctx, fh.handle, int64(size))
		} else {
			err = fsys.backend.Truncate(ctx, path, int64(size))
		}
		if err != nil {
			return fsys.stats.errno(err)
		}
	}

	if mode, ok := in.GetMode(); ok {
		if err := fsys.backend.Chmod(ctx, path, os.FileMode(mode)); err != nil {
			return fsys.stats.errno(err)
		}
	}

	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		if err := fsys.backend.Chown(ctx, path, int(uid), int(gid)); err != nil {
			return fsys.stats.errno(err)
		}
	}

	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		if err := fsys.backend.Utimes(ctx, path, atime, mtime); err != nil {
			return fsys.stats.errno(err)
		}
	}

	return 0
}

func (fsys *FileSystem) openFlags() uint32 {
	if fsys.config.DirectIO {
		return fuse.FOPEN_DIRECT_IO
	}
	return 0
}

func fileMode(mode uint32) os.FileMode {
	perm := os.FileMode(mode).Perm()
	switch mode & syscall.S_IFMT {
	case 0, syscall.S_IFREG:
		return perm
	case syscall.S_IFDIR:
		return perm | os.ModeDir
	case syscall.S_IFIFO:
		return perm | os.ModeNamedPipe
	case syscall.S_IFSOCK:
		return perm | os.ModeSocket
	case syscall.S_IFLNK:
		return perm | os.ModeSymlink
	case syscall.S_IFCHR:
		return perm | os.ModeDevice | os.ModeCharDevice
	default:
		return perm | os.ModeDevice
	}
}

// FileHandle represents an open file handle
type FileHandle struct {
	fsys   *FileSystem
	path   string
	handle filesystem.FileHandle
}

var (
	_ fs.FileReader   = (*FileHandle)(nil)
	_ fs.FileWriter   = (*FileHandle)(nil)
	_ fs.FileFlusher  = (*FileHandle)(nil)
	_ fs.FileFsyncer  = (*FileHandle)(nil)
	_ fs.FileReleaser = (*FileHandle)(nil)
)

func (fsys *FileSystem) newFileHandle(path string, handle filesystem.FileHandle) *FileHandle {
	return &FileHandle{fsys: fsys, path: path, handle: handle}
}

// Read reads data from the session buffer
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := fh.fsys.backend.Read(ctx, fh.handle, dest, off)
	if err != nil {
		return nil, fh.fsys.stats.errno(err)
	}

	fh.fsys.stats.update(func(s *FilesystemStats) {
		s.Reads++
		s.BytesRead += int64(n)
	})
	return fuse.ReadResultData(dest[:n]), 0
}

// Write writes data into the session buffer
func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (written uint32, errno syscall.Errno) {
	n, err := fh.fsys.backend.Write(ctx, fh.handle, data, off)
	if err != nil {
		return 0, fh.fsys.stats.errno(err)
	}

	fh.fsys.stats.update(func(s *FilesystemStats) {
		s.Writes++
		s.BytesWritten += int64(n)
	})
	return safeIntToUint32(n), 0
}

// Flush stores the buffer in memcached
func (fh *FileHandle) Flush(ctx context.Context) syscall.Errno {
	return fh.fsys.stats.errno(fh.fsys.backend.Flush(ctx, fh.handle))
}

// Fsync stores the buffer in memcached
func (fh *FileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return fh.fsys.stats.errno(fh.fsys.backend.Fsync(ctx, fh.handle))
}

// Release returns the session to the pool
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	return fh.fsys.stats.errno(fh.fsys.backend.Release(ctx, fh.handle))
}
