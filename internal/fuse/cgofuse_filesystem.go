//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	cgofuse "github.com/winfsp/cgofuse/fuse"

	"github.com/memcachefs/memcachefs/internal/filesystem"
	"github.com/memcachefs/memcachefs/pkg/utils"
)

// CgoFuseFS serves a filesystem.FilesystemInterface through the cgofuse path
// API, for platforms where go-fuse is unavailable.
type CgoFuseFS struct {
	cgofuse.FileSystemBase

	backend filesystem.FilesystemInterface
	config  *MountConfig
	logger  zerolog.Logger
	stats   stats

	mu      sync.Mutex
	host    *cgofuse.FileSystemHost
	mounted bool
	done    chan struct{}
}

// NewCgoFuseFS creates a new cgofuse-based filesystem
func NewCgoFuseFS(backend filesystem.FilesystemInterface, config *MountConfig, logger zerolog.Logger) *CgoFuseFS {
	return &CgoFuseFS{
		backend: backend,
		config:  config,
		logger:  logger.With().Str("component", "cgofuse").Logger(),
	}
}

// Mount mounts the filesystem and serves it until Unmount.
func (c *CgoFuseFS) Mount(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mounted {
		return fmt.Errorf("filesystem already mounted")
	}

	c.host = cgofuse.NewFileSystemHost(c)
	c.done = make(chan struct{})
	options := c.mountOptions()

	go func(host *cgofuse.FileSystemHost, done chan struct{}) {
		defer close(done)
		if !host.Mount(c.config.MountPoint, options) {
			c.logger.Error().Str("mountpoint", c.config.MountPoint).Msg("mount failed")
		}
		c.mu.Lock()
		c.mounted = false
		c.mu.Unlock()
	}(c.host, c.done)

	// Mount only returns once the filesystem is gone; give it a moment to
	// fail early on a bad mount point.
	select {
	case <-c.done:
		return fmt.Errorf("failed to mount filesystem at %s", c.config.MountPoint)
	case <-time.After(100 * time.Millisecond):
	}

	c.mounted = true
	c.logger.Info().Str("mountpoint", c.config.MountPoint).Msg("filesystem mounted")
	return nil
}

func (c *CgoFuseFS) mountOptions() []string {
	o := c.config.Options
	options := []string{"-o", "fsname=" + o.FSName}
	if o.Subtype != "" {
		options = append(options, "-o", "subtype="+o.Subtype)
	}
	if o.AllowOther {
		options = append(options, "-o", "allow_other")
	}
	if o.DirectIO {
		options = append(options, "-o", "direct_io")
	}
	if o.AttrTimeout > 0 {
		options = append(options, "-o", fmt.Sprintf("attr_timeout=%g", o.AttrTimeout.Seconds()))
	}
	if o.EntryTimeout > 0 {
		options = append(options, "-o", fmt.Sprintf("entry_timeout=%g", o.EntryTimeout.Seconds()))
	}
	if o.Debug {
		options = append(options, "-d")
	}
	return options
}

// Unmount unmounts the filesystem
func (c *CgoFuseFS) Unmount() error {
	c.mu.Lock()
	host := c.host
	mounted := c.mounted
	c.mu.Unlock()

	if !mounted || host == nil {
		return fmt.Errorf("filesystem not mounted")
	}
	if !host.Unmount() {
		return fmt.Errorf("unmount of %s failed", c.config.MountPoint)
	}

	c.mu.Lock()
	c.mounted = false
	c.mu.Unlock()
	c.logger.Info().Str("mountpoint", c.config.MountPoint).Msg("filesystem unmounted")
	return nil
}

// IsMounted returns whether the filesystem is mounted
func (c *CgoFuseFS) IsMounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mounted
}

// Wait blocks until the host stops serving.
func (c *CgoFuseFS) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// GetStats returns filesystem statistics
func (c *CgoFuseFS) GetStats() *FilesystemStats {
	return c.stats.snapshot()
}

// FUSE Operations Implementation

func (c *CgoFuseFS) callerContext() context.Context {
	uid, gid, _ := cgofuse.Getcontext()
	return filesystem.WithCaller(context.Background(), "cgofuse", uid, gid)
}

func (c *CgoFuseFS) errc(err error) int {
	return -int(c.stats.errno(err))
}

// Getattr gets file attributes
func (c *CgoFuseFS) Getattr(path string, stat *cgofuse.Stat_t, fh uint64) int {
	if !utils.IsRoot(path) {
		c.stats.update(func(s *FilesystemStats) { s.Lookups++ })
	}
	info, err := c.backend.Stat(c.callerContext(), path)
	if err != nil {
		return c.errc(err)
	}
	fillStat(stat, info)
	return 0
}

// Open loads the value into a session buffer
func (c *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	c.stats.update(func(s *FilesystemStats) { s.Opens++ })
	handle, err := c.backend.Open(c.callerContext(), path, flags)
	if err != nil {
		return c.errc(err), ^uint64(0)
	}
	return 0, uint64(handle)
}

// Create creates an empty value and opens it
func (c *CgoFuseFS) Create(path string, flags int, mode uint32) (int, uint64) {
	handle, err := c.backend.Create(c.callerContext(), path, fileMode(mode))
	if err != nil {
		return c.errc(err), ^uint64(0)
	}
	c.stats.update(func(s *FilesystemStats) { s.Creates++ })
	return 0, uint64(handle)
}

// Mknod creates an empty value
func (c *CgoFuseFS) Mknod(path string, mode uint32, dev uint64) int {
	if err := c.backend.Mknod(c.callerContext(), path, fileMode(mode)); err != nil {
		return c.errc(err)
	}
	c.stats.update(func(s *FilesystemStats) { s.Creates++ })
	return 0
}

// Read reads from the session buffer
func (c *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	n, err := c.backend.Read(c.callerContext(), filesystem.FileHandle(fh), buff, ofst)
	if err != nil {
		return c.errc(err)
	}
	c.stats.update(func(s *FilesystemStats) {
		s.Reads++
		s.BytesRead += int64(n)
	})
	return n
}

// Write writes into the session buffer
func (c *CgoFuseFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	n, err := c.backend.Write(c.callerContext(), filesystem.FileHandle(fh), buff, ofst)
	if err != nil {
		return c.errc(err)
	}
	c.stats.update(func(s *FilesystemStats) {
		s.Writes++
		s.BytesWritten += int64(n)
	})
	return n
}

// Flush stores the buffer in memcached
func (c *CgoFuseFS) Flush(path string, fh uint64) int {
	return c.errc(c.backend.Flush(c.callerContext(), filesystem.FileHandle(fh)))
}

// Fsync stores the buffer in memcached
func (c *CgoFuseFS) Fsync(path string, datasync bool, fh uint64) int {
	return c.errc(c.backend.Fsync(c.callerContext(), filesystem.FileHandle(fh)))
}

// Release returns the session to the pool
func (c *CgoFuseFS) Release(path string, fh uint64) int {
	return c.errc(c.backend.Release(c.callerContext(), filesystem.FileHandle(fh)))
}

// Truncate empties a value, through the open handle when there is one
func (c *CgoFuseFS) Truncate(path string, size int64, fh uint64) int {
	if fh != ^uint64(0) {
		return c.errc(c.backend.TruncateHandle(c.callerContext(), filesystem.FileHandle(fh), size))
	}
	return c.errc(c.backend.Truncate(c.callerContext(), path, size))
}

// Readdir lists the keys currently held by memcached
func (c *CgoFuseFS) Readdir(path string, fill func(name string, stat *cgofuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	entries, err := c.backend.ReadDir(c.callerContext(), path)
	if err != nil {
		c.logger.Warn().Err(err).Msg("readdir failed")
		return c.errc(err)
	}

	fillDir(entries, fill)
	return 0
}

// fillDir hands every entry, "." and ".." included, to the host's filler.
func fillDir(entries []filesystem.DirEntry, fill func(name string, stat *cgofuse.Stat_t, ofst int64) bool) {
	for _, e := range entries {
		st := &cgofuse.Stat_t{Mode: cgofuse.S_IFREG | 0666, Nlink: 1}
		if e.Type == filesystem.FileTypeDirectory {
			st.Mode = cgofuse.S_IFDIR | 0755
		}
		if !fill(e.Name, st, 0) {
			return
		}
	}
}

// Mkdir is refused
func (c *CgoFuseFS) Mkdir(path string, mode uint32) int {
	return c.errc(c.backend.Mkdir(c.callerContext(), path, os.FileMode(mode)))
}

// Unlink deletes a key
func (c *CgoFuseFS) Unlink(path string) int {
	if err := c.backend.Remove(c.callerContext(), path); err != nil {
		return c.errc(err)
	}
	c.stats.update(func(s *FilesystemStats) { s.Deletes++ })
	return 0
}

// Rmdir deletes a key
func (c *CgoFuseFS) Rmdir(path string) int {
	if err := c.backend.Rmdir(c.callerContext(), path); err != nil {
		return c.errc(err)
	}
	c.stats.update(func(s *FilesystemStats) { s.Deletes++ })
	return 0
}

// Rename moves a value to a new key
func (c *CgoFuseFS) Rename(oldpath string, newpath string) int {
	return c.errc(c.backend.Rename(c.callerContext(), oldpath, newpath, 0))
}

// Chmod is refused
func (c *CgoFuseFS) Chmod(path string, mode uint32) int {
	return c.errc(c.backend.Chmod(c.callerContext(), path, os.FileMode(mode)))
}

// Chown is refused
func (c *CgoFuseFS) Chown(path string, uid uint32, gid uint32) int {
	return c.errc(c.backend.Chown(c.callerContext(), path, int(uid), int(gid)))
}

// Utimens accepts and ignores timestamp updates
func (c *CgoFuseFS) Utimens(path string, tmsp []cgofuse.Timespec) int {
	atime, mtime := time.Now(), time.Now()
	if len(tmsp) == 2 {
		atime, mtime = tmsp[0].Time(), tmsp[1].Time()
	}
	return c.errc(c.backend.Utimes(c.callerContext(), path, atime, mtime))
}

// Link is refused
func (c *CgoFuseFS) Link(oldpath string, newpath string) int {
	return c.errc(c.backend.Link(c.callerContext(), oldpath, newpath))
}

// Symlink is refused
func (c *CgoFuseFS) Symlink(target string, newpath string) int {
	return c.errc(c.backend.Symlink(c.callerContext(), target, newpath))
}

// Readlink is refused
func (c *CgoFuseFS) Readlink(path string) (int, string) {
	target, err := c.backend.Readlink(c.callerContext(), path)
	return c.errc(err), target
}

// Statfs reports synthetic filesystem statistics
func (c *CgoFuseFS) Statfs(path string, stat *cgofuse.Statfs_t) int {
	st, err := c.backend.Statfs(c.callerContext(), path)
	if err != nil {
		return c.errc(err)
	}
	stat.Bsize = uint64(st.BlockSize)
	stat.Frsize = uint64(st.BlockSize)
	if st.BlockSize > 0 {
		stat.Blocks = st.TotalBytes / uint64(st.BlockSize)
		stat.Bfree = st.FreeBytes / uint64(st.BlockSize)
		stat.Bavail = st.AvailBytes / uint64(st.BlockSize)
	}
	stat.Files = st.TotalInodes
	stat.Ffree = st.FreeInodes
	stat.Favail = st.FreeInodes
	stat.Namemax = uint64(st.MaxNameLength)
	return 0
}

func fillStat(stat *cgofuse.Stat_t, info filesystem.FileInfo) {
	if info.IsDir() {
		stat.Mode = cgofuse.S_IFDIR | uint32(info.Mode().Perm())
	} else {
		stat.Mode = cgofuse.S_IFREG | uint32(info.Mode().Perm())
	}
	stat.Size = info.Size()
	stat.Nlink = info.Nlink
	stat.Uid = info.Uid
	stat.Gid = info.Gid
	stat.Blksize = 4096
	stat.Blocks = (info.Size() + 511) / 512

	ts := cgofuse.NewTimespec(info.ModTime())
	stat.Atim, stat.Mtim, stat.Ctim, stat.Birthtim = ts, ts, ts, ts
}
