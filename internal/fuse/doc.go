/*
Package fuse mounts a memcachefs filesystem into the kernel.

The package translates kernel requests into calls on a
filesystem.FilesystemInterface. Two implementations are selected with
build constraints:

Default build (go-fuse):
- Implementation: github.com/hanwen/go-fuse/v2 node API
- Target: Linux

CGO build (cgofuse):
- Implementation: github.com/winfsp/cgofuse path API
- Target: macOS, Windows, Linux

Build selection:

	go build ./...
	go build -tags cgofuse ./...

# Tree

The mounted tree is a single directory. Every key held by memcached appears
as a regular file directly under the mount point:

	/mnt/cache/
	├── session:42
	├── user:1001
	└── config

Files are opened with direct I/O by default, so reads and writes reach the
session buffer instead of the page cache. close(2) triggers a FLUSH, which
stores the buffer; a process that exits without closing loses its writes.

# Usage

	mgr := fuse.CreatePlatformMountManager(backend, &fuse.MountConfig{
		MountPoint: "/mnt/cache",
		Options:    fuse.DefaultMountOptions(),
	}, logger)

	if err := mgr.Mount(ctx); err != nil {
		return err
	}
	defer mgr.Unmount()
	mgr.Wait()

# Errors

Backend errors carry a code from pkg/errors, converted with errors.ToErrno:
ENOENT for missing keys, EMFILE when no session is free, EFBIG for writes
past the buffer, ENOSYS for operations memcached cannot express, and EIO
for everything else.
*/
package fuse
