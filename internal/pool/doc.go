/*
Package pool provides the fixed-size handle pool that serves open files.

Each Handle owns one backing-store Session and one private buffer of
BufferSize bytes. Opening a file checks a handle out, loads the value into its
buffer, and hands the handle's index to the kernel as the file handle; every
later read and write on that file goes through the same handle until release.

	p, err := pool.New(ctx, pool.Config{Size: 10, BufferSize: 1 << 20}, factory)
	h, err := p.Checkout()      // RESOURCE_EXHAUSTED when all are taken
	defer p.Release(h.Index())

Checkout never waits. The in-use flags are the only state shared between
callers and are guarded by a single mutex; a handle's buffer belongs to its
holder alone.
*/
package pool
