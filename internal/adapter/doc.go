/*
Package adapter wires the memcachefs components together and owns their
lifecycle.

	┌──────────────────────────────┐
	│   Kernel VFS / FUSE          │
	└──────────────┬───────────────┘
	               │
	┌──────────────▼───────────────┐
	│   internal/fuse              │  go-fuse or cgofuse mount
	└──────────────┬───────────────┘
	               │
	┌──────────────▼───────────────┐
	│   internal/filesystem        │  flat key namespace, handle buffers
	└───────┬──────────────┬───────┘
	        │              │
	┌───────▼──────┐ ┌─────▼──────────────┐
	│ internal/pool│ │ memcache.Enumerator│
	│  sessions    │ │  stats cachedump   │
	└───────┬──────┘ └─────┬──────────────┘
	        └──────┬───────┘
	          memcached

Start builds the metrics collector, dials every pooled session, creates the
backend and mounts it. A failure at any step tears down what was already
built, so a failed Start leaves nothing running and may be retried. Stop
unmounts, closes the sessions and stops the metrics server; it is safe to
call more than once.

	cfg := config.NewDefault()
	a, err := adapter.New(ctx, "localhost:11211", "/mnt/cache", cfg, logger)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop(context.Background())
	a.Wait()
*/
package adapter
