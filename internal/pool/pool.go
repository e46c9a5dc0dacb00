package pool

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/memcachefs/memcachefs/pkg/errors"
)

// Session is one backing-store connection owned by a handle.
type Session interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Factory opens the session for the handle at index.
type Factory func(ctx context.Context, index int) (Session, error)

// Config sizes a pool
type Config struct {
	Size       int `yaml:"size"`
	BufferSize int `yaml:"buffer_size"`
}

// Pool is a fixed set of handles. Checkout never blocks: when every handle is
// taken the caller gets a resource exhausted error immediately.
type Pool struct {
	handles []*Handle // immutable after New

	mu     sync.Mutex
	inUse  []bool
	closed bool
	stats  Stats
}

// Stats tracks pool usage
type Stats struct {
	Size       int   `json:"size"`
	InUse      int   `json:"in_use"`
	Checkouts  int64 `json:"checkouts"`
	Releases   int64 `json:"releases"`
	Exhausted  int64 `json:"exhausted"`
	BufferSize int   `json:"buffer_size"`
}

// New opens cfg.Size sessions through factory. If any of them fails, the
// sessions already opened are closed and the pool is not created.
func New(ctx context.Context, cfg Config, factory Factory) (*Pool, error) {
	if cfg.Size <= 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "pool size must be greater than 0").
			WithComponent("pool").WithDetail("size", cfg.Size)
	}
	if cfg.BufferSize <= 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "buffer size must be greater than 0").
			WithComponent("pool").WithDetail("buffer_size", cfg.BufferSize)
	}
	if factory == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "session factory cannot be nil").
			WithComponent("pool")
	}

	p := &Pool{
		handles: make([]*Handle, 0, cfg.Size),
		inUse:   make([]bool, cfg.Size),
		stats: Stats{
			Size:       cfg.Size,
			BufferSize: cfg.BufferSize,
		},
	}

	for i := 0; i < cfg.Size; i++ {
		session, err := factory(ctx, i)
		if err != nil {
			cleanupErr := p.closeSessions()
			return nil, errors.NewError(errors.ErrCodeConnectionFailed,
				fmt.Sprintf("failed to open session %d of %d", i+1, cfg.Size)).
				WithComponent("pool").
				WithOperation("new").
				WithCause(multierr.Append(err, cleanupErr))
		}
		p.handles = append(p.handles, newHandle(i, session, cfg.BufferSize))
	}

	return p, nil
}

// Checkout claims the first free handle. The handle comes back with an empty
// buffer and no session key.
func (p *Pool) Checkout() (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.NewError(errors.ErrCodeNotInitialized, "pool is closed").
			WithComponent("pool").WithOperation("checkout")
	}

	for i, busy := range p.inUse {
		if busy {
			continue
		}
		p.inUse[i] = true
		p.stats.Checkouts++
		h := p.handles[i]
		h.reset()
		return h, nil
	}

	p.stats.Exhausted++
	return nil, errors.NewError(errors.ErrCodeResourceExhausted, "all handles are in use").
		WithComponent("pool").
		WithOperation("checkout").
		WithDetail("size", len(p.handles))
}

// Release marks the handle at index free. Ownership is not checked and
// indices outside the pool are ignored.
func (p *Pool) Release(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.inUse) {
		return
	}
	if p.inUse[index] {
		p.inUse[index] = false
		p.stats.Releases++
	}
}

// Handle returns the handle for a session token, or nil if there is none.
func (p *Pool) Handle(index int) *Handle {
	if index < 0 || index >= len(p.handles) {
		return nil
	}
	return p.handles[index]
}

// InUse reports whether the handle at index is checked out.
func (p *Pool) InUse(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return index >= 0 && index < len(p.inUse) && p.inUse[index]
}

// Size returns the number of handles.
func (p *Pool) Size() int {
	return len(p.handles)
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	for _, busy := range p.inUse {
		if busy {
			stats.InUse++
		}
	}
	return stats
}

// Close closes every session. The pool cannot be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return p.closeSessions()
}

func (p *Pool) closeSessions() error {
	var err error
	for _, h := range p.handles {
		err = multierr.Append(err, h.session.Close())
	}
	return err
}
