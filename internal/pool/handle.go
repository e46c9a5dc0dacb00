package pool

import (
	"fmt"

	"github.com/memcachefs/memcachefs/pkg/errors"
)

// Handle is one reusable session with its private value buffer. A handle is
// used by one holder at a time, so its buffer needs no locking.
type Handle struct {
	index   int
	session Session
	buf     []byte // fixed capacity, allocated once
	length  int
	key     string
}

func newHandle(index int, session Session, capacity int) *Handle {
	return &Handle{
		index:   index,
		session: session,
		buf:     make([]byte, capacity),
	}
}

// Index is the handle's stable position in the pool.
func (h *Handle) Index() int { return h.index }

// Session returns the backing-store session owned by the handle.
func (h *Handle) Session() Session { return h.session }

// Key returns the key of the file the current holder opened.
func (h *Handle) Key() string { return h.key }

// SetKey records the key of the file the current holder opened.
func (h *Handle) SetKey(key string) { h.key = key }

// Len returns the number of valid bytes in the buffer.
func (h *Handle) Len() int { return h.length }

// Cap returns the buffer capacity.
func (h *Handle) Cap() int { return len(h.buf) }

// Bytes returns the valid part of the buffer. The slice aliases the buffer.
func (h *Handle) Bytes() []byte { return h.buf[:h.length] }

// Load replaces the buffer contents with value.
func (h *Handle) Load(value []byte) error {
	if len(value) > len(h.buf) {
		return errors.NewError(errors.ErrCodeIO,
			fmt.Sprintf("value of %d bytes exceeds buffer of %d bytes", len(value), len(h.buf))).
			WithComponent("pool").WithOperation("load").WithKey(h.key)
	}
	h.length = copy(h.buf, value)
	return nil
}

// ReadAt copies buffered bytes starting at off into p and returns how many
// were copied. Reading at or past the end copies nothing.
func (h *Handle) ReadAt(p []byte, off int64) int {
	if off < 0 || off >= int64(h.length) {
		return 0
	}
	return copy(p, h.buf[off:h.length])
}

// WriteAt copies p into the buffer at off, extending the valid length when
// the write ends past it. A hole between the old length and off reads as
// zeros. A write that would end beyond the capacity fails
// and leaves the buffer untouched.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.NewError(errors.ErrCodeIO, "negative offset").
			WithComponent("pool").WithOperation("write").WithKey(h.key)
	}
	if capacity := int64(len(h.buf)); off > capacity || int64(len(p)) > capacity-off {
		return 0, errors.NewError(errors.ErrCodeTooLarge,
			fmt.Sprintf("write of %d bytes at %d exceeds buffer of %d bytes", len(p), off, len(h.buf))).
			WithComponent("pool").WithOperation("write").WithKey(h.key)
	}

	if gap := int(off); gap > h.length {
		clear(h.buf[h.length:gap])
	}
	n := copy(h.buf[off:], p)
	if end := int(off) + n; end > h.length {
		h.length = end
	}
	return n, nil
}

// Truncate drops buffered bytes past size. Growing is not supported.
func (h *Handle) Truncate(size int) {
	if size >= 0 && size < h.length {
		h.length = size
	}
}

func (h *Handle) reset() {
	h.length = 0
	h.key = ""
}
