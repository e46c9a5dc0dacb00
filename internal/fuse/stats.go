package fuse

import (
	"sync"
	"syscall"

	"github.com/memcachefs/memcachefs/pkg/errors"
)

// FilesystemStats represents filesystem operation statistics
type FilesystemStats struct {
	Lookups      int64 `json:"lookups"`
	Opens        int64 `json:"opens"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	Creates      int64 `json:"creates"`
	Deletes      int64 `json:"deletes"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Errors       int64 `json:"errors"`
}

type stats struct {
	mu sync.Mutex
	s  FilesystemStats
}

func (st *stats) update(fn func(s *FilesystemStats)) {
	st.mu.Lock()
	fn(&st.s)
	st.mu.Unlock()
}

func (st *stats) snapshot() *FilesystemStats {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.s
	return &s
}

// errno converts a backend error to the errno returned to the kernel and
// counts it.
func (st *stats) errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	st.update(func(s *FilesystemStats) { s.Errors++ })
	return errors.ToErrno(err)
}

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}
