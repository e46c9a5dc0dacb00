// Package memcachetest runs an in-process memcached speaking enough of the
// text protocol for tests: get/gets, set, delete, version, stats items and
// stats cachedump.
package memcachetest

import (
	"bufio"
	"fmt"
	"io"
	"math/bits"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Server is a fake memcached bound to a loopback port.
type Server struct {
	ln net.Listener

	mu         sync.Mutex
	items      map[string][]byte
	overrides  map[string]string
	failWrites bool
	commands   map[string]int
	conns      map[net.Conn]struct{}
	closed     bool

	wg sync.WaitGroup
}

// New starts a server and registers its shutdown with t.
func New(t testing.TB) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("memcachetest: listen: %v", err)
	}

	s := &Server{
		ln:        ln,
		items:     make(map[string][]byte),
		overrides: make(map[string]string),
		commands:  make(map[string]int),
		conns:     make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(s.Close)
	return s
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Host returns the listening IP.
func (s *Server) Host() string {
	return s.ln.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Put stores a value directly, bypassing the protocol.
func (s *Server) Put(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = append([]byte(nil), value...)
}

// Value returns the stored value for key.
func (s *Server) Value(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Keys returns every stored key, sorted.
func (s *Server) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FailWrites makes every set answer SERVER_ERROR while enabled.
func (s *Server) FailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = fail
}

// Override answers the exact command line (without CRLF) with a raw
// response instead of the computed one.
func (s *Server) Override(command, response string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[command] = response
}

// Commands returns how many requests with the given verb were served.
func (s *Server) Commands(verb string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[verb]
}

// Close stops the listener and drops every client connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.ln.Close()
	s.wg.Wait()
}

// SlabFor returns the slab class an item of the given total size lands in.
func SlabFor(size int) int {
	return 1 + bits.Len(uint(size)/64)
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if !s.dispatch(line, r, w) {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(line string, r *bufio.Reader, w *bufio.Writer) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		w.WriteString("ERROR\r\n")
		return true
	}

	s.mu.Lock()
	s.commands[fields[0]]++
	raw, overridden := s.overrides[line]
	s.mu.Unlock()
	if overridden {
		w.WriteString(raw)
		return true
	}

	switch fields[0] {
	case "get", "gets":
		s.get(fields[0] == "gets", fields[1:], w)
	case "set":
		return s.set(fields, r, w)
	case "delete":
		s.delete(fields, w)
	case "version":
		w.WriteString("VERSION 1.6.21\r\n")
	case "stats":
		s.stats(fields[1:], w)
	case "quit":
		return false
	default:
		w.WriteString("ERROR\r\n")
	}
	return true
}

func (s *Server) get(withCAS bool, keys []string, w *bufio.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		v, ok := s.items[key]
		if !ok {
			continue
		}
		if withCAS {
			fmt.Fprintf(w, "VALUE %s 0 %d 1\r\n", key, len(v))
		} else {
			fmt.Fprintf(w, "VALUE %s 0 %d\r\n", key, len(v))
		}
		w.Write(v)
		w.WriteString("\r\n")
	}
	w.WriteString("END\r\n")
}

func (s *Server) set(fields []string, r *bufio.Reader, w *bufio.Writer) bool {
	if len(fields) < 5 {
		w.WriteString("ERROR\r\n")
		return true
	}
	size, err := strconv.Atoi(fields[4])
	if err != nil || size < 0 {
		w.WriteString("CLIENT_ERROR bad data chunk\r\n")
		return false
	}

	data := make([]byte, size+2)
	if _, err := io.ReadFull(r, data); err != nil {
		return false
	}
	if string(data[size:]) != "\r\n" {
		w.WriteString("CLIENT_ERROR bad data chunk\r\n")
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		w.WriteString("SERVER_ERROR out of memory storing object\r\n")
		return true
	}
	s.items[fields[1]] = data[:size]
	w.WriteString("STORED\r\n")
	return true
}

func (s *Server) delete(fields []string, w *bufio.Writer) {
	if len(fields) < 2 {
		w.WriteString("ERROR\r\n")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		w.WriteString("SERVER_ERROR out of memory\r\n")
		return
	}
	if _, ok := s.items[fields[1]]; !ok {
		w.WriteString("NOT_FOUND\r\n")
		return
	}
	delete(s.items, fields[1])
	w.WriteString("DELETED\r\n")
}

func (s *Server) stats(args []string, w *bufio.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySlab := make(map[int][]string)
	for k, v := range s.items {
		slab := SlabFor(len(k) + len(v))
		bySlab[slab] = append(bySlab[slab], k)
	}
	slabs := make([]int, 0, len(bySlab))
	for slab, keys := range bySlab {
		sort.Strings(keys)
		slabs = append(slabs, slab)
	}
	sort.Ints(slabs)

	switch {
	case len(args) == 1 && args[0] == "items":
		for _, slab := range slabs {
			fmt.Fprintf(w, "STAT items:%d:number %d\r\n", slab, len(bySlab[slab]))
			fmt.Fprintf(w, "STAT items:%d:number_hot 0\r\n", slab)
			fmt.Fprintf(w, "STAT items:%d:age 42\r\n", slab)
			fmt.Fprintf(w, "STAT items:%d:evicted 0\r\n", slab)
		}
		w.WriteString("END\r\n")

	case len(args) == 3 && args[0] == "cachedump":
		slab, err1 := strconv.Atoi(args[1])
		limit, err2 := strconv.Atoi(args[2])
		if err1 != nil || err2 != nil {
			w.WriteString("CLIENT_ERROR bad command line format\r\n")
			return
		}
		for i, key := range bySlab[slab] {
			if limit > 0 && i >= limit {
				break
			}
			fmt.Fprintf(w, "ITEM %s [%d b; 0 s]\r\n", key, len(s.items[key]))
		}
		w.WriteString("END\r\n")

	default:
		fmt.Fprintf(w, "STAT curr_items %d\r\n", len(s.items))
		w.WriteString("END\r\n")
	}
}
