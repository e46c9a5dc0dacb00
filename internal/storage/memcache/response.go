package memcache

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"strconv"
)

var terminators = [][]byte{
	[]byte("END"),
	[]byte("ERROR"),
	[]byte("CLIENT_ERROR"),
	[]byte("SERVER_ERROR"),
}

// errResponseTooLarge is returned when a reply does not fit maxSize.
var errResponseTooLarge = stderrors.New("response exceeds maximum size")

// readResponse reads one introspection reply in chunkSize reads. The reply is
// complete once the buffer ends with a terminating line, or when a read comes
// back short and leaves the buffer on a line boundary.
func readResponse(r io.Reader, chunkSize, maxSize int) ([]byte, error) {
	buf := make([]byte, 0, chunkSize)
	for {
		want := chunkSize
		if room := maxSize - len(buf); room < want {
			if room <= 0 {
				return nil, fmt.Errorf("%w (%d bytes)", errResponseTooLarge, maxSize)
			}
			want = room
		}
		if cap(buf)-len(buf) < want {
			grown := make([]byte, len(buf), 2*cap(buf)+want)
			copy(grown, buf)
			buf = grown
		}

		n, err := r.Read(buf[len(buf) : len(buf)+want])
		buf = buf[:len(buf)+n]

		if endsWithTerminator(buf) {
			return buf, nil
		}
		if err != nil {
			if err == io.EOF && len(buf) > 0 && buf[len(buf)-1] == '\n' {
				return buf, nil
			}
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if n > 0 && n < want && buf[len(buf)-1] == '\n' {
			return buf, nil
		}
	}
}

// endsWithTerminator reports whether the last complete line of buf is END,
// ERROR, CLIENT_ERROR or SERVER_ERROR.
func endsWithTerminator(buf []byte) bool {
	if len(buf) == 0 || buf[len(buf)-1] != '\n' {
		return false
	}
	body := buf[:len(buf)-1]
	start := bytes.LastIndexByte(body, '\n') + 1
	last := bytes.TrimSuffix(body[start:], []byte("\r"))
	for _, t := range terminators {
		if bytes.Equal(last, t) || (len(last) > len(t) && bytes.HasPrefix(last, t) && last[len(t)] == ' ') {
			return true
		}
	}
	return false
}

// eachLine calls fn for every LF terminated line with any trailing CR
// removed. A trailing fragment without LF counts as a line. Lines longer than
// maxLen are reported as oversized and truncated to maxLen. Iteration stops
// when fn returns false.
func eachLine(buf []byte, maxLen int, fn func(line []byte, oversized bool) bool) {
	for len(buf) > 0 {
		var line []byte
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			line, buf = buf[:i], buf[i+1:]
		} else {
			line, buf = buf, nil
		}
		line = bytes.TrimSuffix(line, []byte("\r"))

		oversized := len(line) > maxLen
		if oversized {
			line = line[:maxLen]
		}
		if !fn(line, oversized) {
			return
		}
	}
}

// parseItemsLine recognises "STAT items:<slab>:number <count>". Other
// counters of the same slab class are not matches.
func parseItemsLine(line []byte) (slab int, count uint64, ok bool) {
	fields := bytes.Fields(line)
	if len(fields) != 3 || !bytes.Equal(fields[0], []byte("STAT")) {
		return 0, 0, false
	}

	parts := bytes.Split(fields[1], []byte(":"))
	if len(parts) != 3 || !bytes.Equal(parts[0], []byte("items")) || !bytes.Equal(parts[2], []byte("number")) {
		return 0, 0, false
	}

	slab, err := strconv.Atoi(string(parts[1]))
	if err != nil || slab <= 0 {
		return 0, 0, false
	}
	count, err = strconv.ParseUint(string(fields[2]), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return slab, count, true
}

// parseItemLine recognises "ITEM <key> [<bytes> b; <exptime> s]" and returns
// the key.
func parseItemLine(line []byte) (string, bool) {
	if !bytes.HasPrefix(line, []byte("ITEM ")) {
		return "", false
	}
	rest := line[len("ITEM "):]

	sp := bytes.IndexByte(rest, ' ')
	if sp <= 0 {
		return "", false
	}
	key, meta := rest[:sp], bytes.TrimSpace(rest[sp+1:])
	if len(meta) < 2 || meta[0] != '[' || meta[len(meta)-1] != ']' {
		return "", false
	}
	return string(key), true
}

// isEnd reports whether line is the END terminator.
func isEnd(line []byte) bool {
	return bytes.Equal(line, []byte("END"))
}
