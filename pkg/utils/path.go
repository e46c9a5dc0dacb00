package utils

import (
	"fmt"
	"strings"
)

// MaxKeyLength is the longest key memcached accepts.
const MaxKeyLength = 250

// IsRoot reports whether path names the filesystem root.
func IsRoot(path string) bool {
	return path == "" || path == "/"
}

// KeyFromPath converts a filesystem path into the cache key it names.
// The namespace is flat: "/foo" names key "foo", and anything containing
// a further separator does not name a key at all.
//
// Example usage:
//
//	key, err := KeyFromPath("/session:42")
//	if err != nil {
//		return syscall.ENOENT
//	}
func KeyFromPath(path string) (string, error) {
	if IsRoot(path) {
		return "", fmt.Errorf("root has no key")
	}

	key := strings.TrimPrefix(path, "/")
	if strings.Contains(key, "/") {
		return "", fmt.Errorf("nested path not supported: %s", path)
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// PathFromKey returns the filesystem path for a cache key.
func PathFromKey(key string) string {
	return "/" + key
}

// ValidateKey checks a key against memcached's text protocol rules: 1 to 250
// bytes, no whitespace or control characters. "." and ".." are refused because
// they cannot be told apart from the directory self/parent entries.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if key == "." || key == ".." {
		return fmt.Errorf("key %q is reserved", key)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("key longer than %d bytes", MaxKeyLength)
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return fmt.Errorf("key contains whitespace or control character at offset %d", i)
		}
	}
	return nil
}
