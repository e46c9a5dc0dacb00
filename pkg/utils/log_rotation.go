package utils

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotationConfig holds configuration for log rotation
type RotationConfig struct {
	// Filename is the file to write logs to
	Filename string

	// MaxSize is the size in bytes that triggers a rotation (0 = never)
	MaxSize int64

	// MaxBackups is the number of rotated files to keep (0 = keep all)
	MaxBackups int

	// Compress gzips rotated files
	Compress bool
}

// LogRotator is an io.WriteCloser that rotates its file by size.
type LogRotator struct {
	mu sync.Mutex

	config *RotationConfig
	file   *os.File
	size   int64
}

// NewLogRotator opens (or creates) the log file.
func NewLogRotator(config *RotationConfig) (*LogRotator, error) {
	if config == nil {
		return nil, fmt.Errorf("rotation config is required")
	}
	if config.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}

	rotator := &LogRotator{config: config}
	if err := rotator.openFile(); err != nil {
		return nil, err
	}
	return rotator, nil
}

// Write implements io.Writer. A single write is never split across files.
func (lr *LogRotator) Write(p []byte) (int, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return 0, os.ErrClosed
	}
	if lr.config.MaxSize > 0 && lr.size > 0 && lr.size+int64(len(p)) > lr.config.MaxSize {
		if err := lr.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := lr.file.Write(p)
	lr.size += int64(n)
	return n, err
}

// Close closes the log file
func (lr *LogRotator) Close() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return nil
	}
	err := lr.file.Close()
	lr.file = nil
	return err
}

// Rotate forces an immediate rotation
func (lr *LogRotator) Rotate() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.rotate()
}

func (lr *LogRotator) rotate() error {
	if lr.file != nil {
		if err := lr.file.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
		lr.file = nil
	}

	backup := lr.backupFilename(time.Now().UTC())
	if err := os.Rename(lr.config.Filename, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rename log file: %w", err)
	}

	// Failures past this point must not stop logging.
	if lr.config.Compress {
		if err := compressFile(backup); err != nil {
			fmt.Fprintf(os.Stderr, "memcachefs: failed to compress %s: %v\n", backup, err)
		}
	}
	lr.removeOldBackups()

	return lr.openFile()
}

func (lr *LogRotator) openFile() error {
	if err := os.MkdirAll(filepath.Dir(lr.config.Filename), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(lr.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	lr.file = file
	lr.size = info.Size()
	return nil
}

// nameParts splits "dir/memcachefs.log" into its dir, "memcachefs" and ".log".
func (lr *LogRotator) nameParts() (dir, prefix, ext string) {
	dir = filepath.Dir(lr.config.Filename)
	base := filepath.Base(lr.config.Filename)
	ext = filepath.Ext(base)
	return dir, strings.TrimSuffix(base, ext), ext
}

func (lr *LogRotator) backupFilename(t time.Time) string {
	dir, prefix, ext := lr.nameParts()
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", prefix, t.Format("2006-01-02T15-04-05.000000000"), ext))
}

// backups lists rotated files, oldest first. The timestamp in the name sorts
// lexically.
func (lr *LogRotator) backups() ([]string, error) {
	dir, prefix, ext := lr.nameParts()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		if strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz") {
			names = append(names, filepath.Join(dir, name))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (lr *LogRotator) removeOldBackups() {
	if lr.config.MaxBackups <= 0 {
		return
	}
	names, err := lr.backups()
	if err != nil || len(names) <= lr.config.MaxBackups {
		return
	}
	for _, name := range names[:len(names)-lr.config.MaxBackups] {
		if err := os.Remove(name); err != nil {
			fmt.Fprintf(os.Stderr, "memcachefs: failed to remove old log %s: %v\n", name, err)
		}
	}
}

func compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(filename + ".gz")
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(filename)
}
