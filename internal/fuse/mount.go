package fuse

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog"
)

// MountManager manages FUSE mount operations
type MountManager struct {
	filesystem *FileSystem
	config     *MountConfig
	logger     zerolog.Logger

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
	done    chan struct{}
}

// MountConfig contains mount-specific configuration
type MountConfig struct {
	MountPoint string        `yaml:"mount_point"`
	Options    *MountOptions `yaml:"options"`
}

// MountOptions contains FUSE mount options
type MountOptions struct {
	AllowOther   bool          `yaml:"allow_other"`
	DirectIO     bool          `yaml:"direct_io"`
	Debug        bool          `yaml:"debug"`
	FSName       string        `yaml:"fsname"`
	Subtype      string        `yaml:"subtype"`
	MaxWrite     uint32        `yaml:"max_write"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// DefaultMountOptions returns the options used when none are configured.
func DefaultMountOptions() *MountOptions {
	return &MountOptions{
		DirectIO: true,
		FSName:   "memcachefs",
		Subtype:  "memcachefs",
		MaxWrite: 128 * 1024,
	}
}

// NewMountManager creates a new mount manager
func NewMountManager(filesystem *FileSystem, config *MountConfig, logger zerolog.Logger) *MountManager {
	if config.Options == nil {
		config.Options = DefaultMountOptions()
	}

	return &MountManager{
		filesystem: filesystem,
		config:     config,
		logger:     logger.With().Str("component", "mount").Logger(),
	}
}

// Mount mounts the filesystem at the configured mount point and serves it in
// the background.
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}

	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	m.server = server
	m.mounted = true
	m.done = make(chan struct{})

	m.logger.Info().Str("mountpoint", m.config.MountPoint).Msg("filesystem mounted")

	go func(server *fuse.Server, done chan struct{}) {
		server.Wait()
		m.mu.Lock()
		m.mounted = false
		m.mu.Unlock()
		close(done)
		m.logger.Info().Msg("FUSE server stopped")
	}(server, m.done)

	return nil
}

// Unmount unmounts the filesystem
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	server := m.server
	mounted := m.mounted
	m.mu.Unlock()

	if !mounted || server == nil {
		return fmt.Errorf("filesystem is not mounted")
	}

	m.logger.Info().Str("mountpoint", m.config.MountPoint).Msg("unmounting filesystem")

	if err := server.Unmount(); err != nil {
		m.logger.Warn().Err(err).Msg("normal unmount failed, trying lazy unmount")
		if forceErr := m.forceUnmount(); forceErr != nil {
			return fmt.Errorf("unmount failed: %w (force unmount also failed: %v)", err, forceErr)
		}
	}

	m.mu.Lock()
	m.mounted = false
	m.server = nil
	m.mu.Unlock()
	return nil
}

// IsMounted checks if the filesystem is currently mounted
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// GetMountPoint returns the current mount point
func (m *MountManager) GetMountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the FUSE server stops serving.
func (m *MountManager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// GetStats returns filesystem statistics
func (m *MountManager) GetStats() *FilesystemStats {
	if m.filesystem == nil {
		return &FilesystemStats{}
	}
	return m.filesystem.GetStats()
}

// Helper methods

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", m.config.MountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.config.MountPoint)
	}

	entries, err := os.ReadDir(m.config.MountPoint)
	if err != nil {
		return fmt.Errorf("cannot read mount point directory: %w", err)
	}
	if len(entries) > 0 {
		m.logger.Warn().Str("mountpoint", m.config.MountPoint).Msg("mount point is not empty")
	}

	if m.isAlreadyMounted() {
		return fmt.Errorf("mount point %s is already mounted", m.config.MountPoint)
	}

	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	o := m.config.Options
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       o.FSName,
			FsName:     o.FSName,
			Debug:      o.Debug,
			AllowOther: o.AllowOther,
			MaxWrite:   int(o.MaxWrite),
		},
		NullPermissions: true,
	}

	if o.AttrTimeout > 0 {
		opts.AttrTimeout = &o.AttrTimeout
	}
	if o.EntryTimeout > 0 {
		opts.EntryTimeout = &o.EntryTimeout
	}
	if o.Subtype != "" {
		opts.Options = append(opts.Options, "subtype="+o.Subtype)
	}

	return opts
}

func (m *MountManager) isAlreadyMounted() bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	return mountedIn(data, m.config.MountPoint)
}

// mountedIn reports whether mountPoint appears as a mount target in a
// /proc/mounts style table.
func mountedIn(table []byte, mountPoint string) bool {
	mountPoint = filepath.Clean(mountPoint)

	sc := bufio.NewScanner(bytes.NewReader(table))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[1] == mountPoint {
			return true
		}
	}
	return false
}

func (m *MountManager) forceUnmount() error {
	err := syscall.Unmount(m.config.MountPoint, 2) // MNT_DETACH
	if err == nil {
		return nil
	}
	return syscall.Unmount(m.config.MountPoint, 1) // MNT_FORCE
}
