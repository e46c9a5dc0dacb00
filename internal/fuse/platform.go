//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/memcachefs/memcachefs/internal/filesystem"
)

// PlatformFileSystem is the mount surface shared by the go-fuse and cgofuse
// builds.
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	Wait()
	GetStats() *FilesystemStats
}

// CreatePlatformMountManager creates the appropriate mount manager for the platform
func CreatePlatformMountManager(backend filesystem.FilesystemInterface, config *MountConfig, logger zerolog.Logger) PlatformFileSystem {
	if config.Options == nil {
		config.Options = DefaultMountOptions()
	}
	fsys := NewFileSystem(backend, &Config{DirectIO: config.Options.DirectIO}, logger)
	return NewMountManager(fsys, config, logger)
}
