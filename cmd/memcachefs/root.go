package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/memcachefs/memcachefs/internal/adapter"
	"github.com/memcachefs/memcachefs/internal/config"
	"github.com/memcachefs/memcachefs/pkg/utils"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	configFile  string
	maxHandles  int
	bufferSize  string
	verbose     bool
	allowOther  bool
	metricsPort int
}

// NewRootCommand builds the memcachefs command line.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "memcachefs host[:port] mountpoint",
		Short: "memcachefs mounts a memcached server as a flat directory",
		Long: `memcachefs exposes every key of a memcached server as a regular file in a
single directory. Reading a file returns the stored value, writing and closing
it stores a new one, and removing it deletes the key.

` + config.NewDefault().EnvUsage(),
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, args[0], args[1])
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&opts.configFile, "config", "", "Path to a YAML configuration file")
	flags.IntVar(&opts.maxHandles, "maxhandle", 0, "Maximum number of simultaneously open files")
	flags.StringVar(&opts.bufferSize, "buffer-size", "", "Per file buffer, bounds the largest value (e.g. 1MiB)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log every filesystem call")
	flags.BoolVar(&opts.allowOther, "allow-other", false, "Allow other users to access the mount")
	flags.IntVar(&opts.metricsPort, "metrics-port", 0, "Serve Prometheus metrics on this port")

	return rootCmd
}

// loadConfig layers defaults, the config file, the environment and finally the
// flags that were set on the command line.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Configuration, error) {
	cfg := config.NewDefault()

	if opts.configFile != "" {
		if err := cfg.LoadFromFile(opts.configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("maxhandle") {
		cfg.Pool.MaxHandles = opts.maxHandles
	}
	if flags.Changed("buffer-size") {
		cfg.Pool.BufferSize = opts.bufferSize
	}
	if opts.verbose {
		cfg.Global.LogLevel = "DEBUG"
	}
	if flags.Changed("allow-other") {
		cfg.Mount.AllowOther = opts.allowOther
	}
	if flags.Changed("metrics-port") {
		cfg.Global.MetricsPort = opts.metricsPort
		cfg.Monitoring.Metrics.Enabled = true
	}

	return cfg, nil
}

func run(ctx context.Context, cfg *config.Configuration, server, mountPoint string) error {
	rotateSize, err := cfg.LogRotateBytes()
	if err != nil {
		return err
	}
	logger, closer, err := utils.SetupLogging(utils.LoggingOptions{
		Level:      cfg.Global.LogLevel,
		File:       cfg.Global.LogFile,
		Pretty:     cfg.Global.LogPretty,
		RotateSize: rotateSize,
		MaxBackups: cfg.Global.LogBackups,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := adapter.New(ctx, server, mountPoint, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	unmounted := make(chan struct{})
	go func() {
		a.Wait()
		close(unmounted)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case <-unmounted:
		logger.Info().Msg("filesystem unmounted externally")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Stop(shutdownCtx)
}
