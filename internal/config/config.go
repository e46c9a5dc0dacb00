package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v2"

	"github.com/memcachefs/memcachefs/pkg/utils"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Server     ServerConfig     `yaml:"server"`
	Pool       PoolConfig       `yaml:"pool"`
	Enumerator EnumeratorConfig `yaml:"enumerator"`
	Mount      MountConfig      `yaml:"mount"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level" env:"MEMCACHEFS_LOG_LEVEL" env-description:"Log level (DEBUG, INFO, WARN, ERROR)"`
	LogFile     string `yaml:"log_file" env:"MEMCACHEFS_LOG_FILE" env-description:"Write logs to this file instead of stderr"`
	LogPretty   bool   `yaml:"log_pretty" env:"MEMCACHEFS_LOG_PRETTY" env-description:"Human readable console logs"`
	LogMaxSize  string `yaml:"log_max_size" env:"MEMCACHEFS_LOG_MAX_SIZE" env-description:"Rotate the log file past this size (e.g. 64MiB)"`
	LogBackups  int    `yaml:"log_backups" env:"MEMCACHEFS_LOG_BACKUPS" env-description:"Rotated log files to keep"`
	MetricsPort int    `yaml:"metrics_port" env:"MEMCACHEFS_METRICS_PORT" env-description:"Port of the Prometheus endpoint"`
}

// ServerConfig locates the memcached server
type ServerConfig struct {
	Host           string        `yaml:"host" env:"MEMCACHEFS_HOST" env-description:"memcached host"`
	Port           int           `yaml:"port" env:"MEMCACHEFS_PORT" env-description:"memcached port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"MEMCACHEFS_CONNECT_TIMEOUT" env-description:"Dial timeout"`
	IOTimeout      time.Duration `yaml:"io_timeout" env:"MEMCACHEFS_IO_TIMEOUT" env-description:"Per request read/write timeout"`
	DialAttempts   int           `yaml:"dial_attempts" env:"MEMCACHEFS_DIAL_ATTEMPTS" env-description:"Connection attempts per session at startup"`
	DialBackoff    time.Duration `yaml:"dial_backoff" env:"MEMCACHEFS_DIAL_BACKOFF" env-description:"Delay before the first reconnection attempt"`
}

// PoolConfig sizes the handle pool
type PoolConfig struct {
	MaxHandles int    `yaml:"max_handles" env:"MEMCACHEFS_MAX_HANDLES" env-description:"Maximum number of simultaneously open files"`
	BufferSize string `yaml:"buffer_size" env:"MEMCACHEFS_BUFFER_SIZE" env-description:"Per handle buffer, bounds the largest value (e.g. 1MiB)"`
}

// EnumeratorConfig bounds the directory listing protocol
type EnumeratorConfig struct {
	ReadChunkSize   int `yaml:"read_chunk_size" env:"MEMCACHEFS_READ_CHUNK_SIZE"`
	MaxResponseSize int `yaml:"max_response_size" env:"MEMCACHEFS_MAX_RESPONSE_SIZE"`
	MaxLineLength   int `yaml:"max_line_length" env:"MEMCACHEFS_MAX_LINE_LENGTH"`
}

// MountConfig represents mount options
type MountConfig struct {
	FSName       string        `yaml:"fsname" env:"MEMCACHEFS_FSNAME"`
	AllowOther   bool          `yaml:"allow_other" env:"MEMCACHEFS_ALLOW_OTHER" env-description:"Allow other users to access the mount"`
	Debug        bool          `yaml:"debug" env:"MEMCACHEFS_FUSE_DEBUG" env-description:"Log every FUSE request"`
	DirectIO     bool          `yaml:"direct_io" env:"MEMCACHEFS_DIRECT_IO"`
	AttrTimeout  time.Duration `yaml:"attr_timeout" env:"MEMCACHEFS_ATTR_TIMEOUT"`
	EntryTimeout time.Duration `yaml:"entry_timeout" env:"MEMCACHEFS_ENTRY_TIMEOUT"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"MEMCACHEFS_METRICS_ENABLED" env-description:"Serve Prometheus metrics"`
	Path    string `yaml:"path" env:"MEMCACHEFS_METRICS_PATH"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			LogBackups:  5,
			MetricsPort: 9150,
		},
		Server: ServerConfig{
			Host:           "localhost",
			Port:           11211,
			ConnectTimeout: 5 * time.Second,
			IOTimeout:      10 * time.Second,
			DialAttempts:   3,
			DialBackoff:    100 * time.Millisecond,
		},
		Pool: PoolConfig{
			MaxHandles: 10,
			BufferSize: "1MiB",
		},
		Enumerator: EnumeratorConfig{
			ReadChunkSize:   4096,
			MaxResponseSize: 2 << 20,
			MaxLineLength:   1024,
		},
		Mount: MountConfig{
			FSName:       "memcachefs",
			DirectIO:     true,
			AttrTimeout:  0,
			EntryTimeout: 0,
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled: false,
				Path:    "/metrics",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv overlays MEMCACHEFS_* environment variables. Unset variables
// leave the current value alone.
func (c *Configuration) LoadFromEnv() error {
	if err := cleanenv.ReadEnv(c); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return nil
}

// EnvUsage describes every environment variable the configuration honours.
func (c *Configuration) EnvUsage() string {
	header := "Environment variables:"
	text, err := cleanenv.GetDescription(c, &header)
	if err != nil {
		return ""
	}
	return text
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// BufferBytes returns the per handle buffer capacity in bytes.
func (c *Configuration) BufferBytes() (int, error) {
	n, err := utils.ParseBytes(c.Pool.BufferSize)
	if err != nil {
		return 0, fmt.Errorf("invalid buffer_size: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("buffer_size must be greater than 0")
	}
	if n > 1<<30 {
		return 0, fmt.Errorf("buffer_size must not exceed 1GiB")
	}
	return int(n), nil
}

// LogRotateBytes parses global.log_max_size; 0 disables rotation.
func (c *Configuration) LogRotateBytes() (int64, error) {
	if c.Global.LogMaxSize == "" {
		return 0, nil
	}
	n, err := utils.ParseBytes(c.Global.LogMaxSize)
	if err != nil {
		return 0, fmt.Errorf("invalid log_max_size: %w", err)
	}
	return n, nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if c.Server.DialAttempts <= 0 {
		return fmt.Errorf("dial_attempts must be greater than 0")
	}

	if c.Pool.MaxHandles <= 0 {
		return fmt.Errorf("max_handles must be greater than 0")
	}
	if _, err := c.BufferBytes(); err != nil {
		return err
	}

	if c.Enumerator.ReadChunkSize <= 0 {
		return fmt.Errorf("read_chunk_size must be greater than 0")
	}
	if c.Enumerator.MaxResponseSize < c.Enumerator.ReadChunkSize {
		return fmt.Errorf("max_response_size must be at least read_chunk_size")
	}
	if c.Enumerator.MaxLineLength < utils.MaxKeyLength {
		return fmt.Errorf("max_line_length must be at least %d", utils.MaxKeyLength)
	}

	if c.Monitoring.Metrics.Enabled && (c.Global.MetricsPort <= 0 || c.Global.MetricsPort > 65535) {
		return fmt.Errorf("metrics_port out of range: %d", c.Global.MetricsPort)
	}

	if _, err := c.LogRotateBytes(); err != nil {
		return err
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
