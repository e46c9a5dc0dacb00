package memcache

import (
	"net"
	"strconv"
	"time"
)

// DefaultPort is memcached's well known TCP port.
const DefaultPort = 11211

// Config describes how to reach memcached and how much of an introspection
// response the enumerator is prepared to buffer.
type Config struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	IOTimeout      time.Duration `yaml:"io_timeout"`

	// Enumerator bounds
	ReadChunkSize   int `yaml:"read_chunk_size"`
	MaxResponseSize int `yaml:"max_response_size"` // memcached caps cachedump output at 2MB
	MaxLineLength   int `yaml:"max_line_length"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            DefaultPort,
		ConnectTimeout:  5 * time.Second,
		IOTimeout:       10 * time.Second,
		ReadChunkSize:   4096,
		MaxResponseSize: 2 << 20,
		MaxLineLength:   1024,
	}
}

// Addr returns the host:port dial address.
func (c *Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c *Config) withDefaults() *Config {
	out := *c
	def := NewDefaultConfig()
	if out.Host == "" {
		out.Host = def.Host
	}
	if out.Port == 0 {
		out.Port = def.Port
	}
	if out.ReadChunkSize <= 0 {
		out.ReadChunkSize = def.ReadChunkSize
	}
	if out.MaxResponseSize <= 0 {
		out.MaxResponseSize = def.MaxResponseSize
	}
	if out.MaxLineLength <= 0 {
		out.MaxLineLength = def.MaxLineLength
	}
	return &out
}
