/*
Package config provides configuration management for memcachefs.

Settings are layered, lowest priority first:

	compiled-in defaults (NewDefault)
	YAML file            (LoadFromFile, --config)
	environment          (LoadFromEnv, MEMCACHEFS_*)
	command-line flags   (applied by the caller)

# Configuration file format

	global:
	  log_level: INFO
	  log_file: ""
	  log_pretty: false
	  log_max_size: ""      # e.g. 64MiB, empty disables rotation
	  log_backups: 5
	  metrics_port: 9150

	server:
	  host: localhost
	  port: 11211
	  connect_timeout: 5s
	  io_timeout: 10s
	  dial_attempts: 3
	  dial_backoff: 100ms

	pool:
	  max_handles: 10
	  buffer_size: 1MiB

	enumerator:
	  read_chunk_size: 4096
	  max_response_size: 2097152
	  max_line_length: 1024

	mount:
	  fsname: memcachefs
	  allow_other: false
	  direct_io: true

	monitoring:
	  metrics:
	    enabled: false
	    path: /metrics

buffer_size accepts human readable sizes; bare K, M and G suffixes are binary
units. It bounds the largest value a file can hold, so it should not be smaller
than the server's item size limit (memcached -I) if every key must be readable.

# Validation

Validate rejects non-positive handle counts, dial attempts and buffer sizes,
unparsable log sizes, ports outside 1-65535, enumerator bounds that cannot hold a single key line, and unknown
log levels.
*/
package config
