/*
Package metrics provides Prometheus metrics for memcachefs.

Architecture

	┌─────────────┐
	│  Collector  │  ← implements filesystem.MetricsRecorder
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌─────────▼─────────┐
	│  Prometheus  │         │  HTTP Endpoints   │
	│   Registry   │         │  /metrics         │
	│              │         │  /health          │
	│ - Counters   │         │  /debug/operations│
	│ - Histograms │         └───────────────────┘
	│ - Gauges     │
	└──────────────┘

# Metrics

All names carry the configured namespace (memcachefs by default):

	operations_total{operation,status}       filesystem calls by outcome
	operation_duration_seconds{operation}    call latency
	operation_size_bytes{operation}          bytes read, written or stored
	errors_total{operation,type}             failures by error code
	handles_in_use                           checked out memcached sessions
	handle_exhausted_total                   opens refused with EMFILE
	directory_keys                           keys found by the last listing

A sustained handles_in_use equal to the pool size together with a rising
handle_exhausted_total means the pool is too small for the workload.

# Health

/health answers 200 while the check set with SetHealthCheck succeeds and
503 otherwise. The adapter installs the directory enumerator, whose Ping
sends a version command over a connection of its own and never touches the
session pool.

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9150,
		Path:      "/metrics",
		Namespace: "memcachefs",
	}, logger)
	if err != nil {
		return err
	}
	collector.SetHealthCheck(enumerator)
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)
*/
package metrics
