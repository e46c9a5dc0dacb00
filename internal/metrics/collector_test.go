package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	fserrors "github.com/memcachefs/memcachefs/pkg/errors"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	collector, err := NewCollector(&Config{
		Enabled:   true,
		Port:      0,
		Path:      "/metrics",
		Namespace: "test",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	return collector
}

// gathered returns the value of a single-series gauge or counter.
func gathered(t *testing.T, c *Collector, name string) float64 {
	t.Helper()
	families, err := c.registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		m := mf.GetMetric()[0]
		if m.GetGauge() != nil {
			return m.GetGauge().GetValue()
		}
		return m.GetCounter().GetValue()
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with valid config", func(t *testing.T) {
		collector := newTestCollector(t)
		if collector.registry == nil {
			t.Error("collector.registry is nil")
		}
		if collector.operations == nil {
			t.Error("collector.operations map is nil")
		}
	})

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil, zerolog.Nop())
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector.config.Port != 9150 {
			t.Errorf("default port = %d, want 9150", collector.config.Port)
		}
		if collector.config.Namespace != "memcachefs" {
			t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "memcachefs")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false}, zerolog.Nop())
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}
		if collector.registry != nil {
			t.Error("disabled collector should not have registry")
		}

		// None of these may panic.
		collector.RecordOperation("read", time.Millisecond, 10, true)
		collector.RecordError("read", fserrors.ErrIO)
		collector.UpdateHandlesInUse(3)
		collector.RecordHandleExhausted()
		collector.UpdateDirectoryKeys(5)
		if err := collector.Start(context.Background()); err != nil {
			t.Errorf("Start() on disabled collector error = %v", err)
		}
		if collector.Addr() != "" {
			t.Errorf("disabled collector Addr() = %q, want empty", collector.Addr())
		}
	})
}

func TestRecordOperation(t *testing.T) {
	t.Parallel()

	t.Run("record successful operation", func(t *testing.T) {
		collector := newTestCollector(t)
		collector.RecordOperation("read", 100*time.Millisecond, 1024, true)

		operations, ok := collector.GetMetrics()["operations"].(map[string]*OperationMetrics)
		if !ok {
			t.Fatal("operations not found in metrics")
		}
		op, exists := operations["read"]
		if !exists {
			t.Fatal("read operation not recorded")
		}
		if op.Count != 1 {
			t.Errorf("op.Count = %d, want 1", op.Count)
		}
		if op.TotalSize != 1024 {
			t.Errorf("op.TotalSize = %d, want 1024", op.TotalSize)
		}
		if op.Errors != 0 {
			t.Errorf("op.Errors = %d, want 0", op.Errors)
		}
	})

	t.Run("record multiple operations", func(t *testing.T) {
		collector := newTestCollector(t)
		collector.RecordOperation("flush", 100*time.Millisecond, 1000, true)
		collector.RecordOperation("flush", 200*time.Millisecond, 2000, true)
		collector.RecordOperation("flush", 300*time.Millisecond, 3000, false)

		op := collector.GetMetrics()["operations"].(map[string]*OperationMetrics)["flush"]
		if op.Count != 3 {
			t.Errorf("op.Count = %d, want 3", op.Count)
		}
		if op.Errors != 1 {
			t.Errorf("op.Errors = %d, want 1", op.Errors)
		}
		if op.AvgDuration != 200*time.Millisecond {
			t.Errorf("op.AvgDuration = %v, want 200ms", op.AvgDuration)
		}
		if op.AvgSize != 2000 {
			t.Errorf("op.AvgSize = %.2f, want 2000", op.AvgSize)
		}
	})

	t.Run("get metrics returns copies", func(t *testing.T) {
		collector := newTestCollector(t)
		collector.RecordOperation("stat", time.Millisecond, 0, true)

		op := collector.GetMetrics()["operations"].(map[string]*OperationMetrics)["stat"]
		op.Count = 100
		again := collector.GetMetrics()["operations"].(map[string]*OperationMetrics)["stat"]
		if again.Count != 1 {
			t.Errorf("Count = %d after mutating a copy, want 1", again.Count)
		}
	})

	t.Run("reset clears summaries", func(t *testing.T) {
		collector := newTestCollector(t)
		collector.RecordOperation("stat", time.Millisecond, 0, true)
		collector.ResetMetrics()

		if n := len(collector.GetMetrics()["operations"].(map[string]*OperationMetrics)); n != 0 {
			t.Errorf("operations after reset = %d, want 0", n)
		}
	})
}

func TestPoolGauges(t *testing.T) {
	t.Parallel()

	collector := newTestCollector(t)
	collector.UpdateHandlesInUse(4)
	collector.UpdateHandlesInUse(2)
	collector.RecordHandleExhausted()
	collector.RecordHandleExhausted()
	collector.UpdateDirectoryKeys(17)

	if got := gathered(t, collector, "test_handles_in_use"); got != 2 {
		t.Errorf("handles_in_use = %v, want 2", got)
	}
	if got := gathered(t, collector, "test_handle_exhausted_total"); got != 2 {
		t.Errorf("handle_exhausted_total = %v, want 2", got)
	}
	if got := gathered(t, collector, "test_directory_keys"); got != 17 {
		t.Errorf("directory_keys = %v, want 17", got)
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "coded", err: fserrors.ErrResourceExhausted, want: "resource_exhausted"},
		{name: "not found", err: fserrors.ErrNotFound, want: "key_not_found"},
		{name: "wrapped", err: errors.Join(errors.New("open /k"), fserrors.ErrTooLarge), want: "too_large"},
		{name: "plain", err: errors.New("boom"), want: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

type stubHealth struct{ err error }

func (s stubHealth) Ping(context.Context) error { return s.err }

func TestServer(t *testing.T) {
	collector := newTestCollector(t)
	if err := collector.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = collector.Stop(context.Background()) })

	collector.RecordOperation("open", time.Millisecond, 0, true)
	base := "http://" + collector.Addr()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	code, body := get("/metrics")
	if code != http.StatusOK {
		t.Fatalf("/metrics status = %d", code)
	}
	if !strings.Contains(body, `test_operations_total{operation="open",status="success"} 1`) {
		t.Errorf("/metrics missing operation counter:\n%s", body)
	}

	code, body = get("/health")
	if code != http.StatusOK || !strings.Contains(body, "healthy") {
		t.Errorf("/health = %d %s", code, body)
	}

	collector.SetHealthCheck(stubHealth{err: errors.New("connection refused")})
	code, body = get("/health")
	if code != http.StatusServiceUnavailable {
		t.Errorf("/health status = %d, want 503", code)
	}
	if !strings.Contains(body, "connection refused") {
		t.Errorf("/health body = %s", body)
	}

	code, body = get("/debug/operations")
	if code != http.StatusOK || !strings.Contains(body, "open") {
		t.Errorf("/debug/operations = %d %s", code, body)
	}
}
