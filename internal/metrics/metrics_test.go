package metrics

import (
	"testing"
	"time"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
	if m.startTime.IsZero() {
		t.Error("Start time not set")
	}
}

func TestIncrementExchanges(t *testing.T) {
	m := NewMetrics()

	m.IncrementExchanges()
	m.IncrementExchanges()

	if m.TotalExchanges != 2 {
		t.Errorf("Expected TotalExchanges to be 2, got %d", m.TotalExchanges)
	}
}

func TestIncrementFailedExchanges(t *testing.T) {
	m := NewMetrics()

	m.IncrementExchanges()
	m.IncrementExchanges()
	m.IncrementFailedExchanges()

	if m.FailedExchanges != 1 {
		t.Errorf("Expected FailedExchanges to be 1, got %d", m.FailedExchanges)
	}
}

func TestIncrementRestarts(t *testing.T) {
	m := NewMetrics()

	m.IncrementRestarts()
	m.IncrementRestarts()

	if m.TotalRestarts != 2 {
		t.Errorf("Expected TotalRestarts to be 2, got %d", m.TotalRestarts)
	}
}

func TestIncrementScans(t *testing.T) {
	m := NewMetrics()

	m.IncrementScans()

	if m.TotalScans != 1 {
		t.Errorf("Expected TotalScans to be 1, got %d", m.TotalScans)
	}
}

func TestSetPortMetrics(t *testing.T) {
	m := NewMetrics()

	m.SetPortMetrics(3, 2)
	if m.TotalPorts != 3 || m.RunningWorkers != 2 {
		t.Errorf("Expected 3/2, got %d/%d", m.TotalPorts, m.RunningWorkers)
	}

	m.SetPortMetrics(4, 1)
	if m.TotalPorts != 4 || m.RunningWorkers != 1 {
		t.Errorf("SetPortMetrics should replace, not accumulate; got %d/%d", m.TotalPorts, m.RunningWorkers)
	}
}

func TestRecordResponseTime(t *testing.T) {
	m := NewMetrics()

	m.RecordResponseTime(100 * time.Millisecond)
	if m.AvgResponseTime == 0 {
		t.Error("Expected AvgResponseTime to be set")
	}

	first := m.AvgResponseTime
	m.RecordResponseTime(200 * time.Millisecond)
	if m.AvgResponseTime == first {
		t.Error("Expected AvgResponseTime to change")
	}
}

func TestUpdateSystemMetrics(t *testing.T) {
	m := NewMetrics()
	m.startTime = m.startTime.Add(-2 * time.Second)

	m.UpdateSystemMetrics()

	if m.Uptime == 0 {
		t.Error("Expected Uptime to be greater than 0")
	}
	if m.MemoryUsed == 0 {
		t.Error("Expected MemoryUsed to be greater than 0")
	}
	if m.GoroutineCount == 0 {
		t.Error("Expected GoroutineCount to be greater than 0")
	}
}

func TestGetMetrics(t *testing.T) {
	m := NewMetrics()
	m.SetPortMetrics(2, 1)
	m.IncrementExchanges()

	metrics := m.GetMetrics()

	if metrics == nil {
		t.Fatal("GetMetrics returned nil")
	}

	ports, ok := metrics["ports"].(map[string]interface{})
	if !ok {
		t.Fatal("ports not found in metrics")
	}

	if ports["total"] != int64(2) {
		t.Errorf("Expected ports.total to be 2, got %v", ports["total"])
	}
}

func TestPrometheusFormat(t *testing.T) {
	m := NewMetrics()
	m.SetPortMetrics(1, 1)
	m.IncrementExchanges()

	prometheus := m.PrometheusFormat()

	if prometheus == "" {
		t.Error("PrometheusFormat returned empty string")
	}

	if !contains(prometheus, "aoba_ports_total") {
		t.Error("Expected aoba_ports_total in Prometheus output")
	}
	if !contains(prometheus, "aoba_exchanges_total") {
		t.Error("Expected aoba_exchanges_total in Prometheus output")
	}
}

func contains(s, substr string) bool {
	return len(s) > 0 && len(substr) > 0 && s != substr &&
		(len(s) >= len(substr) && s[:len(substr)] == substr ||
			len(s) > len(substr) && findSubstr(s, substr))
}

func findSubstr(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func BenchmarkIncrementExchanges(b *testing.B) {
	m := NewMetrics()
	for i := 0; i < b.N; i++ {
		m.IncrementExchanges()
	}
}

func BenchmarkRecordResponseTime(b *testing.B) {
	m := NewMetrics()
	for i := 0; i < b.N; i++ {
		m.RecordResponseTime(100 * time.Millisecond)
	}
}

func BenchmarkGetMetrics(b *testing.B) {
	m := NewMetrics()
	m.SetPortMetrics(1, 1)
	m.IncrementExchanges()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.GetMetrics()
	}
}
