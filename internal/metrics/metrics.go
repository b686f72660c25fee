// Package metrics accumulates daemon-wide counters for the controller loop
// and the optional read-only HTTP surface: a mutex-guarded struct plus a
// minimal hand-rolled Prometheus text exposition, no metrics client library,
// matching this codebase's general stdlib-first posture.
package metrics

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Metrics is the daemon's counter set.
type Metrics struct {
	// Port/worker metrics
	TotalPorts     int64 `json:"total_ports"`
	RunningWorkers int64 `json:"running_workers"`
	TotalRestarts  int64 `json:"total_restarts"`
	TotalScans     int64 `json:"total_scans"`

	// Exchange metrics
	TotalExchanges  int64 `json:"total_exchanges"`
	FailedExchanges int64 `json:"failed_exchanges"`

	// System metrics
	Uptime         int64   `json:"uptime_seconds"`
	MemoryUsed     uint64  `json:"memory_used_bytes"`
	MemoryTotal    uint64  `json:"memory_total_bytes"`
	GoroutineCount int     `json:"goroutine_count"`

	// HTTP status-endpoint metrics
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
	AvgResponseTime float64 `json:"avg_response_time_ms"`

	mu        sync.RWMutex
	startTime time.Time
}

// NewMetrics allocates a zeroed Metrics with its clock started now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// IncrementExchanges records one completed Modbus exchange, successful or
// not (spec.md §4.10's ModbusExchange handling).
func (m *Metrics) IncrementExchanges() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalExchanges++
}

// IncrementFailedExchanges records one exchange that came back with an
// error or exception response.
func (m *Metrics) IncrementFailedExchanges() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailedExchanges++
}

// IncrementRestarts records one operator-requested worker restart.
func (m *Metrics) IncrementRestarts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRestarts++
}

// IncrementScans records one periodic port-scan pass being started.
func (m *Metrics) IncrementScans() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalScans++
}

// SetPortMetrics records the current port/worker counts, replacing the
// prior snapshot rather than accumulating.
func (m *Metrics) SetPortMetrics(totalPorts, runningWorkers int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalPorts = totalPorts
	m.RunningWorkers = runningWorkers
}

// IncrementRequests records one inbound HTTP request to internal/httpapi.
func (m *Metrics) IncrementRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests++
}

// IncrementErrors records one HTTP response with a 4xx/5xx status.
func (m *Metrics) IncrementErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalErrors++
}

// RecordResponseTime folds duration into an exponential moving average.
func (m *Metrics) RecordResponseTime(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := float64(duration.Milliseconds())
	if m.AvgResponseTime == 0 {
		m.AvgResponseTime = ms
	} else {
		m.AvgResponseTime = (m.AvgResponseTime * 0.9) + (ms * 0.1)
	}
}

// UpdateSystemMetrics refreshes uptime, memory, and goroutine counters from
// the runtime. Call this right before GetMetrics/PrometheusFormat.
func (m *Metrics) UpdateSystemMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Uptime = int64(time.Since(m.startTime).Seconds())

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.MemoryUsed = memStats.Alloc
	m.MemoryTotal = memStats.Sys

	m.GoroutineCount = runtime.NumGoroutine()
}

// GetMetrics renders the current counters as a JSON-friendly tree.
func (m *Metrics) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"ports": map[string]interface{}{
			"total":           m.TotalPorts,
			"running_workers": m.RunningWorkers,
			"restarts":        m.TotalRestarts,
			"scans":           m.TotalScans,
		},
		"exchanges": map[string]interface{}{
			"total":  m.TotalExchanges,
			"failed": m.FailedExchanges,
			"success_rate": func() float64 {
				if m.TotalExchanges == 0 {
					return 100.0
				}
				return float64(m.TotalExchanges-m.FailedExchanges) / float64(m.TotalExchanges) * 100
			}(),
		},
		"system": map[string]interface{}{
			"uptime_seconds":     m.Uptime,
			"memory_used_bytes":  m.MemoryUsed,
			"memory_total_bytes": m.MemoryTotal,
			"memory_used_mb":     m.MemoryUsed / 1024 / 1024,
			"goroutines":         m.GoroutineCount,
		},
		"http": map[string]interface{}{
			"total_requests":       m.TotalRequests,
			"total_errors":         m.TotalErrors,
			"avg_response_time_ms": m.AvgResponseTime,
			"error_rate": func() float64 {
				if m.TotalRequests == 0 {
					return 0.0
				}
				return float64(m.TotalErrors) / float64(m.TotalRequests) * 100
			}(),
		},
	}
}

// PrometheusFormat renders the counters in the minimal Prometheus text
// exposition format, by hand (no client library required by this module's
// single scrape-free endpoint).
func (m *Metrics) PrometheusFormat() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return `# HELP aoba_ports_total Total number of configured ports
# TYPE aoba_ports_total gauge
aoba_ports_total ` + formatInt64(m.TotalPorts) + `

# HELP aoba_workers_running Number of live worker subprocesses
# TYPE aoba_workers_running gauge
aoba_workers_running ` + formatInt64(m.RunningWorkers) + `

# HELP aoba_restarts_total Total number of worker restarts
# TYPE aoba_restarts_total counter
aoba_restarts_total ` + formatInt64(m.TotalRestarts) + `

# HELP aoba_scans_total Total number of periodic port scan passes started
# TYPE aoba_scans_total counter
aoba_scans_total ` + formatInt64(m.TotalScans) + `

# HELP aoba_exchanges_total Total number of completed Modbus exchanges
# TYPE aoba_exchanges_total counter
aoba_exchanges_total ` + formatInt64(m.TotalExchanges) + `

# HELP aoba_exchanges_failed_total Total number of failed Modbus exchanges
# TYPE aoba_exchanges_failed_total counter
aoba_exchanges_failed_total ` + formatInt64(m.FailedExchanges) + `

# HELP aoba_uptime_seconds Uptime in seconds
# TYPE aoba_uptime_seconds gauge
aoba_uptime_seconds ` + formatInt64(m.Uptime) + `

# HELP aoba_memory_used_bytes Memory used in bytes
# TYPE aoba_memory_used_bytes gauge
aoba_memory_used_bytes ` + formatUint64(m.MemoryUsed) + `

# HELP aoba_goroutines Number of goroutines
# TYPE aoba_goroutines gauge
aoba_goroutines ` + formatInt(m.GoroutineCount) + `

# HELP aoba_http_requests_total Total number of status-endpoint requests
# TYPE aoba_http_requests_total counter
aoba_http_requests_total ` + formatInt64(m.TotalRequests) + `

# HELP aoba_http_errors_total Total number of status-endpoint error responses
# TYPE aoba_http_errors_total counter
aoba_http_errors_total ` + formatInt64(m.TotalErrors) + `

# HELP aoba_http_response_time_ms Average status-endpoint response time in milliseconds
# TYPE aoba_http_response_time_ms gauge
aoba_http_response_time_ms ` + formatFloat64(m.AvgResponseTime) + `
`
}

// Middleware records one request/response cycle against m, for mounting on
// internal/httpapi's Fiber app.
func Middleware(m *Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		m.IncrementRequests()

		err := c.Next()

		duration := time.Since(start)
		m.RecordResponseTime(duration)

		if c.Response().StatusCode() >= 400 {
			m.IncrementErrors()
		}

		return err
	}
}

func formatInt64(n int64) string  { return fmt.Sprintf("%d", n) }
func formatUint64(n uint64) string { return fmt.Sprintf("%d", n) }
func formatInt(n int) string       { return fmt.Sprintf("%d", n) }
func formatFloat64(n float64) string { return fmt.Sprintf("%.2f", n) }
