// Package httpapi exposes a read-only JSON snapshot of the status tree over
// HTTP, for operators who want to watch a headless daemon without attaching
// the interactive renderer. Fiber is an out-of-pack pick: no repo in this
// codebase's corpus exposes anything over HTTP, so the recover/logger/cors
// middleware stack here follows Fiber's own idiomatic setup rather than any
// corpus precedent.
package httpapi

import (
	"context"
	"runtime"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/aoba-ctl/aoba-ctl/internal/health"
	"github.com/aoba-ctl/aoba-ctl/internal/metrics"
	"github.com/aoba-ctl/aoba-ctl/internal/statustree"
)

// staleExchangeThreshold is how long a running port may go without a
// successful exchange before /healthz reports it unhealthy.
const staleExchangeThreshold = 2 * time.Minute

// maxHealthyWorkers is the sanity ceiling SupervisorCapacityCheck flags as
// degraded; well above any realistic multi-port deployment.
const maxHealthyWorkers = 64

// Server wraps a Fiber app exposing /status and /healthz against a shared
// *statustree.Tree. It never writes to the tree.
type Server struct {
	app     *fiber.App
	tree    *statustree.Tree
	metrics *metrics.Metrics
}

// New builds a Server bound to tree. Call Listen(addr) to start serving.
func New(tree *statustree.Tree) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "aobactl status",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,OPTIONS",
	}))

	m := metrics.NewMetrics()
	app.Use(metrics.Middleware(m))

	s := &Server{app: app, tree: tree, metrics: m}
	app.Get("/healthz", s.handleHealth)
	app.Get("/status", s.handleStatus)
	app.Get("/status/:port", s.handlePortStatus)
	app.Get("/metrics", s.handleMetrics)
	return s
}

// Metrics returns the Server's counter set, for the controller to feed
// exchange/restart/scan counts into as it runs.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Listen blocks serving addr (e.g. "127.0.0.1:9191"). Call from its own
// goroutine; it returns when the listener fails or the app is shut down.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(5 * time.Second)
}

// handleHealth builds a fresh health.HealthChecker from the current tree
// snapshot on every request: one liveness check per port plus two
// process-wide checks, run synchronously since none of them block.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	g := s.tree.AcquireRead()
	ports := g.Ports()
	g.Release()

	checker := health.NewHealthChecker()
	running := 0
	for _, p := range ports {
		p := p
		if p.Subprocess != nil {
			running++
		}
		checker.RegisterCheck("port:"+p.Name, health.PortLivenessCheck(
			p.Name,
			func() bool { return p.Subprocess != nil },
			func() time.Time { return lastResponseTime(p) },
			staleExchangeThreshold,
		), staleExchangeThreshold)
	}
	checker.RegisterCheck("supervisor-capacity",
		health.SupervisorCapacityCheck(func() int { return running }, maxHealthyWorkers), time.Minute)
	checker.RegisterCheck("goroutines",
		health.GoroutineHealthCheck(runtime.NumGoroutine, 10000), time.Minute)

	checker.RunChecks(context.Background())
	results := checker.GetCheckResults()

	status := fiber.StatusOK
	if checker.GetOverallStatus() == health.StatusUnhealthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(results)
}

// lastResponseTime returns the most recent successful-exchange time across
// every station on the port, or the zero time if none has succeeded yet.
func lastResponseTime(p statustree.PortData) time.Time {
	var latest time.Time
	for _, st := range p.Config.Stations {
		if st.LastResponseTime.After(latest) {
			latest = st.LastResponseTime
		}
	}
	return latest
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	g := s.tree.AcquireRead()
	ports := g.Ports()
	transient := g.Transient()
	g.Release()

	return c.JSON(fiber.Map{
		"ports":     renderPorts(ports),
		"transient": renderTransient(transient),
	})
}

// handleMetrics exposes the daemon's counters in Prometheus text format,
// refreshing the system gauges first.
func (s *Server) handleMetrics(c *fiber.Ctx) error {
	s.metrics.UpdateSystemMetrics()
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(s.metrics.PrometheusFormat())
}

func (s *Server) handlePortStatus(c *fiber.Ctx) error {
	name := c.Params("port")
	g := s.tree.AcquireRead()
	p, ok := g.Port(name)
	g.Release()
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown port"})
	}
	return c.JSON(renderPort(p))
}
