// Package controller drives the single long-lived loop described in
// spec.md §4.10: draining intents, reaping dead workers, applying their IPC
// events to the status tree, triggering the port scanner, advancing
// transient status indicators, and notifying observers — all without ever
// holding the status tree's write guard across an I/O boundary (spec.md §9).
package controller

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aoba-ctl/aoba-ctl/internal/ipc"
	"github.com/aoba-ctl/aoba-ctl/internal/metrics"
	"github.com/aoba-ctl/aoba-ctl/internal/notify"
	"github.com/aoba-ctl/aoba-ctl/internal/persistence"
	"github.com/aoba-ctl/aoba-ctl/internal/scanner"
	"github.com/aoba-ctl/aoba-ctl/internal/serialport"
	"github.com/aoba-ctl/aoba-ctl/internal/statustree"
	"github.com/aoba-ctl/aoba-ctl/internal/supervisor"
)

// TickInterval is the controller loop's sleep step (spec.md §4.10).
const TickInterval = 50 * time.Millisecond

// Controller owns the intent channel, the supervisor, the scanner, and the
// notify hub, and is the tree's sole writer.
type Controller struct {
	tree       *statustree.Tree
	supervisor *supervisor.Supervisor
	scanner    *scanner.Scanner
	hub        *notify.Hub
	log        *zap.Logger
	metrics    *metrics.Metrics

	intents chan Intent

	configPath    string
	noConfigCache bool

	pollingEnabled bool
	lastScanAt     time.Time
	scanInterval   time.Duration

	dirty      bool
	lastPersist time.Time
}

// Config bundles the dependencies Controller needs at construction.
type Config struct {
	Tree          *statustree.Tree
	Supervisor    *supervisor.Supervisor
	Scanner       *scanner.Scanner
	Hub           *notify.Hub
	Log           *zap.Logger
	Metrics       *metrics.Metrics // optional; nil disables counter updates
	ConfigPath    string           // defaults to persistence.DefaultFilename in the working directory
	NoConfigCache bool
	ScanInterval  time.Duration // defaults to scanner.Interval
}

// New builds a Controller. Its intent channel has room for a modest backlog;
// Send() is safe to call from any goroutine (the input task, a signal
// handler, an HTTP handler).
func New(cfg Config) *Controller {
	path := cfg.ConfigPath
	if path == "" {
		path = persistence.DefaultFilename
	}
	interval := cfg.ScanInterval
	if interval <= 0 {
		interval = scanner.Interval
	}
	return &Controller{
		tree: cfg.Tree, supervisor: cfg.Supervisor, scanner: cfg.Scanner,
		hub: cfg.Hub, log: cfg.Log, metrics: cfg.Metrics,
		intents:        make(chan Intent, 64),
		configPath:     path,
		noConfigCache:  cfg.NoConfigCache,
		pollingEnabled: true,
		scanInterval:   interval,
	}
}

// Send enqueues an intent for the next tick to process.
func (c *Controller) Send(i Intent) { c.intents <- i }

// LoadPersisted restores the configuration subset of the tree from disk
// (spec.md §4.9) and returns the port names that should be auto-started
// (those with a non-empty station list). A --no-config-cache run skips this
// entirely and returns nil.
func (c *Controller) LoadPersisted() ([]string, error) {
	if c.noConfigCache {
		return nil, nil
	}
	restored, err := persistence.Load(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("controller: load persisted config: %w", err)
	}

	g := c.tree.AcquireWrite()
	var autostart []string
	for _, rp := range restored {
		g.UpsertPort(rp.Name, statustree.Physical)
		if err := g.SetStations(rp.Name, rp.Config.Stations); err != nil {
			g.Release()
			return nil, fmt.Errorf("controller: restore %s: %w", rp.Name, err)
		}
		if p, ok := g.Port(rp.Name); ok {
			p.Config.Mode = rp.Config.Mode
			p.Config.MasterSource = rp.Config.MasterSource
		}
		g.SetStatus(rp.Name, statustree.Indicator{Kind: statustree.NotStarted})
		if len(rp.Config.Stations) > 0 {
			autostart = append(autostart, rp.Name)
		}
	}
	g.Release()
	return autostart, nil
}

// persist saves the tree's current configuration subset to disk, unless
// --no-config-cache is set.
func (c *Controller) persist() {
	if c.noConfigCache {
		return
	}
	g := c.tree.AcquireRead()
	ports := g.Ports()
	g.Release()
	if err := persistence.Save(c.configPath, ports); err != nil {
		c.log.Error("persist config failed", zap.Error(err))
	}
}

// Run drives the loop until ctx is canceled or a Quit intent is processed.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.tick(ctx, time.Now()) {
				return nil
			}
		}
	}
}

// tick runs one loop iteration (spec.md §4.10's pseudocode) and reports
// whether a Quit intent ended the controller.
func (c *Controller) tick(ctx context.Context, now time.Time) (quit bool) {
	for {
		select {
		case msg := <-c.intents:
			if c.handleIntent(ctx, msg) {
				return true
			}
		default:
			goto drained
		}
	}
drained:

	c.reapDead()
	c.pollEvents()

	if c.pollingEnabled && now.Sub(c.lastScanAt) >= c.scanInterval {
		c.lastScanAt = now
		c.incrementScans()
		go c.scanner.Request(ctx)
	}

	g := c.tree.AcquireWrite()
	g.AdvanceTransientIndicators(now)
	g.Release()

	c.reportPortMetrics()

	if c.dirty && now.Sub(c.lastPersist) >= time.Second {
		c.persist()
		c.dirty = false
		c.lastPersist = now
	}

	c.hub.Broadcast(notify.Event{Reason: "tick"})
	return false
}

func (c *Controller) handleIntent(ctx context.Context, msg Intent) (quit bool) {
	switch m := msg.(type) {
	case Quit:
		c.supervisor.StopAll()
		g := c.tree.AcquireWrite()
		for _, name := range g.Names() {
			g.DetachSubprocess(name)
			g.SetStatus(name, statustree.Indicator{Kind: statustree.NotStarted})
		}
		g.Release()
		c.drainEventsOnce()
		c.hub.Broadcast(notify.Event{Reason: "quit"})
		return true

	case Refresh:
		c.hub.Broadcast(notify.Event{Reason: "intent"})

	case RescanPorts:
		c.lastScanAt = time.Now()
		go c.scanner.Request(ctx)

	case PausePolling:
		c.pollingEnabled = false

	case ResumePolling:
		c.pollingEnabled = true

	case ToggleRuntime:
		if c.supervisor.Running(m.Port) {
			c.stopWorker(m.Port)
		} else {
			c.startWorker(m.Port)
		}

	case RestartRuntime:
		c.restartWorker(m.Port)

	case SendRegisterUpdate:
		c.applyRegisterUpdate(m)
	}
	return false
}

// drainEventsOnce discards any IPC events left over from workers that Quit
// just stopped, per spec.md §5's cancellation semantics.
func (c *Controller) drainEventsOnce() {
	c.supervisor.PollEvents()
}

func (c *Controller) reapDead() {
	results := c.supervisor.ReapDead(func(port string) []string {
		g := c.tree.AcquireRead()
		defer g.Release()
		p, ok := g.Port(port)
		if !ok {
			return nil
		}
		return p.Stderr.Items()
	})
	if len(results) == 0 {
		return
	}
	g := c.tree.AcquireWrite()
	for _, res := range results {
		g.DetachSubprocess(res.Port)
		msg := fmt.Sprintf("exit code %d", res.ExitCode)
		if res.Signal != "" {
			msg = fmt.Sprintf("killed by signal %s", res.Signal)
		}
		g.SetStatus(res.Port, statustree.Indicator{Kind: statustree.NotStarted})
		entry := statustree.LogEntry{When: time.Now(), Raw: "subprocess exited: " + msg}
		g.AppendLog(res.Port, entry)
		for _, line := range res.StderrTail {
			g.AppendLog(res.Port, statustree.LogEntry{When: time.Now(), Raw: line})
		}
	}
	g.Release()
}

func (c *Controller) pollEvents() {
	events := c.supervisor.PollEvents()
	if len(events) == 0 {
		return
	}
	g := c.tree.AcquireWrite()
	for _, ev := range events {
		c.applyEvent(g, ev.Port, ev.Message)
	}
	g.Release()
}

func (c *Controller) applyEvent(g *statustree.WriteGuard, port string, msg ipc.Message) {
	switch m := msg.(type) {
	case ipc.ModbusExchange:
		c.applyExchange(g, port, m)
	case ipc.Log:
		g.AppendLog(port, statustree.LogEntry{When: time.Now(), Raw: m.Message})
	case ipc.ConfigAck:
		if !m.OK {
			g.AppendLog(port, statustree.LogEntry{When: time.Now(), Raw: "config update rejected: " + m.Error})
		}
	}
}

func (c *Controller) applyExchange(g *statustree.WriteGuard, port string, m ipc.ModbusExchange) {
	p, ok := g.Port(port)
	if !ok {
		return
	}
	key := statustree.Key{StationID: m.StationID, RegisterMode: m.RegisterMode, StartAddress: m.StartAddress}
	for i := range p.Config.Stations {
		st := &p.Config.Stations[i]
		if st.Key() != key {
			continue
		}
		st.TotalCount++
		st.LastRequestTime = time.Now()
		if m.Success {
			st.SuccessCount++
			st.LastResponseTime = time.Now()
			if len(m.Values) == len(st.Cached) {
				st.Cached = append([]uint16(nil), m.Values...)
				c.dirty = true
			}
		} else {
			g.AppendLog(port, statustree.LogEntry{When: time.Now(), Raw: "protocol-error: " + m.Error})
		}
		break
	}
	if c.metrics != nil {
		c.metrics.IncrementExchanges()
		if !m.Success {
			c.metrics.IncrementFailedExchanges()
		}
	}
}

// incrementScans records one scan-pass initiation.
func (c *Controller) incrementScans() {
	if c.metrics != nil {
		c.metrics.IncrementScans()
	}
}

// reportPortMetrics refreshes the total port/running-worker gauges. Cheap
// enough to run every tick: it's a read-lock walk over an in-memory map.
func (c *Controller) reportPortMetrics() {
	if c.metrics == nil {
		return
	}
	g := c.tree.AcquireRead()
	ports := g.Ports()
	g.Release()
	var running int64
	for _, p := range ports {
		if p.Subprocess != nil {
			running++
		}
	}
	c.metrics.SetPortMetrics(int64(len(ports)), running)
}

// startWorker spawns a worker for port per spec.md §4.6, wiring the full
// station set and (for slave ports) seeding initial register values over
// IPC once connected, since the CLI flags only carry a single default
// station.
func (c *Controller) startWorker(port string) {
	g := c.tree.AcquireRead()
	p, ok := g.Port(port)
	g.Release()
	if !ok {
		return
	}
	if len(p.Config.Stations) == 0 {
		c.setStartupFailed(port, "no stations configured")
		return
	}

	first := p.Config.Stations[0]
	cfg := supervisor.SpawnConfig{
		Port: port, Mode: workerMode(p.Config.Mode),
		StationID: first.StationID, RegisterAddress: first.StartAddress,
		RegisterLength: first.Length, RegisterMode: first.RegisterMode,
		BaudRate: p.SerialParams.BaudRate, DataBits: p.SerialParams.DataBits,
		StopBits: p.SerialParams.StopBits, Parity: parityName(p.SerialParams.Parity),
		IntervalMS: 1000, TimeoutMS: 3000,
		DataSourceURI: dataSourceURI(p.Config),
	}

	pid, startedAt, err := c.supervisor.Start(cfg)
	if err != nil {
		c.setStartupFailed(port, err.Error())
		return
	}

	if len(p.Config.Stations) > 1 {
		specs := make([]ipc.StationSpec, len(p.Config.Stations))
		for i, st := range p.Config.Stations {
			specs[i] = ipc.StationSpec{StationID: st.StationID, RegisterMode: st.RegisterMode, StartAddress: st.StartAddress, Length: st.Length}
		}
		_ = c.supervisor.Send(port, ipc.UpdateStations{Stations: specs})
	}

	if p.Config.Mode == statustree.Slave {
		for _, st := range p.Config.Stations {
			if len(st.Cached) == 0 {
				continue
			}
			_ = c.supervisor.Send(port, ipc.PushRegisters{StationID: st.StationID, StartAddress: st.StartAddress, Values: st.Cached})
		}
	}

	wg := c.tree.AcquireWrite()
	wg.AttachSubprocess(port, statustree.SubprocessHandle{PID: pid, StartedAt: startedAt})
	wg.SetStatus(port, statustree.Indicator{Kind: statustree.Running})
	wg.Release()
}

func (c *Controller) setStartupFailed(port, msg string) {
	g := c.tree.AcquireWrite()
	g.SetStatus(port, statustree.Indicator{Kind: statustree.StartupFailed, Message: msg, At: time.Now()})
	entry := statustree.LogEntry{When: time.Now(), Raw: "startup failed: " + msg}
	g.AppendLog(port, entry)
	g.Release()
}

func (c *Controller) stopWorker(port string) {
	if err := c.supervisor.Stop(port); err != nil {
		c.log.Warn("stop worker failed", zap.String("port", port), zap.Error(err))
	}
	g := c.tree.AcquireWrite()
	g.DetachSubprocess(port)
	g.SetStatus(port, statustree.Indicator{Kind: statustree.NotStarted})
	g.Release()
}

func (c *Controller) restartWorker(port string) {
	g := c.tree.AcquireWrite()
	g.SetStatus(port, statustree.Indicator{Kind: statustree.Restarting})
	g.Release()
	c.stopWorker(port)
	c.startWorker(port)
	if c.metrics != nil {
		c.metrics.IncrementRestarts()
	}
}

// applyRegisterUpdate pushes an operator-issued register write to a running
// worker (spec.md §4.10's SendRegisterUpdate intent) and mirrors it into the
// tree's cached values immediately rather than waiting for the next poll to
// confirm it, with a transient AppliedSuccess indicator.
func (c *Controller) applyRegisterUpdate(m SendRegisterUpdate) {
	if !c.supervisor.Running(m.Port) {
		return
	}
	if err := c.supervisor.Send(m.Port, ipc.PushRegisters{StationID: m.StationID, StartAddress: m.StartAddress, Values: m.Values}); err != nil {
		c.log.Warn("send register update failed", zap.String("port", m.Port), zap.Error(err))
		return
	}

	g := c.tree.AcquireWrite()
	p, ok := g.Port(m.Port)
	if ok {
		key := statustree.Key{StationID: m.StationID, RegisterMode: m.RegisterMode, StartAddress: m.StartAddress}
		for i := range p.Config.Stations {
			if p.Config.Stations[i].Key() == key && len(m.Values) == len(p.Config.Stations[i].Cached) {
				p.Config.Stations[i].Cached = append([]uint16(nil), m.Values...)
			}
		}
		g.SetStatus(m.Port, statustree.Indicator{Kind: statustree.AppliedSuccess, At: time.Now()})
	}
	g.Release()
	c.dirty = true
}

func workerMode(mode statustree.ConnectionMode) string {
	if mode == statustree.Master {
		return "master_provide"
	}
	return "slave_listen"
}

func parityName(p int) string {
	switch serialport.Parity(p) {
	case serialport.ParityEven:
		return "even"
	case serialport.ParityOdd:
		return "odd"
	default:
		return "none"
	}
}

func dataSourceURI(cfg statustree.PortConfig) string {
	if cfg.Mode != statustree.Master || cfg.MasterSource == nil {
		return "manual"
	}
	switch cfg.MasterSource.Kind {
	case statustree.DSFile:
		return "file:" + cfg.MasterSource.Value
	case statustree.DSPipe:
		return "pipe:" + cfg.MasterSource.Value
	case statustree.DSTransparentForward:
		return "transparent:" + cfg.MasterSource.Value
	case statustree.DSMQTT:
		return cfg.MasterSource.Value
	case statustree.DSHTTP:
		return cfg.MasterSource.Value
	case statustree.DSIPCPipe:
		return "ipc:" + cfg.MasterSource.Value
	default:
		return "manual"
	}
}
