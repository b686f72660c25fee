package controller

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aoba-ctl/aoba-ctl/internal/ipc"
	"github.com/aoba-ctl/aoba-ctl/internal/modbus"
	"github.com/aoba-ctl/aoba-ctl/internal/notify"
	"github.com/aoba-ctl/aoba-ctl/internal/persistence"
	"github.com/aoba-ctl/aoba-ctl/internal/scanner"
	"github.com/aoba-ctl/aoba-ctl/internal/statustree"
	"github.com/aoba-ctl/aoba-ctl/internal/supervisor"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	tree := statustree.New()
	sup, err := supervisor.New(t.TempDir(), zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}
	scan := scanner.NewWithFuncs(tree, zap.NewNop(),
		func() ([]string, error) { return nil, nil },
		func(id string) error { return nil },
	)
	hub := notify.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	return New(Config{
		Tree: tree, Supervisor: sup, Scanner: scan, Hub: hub, Log: zap.NewNop(),
		ConfigPath: filepath.Join(t.TempDir(), "aoba_tui_config.json"),
	})
}

func TestHandleIntentQuitResetsEveryPortToFree(t *testing.T) {
	c := newTestController(t)
	g := c.tree.AcquireWrite()
	g.UpsertPort("/dev/ttyUSB0", statustree.Physical)
	g.AttachSubprocess("/dev/ttyUSB0", statustree.SubprocessHandle{PID: 99, StartedAt: time.Now()})
	g.SetStatus("/dev/ttyUSB0", statustree.Indicator{Kind: statustree.Running})
	g.Release()

	if quit := c.handleIntent(context.Background(), Quit{}); !quit {
		t.Fatal("Quit intent should end the controller loop")
	}

	rg := c.tree.AcquireRead()
	p, _ := rg.Port("/dev/ttyUSB0")
	rg.Release()
	if p.Occupancy != statustree.Free || p.Subprocess != nil {
		t.Fatalf("Quit must release every occupied port, got occupancy=%v subprocess=%v", p.Occupancy, p.Subprocess)
	}
	if p.Status.Kind != statustree.NotStarted {
		t.Fatalf("Quit must reset status to NotStarted, got %v", p.Status.Kind)
	}
}

func TestToggleRuntimeWithNoStationsFailsStartup(t *testing.T) {
	c := newTestController(t)
	g := c.tree.AcquireWrite()
	g.UpsertPort("/dev/ttyUSB1", statustree.Physical)
	g.Release()

	if quit := c.handleIntent(context.Background(), ToggleRuntime{Port: "/dev/ttyUSB1"}); quit {
		t.Fatal("ToggleRuntime must never request a quit")
	}

	rg := c.tree.AcquireRead()
	p, _ := rg.Port("/dev/ttyUSB1")
	rg.Release()
	if p.Status.Kind != statustree.StartupFailed {
		t.Fatalf("starting a port with no stations should fail startup, got %v", p.Status.Kind)
	}

	wg := c.tree.AcquireWrite()
	wg.AdvanceTransientIndicators(p.Status.At.Add(statustree.StartupFailedHold))
	wg.Release()
	rg = c.tree.AcquireRead()
	p, _ = rg.Port("/dev/ttyUSB1")
	rg.Release()
	if p.Status.Kind != statustree.NotStarted {
		t.Fatalf("StartupFailed should settle back to NotStarted after its hold interval, got %v", p.Status.Kind)
	}
}

func TestApplyExchangeMirrorsValuesIntoCacheAndMarksDirty(t *testing.T) {
	c := newTestController(t)
	g := c.tree.AcquireWrite()
	g.UpsertPort("/dev/ttyUSB2", statustree.Physical)
	err := g.SetStations("/dev/ttyUSB2", []statustree.Station{
		{StationID: 1, RegisterMode: modbus.Holding, StartAddress: 0, Length: 2, Cached: []uint16{0, 0}},
	})
	g.Release()
	if err != nil {
		t.Fatalf("SetStations: %v", err)
	}

	wg := c.tree.AcquireWrite()
	c.applyExchange(wg, "/dev/ttyUSB2", ipc.ModbusExchange{
		StationID: 1, RegisterMode: modbus.Holding, StartAddress: 0, Quantity: 2,
		Values: []uint16{11, 22}, Success: true,
	})
	wg.Release()

	if !c.dirty {
		t.Fatal("a successful exchange that changed cached values must mark the controller dirty")
	}

	rg := c.tree.AcquireRead()
	p, _ := rg.Port("/dev/ttyUSB2")
	rg.Release()
	if p.Config.Stations[0].Cached[0] != 11 || p.Config.Stations[0].Cached[1] != 22 {
		t.Fatalf("cached values = %v, want [11 22]", p.Config.Stations[0].Cached)
	}
	if p.Config.Stations[0].SuccessCount != 1 || p.Config.Stations[0].TotalCount != 1 {
		t.Fatalf("counters = %d/%d, want 1/1", p.Config.Stations[0].SuccessCount, p.Config.Stations[0].TotalCount)
	}
}

func TestApplyExchangeFailureLogsWithoutTouchingCache(t *testing.T) {
	c := newTestController(t)
	g := c.tree.AcquireWrite()
	g.UpsertPort("/dev/ttyUSB3", statustree.Physical)
	g.SetStations("/dev/ttyUSB3", []statustree.Station{
		{StationID: 1, RegisterMode: modbus.Holding, StartAddress: 0, Length: 1, Cached: []uint16{7}},
	})
	g.Release()

	wg := c.tree.AcquireWrite()
	c.applyExchange(wg, "/dev/ttyUSB3", ipc.ModbusExchange{
		StationID: 1, RegisterMode: modbus.Holding, StartAddress: 0, Quantity: 1,
		Success: false, Error: "crc mismatch",
	})
	wg.Release()

	rg := c.tree.AcquireRead()
	p, _ := rg.Port("/dev/ttyUSB3")
	rg.Release()
	if p.Config.Stations[0].Cached[0] != 7 {
		t.Fatalf("a failed exchange must not touch cached values, got %v", p.Config.Stations[0].Cached)
	}
	if p.Logs.Len() == 0 {
		t.Fatal("a failed exchange should append a log entry")
	}
}

func TestApplyRegisterUpdateNoopWhenWorkerNotRunning(t *testing.T) {
	c := newTestController(t)
	g := c.tree.AcquireWrite()
	g.UpsertPort("/dev/ttyUSB4", statustree.Physical)
	g.SetStations("/dev/ttyUSB4", []statustree.Station{
		{StationID: 1, RegisterMode: modbus.Holding, StartAddress: 0, Length: 1, Cached: []uint16{5}},
	})
	g.Release()

	c.applyRegisterUpdate(SendRegisterUpdate{
		Port: "/dev/ttyUSB4", StationID: 1, RegisterMode: modbus.Holding, StartAddress: 0, Values: []uint16{99},
	})

	rg := c.tree.AcquireRead()
	p, _ := rg.Port("/dev/ttyUSB4")
	rg.Release()
	if p.Config.Stations[0].Cached[0] != 5 {
		t.Fatal("SendRegisterUpdate against a non-running worker must be a no-op")
	}
	if p.Status.Kind == statustree.AppliedSuccess {
		t.Fatal("a no-op register update must not report AppliedSuccess")
	}
}

func TestTickBroadcastsAndAdvancesIndicators(t *testing.T) {
	c := newTestController(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	g := c.tree.AcquireWrite()
	g.UpsertPort("/dev/ttyUSB5", statustree.Physical)
	g.SetStatus("/dev/ttyUSB5", statustree.Indicator{Kind: statustree.AppliedSuccess, At: base})
	g.Release()

	sub := c.hub.Subscribe("test")
	defer c.hub.Unsubscribe(sub)

	if quit := c.tick(context.Background(), base.Add(statustree.AppliedSuccessHold)); quit {
		t.Fatal("tick must not quit on its own")
	}

	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("tick should broadcast at least one notify event")
	}

	rg := c.tree.AcquireRead()
	p, _ := rg.Port("/dev/ttyUSB5")
	rg.Release()
	if p.Status.Kind != statustree.NotStarted {
		t.Fatalf("AppliedSuccess on a free port should settle to NotStarted once its hold elapses, got %v", p.Status.Kind)
	}
}

func TestLoadPersistedReturnsAutostartPorts(t *testing.T) {
	c := newTestController(t)
	err := persistence.Save(c.configPath, []statustree.PortData{
		{
			Name: "/dev/ttyUSB6",
			Config: statustree.PortConfig{
				Mode: statustree.Master,
				Stations: []statustree.Station{
					{StationID: 1, RegisterMode: modbus.Holding, StartAddress: 0, Length: 2, Cached: []uint16{1, 2}},
				},
			},
		},
		{Name: "/dev/ttyUSB7", Config: statustree.PortConfig{Mode: statustree.Master}},
	})
	if err != nil {
		t.Fatalf("persistence.Save: %v", err)
	}

	autostart, err := c.LoadPersisted()
	if err != nil {
		t.Fatalf("LoadPersisted: %v", err)
	}
	if len(autostart) != 1 || autostart[0] != "/dev/ttyUSB6" {
		t.Fatalf("autostart = %v, want [/dev/ttyUSB6] (only ports with stations)", autostart)
	}

	rg := c.tree.AcquireRead()
	p6, ok6 := rg.Port("/dev/ttyUSB6")
	p7, ok7 := rg.Port("/dev/ttyUSB7")
	rg.Release()
	if !ok6 || !ok7 {
		t.Fatal("both restored ports should be present in the tree")
	}
	if p6.Status.Kind != statustree.NotStarted || p7.Status.Kind != statustree.NotStarted {
		t.Fatal("restored ports must start as NotStarted, never Running")
	}
}

func TestNoConfigCacheSkipsLoadAndPersist(t *testing.T) {
	tree := statustree.New()
	sup, err := supervisor.New(t.TempDir(), zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}
	scan := scanner.NewWithFuncs(tree, zap.NewNop(), func() ([]string, error) { return nil, nil }, func(string) error { return nil })
	hub := notify.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	path := filepath.Join(t.TempDir(), "aoba_tui_config.json")
	if err := persistence.Save(path, []statustree.PortData{{Name: "/dev/ttyUSB8"}}); err != nil {
		t.Fatalf("persistence.Save: %v", err)
	}

	c := New(Config{Tree: tree, Supervisor: sup, Scanner: scan, Hub: hub, Log: zap.NewNop(), ConfigPath: path, NoConfigCache: true})
	autostart, err := c.LoadPersisted()
	if err != nil {
		t.Fatalf("LoadPersisted: %v", err)
	}
	if autostart != nil {
		t.Fatalf("--no-config-cache must skip restoring anything, got %v", autostart)
	}
	rg := tree.AcquireRead()
	names := rg.Names()
	rg.Release()
	if len(names) != 0 {
		t.Fatalf("tree should remain empty under --no-config-cache, got %v", names)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove %s: %v", path, err)
	}
	c.persist()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("--no-config-cache must skip saving, but %s exists (stat err %v)", path, err)
	}
}
