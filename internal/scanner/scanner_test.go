package scanner

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/aoba-ctl/aoba-ctl/internal/modbus"
	"github.com/aoba-ctl/aoba-ctl/internal/statustree"
)

func TestReconcileMarksOccupancyFromProbe(t *testing.T) {
	tree := statustree.New()
	occupied := map[string]bool{"/dev/ttyA": true}

	s := NewWithFuncs(tree, zap.NewNop(),
		func() ([]string, error) { return []string{"/dev/ttyA", "/dev/ttyB"}, nil },
		func(id string) error {
			if occupied[id] {
				return errors.New("occupied")
			}
			return nil
		},
	)
	s.Request(context.Background())

	g := tree.AcquireRead()
	defer g.Release()

	a, ok := g.Port("/dev/ttyA")
	if !ok || a.Occupancy != statustree.OccupiedByOther {
		t.Fatalf("/dev/ttyA occupancy = %v, want OccupiedByOther", a.Occupancy)
	}
	b, ok := g.Port("/dev/ttyB")
	if !ok || b.Occupancy != statustree.Free {
		t.Fatalf("/dev/ttyB occupancy = %v, want Free", b.Occupancy)
	}
}

func TestReconcileNeverProbesOwnedPort(t *testing.T) {
	tree := statustree.New()
	g := tree.AcquireWrite()
	g.UpsertPort("/dev/ttyA", statustree.Physical)
	g.AttachSubprocess("/dev/ttyA", statustree.SubprocessHandle{PID: 123})
	g.Release()

	probed := false
	s := NewWithFuncs(tree, zap.NewNop(),
		func() ([]string, error) { return []string{"/dev/ttyA"}, nil },
		func(id string) error { probed = true; return nil },
	)
	s.Request(context.Background())

	if probed {
		t.Fatal("scanner probed a port owned by this controller")
	}
	rg := tree.AcquireRead()
	defer rg.Release()
	p, _ := rg.Port("/dev/ttyA")
	if p.Occupancy != statustree.OccupiedByThis {
		t.Fatalf("occupancy changed to %v, want OccupiedByThis preserved", p.Occupancy)
	}
}

func TestReconcileAbsentPortWithConfigIsPreservedAsFree(t *testing.T) {
	tree := statustree.New()
	g := tree.AcquireWrite()
	g.UpsertPort("/dev/ttyX", statustree.Physical)
	err := g.SetStations("/dev/ttyX", []statustree.Station{
		{StationID: 1, RegisterMode: modbus.Holding, StartAddress: 0, Length: 2, Cached: []uint16{0, 0}},
	})
	g.Release()
	if err != nil {
		t.Fatalf("SetStations: %v", err)
	}

	s := NewWithFuncs(tree, zap.NewNop(),
		func() ([]string, error) { return nil, nil }, // port no longer enumerated
		func(id string) error { return nil },
	)
	s.Request(context.Background())

	rg := tree.AcquireRead()
	defer rg.Release()
	p, ok := rg.Port("/dev/ttyX")
	if !ok {
		t.Fatal("configured port was evicted by the scanner")
	}
	if p.Occupancy != statustree.Free {
		t.Fatalf("occupancy = %v, want Free", p.Occupancy)
	}
}

func TestReconcileAbsentPortWithoutConfigIsRemoved(t *testing.T) {
	tree := statustree.New()
	g := tree.AcquireWrite()
	g.UpsertPort("/dev/ttyY", statustree.Physical)
	g.Release()

	s := NewWithFuncs(tree, zap.NewNop(),
		func() ([]string, error) { return nil, nil },
		func(id string) error { return nil },
	)
	s.Request(context.Background())

	rg := tree.AcquireRead()
	defer rg.Release()
	if _, ok := rg.Port("/dev/ttyY"); ok {
		t.Fatal("unconfigured, absent port should have been removed")
	}
}

func TestRequestCoalescesConcurrentCalls(t *testing.T) {
	tree := statustree.New()
	calls := make(chan struct{}, 8)
	s := NewWithFuncs(tree, zap.NewNop(),
		func() ([]string, error) {
			calls <- struct{}{}
			return nil, nil
		},
		func(id string) error { return nil },
	)

	done := make(chan struct{})
	go func() {
		s.Request(context.Background())
		close(done)
	}()
	s.Request(context.Background())
	<-done

	close(calls)
	n := 0
	for range calls {
		n++
	}
	if n == 0 || n > 2 {
		t.Fatalf("got %d enumeration calls, want 1 or 2 (coalesced, not unbounded)", n)
	}
}
