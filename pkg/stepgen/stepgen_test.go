package stepgen

import (
	"errors"
	"testing"

	"openglow-cnc-go/pkg/fsm"
	"openglow-cnc-go/pkg/gcode"
	"openglow-cnc-go/pkg/planner"
	"openglow-cnc-go/pkg/segment"
	"openglow-cnc-go/pkg/settings"
)

// recordingSink captures every byte written, standing in for
// hwio.DevicePulseSink.
type recordingSink struct {
	bytes []uint8
	fail  bool
}

func (s *recordingSink) Write(b uint8) error {
	if s.fail {
		return errors.New("simulated pulse write failure")
	}
	s.bytes = append(s.bytes, b)
	return nil
}
func (s *recordingSink) Flush()       {}
func (s *recordingSink) Close() error { return nil }

func newTestAggregator(t *testing.T) *fsm.Aggregator {
	t.Helper()
	a := fsm.New()
	a.Start()
	t.Cleanup(a.Stop)
	a.Register(fsm.FSMCLI, []fsm.AcceptPair{{System: fsm.StateInit, Sub: 0}, {System: fsm.StateIdle, Sub: 1}, {System: fsm.StateRun, Sub: 1}}, nil)
	a.Register(fsm.FSMHardware, []fsm.AcceptPair{{System: fsm.StateInit, Sub: 0}, {System: fsm.StateIdle, Sub: 1}, {System: fsm.StateRun, Sub: 2}}, nil)
	a.Register(fsm.FSMSwitches, []fsm.AcceptPair{{System: fsm.StateInit, Sub: 0}, {System: fsm.StateIdle, Sub: 1}, {System: fsm.StateRun, Sub: 1}}, nil)
	a.Register(fsm.FSMMotion, MotionPairs(), nil)
	a.Register(fsm.FSMLimits, []fsm.AcceptPair{{System: fsm.StateInit, Sub: 0}, {System: fsm.StateIdle, Sub: 1}, {System: fsm.StateRun, Sub: 1}}, nil)
	return a
}

func settledGenerator(t *testing.T) (*Generator, *recordingSink, *planner.Planner) {
	t.Helper()
	set := settings.Default()
	plan := planner.New(set)
	prep := segment.New(plan, set)
	sink := &recordingSink{}
	agg := newTestAggregator(t)

	ok, err := plan.BufferLine([3]float64{10, 0, 0}, gcode.LineData{FeedRate: 3000})
	if err != nil {
		t.Fatalf("BufferLine: %v", err)
	}
	if !ok {
		t.Fatal("BufferLine reported a no-op for a 10mm move")
	}

	g := New(prep, sink, agg, nil, "", set)
	if err := g.WakeUp(); err != nil {
		t.Fatalf("WakeUp: %v", err)
	}
	return g, sink, plan
}

func TestTickWritesOneByteEveryCall(t *testing.T) {
	g, sink, _ := settledGenerator(t)

	for i := 0; i < 500; i++ {
		if err := g.Tick(); err != nil {
			t.Fatalf("Tick() at i=%d: %v", i, err)
		}
	}
	if len(sink.bytes) != 500 {
		t.Fatalf("wrote %d bytes, want 500 (one per tick)", len(sink.bytes))
	}
}

func TestTickEmitsSomeStepPulses(t *testing.T) {
	g, sink, _ := settledGenerator(t)

	for i := 0; i < 20000; i++ {
		if err := g.Tick(); err != nil {
			t.Fatalf("Tick() at i=%d: %v", i, err)
		}
	}
	steps := 0
	for _, b := range sink.bytes {
		if b&0x0f != 0 {
			steps++
		}
	}
	if steps == 0 {
		t.Fatal("expected at least one step pulse (X bit set) over 20000 ticks of a 10mm move")
	}
}

func TestTickReportsFaultOnSinkError(t *testing.T) {
	g, sink, _ := settledGenerator(t)
	sink.fail = true

	err := g.Tick()
	if err == nil {
		t.Fatal("expected Tick to propagate the sink's write error")
	}
}

func TestDirBitsFromBlockSetsHighNibble(t *testing.T) {
	bits := dirBitsFromBlock(1) // axis 0 negative
	if bits != dirBit(0) {
		t.Fatalf("dirBitsFromBlock(1) = %#x, want %#x", bits, dirBit(0))
	}
}

func TestStepAndDirBitsDoNotOverlap(t *testing.T) {
	for axis := 0; axis < settings.NumAxes; axis++ {
		if stepBit(axis)&dirBit(axis) != 0 {
			t.Fatalf("axis %d: step bit %#x overlaps dir bit %#x", axis, stepBit(axis), dirBit(axis))
		}
	}
}
