package gcode

import (
	"math"
	"testing"

	"openglow-cnc-go/pkg/cnerr"
)

func TestParseLineArcIJFormDispatchesSegments(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	state = parseOK(t, state, "G1X0Y0F500", sink) // establish start position at origin
	sink.lines = nil
	sink.pos = nil

	// A quarter circle of radius 10 centered at (10,0), from (0,0) to (10,10).
	next := parseOK(t, state, "G2X10Y10I10J0F500", sink)

	if len(sink.lines) == 0 {
		t.Fatal("expected at least one segment dispatched for the arc")
	}
	last := sink.pos[len(sink.pos)-1]
	if math.Abs(last[0]-10) > 1e-6 || math.Abs(last[1]-10) > 1e-6 {
		t.Fatalf("final arc point = %v, want [10 10 0]", last)
	}
	if next.Position != last {
		t.Fatalf("state position = %v, want %v", next.Position, last)
	}
}

func TestParseLineArcRejectsMissingOffsetWords(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	parseErr(t, state, "G2X10Y0F500", sink, cnerr.ErrInvalidTarget)
}

func TestParseLineArcRejectsNoAxisWordsInPlane(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	// Z-only motion under the default G17 (XY) plane touches neither
	// of the arc plane's own two axes.
	parseErr(t, state, "G2Z5I10J0F500", sink, cnerr.ErrNoAxisWordsInPlane)
}

func TestParseLineArcRejectsInconsistentRadius(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	// I/J describes a circle of radius 10 about (10,0), but the target
	// is 20mm from that center: inconsistent with the start point.
	parseErr(t, state, "G2X30Y0I10J0F500", sink, cnerr.ErrInvalidTarget)
}

func TestParseLineArcRFormDispatchesSegments(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	next := parseOK(t, state, "G2X10Y10R10F500", sink)

	if len(sink.lines) == 0 {
		t.Fatal("expected at least one segment dispatched for the arc")
	}
	last := sink.pos[len(sink.pos)-1]
	if math.Abs(last[0]-10) > 1e-6 || math.Abs(last[1]-10) > 1e-6 {
		t.Fatalf("final arc point = %v, want [10 10 0]", last)
	}
	_ = next
}

func TestParseLineArcRejectsChordLongerThanDiameter(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	// A chord longer than the diameter has no solution.
	parseErr(t, state, "G2X100Y100R1F500", sink, cnerr.ErrArcRadiusError)
}

func TestPlaneAxesSelection(t *testing.T) {
	cases := []struct {
		plane              int
		axis0, axis1, axis2 int
	}{
		{PlaneXY, 0, 1, 2},
		{PlaneZX, 2, 0, 1},
		{PlaneYZ, 1, 2, 0},
	}
	for _, c := range cases {
		a0, a1, a2 := planeAxes(c.plane)
		if a0 != c.axis0 || a1 != c.axis1 || a2 != c.axis2 {
			t.Errorf("planeAxes(%d) = (%d,%d,%d), want (%d,%d,%d)",
				c.plane, a0, a1, a2, c.axis0, c.axis1, c.axis2)
		}
	}
}
