package gcode

import (
	"testing"

	"openglow-cnc-go/pkg/cnerr"
)

// recordingSink records every Line/Dwell call so tests can assert on
// the dispatched motion.
type recordingSink struct {
	lines  []LineData
	pos    [][3]float64
	dwells []float64
}

func (s *recordingSink) Line(target [3]float64, data LineData) error {
	s.pos = append(s.pos, target)
	s.lines = append(s.lines, data)
	return nil
}
func (s *recordingSink) Dwell(seconds float64) error {
	s.dwells = append(s.dwells, seconds)
	return nil
}
func (s *recordingSink) Idle() bool { return true }

func parseOK(t *testing.T, state ParserState, line string, sink Sink) ParserState {
	t.Helper()
	next, outcome, err := ParseLine(state, line, sink)
	if err != nil {
		t.Fatalf("ParseLine(%q): unexpected error %v (outcome %+v)", line, err, outcome)
	}
	if outcome.Code != string(cnerr.StatusOK) {
		t.Fatalf("ParseLine(%q): outcome %+v, want OK", line, outcome)
	}
	return next
}

func parseErr(t *testing.T, state ParserState, line string, sink Sink, want cnerr.ErrorCode) {
	t.Helper()
	next, _, err := ParseLine(state, line, sink)
	if err == nil {
		t.Fatalf("ParseLine(%q): expected error %s, got none", line, want)
	}
	if !cnerr.Is(err, want) {
		t.Fatalf("ParseLine(%q): error %v, want code %s", line, err, want)
	}
	if next != state {
		t.Fatalf("ParseLine(%q): state mutated on error, want unchanged", line)
	}
}

func TestParseLineRapidMoveDispatchesToSink(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	next := parseOK(t, state, "G0X10Y5", sink)

	if len(sink.lines) != 1 {
		t.Fatalf("got %d Line calls, want 1", len(sink.lines))
	}
	if sink.pos[0] != ([3]float64{10, 5, 0}) {
		t.Fatalf("target = %v, want [10 5 0]", sink.pos[0])
	}
	if sink.lines[0].Condition&CondRapidMotion == 0 {
		t.Fatal("expected CondRapidMotion set on a G0 move")
	}
	if next.Position != sink.pos[0] {
		t.Fatalf("state position = %v, want %v", next.Position, sink.pos[0])
	}
}

func TestParseLineLinearMoveRequiresFeedRate(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	parseErr(t, state, "G1X10", sink, cnerr.ErrUndefinedFeedRate)
}

func TestParseLineSeekIsExemptFromFeedRateCheck(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	// G0 (rapid) must not require a feed rate the way G1 does.
	parseOK(t, state, "G0X10", sink)
}

func TestParseLineLinearMoveWithFeedRateDispatches(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	next := parseOK(t, state, "G1X10Y5F500", sink)

	if len(sink.lines) != 1 {
		t.Fatalf("got %d Line calls, want 1", len(sink.lines))
	}
	if sink.lines[0].FeedRate != 500 {
		t.Fatalf("FeedRate = %v, want 500", sink.lines[0].FeedRate)
	}
	if next.FeedRate != 500 {
		t.Fatalf("state FeedRate = %v, want 500 (modal)", next.FeedRate)
	}
}

func TestParseLineFeedRateIsModal(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	state = parseOK(t, state, "G1X10F500", sink)
	// A second linear move with no F word reuses the last feed rate.
	parseOK(t, state, "G1X20", sink)
	if len(sink.lines) != 2 {
		t.Fatalf("got %d Line calls, want 2", len(sink.lines))
	}
	if sink.lines[1].FeedRate != 500 {
		t.Fatalf("second move FeedRate = %v, want 500 carried over", sink.lines[1].FeedRate)
	}
}

func TestParseLineIncrementalDistanceMode(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	state = parseOK(t, state, "G1X10Y0F500", sink)
	state = parseOK(t, state, "G91", sink)
	parseOK(t, state, "G1X5Y5", sink)

	if sink.pos[1] != ([3]float64{15, 5, 0}) {
		t.Fatalf("incremental target = %v, want [15 5 0]", sink.pos[1])
	}
}

func TestParseLineRejectsUnusedWords(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	// With no active arc and no dwell, a bare offset word is never
	// consumed by any dispatch path.
	parseErr(t, state, "I5J5", sink, cnerr.ErrUnusedWords)
}

func TestParseLineRejectsRepeatedWord(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	parseErr(t, state, "G1F500F600X10", sink, cnerr.ErrWordRepeated)
}

func TestParseLineRejectsModalGroupViolation(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	parseErr(t, state, "G0G1X10F500", sink, cnerr.ErrModalGroupViolation)
}

func TestParseLineRejectsNegativeFeedRate(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	parseErr(t, state, "G1X10F-5", sink, cnerr.ErrNegativeValue)
}

func TestParseLineRejectsAxisWordsWithNoMotionMode(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState() // MotionMode starts as MotionModeNone
	parseErr(t, state, "X10", sink, cnerr.ErrAxisWordsExist)
}

func TestParseLineRejectsLineTooLong(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	long := "G1X10F500"
	for len(long) <= MaxLineLength {
		long += "Y1"
	}
	parseErr(t, state, long, sink, cnerr.ErrLineLengthExceeded)
}

func TestParseLineRejectsNonIntegerLineNumber(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	parseErr(t, state, "N1.5G1X10F500", sink, cnerr.ErrCommandValueNotInt)
}

func TestParseLineRejectsNonIntegerCoordSelect(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	parseErr(t, state, "G54.5", sink, cnerr.ErrCommandValueNotInt)
}

func TestParseLineRejectsAxisCommandConflict(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	parseErr(t, state, "G92G1X10F500", sink, cnerr.ErrAxisCommandConflict)
}

func TestParseLineG92SetsPositionWithoutDispatch(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	next := parseOK(t, state, "G92X100", sink)
	if len(sink.lines) != 0 {
		t.Fatalf("G92 should not dispatch motion, got %d calls", len(sink.lines))
	}
	if next.Position[0] != 100 {
		t.Fatalf("position = %v, want X=100", next.Position)
	}
}

func TestParseLineDwellCallsSink(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	parseOK(t, state, "G4P1.5", sink)
	if len(sink.dwells) != 1 || sink.dwells[0] != 1.5 {
		t.Fatalf("dwells = %v, want [1.5]", sink.dwells)
	}
}

func TestParseLineUnknownGCodeIsUnsupported(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	parseErr(t, state, "G200X10", sink, cnerr.ErrUnsupportedCommand)
}

func TestParseLineInchesConvertsAxisWords(t *testing.T) {
	sink := &recordingSink{}
	state := NewParserState()
	state = parseOK(t, state, "G20", sink) // inches
	parseOK(t, state, "G1X1F10", sink)
	if sink.pos[0][0] != inchPerMM {
		t.Fatalf("X target = %v, want %v mm (1 inch)", sink.pos[0][0], inchPerMM)
	}
}
