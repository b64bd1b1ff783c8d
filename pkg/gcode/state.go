package gcode

// Condition bits carried on a planner line-data record (mirrors the
// source's PL_COND_FLAG_* bitset).
const (
	CondRapidMotion = 1 << iota
	CondSystemMotion
	CondNoFeedOverride
	CondInverseTime
	CondSpindleEnable // laser enable in this controller's domain
	CondCoolantFlood
	CondCoolantMist
)

// Motion modes (group G1).
const (
	MotionModeSeek = iota // G0
	MotionModeLinear
	MotionModeCWArc
	MotionModeCCWArc
	MotionModeNone = 80
)

// Plane selection (group G2).
const (
	PlaneXY = iota
	PlaneZX
	PlaneYZ
)

// Distance mode (group G3).
const (
	DistanceAbsolute = iota
	DistanceIncremental
)

// Feed-rate mode (group G5).
const (
	FeedRateUnitsPerMin = iota
	FeedRateInverseTime
)

// Units mode (group G6).
const (
	UnitsMM = iota
	UnitsInches
)

// Program flow.
const (
	ProgramRunning = iota
	ProgramPaused
)

const inchPerMM = 25.4

// LineData is the feed/spindle/condition descriptor handed to the motion
// sink alongside a target position, mirroring plan_line_data_t.
type LineData struct {
	FeedRate     float64
	SpindleSpeed float64
	Condition    uint32
}

// Sink is the motion-control entry point the parser dispatches linear
// moves, arcs, and dwells to. The planner/motion-control layer implements
// this; the parser never depends on planner internals directly.
type Sink interface {
	Line(target [3]float64, data LineData) error
	Dwell(seconds float64) error
	// Idle reports whether the machine is free to accept a new motion
	// request right now (used for "idle-error" style status checks that
	// sit outside the planner's own buffer-full backpressure).
	Idle() bool
}

// ParserState holds the persistent modal settings that survive across
// lines (spec §3 "Parser state").
type ParserState struct {
	MotionMode    int
	FeedRateMode  int
	Units         int
	DistanceMode  int
	Plane         int
	CoordSelect   int
	ProgramFlow   int
	CoolantFlood  bool
	CoolantMist   bool
	SpindleCW     bool
	SpindleSpeed  float64
	FeedRate      float64
	LastLineNum   int32
	Position      [3]float64 // tool position in millimetres
}

// NewParserState returns the default modal state a fresh interpreter
// starts in.
func NewParserState() ParserState {
	return ParserState{
		MotionMode:   MotionModeNone,
		FeedRateMode: FeedRateUnitsPerMin,
		Units:        UnitsMM,
		DistanceMode: DistanceAbsolute,
		Plane:        PlaneXY,
		ProgramFlow:  ProgramRunning,
	}
}

// Outcome is the status code returned from parsing one line.
type Outcome struct {
	Code string // cnerr.ErrorCode value, "OK" on success
}
