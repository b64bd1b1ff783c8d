package gcode

import (
	"openglow-cnc-go/pkg/cnerr"
)

// MaxLineLength is the longest line the console accepts, matching
// cli.h's CLI_LINE_LENGTH buffer the original firmware reads lines
// into before handing them to the parser.
const MaxLineLength = 512

// modal group ids, used only to detect intra-line conflicts (spec §4.1
// step 2: "modal-group violations").
const (
	groupNonModal = iota
	groupMotion
	groupPlane
	groupDistance
	groupFeedRateMode
	groupUnits
	groupCoordSelect
	groupSpindle
	groupCoolant
	numGroups
)

// ParseLine takes one raw line (it grooms and tokenizes the line itself)
// and the current parser state; it
// returns the updated state and an outcome code (spec §4.1 contract). On
// any error the original state is returned unchanged, matching the
// "parser state unchanged; no block queued" requirement of scenario 3.
func ParseLine(state ParserState, line string, sink Sink) (ParserState, Outcome, error) {
	if len(line) > MaxLineLength {
		return errLine(state, cnerr.ErrLineLengthExceeded, line)
	}

	words, err := Tokenize(Groom(line))
	if err != nil {
		return state, Outcome{Code: string(codeOf(err))}, err
	}
	defer PutWords(words)
	if len(words) == 0 {
		return state, Outcome{Code: string(cnerr.StatusOK)}, nil
	}

	next := state
	var seenLetters uint32
	var seenGroups uint32
	var axisWords [3]float64
	var axisSeen [3]bool
	nonModal := -1
	explicitMotion := false
	used := make([]bool, len(words))

	markGroup := func(g int) error {
		bit := uint32(1) << uint(g)
		if seenGroups&bit != 0 {
			return cnerr.GCodeError(cnerr.ErrModalGroupViolation, line)
		}
		seenGroups |= bit
		return nil
	}

	// Pass 1: non-modal / motion mode / plane / distance / feed-rate
	// mode / units / coord select / M-codes, in the canonical NGC order.
	for i := range words {
		w := words[i]
		letterBit := uint32(1) << uint(w.Letter-'A')
		// G and M words may repeat on a line; markGroup rejects two of them
		// in the same modal group.
		if w.Letter != 'G' && w.Letter != 'M' && w.Letter != 'X' && w.Letter != 'Y' && w.Letter != 'Z' {
			if seenLetters&letterBit != 0 {
				return errLine(state, cnerr.ErrWordRepeated, line)
			}
			seenLetters |= letterBit
		}

		switch w.Letter {
		case 'G':
			switch w.IntValue {
			case 4, 10, 28, 30, 53, 92:
				if err := markGroup(groupNonModal); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				nonModal = w.IntValue
				used[i] = true
			case 0:
				if err := markGroup(groupMotion); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				next.MotionMode = MotionModeSeek
				explicitMotion = true
				used[i] = true
			case 1:
				if err := markGroup(groupMotion); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				next.MotionMode = MotionModeLinear
				explicitMotion = true
				used[i] = true
			case 2:
				if err := markGroup(groupMotion); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				next.MotionMode = MotionModeCWArc
				explicitMotion = true
				used[i] = true
			case 3:
				if err := markGroup(groupMotion); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				next.MotionMode = MotionModeCCWArc
				explicitMotion = true
				used[i] = true
			case 17:
				if err := markGroup(groupPlane); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				next.Plane = PlaneXY
				used[i] = true
			case 18:
				if err := markGroup(groupPlane); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				next.Plane = PlaneZX
				used[i] = true
			case 19:
				if err := markGroup(groupPlane); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				next.Plane = PlaneYZ
				used[i] = true
			case 20:
				if err := markGroup(groupUnits); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				next.Units = UnitsInches
				used[i] = true
			case 21:
				if err := markGroup(groupUnits); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				next.Units = UnitsMM
				used[i] = true
			case 90:
				if err := markGroup(groupDistance); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				next.DistanceMode = DistanceAbsolute
				used[i] = true
			case 91:
				if err := markGroup(groupDistance); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				next.DistanceMode = DistanceIncremental
				used[i] = true
			case 93:
				if err := markGroup(groupFeedRateMode); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				next.FeedRateMode = FeedRateInverseTime
				used[i] = true
			case 94:
				if err := markGroup(groupFeedRateMode); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				next.FeedRateMode = FeedRateUnitsPerMin
				used[i] = true
			case 54, 55, 56, 57, 58, 59:
				if err := markGroup(groupCoordSelect); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				if w.Mantissa != 0 {
					return errLine(state, cnerr.ErrCommandValueNotInt, line)
				}
				next.CoordSelect = w.IntValue - 54
				used[i] = true
			default:
				return errLine(state, cnerr.ErrUnsupportedCommand, line)
			}
		case 'M':
			switch w.IntValue {
			case 0, 1, 2, 30:
				if err := markGroup(groupNonModal); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				next.ProgramFlow = ProgramPaused
				used[i] = true
			case 3:
				if err := markGroup(groupSpindle); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				next.SpindleCW = true
				used[i] = true
			case 5:
				if err := markGroup(groupSpindle); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				next.SpindleCW = false
				used[i] = true
			case 7:
				if err := markGroup(groupCoolant); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				next.CoolantMist = true
				used[i] = true
			case 8:
				if err := markGroup(groupCoolant); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				next.CoolantFlood = true
				used[i] = true
			case 9:
				if err := markGroup(groupCoolant); err != nil {
					return errLine(state, cnerr.ErrModalGroupViolation, line)
				}
				next.CoolantFlood = false
				next.CoolantMist = false
				used[i] = true
			default:
				return errLine(state, cnerr.ErrUnsupportedCommand, line)
			}
		case 'X':
			if axisSeen[0] {
				return errLine(state, cnerr.ErrWordRepeated, line)
			}
			axisSeen[0] = true
			axisWords[0] = w.Value
			used[i] = true
		case 'Y':
			if axisSeen[1] {
				return errLine(state, cnerr.ErrWordRepeated, line)
			}
			axisSeen[1] = true
			axisWords[1] = w.Value
			used[i] = true
		case 'Z':
			if axisSeen[2] {
				return errLine(state, cnerr.ErrWordRepeated, line)
			}
			axisSeen[2] = true
			axisWords[2] = w.Value
			used[i] = true
		case 'F':
			if w.Value < 0 {
				return errLine(state, cnerr.ErrNegativeValue, line)
			}
			used[i] = true
		case 'S':
			if w.Value < 0 {
				return errLine(state, cnerr.ErrNegativeValue, line)
			}
			next.SpindleSpeed = w.Value
			used[i] = true
		case 'N':
			if w.Value < 0 {
				return errLine(state, cnerr.ErrNegativeValue, line)
			}
			if w.Mantissa != 0 {
				return errLine(state, cnerr.ErrCommandValueNotInt, line)
			}
			if w.IntValue > 10000000 {
				return errLine(state, cnerr.ErrInvalidLineNumber, line)
			}
			next.LastLineNum = int32(w.IntValue)
			used[i] = true
		case 'I', 'J', 'K', 'R':
			// consumed during arc dispatch below, marked used there
			if next.MotionMode == MotionModeCWArc || next.MotionMode == MotionModeCCWArc {
				used[i] = true
			}
		case 'P':
			// consumed during dwell/non-modal dispatch below
			if nonModal != -1 {
				used[i] = true
			}
		default:
			return errLine(state, cnerr.ErrUnsupportedCommand, line)
		}
	}

	// Units conversion for axis/radius words (step 3).
	hasAnyAxis := axisSeen[0] || axisSeen[1] || axisSeen[2]
	if next.Units == UnitsInches {
		for i := range axisWords {
			if axisSeen[i] {
				axisWords[i] *= inchPerMM
			}
		}
	}

	// Feed-rate propagation (step 3): inverse-time never carries over.
	feedGiven := false
	for _, w := range words {
		if w.Letter == 'F' {
			next.FeedRate = w.Value
			if next.Units == UnitsInches {
				next.FeedRate *= inchPerMM
			}
			feedGiven = true
		}
	}
	if next.FeedRateMode == FeedRateInverseTime && !feedGiven {
		next.FeedRate = 0
	}

	var cond uint32
	if next.FeedRateMode == FeedRateInverseTime {
		cond |= CondInverseTime
	}
	if next.SpindleCW {
		cond |= CondSpindleEnable
	}
	if next.CoolantFlood {
		cond |= CondCoolantFlood
	}
	if next.CoolantMist {
		cond |= CondCoolantMist
	}

	target := next.Position
	if next.DistanceMode == DistanceAbsolute {
		for i := range axisWords {
			if axisSeen[i] {
				target[i] = axisWords[i]
			}
		}
	} else {
		for i := range axisWords {
			if axisSeen[i] {
				target[i] = state.Position[i] + axisWords[i]
			}
		}
	}

	// G92 claims the axis words for itself; combining it with an explicit
	// motion mode on the same line leaves both wanting the same words.
	// G10/G28/G30 are not checked here.
	if nonModal == 92 && explicitMotion {
		return errLine(state, cnerr.ErrAxisCommandConflict, line)
	}

	// Step 4/5: dispatch. Non-modal commands and motion dispatch are
	// mutually exclusive per line in this reduced grammar.
	switch {
	case nonModal == 4: // G4 dwell
		p, ok := wordValue(words, 'P')
		if !ok {
			return errLine(state, cnerr.ErrValueWordMissing, line)
		}
		if p < 0 {
			return errLine(state, cnerr.ErrNegativeValue, line)
		}
		if err := sink.Dwell(p); err != nil {
			return errLine(state, cnerr.ErrUnsupportedCommand, line)
		}
		next.Position = state.Position
		if err := checkUnusedWords(words, used, line); err != nil {
			return state, Outcome{Code: string(codeOf(err))}, err
		}
		return next, Outcome{Code: string(cnerr.StatusOK)}, nil

	case nonModal == 92: // G92 set coordinate system offset
		if !hasAnyAxis {
			return errLine(state, cnerr.ErrNoAxisWords, line)
		}
		next.Position = target
		if err := checkUnusedWords(words, used, line); err != nil {
			return state, Outcome{Code: string(codeOf(err))}, err
		}
		return next, Outcome{Code: string(cnerr.StatusOK)}, nil

	case explicitMotion && !hasAnyAxis && (next.MotionMode == MotionModeCWArc || next.MotionMode == MotionModeCCWArc):
		return errLine(state, cnerr.ErrNoAxisWords, line)

	case hasAnyAxis && (next.MotionMode == MotionModeCWArc || next.MotionMode == MotionModeCCWArc):
		axis0, axis1, _ := planeAxes(next.Plane)
		if !axisSeen[axis0] && !axisSeen[axis1] {
			return errLine(state, cnerr.ErrNoAxisWordsInPlane, line)
		}
		if !hasOffsetWords(words) {
			return errLine(state, cnerr.ErrInvalidTarget, line)
		}
		if next.FeedRate == 0 {
			return errLine(state, cnerr.ErrUndefinedFeedRate, line)
		}
		if err := dispatchArc(state, &next, words, target, sink, line); err != nil {
			return state, Outcome{Code: string(codeOf(err))}, err
		}
		next.Position = target
		if err := checkUnusedWords(words, used, line); err != nil {
			return state, Outcome{Code: string(codeOf(err))}, err
		}
		return next, Outcome{Code: string(cnerr.StatusOK)}, nil

	case hasAnyAxis && next.MotionMode == MotionModeLinear:
		if next.FeedRate == 0 {
			return errLine(state, cnerr.ErrUndefinedFeedRate, line)
		}
		ld := LineData{FeedRate: next.FeedRate, SpindleSpeed: next.SpindleSpeed, Condition: cond}
		if err := sink.Line(target, ld); err != nil {
			return errLine(state, cnerr.ErrIdleError, line)
		}
		next.Position = target
		if err := checkUnusedWords(words, used, line); err != nil {
			return state, Outcome{Code: string(codeOf(err))}, err
		}
		return next, Outcome{Code: string(cnerr.StatusOK)}, nil

	case hasAnyAxis && next.MotionMode == MotionModeSeek:
		ld := LineData{FeedRate: next.FeedRate, SpindleSpeed: next.SpindleSpeed, Condition: cond | CondRapidMotion}
		if err := sink.Line(target, ld); err != nil {
			return errLine(state, cnerr.ErrIdleError, line)
		}
		next.Position = target
		if err := checkUnusedWords(words, used, line); err != nil {
			return state, Outcome{Code: string(codeOf(err))}, err
		}
		return next, Outcome{Code: string(cnerr.StatusOK)}, nil

	case hasAnyAxis:
		// Axis words given with no motion mode active (MotionModeNone).
		return errLine(state, cnerr.ErrAxisWordsExist, line)

	default:
		if err := checkUnusedWords(words, used, line); err != nil {
			return state, Outcome{Code: string(codeOf(err))}, err
		}
		return next, Outcome{Code: string(cnerr.StatusOK)}, nil
	}
}

// checkUnusedWords reports the closed unused-words error if any word on
// the line went unconsumed by the semantic pass (spec §4.1 step 6).
func checkUnusedWords(words []Word, used []bool, line string) error {
	for _, u := range used {
		if !u {
			return cnerr.GCodeError(cnerr.ErrUnusedWords, line)
		}
	}
	return nil
}

func wordValue(words []Word, letter byte) (float64, bool) {
	for _, w := range words {
		if w.Letter == letter {
			return w.Value, true
		}
	}
	return 0, false
}

func hasOffsetWords(words []Word) bool {
	for _, w := range words {
		if w.Letter == 'I' || w.Letter == 'J' || w.Letter == 'K' || w.Letter == 'R' {
			return true
		}
	}
	return false
}

// errLine builds the (unchanged state, outcome, error) triple ParseLine
// returns on a rejected line, per scenario 3's "parser state unchanged"
// contract.
func errLine(state ParserState, code cnerr.ErrorCode, line string) (ParserState, Outcome, error) {
	return state, Outcome{Code: string(code)}, cnerr.GCodeError(code, line)
}

func codeOf(err error) cnerr.ErrorCode {
	if ce, ok := err.(*cnerr.ControllerError); ok {
		return ce.Code
	}
	return cnerr.ErrInvalidStatement
}
