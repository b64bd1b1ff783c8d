package gcode

import (
	"math"

	"openglow-cnc-go/pkg/cnerr"
)

// arcAngularTravelEpsilon guards the atan2 direction-correction branch
// against floating noise at exactly +-pi, mirroring the source constant.
const arcAngularTravelEpsilon = 5e-7

// arcTolerance bounds the maximum chordal error of a generated arc
// segment (spec §4.1 "Arc generation"), matching config.h's 0.002mm.
var arcTolerance = 0.002

// nArcCorrection is how many vector-rotation steps run between exact
// trig refreshes (motion_control.c's N_ARC_CORRECTION).
const nArcCorrection = 12

// SetArcTolerance overrides the default arc tolerance (wired from
// pkg/settings at startup).
func SetArcTolerance(mm float64) { arcTolerance = mm }

// planeAxes returns (axis0, axis1, linearAxis) for the active plane,
// matching G17/G18/G19 selection.
func planeAxes(plane int) (int, int, int) {
	switch plane {
	case PlaneZX:
		return 2, 0, 1
	case PlaneYZ:
		return 1, 2, 0
	default: // PlaneXY
		return 0, 1, 2
	}
}

// dispatchArc resolves the arc center (R-form or IJK-form), validates it,
// and hands the subdivided path to sink.Line, mirroring mc_arc().
func dispatchArc(prev ParserState, next *ParserState, words []Word, target [3]float64, sink Sink, line string) error {
	axis0, axis1, axisLin := planeAxes(next.Plane)
	position := prev.Position
	clockwise := next.MotionMode == MotionModeCWArc

	var offset [3]float64
	r, hasR := wordValue(words, 'R')
	i, hasI := wordValue(words, 'I')
	j, hasJ := wordValue(words, 'J')
	k, hasK := wordValue(words, 'K')
	if next.Units == UnitsInches {
		if hasR {
			r *= inchPerMM
		}
		i *= inchPerMM
		j *= inchPerMM
		k *= inchPerMM
	}

	var radius float64
	switch {
	case hasR:
		// Chord-solution: derive offsets from the endpoints and R, sign
		// of the sqrt term set by direction and sign of R (R<0 selects
		// the major arc).
		x := target[axis0] - position[axis0]
		y := target[axis1] - position[axis1]
		halfChordSq := (x*x + y*y) / 4
		negative := r < 0
		radius = r
		if negative {
			radius = -radius
		}
		hSq := radius*radius - halfChordSq
		if hSq < 0 {
			return cnerr.GCodeError(cnerr.ErrArcRadiusError, line)
		}
		h := math.Sqrt(hSq)
		midX, midY := (position[axis0]+target[axis0])/2, (position[axis1]+target[axis1])/2
		// perpendicular unit vector, direction chosen by clockwise XOR sign(r)
		perpX, perpY := -y, x
		plen := math.Hypot(perpX, perpY)
		if plen == 0 {
			return cnerr.GCodeError(cnerr.ErrArcRadiusError, line)
		}
		perpX, perpY = perpX/plen, perpY/plen
		sign := 1.0
		if clockwise != negative {
			sign = -1.0
		}
		centerX := midX + sign*h*perpX
		centerY := midY + sign*h*perpY
		offset[axis0] = centerX - position[axis0]
		offset[axis1] = centerY - position[axis1]
		radius = math.Abs(r)

	case hasI || hasJ || hasK:
		offset[axis0] = i
		offset[axis1] = j
		_ = k
		rStart := math.Hypot(offset[axis0], offset[axis1])
		if rStart == 0 {
			return cnerr.GCodeError(cnerr.ErrNoOffsetsInPlane, line)
		}
		rEnd := math.Hypot(target[axis0]-(position[axis0]+offset[axis0]),
			target[axis1]-(position[axis1]+offset[axis1]))
		delta := math.Abs(rEnd - rStart)
		tol := math.Max(0.005, math.Min(0.5, 0.001*rStart))
		if delta > tol {
			return cnerr.GCodeError(cnerr.ErrInvalidTarget, line)
		}
		radius = rStart

	default:
		return cnerr.GCodeError(cnerr.ErrNoOffsetsInPlane, line)
	}

	cond := uint32(0)
	if next.FeedRateMode == FeedRateInverseTime {
		cond |= CondInverseTime
	}
	if next.SpindleCW {
		cond |= CondSpindleEnable
	}
	ld := LineData{FeedRate: next.FeedRate, SpindleSpeed: next.SpindleSpeed, Condition: cond}

	return planArc(position, target, offset, radius, axis0, axis1, axisLin, clockwise, ld, sink)
}

// planArc ports motion_control.c's mc_arc(): third-order small-angle
// vector rotation refreshed every nArcCorrection steps.
func planArc(position, target, offset [3]float64, radius float64, axis0, axis1, axisLin int, clockwise bool, ld LineData, sink Sink) error {
	centerAxis0 := position[axis0] + offset[axis0]
	centerAxis1 := position[axis1] + offset[axis1]
	rAxis0 := -offset[axis0]
	rAxis1 := -offset[axis1]
	rtAxis0 := target[axis0] - centerAxis0
	rtAxis1 := target[axis1] - centerAxis1

	angularTravel := math.Atan2(rAxis0*rtAxis1-rAxis1*rtAxis0, rAxis0*rtAxis0+rAxis1*rtAxis1)
	if clockwise {
		if angularTravel >= -arcAngularTravelEpsilon {
			angularTravel -= 2 * math.Pi
		}
	} else {
		if angularTravel <= arcAngularTravelEpsilon {
			angularTravel += 2 * math.Pi
		}
	}

	segments := int(math.Floor(math.Abs(0.5*angularTravel*radius) /
		math.Sqrt(arcTolerance*(2*radius-arcTolerance))))

	if segments > 0 {
		if ld.Condition&CondInverseTime != 0 {
			ld.FeedRate *= float64(segments)
			ld.Condition &^= CondInverseTime
		}

		thetaPerSegment := angularTravel / float64(segments)
		linearPerSegment := (target[axisLin] - position[axisLin]) / float64(segments)

		cosT := 2.0 - thetaPerSegment*thetaPerSegment
		sinT := thetaPerSegment * 0.16666667 * (cosT + 4.0)
		cosT *= 0.5

		pos := position
		count := 0
		for i := 1; i < segments; i++ {
			var rAxisI float64
			if count < nArcCorrection {
				rAxisI = rAxis0*sinT + rAxis1*cosT
				rAxis0 = rAxis0*cosT - rAxis1*sinT
				rAxis1 = rAxisI
				count++
			} else {
				angle := float64(i) * thetaPerSegment
				cosTi := math.Cos(angle)
				sinTi := math.Sin(angle)
				rAxis0 = -offset[axis0]*cosTi + offset[axis1]*sinTi
				rAxis1 = -offset[axis0]*sinTi - offset[axis1]*cosTi
				count = 0
			}

			pos[axis0] = centerAxis0 + rAxis0
			pos[axis1] = centerAxis1 + rAxis1
			pos[axisLin] += linearPerSegment

			if err := sink.Line(pos, ld); err != nil {
				return err
			}
		}
	}
	return sink.Line(target, ld)
}
