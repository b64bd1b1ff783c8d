// Package planner maintains the ring of queued motion blocks, performs
// forward/reverse look-ahead junction-speed optimization, and exposes the
// accessors the segment preparer draws from.
//
// original_source/src/motion/planner.c was not retrieved (only planner.h,
// which supplied the Block field layout); the look-ahead algorithm below
// is reconstructed directly from spec §4.2's description and validated
// against the junction-speed and step-count testable properties of §8.
//
// Copyright (C) 2026  OpenGlow-CNC Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package planner

import (
	"math"
	"sync"

	"openglow-cnc-go/pkg/cnerr"
	"openglow-cnc-go/pkg/gcode"
	"openglow-cnc-go/pkg/settings"
)

// Condition bits, re-exported from pkg/gcode (which the planner imports)
// under local names; this is just the PL_COND_FLAG_* bitset.
const (
	CondRapidMotion    = gcode.CondRapidMotion
	CondSystemMotion   = gcode.CondSystemMotion
	CondInverseTime    = gcode.CondInverseTime
	CondSpindleEnable  = gcode.CondSpindleEnable
)

// Block is a planned straight-line motion (spec §3 "Planner block").
type Block struct {
	Steps               [settings.NumAxes]uint32
	StepEventCount      uint32
	DirectionBits       uint8
	Condition           uint32
	EntrySpeedSqr       float64
	MaxJunctionSpeedSqr float64
	NominalSpeedSqr     float64
	Acceleration        float64 // mm/min^2
	Millimeters         float64
	ProgrammedRate      float64
	SpindleSpeed        float64
}

func (b *Block) maxEntrySpeedSqr() float64 {
	return math.Min(b.MaxJunctionSpeedSqr, b.NominalSpeedSqr)
}

// Planner owns the bounded block ring and the forward/reverse look-ahead
// pass. Ring indices are partitioned: the parser (producer) advances
// head, the segment preparer (consumer) advances tail; both may read
// either (spec §5).
type Planner struct {
	mu sync.Mutex

	set settings.Settings

	ring []Block
	head int
	tail int
	full bool

	havePrevious    bool
	previousTarget  [settings.NumAxes]float64
	previousUnitVec [settings.NumAxes]float64
}

// New creates a Planner with a ring sized from settings.
func New(set settings.Settings) *Planner {
	return &Planner{set: set, ring: make([]Block, set.PlannerRingSize)}
}

func (p *Planner) cap() int { return len(p.ring) }

func (p *Planner) count() int {
	if p.full {
		return p.cap()
	}
	if p.head >= p.tail {
		return p.head - p.tail
	}
	return p.cap() - p.tail + p.head
}

// CheckFullBuffer reports whether the ring has no room for another block.
func (p *Planner) CheckFullBuffer() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.full
}

func (p *Planner) idx(offsetFromTail int) int {
	return (p.tail + offsetFromTail) % p.cap()
}

// checkSoftLimits rejects a target outside the machine's travel envelope
// (spec §4.1 soft-limit check, limits_soft_check in motion_control.c).
// config.h's MAX_TRAVEL macros bound travel magnitude per axis regardless
// of sign; settings.MaxTravel carries those raw values unnegated, so the
// bound is |target[axis]| <= |MaxTravel[axis]|.
func checkSoftLimits(target [settings.NumAxes]float64, set settings.Settings) error {
	for axis := 0; axis < settings.NumAxes; axis++ {
		limit := math.Abs(set.MaxTravel[axis])
		if math.Abs(target[axis]) > limit {
			return cnerr.New(cnerr.ErrSoftLimitError,
				"target exceeds configured travel envelope").SetSection("planner")
		}
	}
	return nil
}

// BufferLine computes the resulting block from target and line data and
// either appends it (returns true) or rejects it as a zero-length no-op
// (returns false), matching plan_buffer_line's contract.
func (p *Planner) BufferLine(target [settings.NumAxes]float64, ld gcode.LineData) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.full {
		return false, cnerr.PlannerError("ring buffer full")
	}

	if err := checkSoftLimits(target, p.set); err != nil {
		return false, err
	}

	var delta [settings.NumAxes]float64
	var steps [settings.NumAxes]uint32
	var dirBits uint8
	var maxSteps uint32
	for axis := 0; axis < settings.NumAxes; axis++ {
		if p.havePrevious {
			delta[axis] = target[axis] - p.previousTarget[axis]
		} else {
			delta[axis] = target[axis]
		}
		if delta[axis] < 0 {
			dirBits |= 1 << uint(axis)
		}
		s := uint32(math.Round(math.Abs(delta[axis]) * p.set.StepsPerMM[axis]))
		steps[axis] = s
		if s > maxSteps {
			maxSteps = s
		}
	}
	if maxSteps == 0 {
		return false, nil
	}

	millimeters := 0.0
	for axis := 0; axis < settings.NumAxes; axis++ {
		millimeters += delta[axis] * delta[axis]
	}
	millimeters = math.Sqrt(millimeters)

	var unitVec [settings.NumAxes]float64
	for axis := 0; axis < settings.NumAxes; axis++ {
		unitVec[axis] = delta[axis] / millimeters
	}

	// Per-axis-limited acceleration and rapid rate: the move's overall
	// acceleration/rate is bounded by whichever axis' limit is tightest
	// for this direction vector.
	accel := math.Inf(1)
	rapidRate := math.Inf(1)
	for axis := 0; axis < settings.NumAxes; axis++ {
		u := math.Abs(unitVec[axis])
		if u < 1e-9 {
			continue
		}
		if a := p.set.Acceleration[axis] / u; a < accel {
			accel = a
		}
		if r := p.set.MaxRate[axis] / u; r < rapidRate {
			rapidRate = r
		}
	}

	programmedRate := ld.FeedRate
	if ld.Condition&CondInverseTime != 0 && ld.FeedRate > 0 {
		programmedRate = millimeters / ld.FeedRate // FeedRate holds 1/time in this mode
	}
	nominalRate := rapidRate
	if ld.Condition&CondRapidMotion == 0 {
		nominalRate = math.Min(programmedRate, rapidRate)
		if nominalRate < p.set.MinimumFeedRate {
			nominalRate = p.set.MinimumFeedRate
		}
	}

	// Step rate this move would ask of the generator, in steps/sec:
	// mirrors st_prep_block's max-rate check against F_CPU/cycles_per_step.
	stepRateHz := (float64(maxSteps) / millimeters) * nominalRate / 60.0
	if stepRateHz > float64(p.set.StepFrequency) {
		return false, cnerr.New(cnerr.ErrMaxStepRateExceeded,
			"requested step rate exceeds configured step frequency").SetSection("planner")
	}

	b := Block{
		Steps:           steps,
		StepEventCount:  maxSteps,
		DirectionBits:   dirBits,
		Condition:       ld.Condition,
		Acceleration:    accel,
		Millimeters:     millimeters,
		ProgrammedRate:  programmedRate,
		NominalSpeedSqr: nominalRate * nominalRate,
		SpindleSpeed:    ld.SpindleSpeed,
	}
	b.MaxJunctionSpeedSqr = p.junctionSpeedSqr(unitVec, &b)
	b.EntrySpeedSqr = 0

	p.ring[p.head] = b
	p.head = (p.head + 1) % p.cap()
	if p.head == p.tail {
		p.full = true
	}

	p.havePrevious = true
	p.previousTarget = target
	p.previousUnitVec = unitVec

	p.recalculate()
	return true, nil
}

// junctionSpeedSqr derives the maximum squared junction speed between
// the previous move's direction and this one (spec §4.2): from
// sin(theta/2) and the configured junction deviation,
// v^2 <= a*d*sin(theta/2) / (1 - sin(theta/2)), clamped below by
// MinJunctionSpeed^2 and above by the two blocks' nominal speeds squared.
func (p *Planner) junctionSpeedSqr(unitVec [settings.NumAxes]float64, b *Block) float64 {
	minSqr := p.set.MinJunctionSpeed * p.set.MinJunctionSpeed
	if !p.havePrevious {
		return minSqr
	}
	cosTheta := 0.0
	for axis := 0; axis < settings.NumAxes; axis++ {
		cosTheta -= p.previousUnitVec[axis] * unitVec[axis]
	}
	if cosTheta > 0.999999 {
		return minSqr
	}
	if cosTheta < -0.999999 {
		cosTheta = -0.999999
	}
	sinThetaD2 := math.Sqrt(0.5 * (1 - cosTheta))
	v := b.Acceleration * p.set.JunctionDeviation * sinThetaD2 / (1 - sinThetaD2)
	if v < minSqr {
		v = minSqr
	}
	if previous := p.lastBlock(); previous != nil {
		if b.NominalSpeedSqr < v {
			v = b.NominalSpeedSqr
		}
		if previous.NominalSpeedSqr < v {
			v = previous.NominalSpeedSqr
		}
	}
	return v
}

func (p *Planner) lastBlock() *Block {
	if p.count() == 0 {
		return nil
	}
	last := (p.head - 1 + p.cap()) % p.cap()
	return &p.ring[last]
}

// recalculate performs the reverse-then-forward look-ahead pass across
// every active block in the ring (spec §4.2). Must be called with mu held.
func (p *Planner) recalculate() {
	n := p.count()
	if n == 0 {
		return
	}

	// Reverse pass: newest back to the block after the tail; the tail's
	// entry speed is left as it is (see the forward pass below).
	newest := (p.head - 1 + p.cap()) % p.cap()
	nextEntrySqr := p.ring[newest].maxEntrySpeedSqr()
	idx := newest
	for i := 0; i < n-1; i++ {
		b := &p.ring[idx]
		limited := nextEntrySqr + 2*b.Acceleration*b.Millimeters
		if limited > b.maxEntrySpeedSqr() {
			limited = b.maxEntrySpeedSqr()
		}
		b.EntrySpeedSqr = limited
		nextEntrySqr = limited
		idx = (idx - 1 + p.cap()) % p.cap()
	}

	// Forward pass: tail toward newest. The tail block's own entry speed
	// is frozen by the step generator via UpdateExecBlockParameters and
	// is not revised here.
	idx = p.tail
	prevEntrySqr := p.ring[idx].EntrySpeedSqr
	prevAccel := p.ring[idx].Acceleration
	prevMM := p.ring[idx].Millimeters
	for i := 1; i < n; i++ {
		idx = (idx + 1) % p.cap()
		b := &p.ring[idx]
		reachableExit := prevEntrySqr + 2*prevAccel*prevMM
		if reachableExit < b.EntrySpeedSqr {
			b.EntrySpeedSqr = reachableExit
		}
		prevEntrySqr = b.EntrySpeedSqr
		prevAccel = b.Acceleration
		prevMM = b.Millimeters
	}
}

// CurrentBlock returns the block currently owned by the segment
// preparer (the tail of the ring) and whether one exists.
func (p *Planner) CurrentBlock() (*Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count() == 0 {
		return nil, false
	}
	return &p.ring[p.tail], true
}

// ExecBlockExitSpeedSqr returns the squared speed the current block
// should be at when it hands off to the next queued block (zero if none
// is queued yet, i.e. this is the last planned block).
func (p *Planner) ExecBlockExitSpeedSqr() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count() < 2 {
		return 0
	}
	next := (p.tail + 1) % p.cap()
	return p.ring[next].EntrySpeedSqr
}

// ComputeProfileNominalSpeed returns the nominal (cruise) speed for the
// current block, accounting for any feed override already folded into
// NominalSpeedSqr.
func (p *Planner) ComputeProfileNominalSpeed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count() == 0 {
		return 0
	}
	return math.Sqrt(p.ring[p.tail].NominalSpeedSqr)
}

// DiscardCurrentBlock retires the tail block once the preparer has
// drained it.
func (p *Planner) DiscardCurrentBlock() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count() == 0 {
		return
	}
	p.tail = (p.tail + 1) % p.cap()
	p.full = false
}

// UpdateExecBlockParameters freezes the stepper's current instantaneous
// speed as the executing block's new entry-speed squared and re-runs the
// look-ahead pass, mirroring st_update_plan_block_parameters.
func (p *Planner) UpdateExecBlockParameters(currentSpeed float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count() == 0 {
		return
	}
	p.ring[p.tail].EntrySpeedSqr = currentSpeed * currentSpeed
	p.recalculate()
}
