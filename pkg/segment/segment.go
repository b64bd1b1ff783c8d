// Package segment implements the segment preparer: it draws from the
// planner's current block and produces short constant-rate segments for
// the hard-real-time step generator to consume.
//
// Ported from original_source/src/motion/segment.c's segment_prep_buffer
// algorithm (spec §4.3), with the AMASS-style step-doubling the C source
// applies when copying into the stepper-block shadow deliberately NOT
// carried over — see DESIGN.md's open-question decision.
//
// Copyright (C) 2026  OpenGlow-CNC Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package segment

import (
	"math"
	"sync"

	"openglow-cnc-go/pkg/planner"
	"openglow-cnc-go/pkg/settings"
)

// StBlock is the stepper-block shadow: a copy of the per-axis step
// counts, event count, and direction bits of the planner block currently
// being prepared (spec §3 "Stepper block shadow").
type StBlock struct {
	Steps          [settings.NumAxes]uint32
	StepEventCount uint32
	DirectionBits  uint8
}

// Segment is a constant-rate slice of a block (spec §3 "Segment").
type Segment struct {
	NStep         uint32
	CyclesPerTick uint32
	StBlockIndex  int
	SpindlePWM    uint16 // laser subsystem not reintroduced; kept at 0 (spec §9)
}

type rampType int

const (
	rampAccel rampType = iota
	rampCruise
	rampDecel
	rampDecelOverride
)

// prepState is the "where am I" cursor that survives across segment
// generations (spec §3 "Preparer state").
type prepState struct {
	ramp            rampType
	haveBlock       bool
	traveledMM      float64
	accelerateUntil float64
	decelerateAfter float64
	mmComplete      float64
	currentSpeed    float64
	nominalSpeed    float64
	exitSpeed       float64
	dtRemainder     float64
	stepsPerMM      float64
	stBlockIndex    int
	forcedDecel     bool
}

// Preparer refills the segment ring from a planner.
type Preparer struct {
	mu sync.Mutex

	plan *planner.Planner
	set  settings.Settings

	dtSegment float64 // minutes per segment tick

	segRing []Segment
	head    int
	tail    int
	full    bool

	stBlocks    []StBlock
	nextStBlock int

	state      prepState
	holdActive bool
	endMotion  bool
}

// New creates a Preparer bound to plan, with a ring sized from settings.
func New(plan *planner.Planner, set settings.Settings) *Preparer {
	// One shadow slot per possible in-flight segment: a segment's
	// StBlockIndex must stay valid for as long as the segment ring can
	// still reference it, so the shadow ring cannot be shorter than the
	// segment ring itself.
	stBlocks := make([]StBlock, set.SegmentRingSize)
	return &Preparer{
		plan:      plan,
		set:       set,
		dtSegment: 1.0 / (float64(set.AccelerationTicksPerSec) * 60.0),
		segRing:   make([]Segment, set.SegmentRingSize),
		stBlocks:  stBlocks,
	}
}

func (p *Preparer) cap() int { return len(p.segRing) }

func (p *Preparer) count() int {
	if p.full {
		return p.cap()
	}
	if p.head >= p.tail {
		return p.head - p.tail
	}
	return p.cap() - p.tail + p.head
}

// SetHold arms or clears forced-deceleration mode (feed hold).
func (p *Preparer) SetHold(active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdActive = active
	p.state.haveBlock = false // force profile recompute on next fill
}

// Fill idempotently tops up the segment ring until it is full or the
// planner is empty (spec §4.3 contract).
func (p *Preparer) Fill() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.full {
		block, ok := p.plan.CurrentBlock()
		if !ok {
			return nil
		}
		if !p.state.haveBlock {
			p.loadBlock(block)
		}
		seg, done, err := p.prepareOneSegment(block)
		if err != nil {
			return err
		}
		if seg != nil {
			p.segRing[p.head] = *seg
			p.head = (p.head + 1) % p.cap()
			if p.head == p.tail {
				p.full = true
			}
		}
		if done {
			p.plan.DiscardCurrentBlock()
			p.state.haveBlock = false
			if seg == nil {
				continue
			}
		}
	}
	return nil
}

func (p *Preparer) loadBlock(b *planner.Block) {
	idx := p.nextStBlock % len(p.stBlocks)
	p.nextStBlock++
	p.stBlocks[idx] = StBlock{Steps: b.Steps, StepEventCount: b.StepEventCount, DirectionBits: b.DirectionBits}

	entrySpeed := math.Sqrt(b.EntrySpeedSqr)
	nominalSpeed := math.Sqrt(b.NominalSpeedSqr)
	exitSpeed := math.Sqrt(p.plan.ExecBlockExitSpeedSqr())

	st := prepState{
		haveBlock:    true,
		currentSpeed: entrySpeed,
		nominalSpeed: nominalSpeed,
		exitSpeed:    exitSpeed,
		stepsPerMM:   float64(b.StepEventCount) / b.Millimeters,
		stBlockIndex: idx,
		dtRemainder:  p.state.dtRemainder,
	}

	if p.holdActive {
		st.forcedDecel = true
		st.ramp = rampDecel
		st.accelerateUntil = 0
		st.decelerateAfter = 0
		stopDist := (entrySpeed * entrySpeed) / (2 * b.Acceleration)
		st.mmComplete = math.Min(b.Millimeters, stopDist)
	} else {
		mmAccelEnd := (nominalSpeed*nominalSpeed - entrySpeed*entrySpeed) / (2 * b.Acceleration)
		mmDecelStart := b.Millimeters - (nominalSpeed*nominalSpeed-exitSpeed*exitSpeed)/(2*b.Acceleration)
		if entrySpeed > nominalSpeed {
			// Deceleration-override: feed-override reduction left the
			// entry speed above nominal; unwind it before cruising.
			st.ramp = rampDecelOverride
			st.accelerateUntil = 0
			st.decelerateAfter = (entrySpeed*entrySpeed - nominalSpeed*nominalSpeed) / (2 * b.Acceleration)
			if st.decelerateAfter > b.Millimeters {
				st.decelerateAfter = b.Millimeters
			}
		} else if mmAccelEnd > mmDecelStart {
			// Triangle: never reaches nominal speed.
			peakSqr := (2*b.Acceleration*b.Millimeters + entrySpeed*entrySpeed + exitSpeed*exitSpeed) / 2
			mmPeak := (peakSqr - entrySpeed*entrySpeed) / (2 * b.Acceleration)
			st.ramp = rampAccel
			st.accelerateUntil = mmPeak
			st.decelerateAfter = mmPeak
		} else {
			st.ramp = rampAccel
			st.accelerateUntil = mmAccelEnd
			st.decelerateAfter = mmDecelStart
			if mmAccelEnd <= 0 {
				st.ramp = rampCruise
			}
		}
		st.mmComplete = b.Millimeters
	}

	p.state = st
}

// prepareOneSegment advances the ramp state machine by at most one
// segment-time's worth of travel (spec §4.3 "Segment synthesis loop").
// Returns (segment, blockDone, err). segment is nil only when the block
// terminates with no remaining step to emit.
func (p *Preparer) prepareOneSegment(b *planner.Block) (*Segment, bool, error) {
	st := &p.state
	dt := st.dtRemainder
	dtMax := p.dtSegment
	mmThisSegment := 0.0

	for {
		var phaseEnd, accel float64
		switch st.ramp {
		case rampAccel:
			phaseEnd, accel = st.accelerateUntil, b.Acceleration
		case rampCruise:
			phaseEnd, accel = st.decelerateAfter, 0
		case rampDecel, rampDecelOverride:
			phaseEnd, accel = st.mmComplete, -b.Acceleration
		}
		remaining := phaseEnd - st.traveledMM
		if remaining < 0 {
			remaining = 0
		}

		budget := dtMax - dt
		if budget <= 0 {
			break
		}

		var mmStep float64
		if accel == 0 {
			mmStep = st.currentSpeed * budget
			if mmStep >= remaining && remaining > 0 {
				mmStep = remaining
				dt += safeDiv(remaining, st.currentSpeed)
				st.traveledMM += mmStep
				mmThisSegment += mmStep
				advanceRamp(st, b)
				continue
			}
			dt = dtMax
		} else {
			mmStep = st.currentSpeed*budget + 0.5*accel*budget*budget
			if (accel > 0 && mmStep >= remaining) || (accel < 0 && mmStep >= remaining && remaining > 0) {
				d := remaining
				underSqrt := st.currentSpeed*st.currentSpeed + 2*accel*d
				if underSqrt < 0 {
					underSqrt = 0
				}
				speedAfter := math.Sqrt(underSqrt)
				t := safeDiv(speedAfter-st.currentSpeed, accel)
				dt += t
				st.currentSpeed = speedAfter
				st.traveledMM += d
				mmThisSegment += d
				advanceRamp(st, b)
				continue
			}
			speedAfter := st.currentSpeed + accel*budget
			if speedAfter < 0 {
				speedAfter = 0
			}
			st.currentSpeed = speedAfter
			dt = dtMax
		}
		st.traveledMM += mmStep
		mmThisSegment += mmStep
		break
	}

	stepsFloat := mmThisSegment * st.stepsPerMM
	nInt := uint32(stepsFloat)
	residual := stepsFloat - float64(nInt)
	invRate := safeDiv(1.0, math.Max(st.currentSpeed, 1e-6)*st.stepsPerMM)
	st.dtRemainder = residual * invRate

	done := st.traveledMM >= st.mmComplete-1e-9

	if nInt == 0 && done {
		return nil, true, nil
	}

	if nInt == 0 {
		// Chunk too small to yield a step yet: extend the budget by
		// another segment-time and keep accumulating (spec §4.3 step 3).
		p.state.dtRemainder = dt - dtMax
		if p.state.dtRemainder < 0 {
			p.state.dtRemainder = 0
		}
		return p.prepareOneSegment(b)
	}

	cyclesPerTick := uint32(math.Ceil(float64(p.set.StepFrequency) * 60.0 * invRate))
	if cyclesPerTick < 1 {
		cyclesPerTick = 1
	}

	return &Segment{
		NStep:         nInt,
		CyclesPerTick: cyclesPerTick,
		StBlockIndex:  st.stBlockIndex,
		SpindlePWM:    0,
	}, done, nil
}

func advanceRamp(st *prepState, b *planner.Block) {
	switch st.ramp {
	case rampAccel:
		if st.decelerateAfter > st.accelerateUntil {
			st.ramp = rampCruise
		} else {
			st.ramp = rampDecel
		}
	case rampCruise:
		st.ramp = rampDecel
	case rampDecelOverride:
		st.ramp = rampCruise
	}
	_ = b
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// PopSegment returns the next ring-head segment for the step generator
// (spec §5: step generator writes tail, preparer writes head).
func (p *Preparer) PopSegment() (Segment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count() == 0 {
		return Segment{}, false
	}
	seg := p.segRing[p.tail]
	p.tail = (p.tail + 1) % p.cap()
	p.full = false
	return seg, true
}

// StBlockAt returns the stepper-block shadow a segment indexes.
func (p *Preparer) StBlockAt(idx int) StBlock {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stBlocks[idx]
}

// Empty reports whether the segment ring has nothing left to consume.
func (p *Preparer) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count() == 0
}
