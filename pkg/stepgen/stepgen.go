// Package stepgen implements the hard-real-time Bresenham step
// generator: one tick per step-clock cycle, each tick writing exactly
// one byte to the pulse FIFO (spec §4.4).
//
// Ported from original_source/src/hardware/stepgen.c's _stepgen_loop
// and stepgen_wake_up. The motion sub-FSM acceptance table this
// package drives through pkg/fsm is reconstructed by analogy (see
// DESIGN.md's open-question decision 6) since only the FAULT update
// was present in the retrieved source.
//
// Copyright (C) 2026  OpenGlow-CNC Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package stepgen

import (
	"sync"

	"openglow-cnc-go/pkg/cnerr"
	"openglow-cnc-go/pkg/fsm"
	"openglow-cnc-go/pkg/hwio"
	"openglow-cnc-go/pkg/log"
	"openglow-cnc-go/pkg/reactor"
	"openglow-cnc-go/pkg/segment"
	"openglow-cnc-go/pkg/settings"
)

// MotionSub is stepgen.c's mot_fsm_states enum, reconstructed by
// analogy with openglow.c's table (see DESIGN.md decision 6).
type MotionSub uint8

const (
	MotionInit MotionSub = iota
	MotionIdle
	MotionRun
	MotionFault
)

// MotionPairs is the (system-state, sub-state) acceptance table this
// package registers with fsm.Aggregator.
func MotionPairs() []fsm.AcceptPair {
	return []fsm.AcceptPair{
		{System: fsm.StateInit, Sub: uint8(MotionInit)},
		{System: fsm.StateSleep, Sub: uint8(MotionIdle)},
		{System: fsm.StateIdle, Sub: uint8(MotionIdle)},
		{System: fsm.StateHoming, Sub: uint8(MotionRun)},
		{System: fsm.StateRun, Sub: uint8(MotionRun)},
		{System: fsm.StateHold, Sub: uint8(MotionIdle)},
		{System: fsm.StateFault, Sub: uint8(MotionFault)},
	}
}

func stepBit(axis int) uint8 { return 1 << uint(axis) }
func dirBit(axis int) uint8  { return 1 << uint(axis+4) }

func dirBitsFromBlock(bits uint8) uint8 {
	var out uint8
	for i := 0; i < settings.NumAxes; i++ {
		if bits&(1<<uint(i)) != 0 {
			out |= dirBit(i)
		}
	}
	return out
}

// Generator is stepgen.c's stepgen_t plus its tick loop: a Bresenham
// counter per axis, the currently-consumed segment, and the SDMA
// run-line timing state.
type Generator struct {
	mu sync.Mutex

	prep *segment.Preparer
	sink hwio.PulseSink
	agg  *fsm.Aggregator
	io   hwio.AttrIO
	base string
	set  settings.Settings
	log  *log.Logger

	counter    [settings.NumAxes]int64
	dirOutbits uint8

	curSeg  segment.Segment
	haveSeg bool

	cycleCount uint32

	bufferedTicks uint64
	running       bool
	requestedRun  bool
}

// New creates a Generator. io/base may be nil/"" in tests that don't
// exercise the SDMA run-line attribute writes.
func New(prep *segment.Preparer, sink hwio.PulseSink, agg *fsm.Aggregator, io hwio.AttrIO, base string, set settings.Settings) *Generator {
	return &Generator{
		prep: prep,
		sink: sink,
		agg:  agg,
		io:   io,
		base: base,
		set:  set,
		log:  log.GetLogger("stepgen"),
	}
}

// WakeUp charges the segment buffer, mirroring stepgen_wake_up's
// initial segment_prep_buffer call before the tick loop starts.
func (g *Generator) WakeUp() error {
	if err := g.prep.Fill(); err != nil {
		_ = g.agg.Update(fsm.FSMMotion, uint8(MotionFault))
		return err
	}
	return nil
}

// Tick advances the generator by exactly one step-clock cycle. It
// always writes one byte to sink: a step/direction pulse on a cycle
// boundary, a 0x00 spacer otherwise (stepgen.c's
// step_cycle_count < cycles_per_tick test).
func (g *Generator) Tick() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.haveSeg {
		seg, ok := g.prep.PopSegment()
		if !ok {
			g.updateRunLineLocked()
			return g.write(0)
		}
		g.loadSegmentLocked(seg)
	}

	g.cycleCount++
	var out uint8
	stepDue := g.cycleCount >= g.curSeg.CyclesPerTick
	if stepDue {
		blk := g.prep.StBlockAt(g.curSeg.StBlockIndex)
		out = g.bresenhamStepLocked(blk)
		g.cycleCount = 0
		g.curSeg.NStep--
	}

	if err := g.write(out); err != nil {
		return err
	}

	if stepDue && g.curSeg.NStep == 0 {
		g.haveSeg = false
		if g.prep.Empty() {
			if err := g.prep.Fill(); err != nil {
				_ = g.agg.Update(fsm.FSMMotion, uint8(MotionFault))
				return err
			}
		}
	}

	g.updateRunLineLocked()
	return nil
}

func (g *Generator) loadSegmentLocked(seg segment.Segment) {
	g.curSeg = seg
	g.haveSeg = true
	g.cycleCount = 0
	blk := g.prep.StBlockAt(seg.StBlockIndex)
	g.dirOutbits = dirBitsFromBlock(blk.DirectionBits)
	// Seed each axis' Bresenham counter to half the block's step-event
	// count, the standard symmetric-rounding start for a new block
	// (independent of the AMASS step-doubling the C original applies
	// elsewhere; this port works against the undoubled counts
	// directly — see DESIGN.md's open-question decision 1).
	for i := range g.counter {
		g.counter[i] = int64(blk.StepEventCount) / 2
	}
}

func (g *Generator) bresenhamStepLocked(blk segment.StBlock) uint8 {
	var bits uint8
	for i := 0; i < settings.NumAxes; i++ {
		g.counter[i] += int64(blk.Steps[i])
		if g.counter[i] >= int64(blk.StepEventCount) {
			g.counter[i] -= int64(blk.StepEventCount)
			bits |= stepBit(i)
		}
	}
	return bits | g.dirOutbits
}

func (g *Generator) write(b uint8) error {
	if err := g.sink.Write(b); err != nil {
		_ = g.agg.Update(fsm.FSMMotion, uint8(MotionFault))
		return cnerr.Wrap(err, cnerr.FaultPulseFIFOOpen, "pulse write")
	}
	return nil
}

// updateRunLineLocked toggles the SDMA run line, mirroring
// _stepgen_loop's two triggers: once ~1 second of segments is
// buffered and the system isn't already Run/Homing, request Run;
// once the buffer empties with Run already requested, drop back to
// Idle.
func (g *Generator) updateRunLineLocked() {
	state := g.agg.SystemState()

	if g.running {
		if g.haveSeg || !g.prep.Empty() {
			return
		}
		g.running = false
		g.requestedRun = false
		if g.io != nil {
			_ = hwio.StopAttr(g.io, g.base)
		}
		g.agg.Request(fsm.StateIdle)
		return
	}

	g.bufferedTicks++
	if !g.requestedRun && g.bufferedTicks > uint64(g.set.StepFrequency) &&
		state != fsm.StateRun && state != fsm.StateHoming {
		g.requestedRun = true
		g.agg.Request(fsm.StateRun)
	}

	if state == fsm.StateRun || state == fsm.StateHoming {
		g.running = true
		g.bufferedTicks = 0
		if g.io != nil {
			_ = hwio.RunAttr(g.io, g.base)
		}
	}
}

// Run drives the tick loop off r at the configured step frequency,
// until a Tick fails, the timer is unregistered, or r itself ends. Returns the registered timer
// so callers can unregister it explicitly.
func (g *Generator) Run(r *reactor.Reactor) *reactor.Timer {
	period := 1.0 / float64(g.set.StepFrequency)
	var timer *reactor.Timer
	timer = r.RegisterTimer(func(eventtime float64) float64 {
		if err := g.Tick(); err != nil {
			g.log.Error("step tick failed: %v", err)
			return reactor.NEVER
		}
		return eventtime + period
	}, r.Monotonic())
	return timer
}
