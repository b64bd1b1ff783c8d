// Package endstop tracks the binary input-status-bit groups the
// controller reads off two Linux event devices: the operator-panel
// switches (beam detect, interlock, lid, button) and the axis limit
// switches. Both groups reduce to the same shape — a fixed table of
// named bits, each with an optional invert flag, collapsed to one
// monotone "everything reads safe" predicate.
//
// Grounded on original_source/src/hardware/switches.c and limits.c.
package endstop

import (
	"context"
	"sync"

	"openglow-cnc-go/pkg/hwio"
)

// Default device paths (switches.c's SWITCH_DEVICE, limits.c's
// LIMIT_DEVICE).
const (
	DefaultSwitchesDevice = "/dev/input/event0"
	DefaultLimitsDevice   = "/dev/input/event1"
)

// BitStatus mirrors common.h's input_status_t: a named bit's raw wire
// position, whether its sense is inverted, and the last observed,
// invert-applied state.
type BitStatus struct {
	Name   string
	Bit    uint16
	Invert bool
	State  bool
}

// Group tracks a fixed set of bits fed by one event device and exposes
// the monotone "all bits true" safe predicate used for FSM consensus.
type Group struct {
	mu   sync.RWMutex
	name string
	bits []BitStatus
}

// NewGroup creates a bit group. bits is copied so callers' preset
// tables (SwitchesBits/LimitsBits) stay reusable across instances.
func NewGroup(name string, bits []BitStatus) *Group {
	cp := make([]BitStatus, len(bits))
	copy(cp, bits)
	return &Group{name: name, bits: cp}
}

// SwitchesBits is switches.c's sw_status[] table: five operator-panel
// switches on DefaultSwitchesDevice. Only the button reads inverted.
func SwitchesBits() []BitStatus {
	return []BitStatus{
		{Name: "beam_detect", Bit: 0},
		{Name: "interlock", Bit: 1},
		{Name: "lid_sw1", Bit: 2},
		{Name: "lid_sw2", Bit: 3},
		{Name: "button", Bit: 7, Invert: true},
	}
}

// LimitsBits is limits.c's limit_status[] table: six axis limit
// switches on DefaultLimitsDevice. None read inverted.
func LimitsBits() []BitStatus {
	return []BitStatus{
		{Name: "x_pos", Bit: 0},
		{Name: "x_neg", Bit: 1},
		{Name: "y1_pos", Bit: 2},
		{Name: "y1_neg", Bit: 3},
		{Name: "y2_pos", Bit: 4},
		{Name: "y2_neg", Bit: 5},
	}
}

func applyInvert(raw, invert bool) bool {
	if invert {
		return !raw
	}
	return raw
}

// Seed applies a bulk EVIOCGSW bitmask read at startup, so a group's
// state is known before the first physical transition arrives.
func (g *Group) Seed(mask uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for j := range g.bits {
		raw := mask&(1<<g.bits[j].Bit) != 0
		g.bits[j].State = applyInvert(raw, g.bits[j].Invert)
	}
}

// HandleEvent applies one EV_SW transition to whichever bit matches
// its code, reporting whether that bit's state actually changed.
//
// switches.c and limits.c both apply the invert flag using the outer
// per-event loop index instead of the bit just matched in the inner
// loop, so an odd bit position ends up inverted (or not) according to
// some other bit's flag. This port applies it to the matched bit (j
// below), not the event-loop position, fixing that.
func (g *Group) HandleEvent(ev hwio.InputEvent) (changed bool) {
	if !ev.IsSwitchEvent() {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for j := range g.bits {
		if ev.Code != g.bits[j].Bit {
			continue
		}
		raw := ev.Value != 0
		next := applyInvert(raw, g.bits[j].Invert)
		if next != g.bits[j].State {
			g.bits[j].State = next
			changed = true
		}
		break
	}
	return changed
}

// AllSafe reports whether every tracked bit currently reads true — the
// monotone predicate _switches_safe()/_limits_ok() compute.
func (g *Group) AllSafe() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, b := range g.bits {
		if !b.State {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of the group's current bit table, for status
// reporting.
func (g *Group) Snapshot() []BitStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cp := make([]BitStatus, len(g.bits))
	copy(cp, g.bits)
	return cp
}

// Watch runs the blocking read loop against dev, calling onChange
// whenever a transition flips AllSafe()'s result. Mirrors
// _switches_event_loop/_limits_event_loop's spawned task; returns when
// ctx is cancelled or the device read fails.
func (g *Group) Watch(ctx context.Context, dev *hwio.EventDevice, onChange func(safe bool)) error {
	prevSafe := g.AllSafe()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		ev, err := dev.ReadEvent()
		if err != nil {
			return err
		}
		if !g.HandleEvent(ev) {
			continue
		}
		safe := g.AllSafe()
		if safe == prevSafe {
			continue
		}
		prevSafe = safe
		if onChange != nil {
			onChange(safe)
		}
	}
}
