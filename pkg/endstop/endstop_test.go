package endstop

import (
	"testing"

	"openglow-cnc-go/pkg/hwio"
)

func TestSwitchesBitsAllSafeRequiresEveryBit(t *testing.T) {
	g := NewGroup("switches", SwitchesBits())
	if g.AllSafe() {
		t.Fatal("fresh group with no events should not be safe")
	}

	for _, b := range SwitchesBits() {
		if b.Name == "button" {
			continue
		}
		g.HandleEvent(hwio.InputEvent{Type: 5, Code: b.Bit, Value: 1})
	}
	if g.AllSafe() {
		t.Fatal("should not be safe until the inverted button bit is accounted for")
	}

	// button reads invert=true, so a raw 0 (not pressed) is "safe" true.
	g.HandleEvent(hwio.InputEvent{Type: 5, Code: 7, Value: 0})
	if !g.AllSafe() {
		t.Fatal("expected all-safe once every bit including the inverted one is set")
	}
}

func TestHandleEventIgnoresNonSwitchTypes(t *testing.T) {
	g := NewGroup("switches", SwitchesBits())
	changed := g.HandleEvent(hwio.InputEvent{Type: 1, Code: 0, Value: 1})
	if changed {
		t.Fatal("non EV_SW event must not be applied")
	}
}

func TestHandleEventAppliesInvertToMatchedBitNotEventIndex(t *testing.T) {
	// Regression test for the bug where the C original applies the
	// invert flag using the outer event-loop index rather than the
	// bit actually matched. beam_detect (index 0, invert=false) must
	// not be affected by button's (index 4, invert=true) flag.
	g := NewGroup("switches", SwitchesBits())

	g.HandleEvent(hwio.InputEvent{Type: 5, Code: 0, Value: 1}) // beam_detect raw high
	snap := g.Snapshot()
	if !snap[0].State {
		t.Fatalf("beam_detect should read true on raw high, got %+v", snap[0])
	}

	g.HandleEvent(hwio.InputEvent{Type: 5, Code: 7, Value: 1}) // button raw high -> inverted false
	snap = g.Snapshot()
	if snap[0].Name != "beam_detect" || !snap[0].State {
		t.Fatalf("beam_detect state must be unaffected by button's invert flag, got %+v", snap[0])
	}
	if snap[4].Name != "button" || snap[4].State {
		t.Fatalf("button should read false (inverted) on raw high, got %+v", snap[4])
	}
}

func TestSeedAppliesBulkMaskBeforeAnyEvent(t *testing.T) {
	g := NewGroup("limits", LimitsBits())
	var mask uint64
	for _, b := range LimitsBits() {
		mask |= 1 << b.Bit
	}
	g.Seed(mask)
	if !g.AllSafe() {
		t.Fatal("seeding every bit high should yield all-safe")
	}
}

func TestLimitsBitsNoneInverted(t *testing.T) {
	for _, b := range LimitsBits() {
		if b.Invert {
			t.Fatalf("limits bit %s should not be inverted", b.Name)
		}
	}
}

func TestHandleEventReportsChangedOnlyOnTransition(t *testing.T) {
	g := NewGroup("limits", LimitsBits())
	if changed := g.HandleEvent(hwio.InputEvent{Type: 5, Code: 0, Value: 1}); !changed {
		t.Fatal("first transition to true should report changed")
	}
	if changed := g.HandleEvent(hwio.InputEvent{Type: 5, Code: 0, Value: 1}); changed {
		t.Fatal("repeating the same value should not report changed")
	}
}

func TestAllSafeTransitionsAsBitsFlip(t *testing.T) {
	bits := []BitStatus{{Name: "a", Bit: 0}, {Name: "b", Bit: 1}}
	g := NewGroup("pair", bits)

	var transitions []bool
	apply := func(code uint16, value int32) {
		if g.HandleEvent(hwio.InputEvent{Type: 5, Code: code, Value: value}) {
			transitions = append(transitions, g.AllSafe())
		}
	}

	apply(0, 1) // a true, still not all-safe
	apply(1, 1) // b true, now all-safe
	apply(0, 0) // a false, not all-safe again

	if len(transitions) != 3 {
		t.Fatalf("expected 3 recorded transitions, got %d: %v", len(transitions), transitions)
	}
	if transitions != nil && (transitions[0] || !transitions[1] || transitions[2]) {
		t.Fatalf("unexpected transition sequence: %v", transitions)
	}
}
