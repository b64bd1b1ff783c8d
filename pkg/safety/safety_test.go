package safety

import (
	"errors"
	"testing"
	"time"

	"openglow-cnc-go/pkg/fsm"
	"openglow-cnc-go/pkg/hwio"
)

func newTestAggregator(t *testing.T) *fsm.Aggregator {
	t.Helper()
	a := fsm.New()
	a.Start()
	t.Cleanup(a.Stop)
	a.Register(fsm.FSMCLI, []fsm.AcceptPair{{System: fsm.StateInit, Sub: 0}, {System: fsm.StateIdle, Sub: 1}}, nil)
	a.Register(fsm.FSMHardware, HardwarePairs(), nil)
	a.Register(fsm.FSMSwitches, SwitchesPairs(), nil)
	a.Register(fsm.FSMMotion, []fsm.AcceptPair{{System: fsm.StateInit, Sub: 0}, {System: fsm.StateIdle, Sub: 1}}, nil)
	a.Register(fsm.FSMLimits, LimitsPairs(), nil)
	return a
}

func settleIdle(t *testing.T, a *fsm.Aggregator) {
	t.Helper()
	_ = a.Update(fsm.FSMCLI, 1)
	_ = a.Update(fsm.FSMHardware, uint8(HardwareIdle))
	_ = a.Update(fsm.FSMSwitches, uint8(SwitchSafe))
	_ = a.Update(fsm.FSMMotion, 1)
	_ = a.Update(fsm.FSMLimits, uint8(LimitSafe))
	waitUntilState(t, a, fsm.StateIdle)
}

func waitUntilState(t *testing.T, a *fsm.Aggregator, want fsm.SystemState) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a.SystemState() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("system state never reached %s, stuck at %s", want, a.SystemState())
}

func TestWatchSwitchesEscalatesToAlarmWhenUnsafe(t *testing.T) {
	a := newTestAggregator(t)
	m := New(a)
	settleIdle(t, a)

	m.WatchSwitches()(false)
	waitUntilState(t, a, fsm.StateAlarm)
}

func TestWatchSwitchesReleasesRunBackToSafe(t *testing.T) {
	a := newTestAggregator(t)
	m := New(a)
	settleIdle(t, a)

	_ = a.Update(fsm.FSMSwitches, uint8(SwitchRun))
	time.Sleep(20 * time.Millisecond)

	m.WatchSwitches()(true)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && a.SubState(fsm.FSMSwitches) != uint8(SwitchSafe) {
		time.Sleep(time.Millisecond)
	}
	if got := a.SubState(fsm.FSMSwitches); got != uint8(SwitchSafe) {
		t.Fatalf("switches sub-state = %d, want SwitchSafe", got)
	}
}

func TestWatchSwitchesLeavesHoldAloneWhenSafeAgain(t *testing.T) {
	a := newTestAggregator(t)
	m := New(a)
	settleIdle(t, a)

	_ = a.Update(fsm.FSMSwitches, uint8(SwitchHold))
	time.Sleep(20 * time.Millisecond)

	m.WatchSwitches()(true)
	time.Sleep(20 * time.Millisecond)
	if got := a.SubState(fsm.FSMSwitches); got != uint8(SwitchHold) {
		t.Fatalf("switches sub-state = %d, want unchanged SwitchHold", got)
	}
}

func TestWatchLimitsEscalatesToAlarmWhenTripped(t *testing.T) {
	a := newTestAggregator(t)
	m := New(a)
	settleIdle(t, a)

	m.WatchLimits()(false)
	waitUntilState(t, a, fsm.StateAlarm)
}

func TestWatchLimitsReturnsToSafeWhenOk(t *testing.T) {
	a := newTestAggregator(t)
	m := New(a)
	settleIdle(t, a)

	m.WatchLimits()(false)
	waitUntilState(t, a, fsm.StateAlarm)

	m.WatchLimits()(true)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && a.SubState(fsm.FSMLimits) != uint8(LimitSafe) {
		time.Sleep(time.Millisecond)
	}
	if got := a.SubState(fsm.FSMLimits); got != uint8(LimitSafe) {
		t.Fatalf("limits sub-state = %d, want LimitSafe", got)
	}
}

// failingAttrIO is an AttrIO that always fails reads, forcing BringUp's
// driver-ready poll to time out on every call.
type failingAttrIO struct {
	attempts *int
}

var errSimulatedRead = errors.New("simulated read failure")

func (f failingAttrIO) ReadAttrString(path string) (string, error) {
	*f.attempts++
	return "", errSimulatedRead
}

func (f failingAttrIO) ReadAttrUint32(path string) (uint32, error) {
	*f.attempts++
	return 0, errSimulatedRead
}

func (f failingAttrIO) WriteAttrUint64(path string, value uint64) error {
	return nil
}

func TestBringUpDriversRetriesThenFaultsHardware(t *testing.T) {
	a := newTestAggregator(t)
	m := New(a)
	settleIdle(t, a)

	attempts := 0
	io := failingAttrIO{attempts: &attempts}
	var settings [3]hwio.AxisSettings

	err := m.BringUpDrivers(io, "/sys/openglow/cnc/driver/", settings, 3, time.Millisecond)
	if err == nil {
		t.Fatal("expected BringUpDrivers to return an error after exhausting retries")
	}
	if attempts == 0 {
		t.Fatal("expected at least one bring-up attempt")
	}
	waitUntilState(t, a, fsm.StateFault)
}

func TestEmergencyStopRequestsAlarm(t *testing.T) {
	a := newTestAggregator(t)
	m := New(a)
	settleIdle(t, a)

	m.EmergencyStop()
	if got := a.RequestedState(); got != fsm.StateAlarm && got != fsm.StateNoRequest {
		t.Fatalf("RequestedState() = %s, want alarm request in flight or already satisfied", got)
	}
}

func TestResetRequestsIdle(t *testing.T) {
	a := newTestAggregator(t)
	m := New(a)
	settleIdle(t, a)

	m.Reset()
	if got := a.RequestedState(); got != fsm.StateIdle && got != fsm.StateNoRequest {
		t.Fatalf("RequestedState() = %s, want idle request in flight or already satisfied", got)
	}
}

func TestHeartbeatPreventsWatchdogFault(t *testing.T) {
	a := newTestAggregator(t)
	m := New(a)
	settleIdle(t, a)

	m.StartWatchdog(60 * time.Millisecond)
	defer m.StopWatchdog()

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
		m.Heartbeat()
	}
	if got := a.SystemState(); got == fsm.StateFault {
		t.Fatalf("system state = %s, heartbeats should have prevented a watchdog fault", got)
	}
}

func TestWatchdogTimeoutRequestsFault(t *testing.T) {
	a := newTestAggregator(t)
	m := New(a)
	settleIdle(t, a)

	m.StartWatchdog(20 * time.Millisecond)
	defer m.StopWatchdog()

	waitUntilState(t, a, fsm.StateFault)
}
