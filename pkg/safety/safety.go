// Package safety escalates hardware-observed unsafe conditions —
// tripped limit switches, an unsafe operator-panel switch, a
// stepper-driver bring-up failure, a missed heartbeat — into
// pkg/fsm.Aggregator updates, mirroring how system.c's hardware
// modules each own a sub-FSM and push their local state into the
// aggregator rather than deciding the overall system state themselves.
//
// Grounded on original_source/src/hardware/{switches,limits,step_drv}.c
// and src/system/system.c's init/fault-escalation ordering.
//
// Copyright (C) 2026  OpenGlow-CNC Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package safety

import (
	"context"
	"sync"
	"time"

	"openglow-cnc-go/pkg/cnerr"
	"openglow-cnc-go/pkg/endstop"
	"openglow-cnc-go/pkg/fsm"
	"openglow-cnc-go/pkg/hwio"
	"openglow-cnc-go/pkg/log"
)

// SwitchSub is switches.c's sw_fsm_states enum.
type SwitchSub uint8

const (
	SwitchInit SwitchSub = iota
	SwitchSafe
	SwitchRun
	SwitchHold
	SwitchAlarm
	SwitchFault
)

// LimitSub is limits.c's limit_fsm_states enum.
type LimitSub uint8

const (
	LimitInit LimitSub = iota
	LimitSafe
	LimitHoming
	LimitAlarm
	LimitFault
)

// HardwareSub is openglow.c's og_fsm_states enum.
type HardwareSub uint8

const (
	HardwareInit HardwareSub = iota
	HardwareIdle
	HardwareRun
	HardwareDisabled
	HardwareFault
)

// Manager wires hardware observations into an Aggregator and runs the
// watchdog timer; it owns no domain logic of its own beyond the
// escalation mapping each sub-FSM's original handler encoded in C.
type Manager struct {
	agg *fsm.Aggregator
	log *log.Logger

	watchdogMu      sync.Mutex
	watchdogTimeout time.Duration
	watchdogCancel  context.CancelFunc
	lastHeartbeat   time.Time
}

// New creates a Manager bound to agg. agg's sub-FSMs are expected to
// already be registered (Register is the caller's job — CLI/hardware/
// motion's acceptance tables are owned by those packages).
func New(agg *fsm.Aggregator) *Manager {
	return &Manager{
		agg:             agg,
		log:             log.GetLogger("safety"),
		watchdogTimeout: 5 * time.Second,
	}
}

// SwitchesPairs/LimitsPairs/HardwarePairs are the sub-FSM acceptance
// tables the Manager's reaction functions assume are registered,
// exported so callers (cmd/openglow-cnc) can pass them straight to
// Aggregator.Register without re-deriving them.
func SwitchesPairs() []fsm.AcceptPair {
	return []fsm.AcceptPair{
		{System: fsm.StateInit, Sub: uint8(SwitchInit)},
		{System: fsm.StateSleep, Sub: uint8(SwitchSafe)},
		{System: fsm.StateIdle, Sub: uint8(SwitchSafe)},
		{System: fsm.StateHoming, Sub: uint8(SwitchSafe)},
		{System: fsm.StateRun, Sub: uint8(SwitchRun)},
		{System: fsm.StateHold, Sub: uint8(SwitchHold)},
		{System: fsm.StateFault, Sub: uint8(SwitchFault)},
		{System: fsm.StateAlarm, Sub: uint8(SwitchAlarm)},
	}
}

func LimitsPairs() []fsm.AcceptPair {
	return []fsm.AcceptPair{
		{System: fsm.StateInit, Sub: uint8(LimitInit)},
		{System: fsm.StateSleep, Sub: uint8(LimitSafe)},
		{System: fsm.StateIdle, Sub: uint8(LimitSafe)},
		{System: fsm.StateIdle, Sub: uint8(LimitHoming)},
		{System: fsm.StateHoming, Sub: uint8(LimitHoming)},
		{System: fsm.StateRun, Sub: uint8(LimitSafe)},
		{System: fsm.StateHold, Sub: uint8(LimitSafe)},
		{System: fsm.StateFault, Sub: uint8(LimitFault)},
		{System: fsm.StateAlarm, Sub: uint8(LimitAlarm)},
	}
}

func HardwarePairs() []fsm.AcceptPair {
	return []fsm.AcceptPair{
		{System: fsm.StateInit, Sub: uint8(HardwareInit)},
		{System: fsm.StateSleep, Sub: uint8(HardwareDisabled)},
		{System: fsm.StateIdle, Sub: uint8(HardwareIdle)},
		{System: fsm.StateHoming, Sub: uint8(HardwareRun)},
		{System: fsm.StateHoming, Sub: uint8(HardwareIdle)},
		{System: fsm.StateRun, Sub: uint8(HardwareRun)},
		{System: fsm.StateHold, Sub: uint8(HardwareIdle)},
		{System: fsm.StateFault, Sub: uint8(HardwareFault)},
	}
}

// WatchSwitches returns the callback to pass to endstop.Group.Watch for
// the operator-panel switches. Ported from _switches_fsm_handler: an
// unsafe reading always escalates to Alarm; a safe reading only
// releases Run back to Safe, leaving Hold (and any other current
// sub-state) alone.
func (m *Manager) WatchSwitches() func(safe bool) {
	return func(safe bool) {
		current := SwitchSub(m.agg.SubState(fsm.FSMSwitches))
		if !safe {
			if current != SwitchAlarm {
				m.log.Warn("operator switches unsafe, raising alarm")
				_ = m.agg.Update(fsm.FSMSwitches, uint8(SwitchAlarm))
			}
			return
		}
		if current == SwitchRun {
			_ = m.agg.Update(fsm.FSMSwitches, uint8(SwitchSafe))
		}
	}
}

// WatchLimits returns the callback to pass to endstop.Group.Watch for
// the axis limit switches. Ported from _limits_fsm_handler: simply
// tracks ok/not-ok with no state-dependent special case.
func (m *Manager) WatchLimits() func(ok bool) {
	return func(ok bool) {
		next := LimitSafe
		if !ok {
			next = LimitAlarm
			m.log.Warn("limit switch tripped, raising alarm")
		}
		_ = m.agg.Update(fsm.FSMLimits, uint8(next))
	}
}

// RunSwitches starts the blocking switches event-device loop; call in
// its own goroutine. Mirrors switches_init's spawned RT task.
func (m *Manager) RunSwitches(ctx context.Context, group *endstop.Group, dev *hwio.EventDevice) error {
	return group.Watch(ctx, dev, m.WatchSwitches())
}

// RunLimits starts the blocking limits event-device loop; call in its
// own goroutine. Mirrors limits_init's spawned RT task.
func (m *Manager) RunLimits(ctx context.Context, group *endstop.Group, dev *hwio.EventDevice) error {
	return group.Watch(ctx, dev, m.WatchLimits())
}

// BringUpDrivers retries hwio.BringUp up to attempts times with a fixed
// backoff, escalating the hardware sub-FSM to Fault if every attempt
// fails. Grounded on step_drv.c's step_drv_init, which the original
// firmware calls exactly once at startup with no retry; the retry loop
// here is this port's addition, since a transient bring-up failure at
// startup shouldn't be fatal on a Linux host where the driver boards
// may still be powering up.
func (m *Manager) BringUpDrivers(io hwio.AttrIO, basePath string, settings [3]hwio.AxisSettings, attempts int, backoff time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = hwio.BringUp(io, basePath, settings)
		if err == nil {
			return nil
		}
		m.log.Warn("driver bring-up attempt %d/%d failed: %v", i+1, attempts, err)
		time.Sleep(backoff)
	}
	_ = m.agg.Update(fsm.FSMHardware, uint8(HardwareFault))
	return cnerr.Wrap(err, cnerr.FaultDriverVerifyFailed, "driver bring-up exhausted retries")
}

// StartWatchdog arms a timer that moves the hardware sub-FSM to Fault if
// Heartbeat isn't called within timeout. Call Heartbeat from the step generator's tick
// path or the main loop.
func (m *Manager) StartWatchdog(timeout time.Duration) {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if m.watchdogCancel != nil {
		return
	}
	if timeout > 0 {
		m.watchdogTimeout = timeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.watchdogCancel = cancel
	m.lastHeartbeat = time.Now()
	go m.watchdogLoop(ctx)
}

// StopWatchdog disarms the timer.
func (m *Manager) StopWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if m.watchdogCancel != nil {
		m.watchdogCancel()
		m.watchdogCancel = nil
	}
}

// Heartbeat records that the main loop is still alive.
func (m *Manager) Heartbeat() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	m.lastHeartbeat = time.Now()
}

func (m *Manager) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.watchdogMu.Lock()
			elapsed := time.Since(m.lastHeartbeat)
			timeout := m.watchdogTimeout
			m.watchdogMu.Unlock()
			if elapsed > timeout {
				m.log.Error("watchdog timeout, raising hardware fault")
				_ = m.agg.Update(fsm.FSMHardware, uint8(HardwareFault))
				m.watchdogMu.Lock()
				m.watchdogCancel = nil
				m.watchdogMu.Unlock()
				return
			}
		}
	}
}

// EmergencyStop requests Alarm outright, mirroring the CLI's "!" feed
// hold escalated to a full stop.
func (m *Manager) EmergencyStop() {
	m.agg.Request(fsm.StateAlarm)
}

// Reset requests a return to Idle, mirroring the CLI's "X" (USR_RESET)
// command once the operator has cleared the underlying fault.
func (m *Manager) Reset() {
	m.agg.Request(fsm.StateIdle)
}
