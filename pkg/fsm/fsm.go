// Package fsm implements the hierarchical finite state machine that
// aggregates the independent sub-systems (CLI, hardware, switches,
// motion, limits) into one system state (spec §4.5).
//
// Ported from original_source/src/system/fsm.c's _fsm_loop: each sub-FSM
// registers the (system-state, sub-state) pairs it finds acceptable, then
// reports its current sub-state on every transition. The aggregator
// recomputes, for every system state, the bitmask of sub-FSMs that find
// it acceptable; a state whose bitmask is non-empty and is a priority
// state wins outright, otherwise the requested state needs unanimous
// agreement (full consensus) before the system adopts it.
//
// Copyright (C) 2026  OpenGlow-CNC Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package fsm

import (
	"sync"

	"openglow-cnc-go/pkg/cnerr"
	"openglow-cnc-go/pkg/log"
)

// SystemState is one of the machine's top-level states (spec §4.5).
type SystemState uint8

const (
	StateInit SystemState = iota
	StateSleep
	StateIdle
	StateHoming
	StateRun
	StateHold
	StateAlarm
	StateFault
	numSystemStates

	// StateNoRequest means no state change has been requested.
	StateNoRequest SystemState = 254
	// StateUninitialized is the sentinel before any sub-FSM has reported.
	StateUninitialized SystemState = 255
)

func (s SystemState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSleep:
		return "sleep"
	case StateIdle:
		return "idle"
	case StateHoming:
		return "homing"
	case StateRun:
		return "run"
	case StateHold:
		return "hold"
	case StateAlarm:
		return "alarm"
	case StateFault:
		return "fault"
	case StateNoRequest:
		return "no-request"
	default:
		return "uninitialized"
	}
}

type stateKind uint8

const (
	kindConsensus stateKind = iota
	kindPriority
)

// statePriority mirrors fsm.c's state_priority table: init/alarm/fault
// are adopted the moment any sub-FSM votes for them, everything else
// requires every registered sub-FSM to agree.
var statePriority = [numSystemStates]stateKind{
	StateInit:   kindPriority,
	StateSleep:  kindConsensus,
	StateIdle:   kindConsensus,
	StateHoming: kindConsensus,
	StateRun:    kindConsensus,
	StateHold:   kindConsensus,
	StateAlarm:  kindPriority,
	StateFault:  kindPriority,
}

// SubFSM identifies one of the five independent sub-systems (fsm.h's
// enum sub_fsm).
type SubFSM uint8

const (
	FSMCLI SubFSM = iota
	FSMHardware
	FSMSwitches
	FSMMotion
	FSMLimits
	numSubFSM
)

func (f SubFSM) String() string {
	switch f {
	case FSMCLI:
		return "cli"
	case FSMHardware:
		return "hardware"
	case FSMSwitches:
		return "switches"
	case FSMMotion:
		return "motion"
	case FSMLimits:
		return "limits"
	default:
		return "unknown"
	}
}

// AcceptPair is one (system state, sub-state) mapping a sub-FSM finds
// acceptable, mirroring sys_to_sub_map_t.
type AcceptPair struct {
	System SystemState
	Sub    uint8
}

// registration holds one sub-FSM's acceptance table and optional
// notification callback (sub_state_map_t).
type registration struct {
	pairs   []AcceptPair
	handler func()
}

type subUpdate struct {
	sub   SubFSM
	state uint8
}

// Aggregator is the system-level FSM (fsm.c's global state plus
// _fsm_loop, run as a goroutine reading off a buffered channel in place
// of the RTOS message queue).
type Aggregator struct {
	mu       sync.Mutex
	subState [numSubFSM]uint8
	registry [numSubFSM]registration

	sysState    SystemState
	sysReqState SystemState

	// onEnterRunRequested fires when a request transitions toward Run
	// from a non-Run state (mirrors fsm_request's button-LED side
	// effect; hardware-specific, so it is left as a caller-supplied
	// hook rather than hardwired here).
	onEnterRunRequested func()

	queue chan subUpdate
	stop  chan struct{}
	wg    sync.WaitGroup

	log *log.Logger
}

// New creates an Aggregator. Call Start to begin processing sub-FSM
// updates; until Start is called, Register/Update are safe to call but
// updates merely queue.
func New() *Aggregator {
	a := &Aggregator{
		sysState:    StateUninitialized,
		sysReqState: StateUninitialized,
		queue:       make(chan subUpdate, numSubFSM),
		stop:        make(chan struct{}),
		log:         log.GetLogger("fsm"),
	}
	for i := range a.subState {
		a.subState[i] = uint8(StateUninitialized)
	}
	return a
}

// SetOnEnterRunRequested installs the Run-request side-effect hook.
func (a *Aggregator) SetOnEnterRunRequested(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onEnterRunRequested = fn
}

// Start mirrors fsm_init: puts the system in StateInit and arms the
// first requested state (Idle), then launches the aggregation loop.
func (a *Aggregator) Start() {
	a.mu.Lock()
	a.sysState = StateInit
	a.sysReqState = StateIdle
	a.mu.Unlock()

	a.wg.Add(1)
	go a.loop()
}

// Stop mirrors fsm_reset: ends the aggregation loop and returns the
// aggregator to an uninitialized state.
func (a *Aggregator) Stop() {
	close(a.stop)
	a.wg.Wait()
	a.mu.Lock()
	a.sysState = StateUninitialized
	for i := range a.subState {
		a.subState[i] = uint8(StateUninitialized)
	}
	a.mu.Unlock()
}

// Register installs a sub-FSM's acceptance table, marking it
// initialized with sub-state 0 (its own local "init" state), mirroring
// fsm_register.
func (a *Aggregator) Register(sub SubFSM, pairs []AcceptPair, handler func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registry[sub] = registration{pairs: pairs, handler: handler}
	a.subState[sub] = 0
}

// Request asks the aggregator to move the system to state once
// consensus (or priority) allows it, mirroring fsm_request.
func (a *Aggregator) Request(state SystemState) {
	a.mu.Lock()
	if a.sysReqState == state {
		a.mu.Unlock()
		return
	}
	prevSysState := a.sysState
	a.sysReqState = state
	handlers := a.handlerSnapshotLocked()
	runHook := a.onEnterRunRequested
	a.mu.Unlock()

	a.notify(handlers)
	if runHook != nil && prevSysState != StateRun && state == StateRun {
		runHook()
	}
}

// Update submits a sub-FSM's new local state for aggregation, mirroring
// fsm_update. An update from an unregistered sub-FSM is logged and
// dropped. A full queue (the aggregation goroutine falling behind) is
// reported as a fault rather than blocking the caller, since callers
// include hard-real-time paths.
func (a *Aggregator) Update(sub SubFSM, state uint8) error {
	if sub >= numSubFSM {
		return cnerr.FSMError("invalid sub-FSM")
	}
	a.mu.Lock()
	initialized := a.subState[sub] != uint8(StateUninitialized)
	a.mu.Unlock()
	if !initialized {
		a.log.Warn("update from uninitialized sub-FSM %s ignored", sub)
		return cnerr.FSMError("uninitialized sub-FSM " + sub.String() + " submitted a state update")
	}

	select {
	case a.queue <- subUpdate{sub: sub, state: state}:
		return nil
	default:
		a.log.Error("aggregation queue full, dropping update from %s", sub)
		return cnerr.New(cnerr.FaultQueueOverflow, "fsm update queue full").SetSection("fsm")
	}
}

// SystemState returns the current system state.
func (a *Aggregator) SystemState() SystemState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sysState
}

// RequestedState returns the currently requested system state.
func (a *Aggregator) RequestedState() SystemState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sysReqState
}

// SubState returns a sub-FSM's last reported local state.
func (a *Aggregator) SubState(sub SubFSM) uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subState[sub]
}

func (a *Aggregator) loop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stop:
			return
		case u := <-a.queue:
			a.apply(u)
		}
	}
}

// apply mirrors the body of _fsm_loop for a single queued update:
// record the sub-state, then recompute the system state.
func (a *Aggregator) apply(u subUpdate) {
	a.mu.Lock()

	a.subState[u.sub] = u.state

	if !a.allInitializedLocked() {
		handlers := a.updateSystemStateLocked(StateInit)
		a.mu.Unlock()
		a.notify(handlers)
		return
	}

	var pState [numSystemStates]uint16
	const pMask = uint16(1<<numSubFSM) - 1

	for f := SubFSM(0); f < numSubFSM; f++ {
		reg := a.registry[f]
		for _, pair := range reg.pairs {
			if pair.Sub == a.subState[f] {
				pState[pair.System] |= 1 << uint(f)
			}
		}
	}

	matchState := StateUninitialized
	for i := SystemState(0); i < numSystemStates; i++ {
		if pState[i] > 0 && statePriority[i] == kindPriority {
			matchState = i
		}
	}

	var handlers []func()
	switch {
	case matchState != StateUninitialized:
		handlers = a.updateSystemStateLocked(matchState)

	case a.sysReqState < numSystemStates && pState[a.sysReqState] == pMask:
		handlers = a.updateSystemStateLocked(a.sysReqState)

	default:
		matches := 0
		found := StateUninitialized
		for i := SystemState(0); i < numSystemStates; i++ {
			if pState[i] == pMask {
				found = i
				matches++
			}
		}
		switch {
		case matches == 1:
			handlers = a.updateSystemStateLocked(found)
		case matches > 1:
			// Two simultaneous non-priority consensuses signal a design
			// bug in the sub-FSM acceptance tables; report it but do not
			// pick one (spec §4.5 rule 5).
			a.log.Error("conflicting state consensus among registered sub-FSMs")
		}
	}

	a.mu.Unlock()
	a.notify(handlers)
}

func (a *Aggregator) allInitializedLocked() bool {
	for _, s := range a.subState {
		if s == uint8(StateUninitialized) {
			return false
		}
	}
	return true
}

// updateSystemStateLocked mirrors _update_system_state: if the state
// actually changes, clear a satisfied request and return the handler
// snapshot to notify (must be called with mu held; notification itself
// happens after unlock).
func (a *Aggregator) updateSystemStateLocked(state SystemState) []func() {
	if a.sysState == state {
		return nil
	}
	a.sysState = state
	if a.sysState == a.sysReqState {
		a.sysReqState = StateNoRequest
	}
	return a.handlerSnapshotLocked()
}

func (a *Aggregator) handlerSnapshotLocked() []func() {
	handlers := make([]func(), 0, numSubFSM)
	for _, reg := range a.registry {
		if reg.handler != nil {
			handlers = append(handlers, reg.handler)
		}
	}
	return handlers
}

// notify runs each registered sub-FSM's handler in registration order
// (CLI, hardware, switches, motion, limits), mirroring
// _system_state_notify.
func (a *Aggregator) notify(handlers []func()) {
	for _, h := range handlers {
		h()
	}
}
