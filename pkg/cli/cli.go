// Package cli implements the single-line command/G-code console: the
// nine fixed bang-commands cli.c registers in its command_t table, a
// bare line falling through to the G-code parser, and the message
// catalogue messages.c formats replies with.
//
// Grounded on original_source/src/cli/cli.c and messages.c.
//
// Copyright (C) 2026  OpenGlow-CNC Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"openglow-cnc-go/pkg/cnerr"
	"openglow-cnc-go/pkg/fsm"
	"openglow-cnc-go/pkg/gcode"
	"openglow-cnc-go/pkg/safety"
)

// Message catalogue (messages.c's MSG_* strings).
const (
	MsgOK            = "ok"
	MsgWelcomeBanner = "OpenGlow-CNC ready"
	MsgHelp          = "[HLP:~ ! ? $ $C $H $SLP $T X]"
)

// command is one fixed single-line trigger (cli.c's command_t); args
// is unused by any of the nine fixed commands here but kept to mirror
// the original table's shape for a future variable-argument command.
type command struct {
	trigger string
	args    bool
}

// CLIPairs is the console's (system-state, sub-state) acceptance table:
// sub-state 1 once the console is ready to accept a line, regardless
// of what the rest of the machine is doing.
func CLIPairs() []fsm.AcceptPair {
	return []fsm.AcceptPair{
		{System: fsm.StateInit, Sub: 0},
		{System: fsm.StateSleep, Sub: 1},
		{System: fsm.StateIdle, Sub: 1},
		{System: fsm.StateHoming, Sub: 1},
		{System: fsm.StateRun, Sub: 1},
		{System: fsm.StateHold, Sub: 1},
	}
}

var commands = []command{
	{"~", false},    // USR_CYCLE_START
	{"$C", false},   // USR_CHECK_GCODE_MODE
	{"!", false},    // USR_FEED_HOLD
	{"$", false},    // USR_HELP
	{"X", false},    // USR_RESET
	{"$H", false},   // USR_RUN_HOMING_CYCLE
	{"$SLP", false}, // USR_SLEEP
	{"?", false},    // USR_STATUS_REPORT
	{"$T", false},   // USR_TEST_CYCLE
}

// StatusLabel renders the human-readable label for a "?" status
// report. messages.c's status-label table collides Run and Alarm under
// the same string; kept distinct here (DESIGN.md decision 4).
func StatusLabel(state fsm.SystemState) string {
	switch state {
	case fsm.StateIdle:
		return "Idle"
	case fsm.StateRun:
		return "Run"
	case fsm.StateHold:
		return "Hold"
	case fsm.StateHoming:
		return "Home"
	case fsm.StateSleep:
		return "Sleep"
	case fsm.StateAlarm:
		return "Alarm"
	case fsm.StateFault:
		return "Fault"
	default:
		return "Init"
	}
}

// Dispatcher owns the console's interpreter state and routes each
// incoming line either to a fixed command or to the G-code parser.
type Dispatcher struct {
	agg   *fsm.Aggregator
	mgr   *safety.Manager
	sink  gcode.Sink
	state gcode.ParserState
	out   io.Writer

	checkMode bool
}

// New creates a Dispatcher. out may be nil to discard replies.
func New(agg *fsm.Aggregator, mgr *safety.Manager, sink gcode.Sink, out io.Writer) *Dispatcher {
	return &Dispatcher{agg: agg, mgr: mgr, sink: sink, state: gcode.NewParserState(), out: out}
}

// State returns the dispatcher's current modal parser state, primarily
// for status reporting.
func (d *Dispatcher) State() gcode.ParserState { return d.state }

// HandleLine dispatches one line of input, replying on d's writer.
func (d *Dispatcher) HandleLine(line string) {
	trimmed := strings.TrimSpace(line)
	switch trimmed {
	case "~":
		d.cycleStart()
		return
	case "$C":
		d.checkMode = !d.checkMode
		d.reply(fmt.Sprintf("[MSG:Check mode %s]", onOff(d.checkMode)))
		return
	case "!":
		d.agg.Request(fsm.StateHold)
		d.reply(MsgOK)
		return
	case "$":
		d.reply(MsgHelp)
		return
	case "X":
		d.mgr.Reset()
		d.reply(MsgOK)
		return
	case "$H":
		d.agg.Request(fsm.StateHoming)
		d.reply(MsgOK)
		return
	case "$SLP":
		d.agg.Request(fsm.StateSleep)
		d.reply(MsgOK)
		return
	case "?":
		d.reply(d.statusReport())
		return
	case "$T":
		d.reply("[MSG:Test cycle not available on this host]")
		return
	}

	if d.checkMode {
		d.reply(MsgOK)
		return
	}

	next, outcome, err := gcode.ParseLine(d.state, trimmed, d.sink)
	d.state = next
	if err != nil {
		d.reply("error:" + outcome.Code)
		return
	}
	d.reply(MsgOK)
}

// cycleStart is USR_CYCLE_START ("~"): resumes motion out of Hold. Any
// other non-idle state (e.g. Homing) rejects it as unsupported rather
// than silently acking with no transition (spec §8 scenario 4).
func (d *Dispatcher) cycleStart() {
	switch d.agg.SystemState() {
	case fsm.StateHold:
		d.agg.Request(fsm.StateRun)
		d.reply(MsgOK)
	case fsm.StateIdle:
		d.reply(MsgOK)
	default:
		d.reply("error:" + string(cnerr.ErrUnsupportedCommand))
	}
}

func (d *Dispatcher) statusReport() string {
	p := d.state.Position
	return fmt.Sprintf("<%s,MPos:%.3f,%.3f,%.3f>", StatusLabel(d.agg.SystemState()), p[0], p[1], p[2])
}

func (d *Dispatcher) reply(msg string) {
	if d.out == nil {
		return
	}
	fmt.Fprintln(d.out, msg)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// Run reads newline-delimited lines from r until EOF or a read error,
// dispatching each in turn. Mirrors cli.c's console read loop.
func Run(d *Dispatcher, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		d.HandleLine(scanner.Text())
	}
	return scanner.Err()
}
