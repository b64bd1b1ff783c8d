// openglow-cnc is the host process for the OpenGlow-CNC laser-cutter
// motion controller: it parses G-code from the console, plans and
// executes motion through a ring-buffered planner and segment
// preparer, and drives the pulse FIFO from a hard-real-time step
// generator, all coordinated through a hierarchical system-state FSM.
//
// Usage:
//
//	openglow-cnc [options]
//
// Options:
//
//	-switches string   switches input-event device (default "/dev/input/event0")
//	-limits string     limits input-event device (default "/dev/input/event1")
//	-pulse string      pulse FIFO character device (default "/dev/openglow")
//	-driver-base string  stepper-driver sysfs base path (default "/sys/openglow/cnc/driver/")
//	-status string     status-publisher listen address (default ":7700")
//	-logfile string    log file path (default: stdout)
//
// Copyright (C) 2026  OpenGlow-CNC Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"openglow-cnc-go/pkg/cli"
	"openglow-cnc-go/pkg/endstop"
	"openglow-cnc-go/pkg/fsm"
	"openglow-cnc-go/pkg/gcode"
	"openglow-cnc-go/pkg/hwio"
	"openglow-cnc-go/pkg/log"
	"openglow-cnc-go/pkg/planner"
	"openglow-cnc-go/pkg/reactor"
	"openglow-cnc-go/pkg/safety"
	"openglow-cnc-go/pkg/segment"
	"openglow-cnc-go/pkg/settings"
	"openglow-cnc-go/pkg/statuspub"
	"openglow-cnc-go/pkg/stepgen"
)

func main() {
	switchesDev := flag.String("switches", endstop.DefaultSwitchesDevice, "switches input-event device")
	limitsDev := flag.String("limits", endstop.DefaultLimitsDevice, "limits input-event device")
	pulseDev := flag.String("pulse", hwio.DefaultPulseDevice, "pulse FIFO character device")
	driverBase := flag.String("driver-base", "/sys/openglow/cnc/driver/", "stepper-driver sysfs base path")
	statusAddr := flag.String("status", ":7700", "status-publisher listen address")
	logFile := flag.String("logfile", "", "log file path (default: stdout)")
	flag.Parse()

	if *logFile != "" {
		fileLogger, rotator, err := log.NewConsoleAndFileLogger("openglow-cnc", log.RotationConfig{Filename: *logFile})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
			os.Exit(1)
		}
		log.SetDefaultLogger(fileLogger)
		defer rotator.Close()
	}

	logger := log.GetLogger("main")
	logger.Info("OpenGlow-CNC host starting")

	set := settings.Default()

	// fsm_init: bring the aggregator up before anything else registers.
	agg := fsm.New()
	agg.Start()
	defer agg.Stop()

	agg.Register(fsm.FSMCLI, cli.CLIPairs(), nil)
	agg.Register(fsm.FSMHardware, safety.HardwarePairs(), nil)
	agg.Register(fsm.FSMSwitches, safety.SwitchesPairs(), nil)
	agg.Register(fsm.FSMMotion, stepgen.MotionPairs(), nil)
	agg.Register(fsm.FSMLimits, safety.LimitsPairs(), nil)

	mgr := safety.New(agg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// hardware_init: bring up the stepper drivers, then the switches and
	// limits input-event watchers.
	attrIO := hwio.SysfsAttrIO{}
	var axisSettings [3]hwio.AxisSettings
	for i := range axisSettings {
		axisSettings[i] = hwio.DefaultAxisSettings()
	}
	if err := mgr.BringUpDrivers(attrIO, *driverBase, axisSettings, 5, 500*time.Millisecond); err != nil {
		logger.Error("driver bring-up failed, continuing in alarm state: %v", err)
	} else {
		_ = agg.Update(fsm.FSMHardware, uint8(safety.HardwareIdle))
	}

	switchesGroup := endstop.NewGroup("switches", endstop.SwitchesBits())
	limitsGroup := endstop.NewGroup("limits", endstop.LimitsBits())

	if swDev, err := hwio.OpenEventDevice(*switchesDev); err != nil {
		logger.Error("failed to open switches device %s: %v", *switchesDev, err)
	} else {
		if mask, err := swDev.InitialSWState(); err == nil {
			switchesGroup.Seed(mask)
		}
		go func() {
			if err := mgr.RunSwitches(ctx, switchesGroup, swDev); err != nil && ctx.Err() == nil {
				logger.Error("switches watch loop exited: %v", err)
			}
		}()
	}

	if limDev, err := hwio.OpenEventDevice(*limitsDev); err != nil {
		logger.Error("failed to open limits device %s: %v", *limitsDev, err)
	} else {
		if mask, err := limDev.InitialSWState(); err == nil {
			limitsGroup.Seed(mask)
		}
		go func() {
			if err := mgr.RunLimits(ctx, limitsGroup, limDev); err != nil && ctx.Err() == nil {
				logger.Error("limits watch loop exited: %v", err)
			}
		}()
	}

	mgr.StartWatchdog(time.Second)
	defer mgr.StopWatchdog()

	// motion_init: planner, segment preparer, pulse sink, step generator.
	plan := planner.New(set)
	prep := segment.New(plan, set)

	sink, err := hwio.OpenPulseSink(*pulseDev)
	if err != nil {
		logger.Error("failed to open pulse device %s: %v", *pulseDev, err)
		os.Exit(1)
	}
	defer sink.Close()

	gen := stepgen.New(prep, sink, agg, attrIO, *driverBase, set)
	if err := gen.WakeUp(); err != nil {
		logger.Error("step generator wake-up failed: %v", err)
	}

	r := reactor.New()
	gen.Run(r)
	go r.Run()
	defer r.End()

	_ = agg.Update(fsm.FSMCLI, 1)
	_ = agg.Update(fsm.FSMMotion, 1)

	// cli_init: the console reads G-code/commands from stdin and replies
	// on stdout.
	motionSink := &plannerSink{plan: plan}
	dispatcher := cli.New(agg, mgr, motionSink, os.Stdout)
	fmt.Fprintln(os.Stdout, cli.MsgWelcomeBanner)

	pub := statuspub.New(*statusAddr, &statusProvider{dispatcher: dispatcher, agg: agg}, 250*time.Millisecond)
	go func() {
		if err := pub.Start(); err != nil {
			logger.Error("status publisher stopped: %v", err)
		}
	}()
	defer pub.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	consoleDone := make(chan error, 1)
	go func() { consoleDone <- cli.Run(dispatcher, os.Stdin) }()

	logger.Info("OpenGlow-CNC host ready, status publisher on %s", *statusAddr)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal, exiting")
	case err := <-consoleDone:
		if err != nil {
			logger.Error("console input closed with error: %v", err)
		} else {
			logger.Info("console input closed, exiting")
		}
	}
}

// plannerSink adapts *planner.Planner to gcode.Sink for the console
// dispatcher.
type plannerSink struct {
	plan *planner.Planner
}

func (s *plannerSink) Line(target [3]float64, data gcode.LineData) error {
	_, err := s.plan.BufferLine(target, data)
	return err
}

func (s *plannerSink) Dwell(seconds float64) error {
	time.Sleep(time.Duration(seconds * float64(time.Second)))
	return nil
}

func (s *plannerSink) Idle() bool {
	return !s.plan.CheckFullBuffer()
}

// statusProvider formats the status line statuspub broadcasts, reusing
// the same modal position and label the console's "?" command prints.
type statusProvider struct {
	dispatcher *cli.Dispatcher
	agg        *fsm.Aggregator
}

func (p *statusProvider) StatusLine() string {
	pos := p.dispatcher.State().Position
	return fmt.Sprintf("<%s,MPos:%.3f,%.3f,%.3f>", cli.StatusLabel(p.agg.SystemState()), pos[0], pos[1], pos[2])
}
