// Package settings models the compile-time machine configuration (spec
// §6 "Persistent configuration"), adapted from the klipper host's
// pkg/config section/key parser but trimmed to a flat key=value override
// file layered over hardcoded defaults matching original_source/src/config.h.
//
// Copyright (C) 2026  OpenGlow-CNC Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package settings

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"openglow-cnc-go/pkg/cnerr"
)

const NumAxes = 3 // X, Y, Z

// Settings holds every compile-time constant named in spec §6.
type Settings struct {
	StepsPerMM     [NumAxes]float64
	MaxRate        [NumAxes]float64 // mm/min
	Acceleration   [NumAxes]float64 // mm/min^2
	MaxTravel      [NumAxes]float64 // mm

	MinimumFeedRate         float64
	AccelerationTicksPerSec int
	StepFrequency           int // Hz
	JunctionDeviation       float64 // mm
	ArcTolerance            float64 // mm
	MinJunctionSpeed        float64 // mm/min, clamps junction speed from below

	GCodeQueueSize   int
	PlannerRingSize  int
	SegmentRingSize  int

	StepGenCPUAffinity int
	StepGenPriority    int

	ListenAddr string
	ListenPort string

	MDIMode      bool
	ReportUnits  int // 0 = mm, 1 = inches
	AutoCycle    bool
}

// Default returns the settings matching original_source/src/config.h:
// X/Y at 0.15mm per full step with 16 microsteps (106.666... steps/mm),
// Z at 0.70612mm per full step with 16 microsteps.
func Default() Settings {
	return Settings{
		StepsPerMM:              [NumAxes]float64{1.0 / (0.15 / 16), 1.0 / (0.15 / 16), 1.0 / (0.70612 / 16)},
		MaxRate:                 [NumAxes]float64{5000, 5000, 50},
		Acceleration:            [NumAxes]float64{200 * 60 * 60, 200 * 60 * 60, 200 * 60 * 60},
		MaxTravel:               [NumAxes]float64{495.3, -279.4, 12.0},
		MinimumFeedRate:         1.0,
		AccelerationTicksPerSec: 1000,
		StepFrequency:           40000,
		JunctionDeviation:       0.01,
		ArcTolerance:            0.002,
		MinJunctionSpeed:        0,
		GCodeQueueSize:          16,
		PlannerRingSize:         512,
		SegmentRingSize:         256,
		StepGenCPUAffinity:      3,
		StepGenPriority:         50,
		ListenAddr:              "127.0.0.1",
		ListenPort:              "51401",
		MDIMode:                 true,
		ReportUnits:             0,
		AutoCycle:               true,
	}
}

// LoadOverrides applies "key=value" lines from path on top of base,
// returning the merged settings. Unknown keys are reported as settings
// errors rather than silently ignored.
func LoadOverrides(base Settings, path string) (Settings, error) {
	f, err := os.Open(path)
	if err != nil {
		return base, cnerr.Wrap(err, cnerr.ErrSettings, "open overrides file")
	}
	defer f.Close()

	out := base
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return base, cnerr.SettingsError(line, "expected key=value")
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if err := applyOverride(&out, key, val); err != nil {
			return base, err
		}
	}
	if err := sc.Err(); err != nil {
		return base, cnerr.Wrap(err, cnerr.ErrSettings, "read overrides file")
	}
	return out, nil
}

func applyOverride(s *Settings, key, val string) error {
	axisKey := func(prefix string) (int, bool) {
		if !strings.HasPrefix(key, prefix) {
			return 0, false
		}
		suffix := key[len(prefix):]
		switch suffix {
		case "x":
			return 0, true
		case "y":
			return 1, true
		case "z":
			return 2, true
		}
		return 0, false
	}

	parseFloat := func() (float64, error) {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, cnerr.SettingsError(key, "not a number")
		}
		return f, nil
	}

	switch {
	case key == "step_frequency":
		n, err := strconv.Atoi(val)
		if err != nil {
			return cnerr.SettingsError(key, "not an integer")
		}
		s.StepFrequency = n
	case key == "acceleration_ticks_per_second":
		n, err := strconv.Atoi(val)
		if err != nil {
			return cnerr.SettingsError(key, "not an integer")
		}
		s.AccelerationTicksPerSec = n
	case key == "junction_deviation":
		f, err := parseFloat()
		if err != nil {
			return err
		}
		s.JunctionDeviation = f
	case key == "arc_tolerance":
		f, err := parseFloat()
		if err != nil {
			return err
		}
		s.ArcTolerance = f
	case key == "listen_addr":
		s.ListenAddr = val
	case key == "listen_port":
		s.ListenPort = val
	case key == "mdi_mode":
		s.MDIMode = val == "true" || val == "1"
	default:
		if idx, ok := axisKey("steps_per_mm_"); ok {
			f, err := parseFloat()
			if err != nil {
				return err
			}
			s.StepsPerMM[idx] = f
			return nil
		}
		if idx, ok := axisKey("max_rate_"); ok {
			f, err := parseFloat()
			if err != nil {
				return err
			}
			s.MaxRate[idx] = f
			return nil
		}
		if idx, ok := axisKey("acceleration_"); ok {
			f, err := parseFloat()
			if err != nil {
				return err
			}
			s.Acceleration[idx] = f
			return nil
		}
		return cnerr.SettingsError(key, "unknown setting")
	}
	return nil
}
