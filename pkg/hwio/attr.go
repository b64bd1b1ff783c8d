// Package hwio adapts the sysfs-attribute and Linux input-event surfaces
// the OpenGlow control board exposes (spec §6 "External interfaces")
// into Go types: stepper-driver register read/write-verify, the pulse
// FIFO sink the step generator writes to, and the raw event-device
// plumbing switches/limits read from.
//
// Grounded on original_source/src/hardware/{step_drv,openglow,switches,
// limits}.c; the ioctl/unix.Open conventions mirror the teacher's
// pkg/serial/serial.go and ioctl_linux.go.
//
// Copyright (C) 2026  OpenGlow-CNC Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package hwio

import (
	"os"
	"strconv"
	"strings"

	"openglow-cnc-go/pkg/cnerr"
)

// AttrIO reads and writes the board's sysfs attribute files
// (openglow_read_attr_str/openglow_write_attr_uint64). A real
// implementation talks to /sys; tests supply an in-memory fake.
type AttrIO interface {
	ReadAttrString(path string) (string, error)
	ReadAttrUint32(path string) (uint32, error)
	WriteAttrUint64(path string, value uint64) error
}

// SysfsAttrIO is the real, file-backed AttrIO.
type SysfsAttrIO struct{}

func (SysfsAttrIO) ReadAttrString(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", cnerr.Wrap(err, cnerr.FaultAttributeMissing, "read attribute "+path)
	}
	return strings.TrimSpace(string(b)), nil
}

func (s SysfsAttrIO) ReadAttrUint32(path string) (uint32, error) {
	str, err := s.ReadAttrString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(str, 0, 32)
	if err != nil {
		return 0, cnerr.Wrap(err, cnerr.FaultAttributeMissing, "parse attribute "+path)
	}
	return uint32(v), nil
}

func (SysfsAttrIO) WriteAttrUint64(path string, value uint64) error {
	s := strconv.FormatUint(value, 10) + "\n"
	if err := os.WriteFile(path, []byte(s), 0o644); err != nil {
		return cnerr.Wrap(err, cnerr.FaultAttributeMissing, "write attribute "+path)
	}
	return nil
}
