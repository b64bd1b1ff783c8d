package hwio

import (
	"bufio"
	"os"

	"openglow-cnc-go/pkg/cnerr"
)

// DefaultPulseDevice is the character device the step generator writes
// its pulse bitstream to (openglow.h's ATTR_PULSE).
const DefaultPulseDevice = "/dev/openglow"

// PulseSink is the step generator's hard-real-time output: one byte per
// tick, step/direction bits OR'd together, and a spacer write (0x00)
// for every cycle that isn't a step (openglow_pulse_write/flush).
type PulseSink interface {
	Write(bits uint8) error
	Flush()
	Close() error
}

// DevicePulseSink is the real /dev/openglow-backed sink. It buffers
// writes the way fopen(..., "wb") does and only flushes when told to,
// so the step generator's fast path stays allocation-free.
type DevicePulseSink struct {
	f *os.File
	w *bufio.Writer
}

// OpenPulseSink opens path for writing (openglow_pulse_open).
func OpenPulseSink(path string) (*DevicePulseSink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, cnerr.Wrap(err, cnerr.FaultPulseFIFOOpen, "open pulse device "+path)
	}
	return &DevicePulseSink{f: f, w: bufio.NewWriter(f)}, nil
}

func (p *DevicePulseSink) Write(bits uint8) error {
	return p.w.WriteByte(bits)
}

func (p *DevicePulseSink) Flush() {
	p.w.Flush()
}

func (p *DevicePulseSink) Close() error {
	p.w.Flush()
	return p.f.Close()
}

// RunAttr toggles the SDMA run line, mirroring openglow_write_attr_str
// on ATTR_RUN: written once the segment buffer has at least one
// second's worth of pulses queued.
func RunAttr(io AttrIO, basePath string) error {
	return io.WriteAttrUint64(basePath+"/run", 1)
}

// StopAttr halts the SDMA engine (ATTR_STOP).
func StopAttr(io AttrIO, basePath string) error {
	return io.WriteAttrUint64(basePath+"/stop", 1)
}

// EnableAttr/DisableAttr gate the board's CNC subsystem
// (ATTR_ENABLE/ATTR_DISABLE).
func EnableAttr(io AttrIO, basePath string) error {
	return io.WriteAttrUint64(basePath+"/enable", 1)
}

func DisableAttr(io AttrIO, basePath string) error {
	return io.WriteAttrUint64(basePath+"/disable", 1)
}

// SetStepFrequency writes the step generator's base frequency
// (openglow_init's ATTR_STEP_FREQ).
func SetStepFrequency(io AttrIO, basePath string, hz int) error {
	return io.WriteAttrUint64(basePath+"/step_freq", uint64(hz))
}
