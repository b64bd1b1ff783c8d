package hwio

import (
	"encoding/binary"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"openglow-cnc-go/pkg/cnerr"
)

// evSW is Linux's EV_SW event type: a binary switch changed state
// (linux/input-event-codes.h; switches.c/limits.c check ev[i].type==5).
const evSW = 5

// ioctl request numbers, computed the same way linux/input.h's macros
// are (_IOW/_IOC with type 'E'), mirroring the teacher's
// pkg/serial/ioctl_linux.go pattern of hand-deriving platform ioctl
// constants rather than depending on a header translator.
const (
	iocRead  = 2
	iocWrite = 1
	typeE    = 'E'
)

func iocEncode(dir, nr, size int) uintptr {
	return uintptr(dir)<<30 | uintptr(size&0x3fff)<<16 | uintptr(typeE)<<8 | uintptr(nr)
}

// evIOCGrab is EVIOCGRAB: claim or release exclusive access to an
// input device so no other process sees these switch events.
var evIOCGrab = iocEncode(iocWrite, 0x90, 4)

// evIOCGSW returns EVIOCGSW(len): bulk-read the current state of up to
// len bytes worth of EV_SW bits, used once at startup so switch state
// is known before the first physical transition.
func evIOCGSW(lenBytes int) uintptr {
	return iocEncode(iocRead, 0x1b, lenBytes)
}

// InputEvent is the subset of struct input_event switches.c/limits.c
// read off the device: a timestamp (discarded), a type, a code (the
// bit position), and a value (0 or 1).
type InputEvent struct {
	Type  uint16
	Code  uint16
	Value int32
}

// rawInputEvent matches struct input_event's in-memory layout on a
// 64-bit Linux host (16-byte timeval, then type/code/value).
type rawInputEvent struct {
	Sec, Usec int64
	Type      uint16
	Code      uint16
	Value     int32
}

// EventDevice wraps one /dev/input/eventN switch/limit device.
type EventDevice struct {
	f    *os.File
	path string
}

// OpenEventDevice opens path for reading switch/limit transitions
// (switches_init/limits_init's open(..., O_RDWR)).
func OpenEventDevice(path string) (*EventDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, cnerr.Wrap(err, cnerr.FaultEventDeviceClosed, "open event device "+path)
	}
	return &EventDevice{f: f, path: path}, nil
}

// Grab claims (or, with grab=false, releases) exclusive access to the
// device via EVIOCGRAB, mirroring limits_init's post-registration grab
// and the event loop's release on exit.
func (d *EventDevice) Grab(grab bool) error {
	v := int32(0)
	if grab {
		v = 1
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), evIOCGrab, uintptr(unsafe.Pointer(&v)))
	if errno != 0 {
		return cnerr.Wrap(errno, cnerr.FaultEventDeviceClosed, "EVIOCGRAB on "+d.path)
	}
	return nil
}

// InitialSWState bulk-reads the device's current EV_SW bitmap via
// EVIOCGSW, mirroring switches_init/limits_init's pre-loop ioctl so
// switch state is known before any event arrives.
func (d *EventDevice) InitialSWState() (uint64, error) {
	var state uint64
	req := evIOCGSW(8)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), req, uintptr(unsafe.Pointer(&state)))
	if errno != 0 {
		return 0, cnerr.Wrap(errno, cnerr.FaultEventDeviceClosed, "EVIOCGSW on "+d.path)
	}
	return state, nil
}

// ReadEvent blocks until the next input_event arrives (the
// select()+read() pair in switches.c/limits.c's event loops).
func (d *EventDevice) ReadEvent() (InputEvent, error) {
	var raw rawInputEvent
	if err := binary.Read(d.f, binary.LittleEndian, &raw); err != nil {
		if err == io.EOF {
			return InputEvent{}, cnerr.New(cnerr.FaultEventDeviceClosed, "event device closed "+d.path)
		}
		return InputEvent{}, cnerr.Wrap(err, cnerr.FaultEventDeviceClosed, "read event device "+d.path)
	}
	return InputEvent{Type: raw.Type, Code: raw.Code, Value: raw.Value}, nil
}

// IsSwitchEvent reports whether ev is an EV_SW transition worth
// dispatching to a bit group.
func (ev InputEvent) IsSwitchEvent() bool { return ev.Type == evSW }

// Close releases the device, mirroring switches_init/limits_init's
// ioctl(EVIOCGRAB, 0) + close() on exit.
func (d *EventDevice) Close() error {
	_ = d.Grab(false)
	return d.f.Close()
}
