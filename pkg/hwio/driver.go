package hwio

import (
	"fmt"
	"time"

	"openglow-cnc-go/pkg/cnerr"
)

// AttrMode is a stepper-driver register's access mode
// (step_drv.h's DRV_RONLY/DRV_WONLY/DRV_RW).
type AttrMode int

const (
	AttrReadOnly AttrMode = iota
	AttrWriteOnly
	AttrReadWrite
)

// attrNotSet marks an axis setting entry that step_drv_init skips
// (step_drv.h's ATTR_NOT_SET sentinel).
const attrNotSet uint64 = 0x1FFFFFFFF

// ioinEnnCfg6Bit is bit 4 of the IOIN register: low once the driver has
// come out of reset and is ready to accept configuration
// (step_drv.h's IOIN_DRV_ENN_CFG6 = bit(4)).
const ioinEnnCfg6Bit = 1 << 4

// DriverAttr names one Trinamic register and how it may be accessed.
type DriverAttr struct {
	Name string
	Mode AttrMode
}

// Axis identifies one of the board's three stepper-driver mounts. Y1
// and Y2 share the planner's Y axis but are driven (and bring-up
// verified) independently.
type Axis int

const (
	AxisX Axis = iota
	AxisY1
	AxisY2
	numDriverAxes
)

func (a Axis) dirName() string {
	switch a {
	case AxisX:
		return "x-axis"
	case AxisY1:
		return "y1-axis"
	case AxisY2:
		return "y2-axis"
	default:
		return "unknown-axis"
	}
}

// Standard register set, grounded on step_drv.c's drv_attr_map. Not
// every TMC2130 register the firmware exposes is reproduced — only the
// ones bring-up actually reads, writes, or verifies — but the
// read/write/verify access pattern is preserved exactly.
var (
	AttrIOIN     = DriverAttr{"ioin", AttrReadOnly}
	AttrChopConf = DriverAttr{"chopconf", AttrReadWrite}
	AttrGConf    = DriverAttr{"gconf", AttrReadWrite}
	AttrIHoldRun = DriverAttr{"ihold_irun", AttrWriteOnly}
	AttrPWMConf  = DriverAttr{"pwmconf", AttrWriteOnly}
	AttrTPowerdn = DriverAttr{"tpowerdown", AttrWriteOnly}
	AttrTPWMThrs = DriverAttr{"tpwmthrs", AttrWriteOnly}
)

// AxisSettings is the register values to program into one axis'
// driver, keyed by attribute name. A value of attrNotSet (use
// NotSet()) skips that register.
type AxisSettings map[string]uint64

// NotSet reports the sentinel used to skip a register during bring-up.
func NotSet() uint64 { return attrNotSet }

// DefaultAxisSettings returns the chopper/current/PWM configuration
// step_drv.c programs into every axis (shared across X/Y1/Y2 in the
// original; distinct per-axis tuning is an axis_settings[axis][...]
// override callers may replace before calling BringUp).
func DefaultAxisSettings() AxisSettings {
	return AxisSettings{
		AttrChopConf.Name: 0, // TOFF/HSTRT/HEND/TBL/INTPOL/MRES bitfields, board-tuned
		AttrGConf.Name:    1 << 2, // EN_PWM_MODE
		AttrIHoldRun.Name: 0,
		AttrPWMConf.Name:  0,
		AttrTPowerdn.Name: 10,
		AttrTPWMThrs.Name: 500,
	}
}

// attrPath builds the sysfs path for one axis/register, mirroring
// step_drv.c's sprintf(buf_attr, "%s%s/%s", DRV_ATTR_PATH, ...).
func attrPath(basePath string, axis Axis, attr string) string {
	return fmt.Sprintf("%s%s/%s", basePath, axis.dirName(), attr)
}

// BringUp waits for every driver to leave reset, then programs
// settings into every writable register, verifying every read/write
// register's value round-trips (step_drv_init's two-phase sequence:
// poll IOIN up to 10 rounds at 100us apart, then write-then-verify).
func BringUp(io AttrIO, basePath string, settings [numDriverAxes]AxisSettings) error {
	if err := waitDriversReady(io, basePath); err != nil {
		return err
	}
	for axis := Axis(0); axis < numDriverAxes; axis++ {
		for name, value := range settings[axis] {
			if value == attrNotSet {
				continue
			}
			attr, mode := lookupAttr(name)
			if mode == AttrReadOnly {
				continue
			}
			path := attrPath(basePath, axis, attr.Name)
			if err := io.WriteAttrUint64(path, value); err != nil {
				return err
			}
			if mode == AttrReadWrite {
				got, err := io.ReadAttrUint32(path)
				if err != nil {
					return err
				}
				if uint64(got) != value {
					return cnerr.DriverVerifyError(path, fmt.Sprint(got), fmt.Sprint(value))
				}
			}
		}
	}
	return nil
}

func lookupAttr(name string) (DriverAttr, AttrMode) {
	for _, a := range []DriverAttr{AttrIOIN, AttrChopConf, AttrGConf, AttrIHoldRun, AttrPWMConf, AttrTPowerdn, AttrTPWMThrs} {
		if a.Name == name {
			return a, a.Mode
		}
	}
	return DriverAttr{Name: name, Mode: AttrWriteOnly}, AttrWriteOnly
}

// waitDriversReady polls each axis' IOIN register up to 10 rounds, 100us
// apart, until ENN_CFG6 reads low on all of them (step_drv_init's first
// loop). Returns a fault if the timeout is reached with any axis still
// not ready.
func waitDriversReady(io AttrIO, basePath string) error {
	var ready [numDriverAxes]bool
	const maxRounds = 10
	for round := 0; round < maxRounds; round++ {
		allReady := true
		for axis := Axis(0); axis < numDriverAxes; axis++ {
			if ready[axis] {
				continue
			}
			path := attrPath(basePath, axis, AttrIOIN.Name)
			val, err := io.ReadAttrUint32(path)
			if err != nil {
				return err
			}
			if val&ioinEnnCfg6Bit == 0 {
				ready[axis] = true
			} else {
				allReady = false
			}
		}
		if allReady {
			return nil
		}
		time.Sleep(100 * time.Microsecond)
	}
	for axis := Axis(0); axis < numDriverAxes; axis++ {
		if !ready[axis] {
			return cnerr.New(cnerr.FaultDriverVerifyFailed,
				fmt.Sprintf("timeout waiting for driver %s ready state", axis.dirName())).
				SetSection("step_drv")
		}
	}
	return nil
}
