package cnerr

import (
	"errors"
	"testing"
)

func TestNewProducesMatchingCode(t *testing.T) {
	err := New(ErrSoftLimitError, "out of bounds")
	if !Is(err, ErrSoftLimitError) {
		t.Fatalf("Is() = false, want true for code %s", ErrSoftLimitError)
	}
	if Is(err, ErrOverflow) {
		t.Fatal("Is() matched an unrelated code")
	}
}

func TestErrorStringIncludesSectionWhenSet(t *testing.T) {
	err := New(ErrPlanner, "ring buffer full").SetSection("planner")
	want := "[PLANNER:planner] ring buffer full"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestErrorStringOmitsSectionWhenUnset(t *testing.T) {
	err := New(ErrSettings, "bad key")
	want := "[SETTINGS] bad key"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapPreservesUnderlyingError(t *testing.T) {
	inner := errors.New("file not found")
	err := Wrap(inner, FaultAttributeMissing, "read attribute x")
	if !errors.Is(err, inner) {
		t.Fatal("Wrap should preserve the inner error for errors.Is/Unwrap")
	}
	if !Is(err, FaultAttributeMissing) {
		t.Fatal("Wrap should carry the given code")
	}
}

func TestGCodeErrorSetsGCodeSection(t *testing.T) {
	err := GCodeError(ErrUndefinedFeedRate, "G1X10")
	if err.Section != "gcode" {
		t.Fatalf("Section = %q, want %q", err.Section, "gcode")
	}
	if err.Code != ErrUndefinedFeedRate {
		t.Fatalf("Code = %s, want %s", err.Code, ErrUndefinedFeedRate)
	}
}

func TestSetContextAccumulatesKeys(t *testing.T) {
	err := New(ErrFSM, "conflict")
	err.SetContext("from", "Idle").SetContext("to", "Alarm")
	if err.Context["from"] != "Idle" || err.Context["to"] != "Alarm" {
		t.Fatalf("Context = %+v, want from=Idle to=Alarm", err.Context)
	}
}

func TestDriverVerifyErrorReportsMismatch(t *testing.T) {
	err := DriverVerifyError("chopconf", "1", "2")
	if !Is(err, FaultDriverVerifyFailed) {
		t.Fatal("expected FaultDriverVerifyFailed")
	}
	if err.Section != "step_drv" {
		t.Fatalf("Section = %q, want step_drv", err.Section)
	}
}

func TestIsAlarmClassifiesAlarmCodesOnly(t *testing.T) {
	if !IsAlarm(AlarmLimitViolation) {
		t.Fatal("AlarmLimitViolation should be an alarm")
	}
	if IsAlarm(FaultAttributeMissing) {
		t.Fatal("a fault code should not classify as an alarm")
	}
	if IsAlarm(ErrSoftLimitError) {
		t.Fatal("a status code should not classify as an alarm")
	}
}

func TestIsFaultClassifiesFaultCodesOnly(t *testing.T) {
	if !IsFault(FaultPulseFIFOOpen) {
		t.Fatal("FaultPulseFIFOOpen should be a fault")
	}
	if IsFault(AlarmNotIdle) {
		t.Fatal("an alarm code should not classify as a fault")
	}
	if IsFault(ErrOverflow) {
		t.Fatal("a status code should not classify as a fault")
	}
}

func TestRecoverPanicFromString(t *testing.T) {
	err := func() (err *ControllerError) {
		defer func() { err = RecoverPanic() }()
		panic("boom")
	}()
	if err == nil {
		t.Fatal("expected a recovered error")
	}
	if err.Code != ErrFSM {
		t.Fatalf("Code = %s, want %s", err.Code, ErrFSM)
	}
}

func TestRecoverPanicFromError(t *testing.T) {
	inner := errors.New("bad state")
	err := func() (err *ControllerError) {
		defer func() { err = RecoverPanic() }()
		panic(inner)
	}()
	if err == nil || err.Message != inner.Error() {
		t.Fatalf("err = %+v, want Message %q", err, inner.Error())
	}
}

func TestRecoverPanicReturnsNilWithoutPanic(t *testing.T) {
	err := func() (err *ControllerError) {
		defer func() { err = RecoverPanic() }()
		return nil
	}()
	if err != nil {
		t.Fatalf("err = %+v, want nil", err)
	}
}

func TestIsReturnsFalseForNonControllerError(t *testing.T) {
	if Is(errors.New("plain error"), ErrOverflow) {
		t.Fatal("Is() should only match *ControllerError values")
	}
}
