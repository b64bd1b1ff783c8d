package settings

import (
	"os"
	"path/filepath"
	"testing"

	"openglow-cnc-go/pkg/cnerr"
)

func TestDefaultStepsPerMMMatchesMicrostepping(t *testing.T) {
	s := Default()
	if got := s.StepsPerMM[0]; got < 106.66 || got > 106.67 {
		t.Fatalf("StepsPerMM[X] = %v, want ~106.667", got)
	}
	if s.StepsPerMM[0] != s.StepsPerMM[1] {
		t.Fatalf("X and Y steps/mm should match (same lead screw pitch), got %v vs %v", s.StepsPerMM[0], s.StepsPerMM[1])
	}
}

func TestDefaultMaxTravelMatchesConfig(t *testing.T) {
	s := Default()
	want := [NumAxes]float64{495.3, -279.4, 12.0}
	if s.MaxTravel != want {
		t.Fatalf("MaxTravel = %v, want %v", s.MaxTravel, want)
	}
}

func writeOverrides(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.conf")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadOverridesAppliesScalarKeys(t *testing.T) {
	path := writeOverrides(t, "step_frequency=20000\njunction_deviation=0.02\nlisten_port=9000\n")
	out, err := LoadOverrides(Default(), path)
	if err != nil {
		t.Fatalf("LoadOverrides: %v", err)
	}
	if out.StepFrequency != 20000 {
		t.Fatalf("StepFrequency = %d, want 20000", out.StepFrequency)
	}
	if out.JunctionDeviation != 0.02 {
		t.Fatalf("JunctionDeviation = %v, want 0.02", out.JunctionDeviation)
	}
	if out.ListenPort != "9000" {
		t.Fatalf("ListenPort = %q, want %q", out.ListenPort, "9000")
	}
}

func TestLoadOverridesAppliesAxisKeyedSettings(t *testing.T) {
	path := writeOverrides(t, "steps_per_mm_x=200\nmax_rate_y=6000\nacceleration_z=500000\n")
	out, err := LoadOverrides(Default(), path)
	if err != nil {
		t.Fatalf("LoadOverrides: %v", err)
	}
	if out.StepsPerMM[0] != 200 {
		t.Fatalf("StepsPerMM[X] = %v, want 200", out.StepsPerMM[0])
	}
	if out.MaxRate[1] != 6000 {
		t.Fatalf("MaxRate[Y] = %v, want 6000", out.MaxRate[1])
	}
	if out.Acceleration[2] != 500000 {
		t.Fatalf("Acceleration[Z] = %v, want 500000", out.Acceleration[2])
	}
}

func TestLoadOverridesIgnoresBlankLinesAndComments(t *testing.T) {
	path := writeOverrides(t, "\n# a comment\n   \nstep_frequency=30000\n")
	out, err := LoadOverrides(Default(), path)
	if err != nil {
		t.Fatalf("LoadOverrides: %v", err)
	}
	if out.StepFrequency != 30000 {
		t.Fatalf("StepFrequency = %d, want 30000", out.StepFrequency)
	}
}

func TestLoadOverridesRejectsUnknownKey(t *testing.T) {
	path := writeOverrides(t, "not_a_real_setting=1\n")
	base := Default()
	out, err := LoadOverrides(base, path)
	if !cnerr.Is(err, cnerr.ErrSettings) {
		t.Fatalf("err = %v, want ErrSettings", err)
	}
	if out != base {
		t.Fatal("LoadOverrides must return the original base settings on error")
	}
}

func TestLoadOverridesRejectsMalformedLine(t *testing.T) {
	path := writeOverrides(t, "this line has no equals sign\n")
	_, err := LoadOverrides(Default(), path)
	if !cnerr.Is(err, cnerr.ErrSettings) {
		t.Fatalf("err = %v, want ErrSettings", err)
	}
}

func TestLoadOverridesRejectsNonNumericValue(t *testing.T) {
	path := writeOverrides(t, "step_frequency=not-a-number\n")
	_, err := LoadOverrides(Default(), path)
	if !cnerr.Is(err, cnerr.ErrSettings) {
		t.Fatalf("err = %v, want ErrSettings", err)
	}
}

func TestLoadOverridesMissingFileFails(t *testing.T) {
	_, err := LoadOverrides(Default(), filepath.Join(t.TempDir(), "missing.conf"))
	if !cnerr.Is(err, cnerr.ErrSettings) {
		t.Fatalf("err = %v, want ErrSettings", err)
	}
}

func TestLoadOverridesMDIModeZeroDisables(t *testing.T) {
	path := writeOverrides(t, "mdi_mode=0\n")
	out, err := LoadOverrides(Default(), path)
	if err != nil {
		t.Fatalf("LoadOverrides: %v", err)
	}
	if out.MDIMode {
		t.Fatal("mdi_mode=0 should disable MDI mode")
	}
}
