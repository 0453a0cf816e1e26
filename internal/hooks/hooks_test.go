package hooks

import "testing"

func TestDevice_MachineID(t *testing.T) {
	d, err := Device("machineid")
	if err != nil {
		t.Fatalf("Device(machineid): %v", err)
	}
	if _, ok := d.(machineIDDevice); !ok {
		t.Fatalf("expected a machineIDDevice, got %T", d)
	}
}

func TestDevice_Unknown(t *testing.T) {
	if _, err := Device("does-not-exist"); err == nil {
		t.Fatal("expected an error for an unregistered device hook")
	}
}

func TestScorer_DefaultsToWeighted(t *testing.T) {
	s, err := Scorer("")
	if err != nil {
		t.Fatalf("Scorer(\"\"): %v", err)
	}
	if got, err := Scorer("weighted"); err != nil || got != s {
		t.Errorf("expected Scorer(\"\") to resolve the same as Scorer(\"weighted\")")
	}
}

func TestScorer_Unknown(t *testing.T) {
	if _, err := Scorer("does-not-exist"); err == nil {
		t.Fatal("expected an error for an unregistered scorer")
	}
}

func TestApply_Noop(t *testing.T) {
	a, err := Apply("noop")
	if err != nil {
		t.Fatalf("Apply(noop): %v", err)
	}
	rebooting, err := a.Apply(nil) //nolint:staticcheck // noopApply ignores ctx
	if err != nil {
		t.Fatalf("noop Apply: %v", err)
	}
	if rebooting {
		t.Error("expected noopApply to report rebooting=false")
	}
}

func TestApply_Unknown(t *testing.T) {
	if _, err := Apply("does-not-exist"); err == nil {
		t.Fatal("expected an error for an unregistered apply hook")
	}
}
