package core

import (
	"testing"
)

func TestStepState_ResumeIndex(t *testing.T) {
	tests := []struct {
		name       string
		state      StepState
		forceRetry bool
		wantIndex  int
		wantOK     bool
	}{
		{"before step retries same index", BeforeStep(2), false, 2, true},
		{"completed advances", Completed(2, "out"), false, 3, true},
		{"failed retryable retries", Failed(1, "boom", true), false, 1, true},
		{"failed terminal does not resume", Failed(1, "boom", false), false, 0, false},
		{"failed terminal forced", Failed(1, "boom", false), true, 1, true},
		{"interrupted in progress retries", Interrupted(4, true), false, 4, true},
		{"interrupted between steps advances", Interrupted(4, false), false, 5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, ok := tt.state.ResumeIndex(tt.forceRetry)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && idx != tt.wantIndex {
				t.Errorf("index = %d, want %d", idx, tt.wantIndex)
			}
		})
	}
}

func TestStep_Kind(t *testing.T) {
	if k := (&Step{Shell: "echo hi"}).Kind(); k != StepShell {
		t.Errorf("Kind() = %v, want shell", k)
	}
	if k := (&Step{Claude: "/fix"}).Kind(); k != StepClaude {
		t.Errorf("Kind() = %v, want claude", k)
	}
	if k := (&Step{WriteFile: &WriteFileSpec{Path: "x"}}).Kind(); k != StepWriteFile {
		t.Errorf("Kind() = %v, want write_file", k)
	}
}

func TestStep_Validate(t *testing.T) {
	if err := (&Step{Shell: "echo", Claude: "/x"}).Validate(); err == nil {
		t.Error("two command keys should be invalid")
	}
	if err := (&Step{}).Validate(); err == nil {
		t.Error("zero command keys should be invalid")
	}
	if err := (&Step{WriteFile: &WriteFileSpec{Content: "x"}}).Validate(); err == nil {
		t.Error("write_file without path should be invalid")
	}
	if err := (&Step{WriteFile: &WriteFileSpec{Path: "o.json", Format: "xml"}}).Validate(); err == nil {
		t.Error("unknown format should be invalid")
	}
	if err := (&Step{Shell: "echo hi"}).Validate(); err != nil {
		t.Errorf("valid shell step rejected: %v", err)
	}
}
