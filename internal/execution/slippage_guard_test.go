package execution

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kirillm/trade-controller/internal/domain"
)

func TestSlippageGuardCheck(t *testing.T) {
	guard := NewSlippageGuard(0.5)

	tests := []struct {
		name      string
		actual    float64
		reference float64
		wantErr   bool
	}{
		{"within ceiling", 50100, 50000, false},
		{"exactly at ceiling", 50250, 50000, false},
		{"above ceiling", 50300, 50000, true},
		{"downside move also counts", 49700, 50000, true},
		{"zero reference invalid", 50000, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.Check(tt.actual, tt.reference)
			if (err != nil) != tt.wantErr {
				t.Errorf("Check(%.0f, %.0f) error = %v, wantErr %v", tt.actual, tt.reference, err, tt.wantErr)
			}
			if tt.wantErr && tt.reference > 0 && !errors.Is(err, domain.ErrSlippageTooHigh) {
				t.Errorf("error %v does not wrap ErrSlippageTooHigh", err)
			}
		})
	}
}

func TestKillSwitchSentinelFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halt")
	ks := NewKillSwitch(path)

	if ks.Engaged() {
		t.Fatal("engaged without sentinel file")
	}

	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if !ks.Engaged() {
		t.Fatal("sentinel file not detected")
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if ks.Engaged() {
		t.Fatal("still engaged after sentinel removal")
	}
}

func TestKillSwitchManualActivation(t *testing.T) {
	ks := NewKillSwitch("")

	ks.Activate("operator halt")
	engaged, reason, _ := ks.Status()
	if !engaged {
		t.Fatal("manual activation not engaged")
	}
	if reason != "operator halt" {
		t.Errorf("reason = %q, want operator halt", reason)
	}

	// Автоматической деактивации нет: только явный вызов
	ks.Deactivate()
	if ks.Engaged() {
		t.Fatal("still engaged after manual deactivation")
	}
}
