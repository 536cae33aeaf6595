package work

import (
	"math"
	"testing"
)

func approx(a, b float64) bool {
	if a == b {
		return true
	}
	return math.Abs(a-b)/math.Max(math.Abs(a), math.Abs(b)) < 1e-9
}

func TestDifficultyToTarget(t *testing.T) {
	tests := []struct {
		name       string
		difficulty float64
		want       Target
	}{
		{"zero", 0, MaxTarget},
		{"negative", -5, MaxTarget},
		{"nan", math.NaN(), MaxTarget},
		{"one", 1, MaxTarget},
		{"two", 2, func() Target {
			t := MaxTarget
			t[0] = 0x7f
			return t
		}()},
		{"two pow 32", 1 << 32, func() Target {
			var t Target
			for i := 4; i < 32; i++ {
				t[i] = 0xff
			}
			return t
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DifficultyToTarget(tt.difficulty); got != tt.want {
				t.Errorf("DifficultyToTarget(%v) = %x, want %x", tt.difficulty, got, tt.want)
			}
		})
	}
}

func TestTargetToDifficulty_RoundTrip(t *testing.T) {
	for _, d := range []float64{1, 2, 1000, 4e6, 60e6, 1.5e12} {
		got := TargetToDifficulty(DifficultyToTarget(d))
		if !approx(got, d) {
			t.Errorf("round trip of %v = %v", d, got)
		}
	}

	if got := TargetToDifficulty(Target{}); !math.IsInf(got, 1) {
		t.Errorf("TargetToDifficulty(zero) = %v, want +Inf", got)
	}
}

func TestTarget_Meets(t *testing.T) {
	target := DifficultyToTarget(256)

	var below, above [32]byte
	below[0] = 0x00
	below[1] = 0xff
	above[0] = 0x01

	tests := []struct {
		name string
		hash [32]byte
		want bool
	}{
		{"below", below, true},
		{"above", above, false},
		{"equal", target, true},
		{"zero", [32]byte{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := target.Meets(tt.hash); got != tt.want {
				t.Errorf("Meets(%x) = %v, want %v", tt.hash, got, tt.want)
			}
		})
	}
}
