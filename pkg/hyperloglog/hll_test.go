package hyperloglog

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		precision uint8
		wantM     int
	}{
		{"precision 4", 4, 16},
		{"precision 10", 10, 1024},
		{"precision 14", 14, 16384},
		{"invalid low", 2, 1 << DefaultPrecision},
		{"invalid high", 20, 1 << DefaultPrecision},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hll := New(tt.precision)
			if len(hll.registers) != tt.wantM {
				t.Errorf("New(%d) registers = %d, want %d", tt.precision, len(hll.registers), tt.wantM)
			}
		})
	}
}

func TestAddAndCount(t *testing.T) {
	tests := []struct {
		name        string
		precision   uint8
		count       int
		maxErrorPct float64
	}{
		{"10 unique", DefaultPrecision, 10, 10.0},
		{"1000 unique", DefaultPrecision, 1000, 10.0},
		{"100000 unique", DefaultPrecision, 100000, 12.0},
		{"100000 unique p14", 14, 100000, 4.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hll := New(tt.precision)
			for i := 0; i < tt.count; i++ {
				hll.Add(fmt.Sprintf("value_%d", i))
			}

			estimate := hll.Count()
			errorPct := math.Abs(float64(estimate)-float64(tt.count)) / float64(tt.count) * 100
			t.Logf("Actual: %d, Estimate: %d, Error: %.2f%%", tt.count, estimate, errorPct)

			if errorPct > tt.maxErrorPct {
				t.Errorf("Error %.2f%% exceeds maximum %.2f%%", errorPct, tt.maxErrorPct)
			}
		})
	}
}

func TestEmptyCount(t *testing.T) {
	if got := New(DefaultPrecision).Count(); got != 0 {
		t.Errorf("Count() of empty sketch = %d, want 0", got)
	}
}

func TestDuplicates(t *testing.T) {
	hll := New(DefaultPrecision)
	for i := 0; i < 1000; i++ {
		hll.Add("same_value")
	}
	if got := hll.Count(); got != 1 {
		t.Errorf("Count() with duplicates = %d, want 1", got)
	}
}

func TestAddTuple(t *testing.T) {
	hll := New(DefaultPrecision)
	hll.AddTuple([]string{"a", "bc"})
	hll.AddTuple([]string{"ab", "c"})
	hll.AddTuple([]string{"a", "bc"})
	hll.AddTuple(nil)

	if got := hll.Count(); got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}
}

func TestMergeCommutative(t *testing.T) {
	a := New(DefaultPrecision)
	b := New(DefaultPrecision)
	for i := 0; i < 700; i++ {
		a.Add(fmt.Sprintf("value_%d", i))
	}
	for i := 500; i < 1200; i++ {
		b.Add(fmt.Sprintf("value_%d", i))
	}

	ab := a.Clone()
	if err := ab.Merge(b); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	ba := b.Clone()
	if err := ba.Merge(a); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	if !bytes.Equal(ab.registers, ba.registers) {
		t.Error("a+b and b+a differ")
	}

	estimate := ab.Count()
	errorPct := math.Abs(float64(estimate)-1200) / 1200 * 100
	if errorPct > 10.0 {
		t.Errorf("Merge error %.2f%% exceeds maximum 10%%", errorPct)
	}
}

func TestMergePrecisionMismatch(t *testing.T) {
	err := New(10).Merge(New(12))
	if !errors.Is(err, ErrPrecisionMismatch) {
		t.Errorf("expected ErrPrecisionMismatch, got %v", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	hll := New(DefaultPrecision)
	hll.Add("x")
	clone := hll.Clone()
	clone.Add("y")

	if hll.Count() != 1 {
		t.Errorf("original changed after clone was modified: %d", hll.Count())
	}
	if clone.Count() != 2 {
		t.Errorf("clone Count() = %d, want 2", clone.Count())
	}
}

func TestClear(t *testing.T) {
	hll := New(DefaultPrecision)
	for i := 0; i < 1000; i++ {
		hll.Add(fmt.Sprintf("value_%d", i))
	}
	hll.Clear()
	if hll.Count() != 0 {
		t.Errorf("Count after clear = %d, want 0", hll.Count())
	}
}

func BenchmarkAddTuple(b *testing.B) {
	hll := New(DefaultPrecision)
	tuple := []string{"42", "'alice'", "3.14"}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		hll.AddTuple(tuple)
	}

	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "eps")
}
