// Package hyperloglog estimates the number of distinct values in a stream
// with fixed memory. Sketches of equal precision merge by register-wise max,
// so merging is commutative and associative.
package hyperloglog

import (
	"errors"
	"math"
	"math/bits"

	"github.com/twmb/murmur3"
)

const (
	MinPrecision = 4
	MaxPrecision = 18

	// DefaultPrecision keeps a sketch at 1 KiB with ~3.2% standard error,
	// small enough to store one per template.
	DefaultPrecision = 10
)

var (
	// ErrPrecisionMismatch is returned when merging sketches of different precision.
	ErrPrecisionMismatch = errors.New("hyperloglog: precision mismatch")

	// ErrInvalidData is returned when decoding a malformed sketch.
	ErrInvalidData = errors.New("hyperloglog: invalid serialized data")
)

// HyperLogLog is a cardinality sketch. It is not safe for concurrent use.
type HyperLogLog struct {
	precision uint8
	registers []uint8
}

// New creates an empty sketch with 2^precision registers. Out of range
// precisions fall back to DefaultPrecision.
func New(precision uint8) *HyperLogLog {
	if precision < MinPrecision || precision > MaxPrecision {
		precision = DefaultPrecision
	}
	return &HyperLogLog{
		precision: precision,
		registers: make([]uint8, 1<<precision),
	}
}

// Precision returns the number of index bits.
func (h *HyperLogLog) Precision() uint8 {
	return h.precision
}

// Add adds a value.
func (h *HyperLogLog) Add(value string) {
	h.AddHash(murmur3.StringSum64(value))
}

// AddTuple adds an ordered tuple of values as one element. ("a", "bc") and
// ("ab", "c") are different elements.
func (h *HyperLogLog) AddTuple(values []string) {
	hash := uint64(len(values))
	for _, v := range values {
		hash = murmur3.SeedStringSum64(hash, v)
	}
	h.AddHash(hash)
}

// AddHash adds a pre-computed 64-bit hash.
func (h *HyperLogLog) AddHash(hash uint64) {
	idx := hash & (uint64(len(h.registers)) - 1)
	w := hash >> h.precision

	// Rank of the first set bit in the remaining 64-p bits.
	rank := uint8(64 - h.precision + 1)
	if w != 0 {
		rank = uint8(bits.LeadingZeros64(w) - int(h.precision) + 1)
	}
	if rank > h.registers[idx] {
		h.registers[idx] = rank
	}
}

// Count returns the estimated number of distinct elements added.
func (h *HyperLogLog) Count() uint64 {
	m := float64(len(h.registers))
	sum := 0.0
	zeros := 0
	for _, r := range h.registers {
		sum += 1.0 / float64(uint64(1)<<r)
		if r == 0 {
			zeros++
		}
	}

	estimate := alpha(len(h.registers)) * m * m / sum
	switch {
	case estimate <= 2.5*m && zeros != 0:
		// Linear counting for small cardinalities.
		estimate = m * math.Log(m/float64(zeros))
	case estimate > math.Pow(2, 32)/30:
		estimate = -math.Pow(2, 32) * math.Log(1-estimate/math.Pow(2, 32))
	}
	return uint64(estimate + 0.5)
}

func alpha(m int) float64 {
	switch m {
	case 16:
		return 0.673
	case 32:
		return 0.697
	case 64:
		return 0.709
	default:
		return 0.7213 / (1 + 1.079/float64(m))
	}
}

// Merge folds other into h, producing the sketch of the union.
func (h *HyperLogLog) Merge(other *HyperLogLog) error {
	if other == nil {
		return nil
	}
	if h.precision != other.precision {
		return ErrPrecisionMismatch
	}
	for i, r := range other.registers {
		if r > h.registers[i] {
			h.registers[i] = r
		}
	}
	return nil
}

// Clone returns an independent copy.
func (h *HyperLogLog) Clone() *HyperLogLog {
	c := &HyperLogLog{
		precision: h.precision,
		registers: make([]uint8, len(h.registers)),
	}
	copy(c.registers, h.registers)
	return c
}

// Clear resets all registers.
func (h *HyperLogLog) Clear() {
	clear(h.registers)
}

// MarshalBinary encodes the sketch as [precision][registers...].
func (h *HyperLogLog) MarshalBinary() ([]byte, error) {
	data := make([]byte, 1+len(h.registers))
	data[0] = h.precision
	copy(data[1:], h.registers)
	return data, nil
}

// UnmarshalBinary decodes a sketch produced by MarshalBinary.
func (h *HyperLogLog) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return ErrInvalidData
	}
	precision := data[0]
	if precision < MinPrecision || precision > MaxPrecision || len(data) != 1+(1<<precision) {
		return ErrInvalidData
	}
	for _, r := range data[1:] {
		if r > 64-precision+1 {
			return ErrInvalidData
		}
	}
	h.precision = precision
	h.registers = make([]uint8, 1<<precision)
	copy(h.registers, data[1:])
	return nil
}

// FromBytes decodes a sketch.
func FromBytes(data []byte) (*HyperLogLog, error) {
	h := &HyperLogLog{}
	if err := h.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return h, nil
}

// MergeBytes merges encoded sketches. Empty inputs are skipped; the result is
// nil when every input is empty.
func MergeBytes(sketches ...[]byte) ([]byte, error) {
	var acc *HyperLogLog
	for _, data := range sketches {
		if len(data) == 0 {
			continue
		}
		s, err := FromBytes(data)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			acc = s
			continue
		}
		if err := acc.Merge(s); err != nil {
			return nil, err
		}
	}
	if acc == nil {
		return nil, nil
	}
	return acc.MarshalBinary()
}
