package marshal

import (
	"fmt"
	"math"
	"strings"
)

// Range is the numeric range a model writes its pixels in.
type Range int

const (
	// RangeAuto asks DetectRange to classify the output.
	RangeAuto Range = iota
	RangeZeroToOne
	RangeNegOneToOne
	RangeZeroTo255
)

func (r Range) String() string {
	switch r {
	case RangeZeroToOne:
		return "0-1"
	case RangeNegOneToOne:
		return "-1-1"
	case RangeZeroTo255:
		return "0-255"
	default:
		return "auto"
	}
}

func (r Range) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Range) UnmarshalText(b []byte) error {
	v, err := ParseRange(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

func ParseRange(s string) (Range, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return RangeAuto, nil
	case "0-1":
		return RangeZeroToOne, nil
	case "-1-1":
		return RangeNegOneToOne, nil
	case "0-255":
		return RangeZeroTo255, nil
	default:
		return RangeAuto, fmt.Errorf("marshal: unknown range %q", s)
	}
}

// rangeSample bounds how many values DetectRange inspects.
const rangeSample = 10000

// DetectRange classifies data by the min and max of its first rangeSample
// values, skipping non-finite ones. It never returns RangeAuto.
func DetectRange(data []float32) Range {
	lo, hi := math.Inf(1), math.Inf(-1)
	n := 0
	for _, f := range data[:min(len(data), rangeSample)] {
		v := float64(f)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo, hi = math.Min(lo, v), math.Max(hi, v)
		n++
	}
	if n == 0 {
		return RangeZeroToOne
	}

	if lo >= -1.5 && hi <= 1.5 && (lo < 0 || hi <= 1.2) {
		if lo < 0 {
			return RangeNegOneToOne
		}
		return RangeZeroToOne
	}
	if hi > 2 && hi <= 300 && lo >= -10 {
		return RangeZeroTo255
	}
	return RangeZeroToOne
}
