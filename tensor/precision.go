package tensor

import (
	"math"

	"github.com/x448/float16"
)

// Largest finite IEEE 754 binary16 value.
const MaxHalf = 65504.0

// RoundHalf rounds every element to the nearest binary16 value in place.
// Values beyond the half-precision range become ±Inf and values below
// the smallest subnormal flush to signed zero, as they would on hardware
// that stores activations in 16 bits.
func RoundHalf(data []float32) {
	for i, v := range data {
		data[i] = float16.Fromfloat32(v).Float32()
	}
}

// AllFinite reports whether data contains no NaN or infinite values.
func AllFinite(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
