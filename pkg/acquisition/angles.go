// Package acquisition simulates a rotating-sample detector: a motor that
// steps through an interlaced angle schedule and a camera that images an
// analytic phantom at every step.
package acquisition

import (
	"fmt"
	"math"
)

const interlacePrime = 3

// InterlacedAngles returns total rotation angles in radians, perRotation per
// full turn. Each turn is offset from the first by the base-3 radical inverse
// of its index times the angular step, so consecutive turns fill the gaps
// left by earlier ones: for (total, perRotation) = (4, 2) the angles are 0,
// 180, 60 and 240 degrees.
func InterlacedAngles(total, perRotation int) ([]float64, error) {
	if total < 1 {
		return nil, fmt.Errorf("total number of angles must be positive, got %d", total)
	}
	if perRotation < 1 {
		return nil, fmt.Errorf("angles per rotation must be positive, got %d", perRotation)
	}

	step := 360.0 / float64(perRotation)
	angles := make([]float64, 0, total)
	for turn := 0; len(angles) < total; turn++ {
		offset := radicalInverse(turn, interlacePrime) * step
		for k := 0; k < perRotation && len(angles) < total; k++ {
			angles = append(angles, (offset+float64(k)*step)*math.Pi/180)
		}
	}
	return angles, nil
}

// radicalInverse mirrors the base-b digits of i around the radix point
func radicalInverse(i, base int) float64 {
	r := 0.0
	q := 1 / float64(base)
	for b := i; b != 0; b /= base {
		r += float64(b%base) * q
		q /= float64(base)
	}
	return r
}
