package reconstruction

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"orthostream/internal/models"
)

// Accumulator keeps the running sum of composites so that the published
// image is the average over all reconstructions since the last reset.
// It is owned by a single coordinator and is not safe for concurrent use.
type Accumulator struct {
	n, nz int
	sum   []float64
	count int
}

// NewAccumulator creates an empty accumulator for n x nz planes
func NewAccumulator(n, nz int) *Accumulator {
	return &Accumulator{
		n:   n,
		nz:  nz,
		sum: make([]float64, n*3*n),
	}
}

// Accumulate adds the composite of s to the running sum and returns the new
// average. A triple with the wrong plane sizes is rejected and leaves the
// state unchanged.
func (a *Accumulator) Accumulate(s models.SliceTriple) ([]float32, error) {
	if err := s.Validate(a.n, a.nz); err != nil {
		return nil, err
	}
	c := models.NewComposite(s, a.n, a.nz)
	floats.Add(a.sum, c.Pixels)
	a.count++
	return a.Average(), nil
}

// Average returns sum/count, or zeros before the first accumulation
func (a *Accumulator) Average() []float32 {
	out := make([]float32, len(a.sum))
	if a.count == 0 {
		return out
	}
	count := float64(a.count)
	for i, v := range a.sum {
		out[i] = float32(v / count)
	}
	return out
}

// Reset drops the running sum
func (a *Accumulator) Reset() {
	for i := range a.sum {
		a.sum[i] = 0
	}
	a.count = 0
}

// Count returns the number of composites in the running sum
func (a *Accumulator) Count() int {
	return a.count
}

// Width and Height of the composite image
func (a *Accumulator) Width() int  { return 3 * a.n }
func (a *Accumulator) Height() int { return a.n }

// MeanStdDev summarizes the current average image
func (a *Accumulator) MeanStdDev() (mean, std float64) {
	if a.count == 0 {
		return 0, 0
	}
	mean, std = stat.MeanStdDev(a.sum, nil)
	return mean / float64(a.count), std / float64(a.count)
}
