package engine

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// rowFilter applies the ramp filter to detector rows in the frequency domain.
// It holds scratch buffers and a gonum FFT plan, so each worker needs its own.
type rowFilter struct {
	fft     *fourier.FFT
	weights []float64
	in      []float64
	coeff   []complex128
	n       int
}

func newRowFilter(n int, weights []float64) *rowFilter {
	return &rowFilter{
		fft:     fourier.NewFFT(n),
		weights: weights,
		in:      make([]float64, n),
		coeff:   make([]complex128, n/2+1),
		n:       n,
	}
}

// apply filters row into dst. Both have length n.
//
// The real FFT of an n-sample row has n/2+1 coefficients, one per filter
// weight. gonum's inverse transform is unnormalized, hence the 1/n.
func (f *rowFilter) apply(dst []float64, row []float32) {
	for i, v := range row {
		f.in[i] = float64(v)
	}

	f.fft.Coefficients(f.coeff, f.in)
	for k, w := range f.weights {
		f.coeff[k] *= complex(w, 0)
	}
	f.fft.Sequence(dst, f.coeff)

	scale := 1 / float64(f.n)
	for i := range dst {
		dst[i] *= scale
	}
}
