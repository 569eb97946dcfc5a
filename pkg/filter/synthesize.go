// Package filter synthesizes the ramp filter weights handed to the
// reconstruction engine before backprojection.
//
// Instead of discretizing the frequency-domain integral of |sigma| h(sigma)
// with the rectangular rule, the weights come from a piecewise polynomial
// quadrature: on every run of p consecutive taps, h is replaced by its
// interpolating polynomial of degree p-1 (recovered through an inverse
// Vandermonde matrix) and |sigma| times that polynomial is integrated exactly.
// Overlapping runs are averaged, and the taps next to Nyquist fall back to a
// plain linear ramp.
package filter

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidOrder is returned for a polynomial order below 2
	ErrInvalidOrder = errors.New("filter: polynomial order must be at least 2")

	// ErrTooFewTaps is returned when the detector width cannot hold a single
	// quadrature window plus the Nyquist tap
	ErrTooFewTaps = errors.New("filter: detector width too small for polynomial order")

	// ErrUnknownWindow is returned for an unsupported window name
	ErrUnknownWindow = errors.New("filter: unknown window")
)

// Weights is the real-valued filter kernel, one weight per frequency tap
// k = 0..n/2. Weights are never modified after synthesis.
type Weights []float64

// Float32 converts the weights to the single-precision layout engines expect
func (w Weights) Float32() []float32 {
	out := make([]float32, len(w))
	for i, v := range w {
		out[i] = float32(v)
	}
	return out
}

// Taps returns the number of frequency taps for a detector of width n
func Taps(n int) int {
	return n/2 + 1
}

// Synthesize builds the filter weights for detector width n, polynomial
// order p and the named window. The result is a pure function of its
// arguments: identical inputs always produce bit-identical weights.
func Synthesize(n, p int, window string) (Weights, error) {
	if p < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidOrder, p)
	}
	taper, err := lookupWindow(window)
	if err != nil {
		return nil, err
	}
	ne := Taps(n)
	if n < 2 || ne < p+1 {
		return nil, fmt.Errorf("%w: n=%d gives %d taps, order %d needs at least %d",
			ErrTooFewTaps, n, ne, p, p+1)
	}

	w, err := quadrature(n, p)
	if err != nil {
		return nil, err
	}

	// The highest 2p taps keep the rectangular-rule ramp.
	start := ne - 2*p
	if start < 0 {
		start = 0
	}
	for k := start; k < ne; k++ {
		w[k] = 0.5 / float64(ne) * float64(k+1)
	}

	for k := range w {
		w[k] *= taper(frequency(k, n))
	}
	return Weights(w), nil
}

// frequency is the normalized frequency of tap k
func frequency(k, n int) float64 {
	return float64(k) / float64(n)
}

// quadrature returns the polynomial quadrature weights for |sigma| on
// [0, 1/2], scaled by n, before the Nyquist ramp and window are applied.
func quadrature(n, p int) ([]float64, error) {
	ne := Taps(n)
	t := make([]float64, ne)
	for k := range t {
		t[k] = frequency(k, n)
	}

	w1, w2, err := coefficients(p)
	if err != nil {
		return nil, err
	}
	c := compensation(ne, p)

	w := make([]float64, ne)
	local := make([]float64, p)
	for j := 0; j <= ne-p; j++ {
		// Map [t_j, t_j+p-1] onto [0,1]: sigma = t_j + d*x, so
		// sigma dsigma = d^2 x dx + d t_j dx.
		d := t[j+p-1] - t[j]
		for k := 0; k < p-1; k++ {
			a := w1.RawRowView(k)
			b := w2.RawRowView(k)
			for m := range local {
				local[m] = d*d*a[m] + d*t[j]*b[m]
			}
			floats.AddScaled(w[j:j+p], c[j+k], local)
		}
	}
	floats.Scale(float64(n), w)
	return w, nil
}

// coefficients returns the (p-1) x p matrices integrating x*P(x) and P(x)
// over each unit subinterval [s_k, s_k+1] of the p uniform nodes in [0,1],
// where P is the interpolating polynomial of the node values.
func coefficients(p int) (w1, w2 *mat.Dense, err error) {
	s := make([]float64, p)
	for i := range s {
		s[i] = float64(i) / float64(p-1)
	}

	// Increasing-power Vandermonde matrix with two extra columns for the
	// antiderivatives of x^(p-1) and x^p.
	v := mat.NewDense(p, p+2, nil)
	for i := 0; i < p; i++ {
		for j := 0; j < p+2; j++ {
			v.Set(i, j, math.Pow(s[i], float64(j)))
		}
	}

	var iv mat.Dense
	if err := iv.Inverse(v.Slice(0, p, 0, p)); err != nil {
		return nil, nil, fmt.Errorf("filter: invert vandermonde matrix of order %d: %w", p, err)
	}

	// u[k][j] = integral of x^j over [s_k, s_k+1]
	u := mat.NewDense(p-1, p+1, nil)
	for k := 0; k < p-1; k++ {
		for j := 0; j < p+1; j++ {
			u.Set(k, j, (v.At(k+1, j+1)-v.At(k, j+1))/float64(j+1))
		}
	}

	w1 = &mat.Dense{}
	w1.Mul(u.Slice(0, p-1, 1, p+1), &iv)
	w2 = &mat.Dense{}
	w2.Mul(u.Slice(0, p-1, 0, p), &iv)
	return w1, w2, nil
}

// compensation returns, for every subinterval between consecutive taps, the
// reciprocal of the number of quadrature windows covering it. Interior
// subintervals are covered p-1 times, the ones near either end fewer.
func compensation(ne, p int) []float64 {
	last := ne - p
	c := make([]float64, ne-1)
	for m := range c {
		lo := m - last
		if lo < 0 {
			lo = 0
		}
		hi := m
		if hi > p-2 {
			hi = p - 2
		}
		c[m] = 1 / float64(hi-lo+1)
	}
	return c
}
