// Package engine provides a CPU implementation of the reconstruction engine
// contract, for running the pipeline without accelerator hardware.
//
// Each projection is normalized by the flat field, every detector row is ramp
// filtered, and the three ortho planes are backprojected with parallel-beam
// geometry and linear interpolation. The X and Y planes are vertical cuts
// through the volume, one detector row per output row; the Z plane is a
// horizontal cut at a single detector row.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"orthostream/internal/models"
	"orthostream/internal/monitoring"
	"orthostream/pkg/reconstruction"
)

// ErrReleased is returned by every call made after Release
var ErrReleased = errors.New("engine released")

// CPU reconstructs ortho slices on the host
type CPU struct {
	mu       sync.Mutex
	n, nz    int
	workers  int
	weights  []float64
	flat     []float32
	released bool
}

var _ reconstruction.Engine = (*CPU)(nil)

// NewCPU creates an engine for n x nz projections filtered by up to workers
// goroutines
func NewCPU(n, nz, workers int) (*CPU, error) {
	if n < 2 || nz < 1 {
		return nil, fmt.Errorf("invalid projection size %dx%d", n, nz)
	}
	if workers < 1 {
		workers = 1
	}
	return &CPU{n: n, nz: nz, workers: workers}, nil
}

// SetFilter installs the ramp filter, one weight per frequency bin
func (e *CPU) SetFilter(weights []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return ErrReleased
	}
	if len(weights) != e.n/2+1 {
		return fmt.Errorf("filter has %d weights, expected %d", len(weights), e.n/2+1)
	}
	e.weights = make([]float64, len(weights))
	for i, w := range weights {
		e.weights[i] = float64(w)
	}
	return nil
}

// SetFlatField installs the image every projection is divided by. Zero
// pixels of the flat field leave the projection pixel unchanged.
func (e *CPU) SetFlatField(flat []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return ErrReleased
	}
	if len(flat) != e.n*e.nz {
		return fmt.Errorf("flat field has %d pixels, expected %d", len(flat), e.n*e.nz)
	}
	e.flat = append([]float32(nil), flat...)
	return nil
}

// Release drops the engine state. Calling it again is a no-op.
func (e *CPU) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.released {
		e.released = true
		e.weights = nil
		e.flat = nil
		monitoring.Logf("[Engine] released")
	}
	return nil
}

// Reconstruct computes the three ortho planes from the non-empty slots of
// the request
func (e *CPU) Reconstruct(ctx context.Context, req reconstruction.Request) (models.SliceTriple, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return models.SliceTriple{}, ErrReleased
	}
	if e.weights == nil {
		return models.SliceTriple{}, fmt.Errorf("filter not set")
	}
	if len(req.Images) != len(req.Angles) {
		return models.SliceTriple{}, fmt.Errorf("%d images but %d angles", len(req.Images), len(req.Angles))
	}
	idx := req.Indices
	if idx.IX < 0 || idx.IX >= e.n || idx.IY < 0 || idx.IY >= e.n || idx.IZ < 0 || idx.IZ >= e.nz {
		return models.SliceTriple{}, fmt.Errorf("plane indices %+v outside %dx%dx%d", idx, e.n, e.n, e.nz)
	}

	projections, err := e.filterAll(ctx, req.Images, req.Angles)
	if err != nil {
		return models.SliceTriple{}, err
	}

	scale := 0.0
	if len(projections) > 0 {
		scale = math.Pi / float64(len(projections))
	}

	type planeResult struct {
		axis  models.Axis
		plane []float32
	}
	resultChan := make(chan planeResult, 3)
	for _, axis := range []models.Axis{models.AxisX, models.AxisY, models.AxisZ} {
		go func(axis models.Axis) {
			resultChan <- planeResult{axis: axis, plane: e.backproject(axis, projections, req.Center, idx, scale)}
		}(axis)
	}

	out := models.SliceTriple{Indices: idx}
	for i := 0; i < 3; i++ {
		res := <-resultChan
		switch res.axis {
		case models.AxisX:
			out.X = res.plane
		case models.AxisY:
			out.Y = res.plane
		case models.AxisZ:
			out.Z = res.plane
		}
	}
	return out, ctx.Err()
}

// filtered is one flat-fielded, ramp-filtered projection
type filtered struct {
	rows     []float64 // nz rows of n samples
	cos, sin float64
}

// filterAll filters the non-empty slots, splitting them among the workers
func (e *CPU) filterAll(ctx context.Context, images [][]float32, angles []float64) ([]filtered, error) {
	var slots []int
	for i, img := range images {
		if img == nil {
			continue
		}
		if len(img) != e.n*e.nz {
			return nil, fmt.Errorf("projection in slot %d has %d pixels, expected %d", i, len(img), e.n*e.nz)
		}
		slots = append(slots, i)
	}

	out := make([]filtered, len(slots))
	perWorker := (len(slots) + e.workers - 1) / e.workers

	var wg sync.WaitGroup
	for w := 0; w < e.workers; w++ {
		start := w * perWorker
		end := min(start+perWorker, len(slots))
		if start >= end {
			break
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()

			rf := newRowFilter(e.n, e.weights)
			row := make([]float32, e.n)
			for j := start; j < end; j++ {
				if ctx.Err() != nil {
					return
				}
				slot := slots[j]
				img := images[slot]
				p := filtered{
					rows: make([]float64, e.n*e.nz),
					cos:  math.Cos(angles[slot]),
					sin:  math.Sin(angles[slot]),
				}
				for z := 0; z < e.nz; z++ {
					copy(row, img[z*e.n:(z+1)*e.n])
					if e.flat != nil {
						for x, f := range e.flat[z*e.n : (z+1)*e.n] {
							if f != 0 {
								row[x] /= f
							}
						}
					}
					rf.apply(p.rows[z*e.n:(z+1)*e.n], row)
				}
				out[j] = p
			}
		}(start, end)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// backproject sums the filtered projections along one ortho plane.
//
// For a volume point (x, y) the detector coordinate is
// s = (x - n/2)cos(theta) + (y - n/2)sin(theta) + center.
func (e *CPU) backproject(axis models.Axis, projections []filtered, center float64, idx models.PlaneIndices, scale float64) []float32 {
	n := e.n
	half := float64(n / 2)

	var rows, cols int
	switch axis {
	case models.AxisZ:
		rows, cols = n, n
	default:
		rows, cols = e.nz, n
	}

	acc := make([]float64, rows*cols)
	for _, p := range projections {
		for r := 0; r < rows; r++ {
			var det []float64
			var x, y float64
			switch axis {
			case models.AxisX:
				det = p.rows[r*n : (r+1)*n]
				x = float64(idx.IX) - half
			case models.AxisY:
				det = p.rows[r*n : (r+1)*n]
				y = float64(idx.IY) - half
			case models.AxisZ:
				det = p.rows[idx.IZ*n : (idx.IZ+1)*n]
				y = float64(r) - half
			}
			for c := 0; c < cols; c++ {
				switch axis {
				case models.AxisX:
					y = float64(c) - half
				default:
					x = float64(c) - half
				}
				acc[r*cols+c] += interpolate(det, x*p.cos+y*p.sin+center)
			}
		}
	}

	plane := make([]float32, len(acc))
	for i, v := range acc {
		plane[i] = float32(v * scale)
	}
	return plane
}

// interpolate samples det linearly at s, zero outside the detector
func interpolate(det []float64, s float64) float64 {
	last := float64(len(det) - 1)
	if s < 0 || s > last || math.IsNaN(s) {
		return 0
	}
	i := int(s)
	if i == len(det)-1 {
		return det[i]
	}
	frac := s - float64(i)
	return det[i]*(1-frac) + det[i+1]*frac
}
