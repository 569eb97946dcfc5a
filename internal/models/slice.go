package models

import (
	"fmt"
	"time"
)

// Axis identifies one of the three orthogonal reconstruction planes
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

// String returns the lower-case axis letter
func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	}
	return fmt.Sprintf("axis(%d)", int(a))
}

// PlaneIndices selects the three cross-sections through the volume
type PlaneIndices struct {
	// IX is the column of the volume cut by the X plane, in [0, n)
	IX int

	// IY is the row of the volume cut by the Y plane, in [0, n)
	IY int

	// IZ is the detector row cut by the Z plane, in [0, nz)
	IZ int
}

// Changed reports which planes differ between two index sets
func (p PlaneIndices) Changed(prev PlaneIndices) (flgx, flgy, flgz bool) {
	return p.IX != prev.IX, p.IY != prev.IY, p.IZ != prev.IZ
}

// SliceTriple holds one reconstruction of the three orthogonal planes
type SliceTriple struct {
	// X is the plane at column IX, nz rows by n columns
	X []float32

	// Y is the plane at row IY, nz rows by n columns
	Y []float32

	// Z is the horizontal plane at detector row IZ, n rows by n columns
	Z []float32

	// Indices are the plane indices the triple was reconstructed at
	Indices PlaneIndices
}

// Validate checks the plane sizes against the slice dimensions
func (s SliceTriple) Validate(n, nz int) error {
	if len(s.X) != nz*n {
		return fmt.Errorf("x plane has %d pixels, expected %d", len(s.X), nz*n)
	}
	if len(s.Y) != nz*n {
		return fmt.Errorf("y plane has %d pixels, expected %d", len(s.Y), nz*n)
	}
	if len(s.Z) != n*n {
		return fmt.Errorf("z plane has %d pixels, expected %d", len(s.Z), n*n)
	}
	return nil
}

// Composite is the three planes laid out side by side in an n x 3n image:
// X occupies rows [0,nz) of columns [0,n), Y rows [0,nz) of columns [n,2n)
// and Z all n rows of columns [2n,3n). Rows of X and Y below nz stay zero.
type Composite struct {
	Pixels []float64
	N      int
	NZ     int
}

// Width of the composite image
func (c Composite) Width() int { return 3 * c.N }

// Height of the composite image
func (c Composite) Height() int { return c.N }

// NewComposite lays a triple out into composite form. The triple must already
// have been validated against n and nz.
func NewComposite(s SliceTriple, n, nz int) Composite {
	c := Composite{Pixels: make([]float64, n*3*n), N: n, NZ: nz}
	stride := 3 * n
	for row := 0; row < nz; row++ {
		for col := 0; col < n; col++ {
			c.Pixels[row*stride+col] = float64(s.X[row*n+col])
			c.Pixels[row*stride+n+col] = float64(s.Y[row*n+col])
		}
	}
	for row := 0; row < n; row++ {
		for col := 0; col < n; col++ {
			c.Pixels[row*stride+2*n+col] = float64(s.Z[row*n+col])
		}
	}
	return c
}

// Update is the structured message handed to the output channel
type Update struct {
	// RunID identifies the coordinator instance that produced the update
	RunID string

	// Cycle is the number of successful reconstruction cycles in this run
	Cycle uint64

	// Count is the number of reconstructions averaged into Pixels
	Count int

	// Width and Height are the declared composite dimensions (3n and n)
	Width  int
	Height int

	// Pixels is the flattened row-major running average
	Pixels []float32

	Indices   PlaneIndices
	Timestamp time.Time
}

// CycleRecord describes one reconstruction attempt for the cycle log
type CycleRecord struct {
	RunID   string
	Cycle   uint64
	Indices PlaneIndices

	// Count is the number of reconstructions in the running average after the cycle
	Count int

	Duration time.Duration

	// Err is empty for successful cycles
	Err string

	At time.Time
}
