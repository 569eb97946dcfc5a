package reconstruction

import (
	"context"

	"orthostream/internal/models"
)

// Engine is the reconstruction backend. Implementations typically hold
// device memory; Release frees it and must be safe to call once the engine is
// no longer used. The coordinator never calls Engine methods concurrently.
type Engine interface {
	// SetFilter installs the ramp filter, n/2+1 weights
	SetFilter(weights []float32) error

	// SetFlatField installs the flat-field image (nz rows of n pixels)
	// projections are normalized by
	SetFlatField(flat []float32) error

	// Reconstruct computes the three ortho planes from a buffer snapshot
	Reconstruct(ctx context.Context, req Request) (models.SliceTriple, error)

	Release() error
}

// Request carries everything the engine needs for one reconstruction
type Request struct {
	// Images and Angles are the ring buffer slots in slot order. Slots that
	// were never written have a nil image.
	Images [][]float32
	Angles []float64

	// Center is the detector column of the rotation axis
	Center float64

	Indices models.PlaneIndices

	// FlgX, FlgY and FlgZ mark the planes whose index changed since the
	// previous cycle. Engines that cache per-plane state may restart those
	// planes from scratch; recomputing all three is always correct.
	FlgX, FlgY, FlgZ bool
}

// Publisher is the output channel the averaged composite is sent to
type Publisher interface {
	Publish(ctx context.Context, update models.Update) error
}

// CycleRecorder receives a record of every attempted reconstruction cycle
type CycleRecorder interface {
	RecordCycle(ctx context.Context, rec models.CycleRecord) error
}
