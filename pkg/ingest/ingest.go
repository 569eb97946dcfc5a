// Package ingest turns detector frame events into ring buffer projections.
//
// For every frame the current rotation angle is queried from a separate
// AngleSource. The query is not synchronized with the exposure, so a frame
// may be paired with an angle sampled slightly before or after it was taken.
// Neither source offers a joint sample, and the ring's duplicate filter
// absorbs a motor that has not moved since the previous frame.
package ingest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"orthostream/internal/models"
	"orthostream/internal/monitoring"
	"orthostream/pkg/buffer"
	"orthostream/pkg/config"
)

// ErrFrameShape is returned for frames whose declared dimensions or payload
// size do not match the configured detector
var ErrFrameShape = errors.New("unexpected frame shape")

// AngleSource reports the current rotation angle
type AngleSource interface {
	Angle() (float64, error)
}

// FrameSource delivers detector frames to handler until ctx is cancelled or
// the source is exhausted. Handler calls are serialized.
type FrameSource interface {
	Subscribe(ctx context.Context, handler func(models.Frame)) error
}

// Stats is a point-in-time view of the ingest counters
type Stats struct {
	// Frames is the number of frame events received
	Frames uint64

	// Accepted frames were stored in the ring
	Accepted uint64

	// Duplicates carried an angle within epsilon of the previous one
	Duplicates uint64

	// Dropped frames were malformed or had no angle
	Dropped uint64
}

// Ingest is the sole writer of the projection ring
type Ingest struct {
	ring    *buffer.Ring
	angles  AngleSource
	n, nz   int
	radians bool

	frames     atomic.Uint64
	accepted   atomic.Uint64
	duplicates atomic.Uint64
	dropped    atomic.Uint64
}

// New creates an ingest for frames of n columns by nz rows. units is
// config.UnitsDegrees or config.UnitsRadians and describes the AngleSource.
func New(ring *buffer.Ring, angles AngleSource, n, nz int, units string) (*Ingest, error) {
	if ring == nil {
		return nil, fmt.Errorf("projection ring is required")
	}
	if angles == nil {
		return nil, fmt.Errorf("angle source is required")
	}
	if n < 1 || nz < 1 {
		return nil, fmt.Errorf("frame dimensions must be positive, got %dx%d", n, nz)
	}
	if units != config.UnitsDegrees && units != config.UnitsRadians {
		return nil, fmt.Errorf("unknown angle units %q", units)
	}
	return &Ingest{
		ring:    ring,
		angles:  angles,
		n:       n,
		nz:      nz,
		radians: units == config.UnitsRadians,
	}, nil
}

// HandleFrame decodes one frame, pairs it with the current angle and pushes
// it into the ring. It reports whether the projection was stored; malformed
// frames and angle errors are counted and returned, never fatal.
func (in *Ingest) HandleFrame(f models.Frame) (bool, error) {
	in.frames.Add(1)

	image, err := in.decode(f)
	if err != nil {
		in.dropped.Add(1)
		return false, err
	}

	angle, err := in.angles.Angle()
	if err != nil {
		in.dropped.Add(1)
		return false, fmt.Errorf("read angle for frame %d: %w", f.UniqueID, err)
	}
	if !in.radians {
		angle = angle * math.Pi / 180
	}

	if !in.ring.Push(angle, image) {
		in.duplicates.Add(1)
		return false, nil
	}
	in.accepted.Add(1)
	return true, nil
}

// Run subscribes to src and ingests frames until ctx is cancelled or the
// source ends
func (in *Ingest) Run(ctx context.Context, src FrameSource) error {
	err := src.Subscribe(ctx, func(f models.Frame) {
		if _, err := in.HandleFrame(f); err != nil {
			monitoring.Logf("[Ingest] dropping frame %d: %v", f.UniqueID, err)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("frame source: %w", err)
	}
	return nil
}

// Stats returns the current counters
func (in *Ingest) Stats() Stats {
	return Stats{
		Frames:     in.frames.Load(),
		Accepted:   in.accepted.Load(),
		Duplicates: in.duplicates.Load(),
		Dropped:    in.dropped.Load(),
	}
}

func (in *Ingest) decode(f models.Frame) ([]float32, error) {
	if f.Width != in.n || f.Height != in.nz {
		return nil, fmt.Errorf("%w: frame %d is %dx%d, expected %dx%d",
			ErrFrameShape, f.UniqueID, f.Width, f.Height, in.n, in.nz)
	}
	pixels := in.n * in.nz
	if want := pixels * f.Format.BytesPerPixel(); len(f.Data) != want {
		return nil, fmt.Errorf("%w: frame %d has %d bytes, expected %d",
			ErrFrameShape, f.UniqueID, len(f.Data), want)
	}

	image := make([]float32, pixels)
	switch f.Format {
	case models.PixelUint8:
		for i, b := range f.Data {
			image[i] = float32(b)
		}
	case models.PixelUint16LE:
		for i := range image {
			image[i] = float32(binary.LittleEndian.Uint16(f.Data[2*i:]))
		}
	case models.PixelFloat32LE:
		for i := range image {
			image[i] = math.Float32frombits(binary.LittleEndian.Uint32(f.Data[4*i:]))
		}
	default:
		return nil, fmt.Errorf("%w: frame %d has unknown pixel format %d", ErrFrameShape, f.UniqueID, f.Format)
	}
	return image, nil
}
