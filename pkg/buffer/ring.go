// Package buffer holds the rotating window of the most recent projections.
//
// The ring is written by the ingest path once per accepted detector frame and
// read by the reconstruction loop once per dirty tick. A single mutex guards
// the cursor, the slots, the last angle and the dirty flag, so a Snapshot
// never observes a half-written Push.
package buffer

import (
	"fmt"
	"math"
	"sync"

	"orthostream/internal/models"
)

// Ring is a fixed-capacity rotating store of (image, angle) pairs
type Ring struct {
	mu sync.Mutex

	slots   []models.Projection
	cursor  int // slot of the most recent write
	filled  int // number of slots written at least once
	epsilon float64

	lastAngle float64
	hasLast   bool
	dirty     bool

	accepted   uint64
	duplicates uint64
}

// Stats is a point-in-time view of the ring counters
type Stats struct {
	Capacity   int
	Filled     int
	Accepted   uint64
	Duplicates uint64
	Dirty      bool
}

// NewRing creates a ring with the given capacity. Pushes whose angle is
// within epsilon of the previously accepted angle are treated as the detector
// not having advanced and are dropped.
func NewRing(capacity int, epsilon float64) (*Ring, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("ring capacity must be positive, got %d", capacity)
	}
	if epsilon < 0 || math.IsNaN(epsilon) {
		return nil, fmt.Errorf("angle epsilon must be non-negative, got %v", epsilon)
	}
	return &Ring{
		slots:   make([]models.Projection, capacity),
		cursor:  capacity - 1, // first write lands in slot 0
		epsilon: epsilon,
	}, nil
}

// Capacity returns the number of slots
func (r *Ring) Capacity() int {
	return len(r.slots)
}

// Push stores a projection unless its angle duplicates the last accepted one.
// It reports whether the projection was stored. The ring takes ownership of
// image; callers must not modify it afterwards.
func (r *Ring) Push(angle float64, image []float32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasLast && math.Abs(angle-r.lastAngle) < r.epsilon {
		r.duplicates++
		return false
	}

	r.cursor = (r.cursor + 1) % len(r.slots)
	r.slots[r.cursor] = models.Projection{Image: image, Angle: angle}
	if r.filled < len(r.slots) {
		r.filled++
	}
	r.lastAngle = angle
	r.hasLast = true
	r.dirty = true
	r.accepted++
	return true
}

// Snapshot copies all slots and clears the dirty flag in the same critical
// section. Stored images are immutable, so the copy shares their backing
// arrays; slots never written hold a nil image and angle 0.
func (r *Ring) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		Images: make([][]float32, len(r.slots)),
		Angles: make([]float64, len(r.slots)),
		Cursor: r.cursor,
		Filled: r.filled,
	}
	for i, p := range r.slots {
		s.Images[i] = p.Image
		s.Angles[i] = p.Angle
	}
	r.dirty = false
	return s
}

// IsDirty reports whether projections arrived since the last Snapshot
func (r *Ring) IsDirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// MarkDirty re-arms the dirty flag, e.g. after a reconstruction attempt on a
// snapshot failed and the next tick should retry.
func (r *Ring) MarkDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}

// Stats returns the current counters
func (r *Ring) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Capacity:   len(r.slots),
		Filled:     r.filled,
		Accepted:   r.accepted,
		Duplicates: r.duplicates,
		Dirty:      r.dirty,
	}
}

// Snapshot is a consistent copy of the ring, in slot order
type Snapshot struct {
	Images [][]float32
	Angles []float64

	// Cursor is the slot of the most recent write
	Cursor int

	// Filled is the number of slots holding a projection
	Filled int
}

// Ordered returns the stored projections from oldest to newest
func (s Snapshot) Ordered() []models.Projection {
	c := len(s.Images)
	out := make([]models.Projection, 0, s.Filled)
	for i := 0; i < s.Filled; i++ {
		idx := (s.Cursor - s.Filled + 1 + i + c) % c
		out = append(out, models.Projection{Image: s.Images[idx], Angle: s.Angles[idx]})
	}
	return out
}
