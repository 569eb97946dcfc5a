package engine

import (
	"context"
	"errors"
	"math"
	"testing"

	"orthostream/internal/models"
	"orthostream/pkg/reconstruction"
)

const (
	testN  = 8
	testNZ = 4
)

func identityFilter() []float32 {
	w := make([]float32, testN/2+1)
	for i := range w {
		w[i] = 1
	}
	return w
}

// rampImage has value 10*z + x at row z, column x
func rampImage() []float32 {
	img := make([]float32, testN*testNZ)
	for z := 0; z < testNZ; z++ {
		for x := 0; x < testN; x++ {
			img[z*testN+x] = float32(10*z + x)
		}
	}
	return img
}

func newTestEngine(t *testing.T) *CPU {
	t.Helper()
	e, err := NewCPU(testN, testNZ, 2)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if err := e.SetFilter(identityFilter()); err != nil {
		t.Fatalf("Failed to set filter: %v", err)
	}
	return e
}

func TestRowFilterIdentity(t *testing.T) {
	rf := newRowFilter(testN, []float64{1, 1, 1, 1, 1})
	row := []float32{3, 1, 4, 1, 5, 9, 2, 6}
	dst := make([]float64, testN)
	rf.apply(dst, row)

	for i := range row {
		if math.Abs(dst[i]-float64(row[i])) > 1e-9 {
			t.Errorf("Expected %v at %d, got %v", row[i], i, dst[i])
		}
	}
}

func TestRowFilterRemovesDC(t *testing.T) {
	rf := newRowFilter(testN, []float64{0, 1, 1, 1, 1})
	row := []float32{2, 2, 2, 2, 2, 2, 2, 2}
	dst := make([]float64, testN)
	rf.apply(dst, row)

	for i, v := range dst {
		if math.Abs(v) > 1e-9 {
			t.Errorf("Expected 0 at %d, got %v", i, v)
		}
	}
}

func TestReconstructSingleProjection(t *testing.T) {
	e := newTestEngine(t)
	idx := models.PlaneIndices{IX: 3, IY: 5, IZ: 2}

	triple, err := e.Reconstruct(context.Background(), reconstruction.Request{
		Images:  [][]float32{rampImage(), nil, nil},
		Angles:  []float64{0, 0, 0},
		Center:  testN / 2,
		Indices: idx,
		FlgX:    true,
		FlgY:    true,
		FlgZ:    true,
	})
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	if err := triple.Validate(testN, testNZ); err != nil {
		t.Fatalf("Invalid triple: %v", err)
	}
	if triple.Indices != idx {
		t.Errorf("Expected indices %+v, got %+v", idx, triple.Indices)
	}

	// At angle 0 with a centered axis, volume column x sees detector column x
	check := func(name string, got float32, want float64) {
		t.Helper()
		if math.Abs(float64(got)-want) > 1e-3 {
			t.Errorf("%s: expected %v, got %v", name, want, got)
		}
	}
	for r := 0; r < testN; r++ {
		for c := 0; c < testN; c++ {
			check("z", triple.Z[r*testN+c], math.Pi*float64(10*idx.IZ+c))
		}
	}
	for z := 0; z < testNZ; z++ {
		for c := 0; c < testN; c++ {
			check("x", triple.X[z*testN+c], math.Pi*float64(10*z+idx.IX))
			check("y", triple.Y[z*testN+c], math.Pi*float64(10*z+c))
		}
	}
}

func TestReconstructQuarterTurn(t *testing.T) {
	e := newTestEngine(t)
	idx := models.PlaneIndices{IX: 3, IY: 5, IZ: 1}

	triple, err := e.Reconstruct(context.Background(), reconstruction.Request{
		Images:  [][]float32{rampImage()},
		Angles:  []float64{math.Pi / 2},
		Center:  testN / 2,
		Indices: idx,
	})
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}

	// At 90 degrees volume row y sees detector column y
	for r := 1; r < testN-1; r++ {
		for c := 0; c < testN; c++ {
			got := float64(triple.Z[r*testN+c])
			want := math.Pi * float64(10*idx.IZ+r)
			if math.Abs(got-want) > 1e-3 {
				t.Errorf("Expected %v at (%d,%d), got %v", want, r, c, got)
			}
		}
	}
}

func TestReconstructFlatField(t *testing.T) {
	e := newTestEngine(t)

	flat := make([]float32, testN*testNZ)
	img := make([]float32, testN*testNZ)
	for i := range flat {
		flat[i] = 2
		img[i] = 6
	}
	flat[0] = 0
	img[0] = 5
	if err := e.SetFlatField(flat); err != nil {
		t.Fatalf("Failed to set flat field: %v", err)
	}

	triple, err := e.Reconstruct(context.Background(), reconstruction.Request{
		Images:  [][]float32{img},
		Angles:  []float64{0},
		Center:  testN / 2,
		Indices: models.PlaneIndices{IX: 1, IY: 1, IZ: 1},
	})
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}

	// Row 0 of the Y plane sees the unnormalized pixel at column 0
	if got := float64(triple.Y[0]); math.Abs(got-5*math.Pi) > 1e-3 {
		t.Errorf("Expected %v, got %v", 5*math.Pi, got)
	}
	if got := float64(triple.Y[testN+3]); math.Abs(got-3*math.Pi) > 1e-3 {
		t.Errorf("Expected %v, got %v", 3*math.Pi, got)
	}
}

func TestReconstructEmptyBuffer(t *testing.T) {
	e := newTestEngine(t)

	triple, err := e.Reconstruct(context.Background(), reconstruction.Request{
		Images:  make([][]float32, 4),
		Angles:  make([]float64, 4),
		Center:  testN / 2,
		Indices: models.PlaneIndices{IX: 0, IY: 0, IZ: 0},
	})
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	for i, v := range triple.Z {
		if v != 0 {
			t.Fatalf("Expected zero plane, got %v at %d", v, i)
		}
	}
}

func TestReconstructErrors(t *testing.T) {
	ok := reconstruction.Request{
		Images:  [][]float32{rampImage()},
		Angles:  []float64{0},
		Center:  testN / 2,
		Indices: models.PlaneIndices{IX: 1, IY: 1, IZ: 1},
	}

	tests := []struct {
		name   string
		modify func(*reconstruction.Request)
	}{
		{"angle count", func(r *reconstruction.Request) { r.Angles = nil }},
		{"iz out of range", func(r *reconstruction.Request) { r.Indices.IZ = testNZ }},
		{"ix out of range", func(r *reconstruction.Request) { r.Indices.IX = -1 }},
		{"projection size", func(r *reconstruction.Request) { r.Images = [][]float32{{1, 2, 3}} }},
	}

	e := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := ok
			tt.modify(&req)
			if _, err := e.Reconstruct(context.Background(), req); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}

	unfiltered, err := NewCPU(testN, testNZ, 1)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if _, err := unfiltered.Reconstruct(context.Background(), ok); err == nil {
		t.Error("Expected error without a filter")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Reconstruct(ctx, ok); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestSetterValidation(t *testing.T) {
	e, err := NewCPU(testN, testNZ, 1)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if err := e.SetFilter(make([]float32, testN)); err == nil {
		t.Error("Expected error for wrong filter length")
	}
	if err := e.SetFlatField(make([]float32, 3)); err == nil {
		t.Error("Expected error for wrong flat field size")
	}
	if _, err := NewCPU(1, 1, 1); err == nil {
		t.Error("Expected error for n < 2")
	}
}

func TestRelease(t *testing.T) {
	e := newTestEngine(t)

	if err := e.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := e.Release(); err != nil {
		t.Errorf("Expected second Release to be a no-op, got %v", err)
	}

	_, err := e.Reconstruct(context.Background(), reconstruction.Request{})
	if !errors.Is(err, ErrReleased) {
		t.Errorf("Expected ErrReleased, got %v", err)
	}
	if err := e.SetFilter(identityFilter()); !errors.Is(err, ErrReleased) {
		t.Errorf("Expected ErrReleased, got %v", err)
	}
}

func TestInterpolate(t *testing.T) {
	det := []float64{0, 10, 20, 30}

	tests := []struct {
		s    float64
		want float64
	}{
		{0, 0},
		{1.5, 15},
		{3, 30},
		{-0.1, 0},
		{3.1, 0},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := interpolate(det, tt.s); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("interpolate(%v): expected %v, got %v", tt.s, tt.want, got)
		}
	}
}
