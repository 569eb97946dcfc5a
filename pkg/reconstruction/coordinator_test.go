package reconstruction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orthostream/internal/models"
	"orthostream/pkg/buffer"
	"orthostream/pkg/config"
)

const (
	testN  = 4
	testNZ = 2
)

var errEngine = errors.New("device lost")

// fakeEngine returns constant planes of value v and can be told to fail
type fakeEngine struct {
	mu       sync.Mutex
	v        float32
	fail     bool
	filter   []float32
	flat     []float32
	requests []Request
	releases int
}

func (e *fakeEngine) SetFilter(weights []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filter = weights
	return nil
}

func (e *fakeEngine) SetFlatField(flat []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flat = flat
	return nil
}

func (e *fakeEngine) Reconstruct(_ context.Context, req Request) (models.SliceTriple, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	if e.fail {
		return models.SliceTriple{}, errEngine
	}
	return constantTriple(e.v, req.Indices), nil
}

func (e *fakeEngine) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releases++
	return nil
}

func (e *fakeEngine) set(v float32, fail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.v = v
	e.fail = fail
}

func (e *fakeEngine) releaseCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releases
}

func (e *fakeEngine) lastRequest() Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[len(e.requests)-1]
}

type fakePublisher struct {
	mu      sync.Mutex
	fail    bool
	updates []models.Update
}

func (p *fakePublisher) Publish(_ context.Context, u models.Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("sink unavailable")
	}
	p.updates = append(p.updates, u)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.updates)
}

func (p *fakePublisher) last() models.Update {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updates[len(p.updates)-1]
}

type fakeRecorder struct {
	records []models.CycleRecord
}

func (r *fakeRecorder) RecordCycle(_ context.Context, rec models.CycleRecord) error {
	r.records = append(r.records, rec)
	return nil
}

func constantTriple(v float32, idx models.PlaneIndices) models.SliceTriple {
	fill := func(size int) []float32 {
		out := make([]float32, size)
		for i := range out {
			out[i] = v
		}
		return out
	}
	return models.SliceTriple{
		X:       fill(testNZ * testN),
		Y:       fill(testNZ * testN),
		Z:       fill(testN * testN),
		Indices: idx,
	}
}

func testParams() Params {
	return Params{
		N:                  testN,
		NZ:                 testNZ,
		FilterOrder:        2,
		Window:             "parzen",
		Center:             testN / 2,
		TickInterval:       5 * time.Millisecond,
		ResetOnIndexChange: true,
		Indices:            models.PlaneIndices{IX: 2, IY: 2, IZ: 1},
	}
}

func newTestCoordinator(t *testing.T, params Params, opts ...Option) (*Coordinator, *buffer.Ring, *fakeEngine, *fakePublisher) {
	t.Helper()

	ring, err := buffer.NewRing(8, 1e-3)
	require.NoError(t, err)
	engine := &fakeEngine{v: 1}
	pub := &fakePublisher{}

	c, err := NewCoordinator(params, ring, engine, pub, append([]Option{WithRunID("test-run")}, opts...)...)
	require.NoError(t, err)
	return c, ring, engine, pub
}

func pushFrame(t *testing.T, ring *buffer.Ring, angle float64) {
	t.Helper()
	require.True(t, ring.Push(angle, make([]float32, testNZ*testN)))
}

func TestNewCoordinator_InstallsFilter(t *testing.T) {
	t.Parallel()

	flat := []float32{1, 1, 1, 1, 1, 1, 1, 1}
	c, _, engine, _ := newTestCoordinator(t, testParams(), WithFlatField(flat))

	assert.Equal(t, "test-run", c.RunID())
	require.Len(t, engine.filter, testN/2+1)
	assert.InDelta(t, 2.0/3.0, engine.filter[0], 1e-6)
	assert.InDelta(t, 1.0/6.0, engine.filter[1], 1e-6)
	assert.InDelta(t, 0.0, engine.filter[2], 1e-6)
	assert.Equal(t, flat, engine.flat)
}

func TestNewCoordinator_GeneratesRunID(t *testing.T) {
	t.Parallel()

	ring, err := buffer.NewRing(4, 1e-3)
	require.NoError(t, err)
	c, err := NewCoordinator(testParams(), ring, &fakeEngine{}, &fakePublisher{})
	require.NoError(t, err)
	assert.Len(t, c.RunID(), 36)
}

func TestNewCoordinator_ReleasesEngineOnFailure(t *testing.T) {
	t.Parallel()

	ring, err := buffer.NewRing(4, 1e-3)
	require.NoError(t, err)

	tests := []struct {
		name   string
		params func(*Params)
	}{
		{"order too high for n", func(p *Params) { p.FilterOrder = 3 }},
		{"unknown window", func(p *Params) { p.Window = "triangle" }},
		{"nz above n", func(p *Params) { p.NZ = p.N + 1 }},
		{"index out of range", func(p *Params) { p.Indices.IZ = p.NZ }},
		{"zero tick", func(p *Params) { p.TickInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := testParams()
			tt.params(&params)
			engine := &fakeEngine{}

			_, err := NewCoordinator(params, ring, engine, &fakePublisher{})
			assert.Error(t, err)
			assert.Equal(t, 1, engine.releaseCount())
		})
	}
}

func TestCoordinator_IdleTickPublishesNothing(t *testing.T) {
	t.Parallel()

	c, _, engine, pub := newTestCoordinator(t, testParams())

	published, err := c.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, published)
	assert.Equal(t, 0, pub.count())
	assert.Empty(t, engine.requests)
}

func TestCoordinator_PublishesAverage(t *testing.T) {
	t.Parallel()

	c, ring, _, pub := newTestCoordinator(t, testParams())
	pushFrame(t, ring, 0.1)

	published, err := c.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, published)
	assert.False(t, ring.IsDirty())

	u := pub.last()
	assert.Equal(t, "test-run", u.RunID)
	assert.Equal(t, uint64(1), u.Cycle)
	assert.Equal(t, 1, u.Count)
	assert.Equal(t, 3*testN, u.Width)
	assert.Equal(t, testN, u.Height)
	assert.Len(t, u.Pixels, 3*testN*testN)
	assert.Equal(t, testParams().Indices, u.Indices)

	// Nothing new arrived: the next tick is idle
	published, err = c.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, published)
	assert.Equal(t, 1, pub.count())
}

func TestCoordinator_ConstantInputAveragesToConstant(t *testing.T) {
	t.Parallel()

	const v = 0.75
	c, ring, engine, pub := newTestCoordinator(t, testParams())
	engine.set(v, false)

	for k := 0; k < 5; k++ {
		pushFrame(t, ring, float64(k))
		_, err := c.Step(context.Background())
		require.NoError(t, err)
	}

	u := pub.last()
	assert.Equal(t, 5, u.Count)

	want := make([]float32, 3*testN*testN)
	stride := 3 * testN
	for row := 0; row < testN; row++ {
		for col := 0; col < stride; col++ {
			if col >= 2*testN || row < testNZ {
				want[row*stride+col] = v
			}
		}
	}
	if diff := cmp.Diff(want, u.Pixels); diff != "" {
		t.Errorf("average mismatch (-want +got):\n%s", diff)
	}
}

func TestCoordinator_EngineFailureRetriesNextTick(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	c, ring, engine, pub := newTestCoordinator(t, testParams(), WithCycleRecorder(rec))

	pushFrame(t, ring, 0.1)
	_, err := c.Step(context.Background())
	require.NoError(t, err)

	pushFrame(t, ring, 0.2)
	before := ring.Snapshot()
	ring.MarkDirty()

	engine.set(1, true)
	published, err := c.Step(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errEngine)
	assert.False(t, published)
	assert.Equal(t, 1, pub.count())
	assert.True(t, ring.IsDirty(), "failed cycle must re-arm the ring")

	after := ring.Snapshot()
	assert.Equal(t, before, after)
	ring.MarkDirty()

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Cycles)
	assert.Equal(t, uint64(1), stats.Failures)
	assert.Equal(t, 1, stats.Averaged)

	engine.set(1, false)
	published, err = c.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, published)
	u := pub.last()
	assert.Equal(t, uint64(2), u.Cycle)
	assert.Equal(t, 2, u.Count)

	require.Len(t, rec.records, 3)
	assert.Empty(t, rec.records[0].Err)
	assert.Equal(t, errEngine.Error(), rec.records[1].Err)
	assert.Empty(t, rec.records[2].Err)
	for _, r := range rec.records {
		assert.Equal(t, "test-run", r.RunID)
	}
}

func TestCoordinator_MalformedTripleIsAFailure(t *testing.T) {
	t.Parallel()

	ring, err := buffer.NewRing(4, 1e-3)
	require.NoError(t, err)
	pub := &fakePublisher{}
	c, err := NewCoordinator(testParams(), ring, shortEngine{}, pub)
	require.NoError(t, err)

	pushFrame(t, ring, 0.1)
	_, err = c.Step(context.Background())
	assert.Error(t, err)
	assert.True(t, ring.IsDirty())
	assert.Equal(t, 0, pub.count())
}

type shortEngine struct{}

func (shortEngine) SetFilter([]float32) error    { return nil }
func (shortEngine) SetFlatField([]float32) error { return nil }
func (shortEngine) Release() error               { return nil }
func (shortEngine) Reconstruct(context.Context, Request) (models.SliceTriple, error) {
	return models.SliceTriple{X: []float32{1}}, nil
}

func TestCoordinator_ChangeFlags(t *testing.T) {
	t.Parallel()

	c, ring, engine, _ := newTestCoordinator(t, testParams())

	pushFrame(t, ring, 0.1)
	_, err := c.Step(context.Background())
	require.NoError(t, err)
	first := engine.lastRequest()
	assert.True(t, first.FlgX && first.FlgY && first.FlgZ, "first cycle computes every plane")
	assert.Equal(t, 2.0, first.Center)

	require.NoError(t, c.SetIndices(models.PlaneIndices{IX: 1, IY: 2, IZ: 1}))
	pushFrame(t, ring, 0.2)
	_, err = c.Step(context.Background())
	require.NoError(t, err)
	req := engine.lastRequest()
	assert.True(t, req.FlgX)
	assert.False(t, req.FlgY)
	assert.False(t, req.FlgZ)
	assert.Equal(t, 1, req.Indices.IX)

	pushFrame(t, ring, 0.3)
	_, err = c.Step(context.Background())
	require.NoError(t, err)
	req = engine.lastRequest()
	assert.False(t, req.FlgX || req.FlgY || req.FlgZ)
}

func TestCoordinator_ResetOnIndexChange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reset bool
		want  int
	}{
		{"reset", true, 1},
		{"keep averaging", false, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := testParams()
			params.ResetOnIndexChange = tt.reset
			c, ring, _, pub := newTestCoordinator(t, params)

			pushFrame(t, ring, 0.1)
			_, err := c.Step(context.Background())
			require.NoError(t, err)
			pushFrame(t, ring, 0.2)
			_, err = c.Step(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 2, pub.last().Count)

			require.NoError(t, c.SetIndices(models.PlaneIndices{IX: 0, IY: 3, IZ: 0}))
			pushFrame(t, ring, 0.3)
			_, err = c.Step(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, pub.last().Count)
		})
	}
}

func TestCoordinator_SetIndicesValidates(t *testing.T) {
	t.Parallel()

	c, _, _, _ := newTestCoordinator(t, testParams())

	err := c.SetIndices(models.PlaneIndices{IX: testN, IY: 0, IZ: 0})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	err = c.SetIndices(models.PlaneIndices{IX: 0, IY: 0, IZ: testNZ})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	err = c.SetIndices(models.PlaneIndices{IX: -1, IY: 0, IZ: 0})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	assert.Equal(t, testParams().Indices, c.Requested())
}

func TestCoordinator_PublishFailureIsRetried(t *testing.T) {
	t.Parallel()

	c, ring, engine, pub := newTestCoordinator(t, testParams())
	pub.fail = true

	pushFrame(t, ring, 0.1)
	published, err := c.Step(context.Background())
	assert.Error(t, err)
	assert.False(t, published)

	pub.fail = false
	published, err = c.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, published)
	assert.Equal(t, uint64(1), pub.last().Cycle)
	assert.Len(t, engine.requests, 1, "retry must not reconstruct again")
}

func TestCoordinator_RunReleasesEngineOnce(t *testing.T) {
	t.Parallel()

	c, ring, engine, pub := newTestCoordinator(t, testParams())
	pushFrame(t, ring, 0.1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()

	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assert.Equal(t, 1, engine.releaseCount())
	assert.NoError(t, c.Close())
	assert.Equal(t, 1, engine.releaseCount())
}

func TestParamsFromConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Acquisition.N = 16
	cfg.Acquisition.NZ = 8
	cfg.Reconstruction.ResetOnIndexChange = false
	require.NoError(t, cfg.Validate())

	params := ParamsFromConfig(cfg)
	assert.Equal(t, 16, params.N)
	assert.Equal(t, 8, params.NZ)
	assert.Equal(t, 8.0, params.Center)
	assert.Equal(t, models.PlaneIndices{IX: 8, IY: 8, IZ: 4}, params.Indices)
	assert.Equal(t, cfg.Reconstruction.TickInterval, params.TickInterval)
	assert.False(t, params.ResetOnIndexChange)

	ring, err := buffer.NewRing(cfg.Acquisition.NThetaP, cfg.Acquisition.AngleEpsilon)
	require.NoError(t, err)
	_, err = NewCoordinator(params, ring, &fakeEngine{}, &fakePublisher{})
	require.NoError(t, err)
}
