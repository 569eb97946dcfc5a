// Package reconstruction drives the periodic reconstruction of three ortho
// slices from the projection ring buffer.
//
// The Coordinator runs on its own ticker, independent of frame arrival:
//
//	Idle -> (tick, ring dirty) -> Computing -> Publishing -> Idle
//
// Every tick it checks the ring's dirty flag. A clean ring costs nothing. A
// dirty ring is snapshotted, handed to the Engine together with the latest
// requested plane indices, and the result is folded into the running average
// that is published. A failing engine leaves the ring re-armed and the
// average untouched, so the next tick simply retries.
package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"orthostream/internal/models"
	"orthostream/internal/monitoring"
	"orthostream/pkg/buffer"
	"orthostream/pkg/config"
	"orthostream/pkg/filter"
)

// ErrIndexOutOfRange is returned by SetIndices for indices outside the volume
var ErrIndexOutOfRange = errors.New("plane index out of range")

// Params holds the coordinator parameters
type Params struct {
	// N is the detector width and the edge of the reconstructed planes
	N int

	// NZ is the detector height, at most N
	NZ int

	// FilterOrder and Window select the ramp filter handed to the engine
	FilterOrder int
	Window      string

	// Center is the detector column of the rotation axis
	Center float64

	// TickInterval is the period of the reconstruction loop
	TickInterval time.Duration

	// ResetOnIndexChange restarts the running average whenever a plane index
	// changes, so cross-sections at different positions are never averaged.
	ResetOnIndexChange bool

	// Indices are the initial plane indices
	Indices models.PlaneIndices

	// Verbose logs a line for every published cycle
	Verbose bool
}

// ParamsFromConfig extracts the coordinator parameters from a validated config
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		N:                  cfg.Acquisition.N,
		NZ:                 cfg.Acquisition.NZ,
		FilterOrder:        cfg.Filter.Order,
		Window:             cfg.Filter.Window,
		Center:             cfg.Center(),
		TickInterval:       cfg.Reconstruction.TickInterval,
		ResetOnIndexChange: cfg.Reconstruction.ResetOnIndexChange,
		Indices:            cfg.Indices(),
		Verbose:            cfg.Output.Verbose,
	}
}

func (p Params) validate() error {
	if p.N < 2 {
		return fmt.Errorf("n must be at least 2, got %d", p.N)
	}
	if p.NZ < 1 || p.NZ > p.N {
		return fmt.Errorf("nz must be in [1, %d], got %d", p.N, p.NZ)
	}
	if p.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", p.TickInterval)
	}
	return p.checkIndices(p.Indices)
}

func (p Params) checkIndices(idx models.PlaneIndices) error {
	if idx.IX < 0 || idx.IX >= p.N || idx.IY < 0 || idx.IY >= p.N || idx.IZ < 0 || idx.IZ >= p.NZ {
		return fmt.Errorf("%w: %+v for n=%d nz=%d", ErrIndexOutOfRange, idx, p.N, p.NZ)
	}
	return nil
}

// Option customizes a Coordinator
type Option func(*Coordinator)

// WithCycleRecorder records every attempted cycle
func WithCycleRecorder(r CycleRecorder) Option {
	return func(c *Coordinator) {
		c.recorder = r
	}
}

// WithFlatField installs a flat-field image on the engine at construction
func WithFlatField(flat []float32) Option {
	return func(c *Coordinator) {
		c.flat = flat
	}
}

// WithRunID overrides the generated run identifier
func WithRunID(id string) Option {
	return func(c *Coordinator) {
		c.runID = id
	}
}

// WithTracer overrides the tracer taken from the global provider
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = t
	}
}

// Coordinator owns the reconstruction loop state: the running average, the
// committed plane indices and the engine handle. Step and Run must be driven
// from a single goroutine; SetIndices and Stats are safe from any goroutine.
type Coordinator struct {
	params   Params
	ring     *buffer.Ring
	engine   Engine
	out      Publisher
	recorder CycleRecorder
	tracer   trace.Tracer
	flat     []float32
	runID    string

	acc      *Accumulator
	current  models.PlaneIndices
	computed bool
	pending  *models.Update

	reqMu     sync.Mutex
	requested models.PlaneIndices

	cycles   atomic.Uint64
	failures atomic.Uint64
	count    atomic.Int64

	releaseOnce sync.Once
	releaseErr  error
}

// Stats is a point-in-time view of the coordinator counters
type Stats struct {
	RunID string

	// Cycles is the number of successful reconstructions
	Cycles uint64

	// Failures is the number of failed reconstruction attempts
	Failures uint64

	// Averaged is the number of reconstructions in the current running average
	Averaged int
}

// NewCoordinator synthesizes the ramp filter, installs it (and the optional
// flat field) on the engine and returns a coordinator ready to Run.
//
// The coordinator takes ownership of the engine: if construction fails the
// engine is released before returning, otherwise Close (deferred by Run)
// releases it exactly once.
func NewCoordinator(params Params, ring *buffer.Ring, engine Engine, out Publisher, opts ...Option) (*Coordinator, error) {
	if engine == nil {
		return nil, fmt.Errorf("reconstruction engine is required")
	}

	c, err := newCoordinator(params, ring, engine, out, opts...)
	if err != nil {
		if rerr := engine.Release(); rerr != nil {
			monitoring.Logf("[Coordinator] release after failed construction: %v", rerr)
		}
		return nil, err
	}
	return c, nil
}

func newCoordinator(params Params, ring *buffer.Ring, engine Engine, out Publisher, opts ...Option) (*Coordinator, error) {
	if ring == nil {
		return nil, fmt.Errorf("projection ring is required")
	}
	if out == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	weights, err := filter.Synthesize(params.N, params.FilterOrder, params.Window)
	if err != nil {
		return nil, fmt.Errorf("synthesize filter: %w", err)
	}

	c := &Coordinator{
		params:    params,
		ring:      ring,
		engine:    engine,
		out:       out,
		acc:       NewAccumulator(params.N, params.NZ),
		requested: params.Indices,
		current:   params.Indices,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.runID == "" {
		c.runID = uuid.NewString()
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("orthostream/reconstruction")
	}

	if err := engine.SetFilter(weights.Float32()); err != nil {
		return nil, fmt.Errorf("set filter: %w", err)
	}
	if c.flat != nil {
		if err := engine.SetFlatField(c.flat); err != nil {
			return nil, fmt.Errorf("set flat field: %w", err)
		}
	}
	return c, nil
}

// RunID identifies this coordinator instance in updates and cycle records
func (c *Coordinator) RunID() string {
	return c.runID
}

// SetIndices requests new plane indices. They take effect at the start of
// the next reconstruction.
func (c *Coordinator) SetIndices(idx models.PlaneIndices) error {
	if err := c.params.checkIndices(idx); err != nil {
		return err
	}
	c.reqMu.Lock()
	c.requested = idx
	c.reqMu.Unlock()
	return nil
}

// Requested returns the latest requested plane indices
func (c *Coordinator) Requested() models.PlaneIndices {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.requested
}

// Stats returns the current counters
func (c *Coordinator) Stats() Stats {
	return Stats{
		RunID:    c.runID,
		Cycles:   c.cycles.Load(),
		Failures: c.failures.Load(),
		Averaged: int(c.count.Load()),
	}
}

// Run ticks every TickInterval until ctx is cancelled. Cycle errors are
// logged and retried on the next tick. The engine is released on return.
func (c *Coordinator) Run(ctx context.Context) error {
	defer func() {
		if err := c.Close(); err != nil {
			monitoring.Logf("[Coordinator] release engine: %v", err)
		}
	}()

	ticker := time.NewTicker(c.params.TickInterval)
	defer ticker.Stop()

	monitoring.Logf("[Coordinator] run %s started: n=%d nz=%d tick=%s indices=%+v",
		c.runID, c.params.N, c.params.NZ, c.params.TickInterval, c.params.Indices)

	for {
		select {
		case <-ctx.Done():
			stats := c.Stats()
			monitoring.Logf("[Coordinator] run %s stopped after %d cycles (%d failed)",
				c.runID, stats.Cycles, stats.Failures)
			return nil
		case <-ticker.C:
			if _, err := c.Step(ctx); err != nil {
				monitoring.Logf("[Coordinator] cycle failed, retrying next tick: %v", err)
			}
		}
	}
}

// Step performs one tick of the loop and reports whether an update was
// published. A clean ring is a no-op unless an earlier publish failed.
func (c *Coordinator) Step(ctx context.Context) (bool, error) {
	if !c.ring.IsDirty() {
		if c.pending == nil {
			return false, nil
		}
		return c.publish(ctx, *c.pending)
	}

	ctx, span := c.tracer.Start(ctx, "reconstruction.cycle")
	defer span.End()
	start := time.Now()

	indices := c.Requested()
	flgx, flgy, flgz := indices.Changed(c.current)
	if !c.computed {
		flgx, flgy, flgz = true, true, true
	}
	span.SetAttributes(
		attribute.String("run.id", c.runID),
		attribute.Int("plane.ix", indices.IX),
		attribute.Int("plane.iy", indices.IY),
		attribute.Int("plane.iz", indices.IZ),
	)

	snap := c.ring.Snapshot()
	triple, err := c.engine.Reconstruct(ctx, Request{
		Images:  snap.Images,
		Angles:  snap.Angles,
		Center:  c.params.Center,
		Indices: indices,
		FlgX:    flgx,
		FlgY:    flgy,
		FlgZ:    flgz,
	})
	if err == nil {
		err = triple.Validate(c.params.N, c.params.NZ)
	}
	if err != nil {
		c.ring.MarkDirty()
		c.failures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconstruct")
		c.record(ctx, models.CycleRecord{
			Cycle:    c.cycles.Load(),
			Indices:  indices,
			Count:    c.acc.Count(),
			Duration: time.Since(start),
			Err:      err.Error(),
		})
		return false, fmt.Errorf("reconstruct: %w", err)
	}
	triple.Indices = indices

	changed := flgx || flgy || flgz
	if c.params.ResetOnIndexChange && c.computed && changed {
		monitoring.Logf("[Coordinator] plane indices changed %+v -> %+v, restarting average", c.current, indices)
		c.acc.Reset()
	}
	avg, err := c.acc.Accumulate(triple)
	if err != nil {
		// Validated above
		return false, err
	}
	c.current = indices
	c.computed = true
	c.count.Store(int64(c.acc.Count()))
	cycle := c.cycles.Add(1)

	update := models.Update{
		RunID:     c.runID,
		Cycle:     cycle,
		Count:     c.acc.Count(),
		Width:     c.acc.Width(),
		Height:    c.acc.Height(),
		Pixels:    avg,
		Indices:   indices,
		Timestamp: time.Now(),
	}
	span.SetAttributes(
		attribute.Int64("cycle", int64(cycle)),
		attribute.Int("average.count", update.Count),
		attribute.Int("ring.filled", snap.Filled),
	)

	c.record(ctx, models.CycleRecord{
		Cycle:    cycle,
		Indices:  indices,
		Count:    update.Count,
		Duration: time.Since(start),
	})

	if c.params.Verbose {
		mean, std := c.acc.MeanStdDev()
		monitoring.Logf("[Coordinator] cycle %d: %d/%d projections, average of %d, mean=%.4g std=%.4g, %s",
			cycle, snap.Filled, len(snap.Images), update.Count, mean, std, time.Since(start).Round(time.Millisecond))
	}

	return c.publish(ctx, update)
}

func (c *Coordinator) publish(ctx context.Context, update models.Update) (bool, error) {
	if err := c.out.Publish(ctx, update); err != nil {
		c.pending = &update
		return false, fmt.Errorf("publish cycle %d: %w", update.Cycle, err)
	}
	c.pending = nil
	return true, nil
}

func (c *Coordinator) record(ctx context.Context, rec models.CycleRecord) {
	if c.recorder == nil {
		return
	}
	rec.RunID = c.runID
	rec.At = time.Now()
	if err := c.recorder.RecordCycle(ctx, rec); err != nil {
		monitoring.Logf("[Coordinator] record cycle %d: %v", rec.Cycle, err)
	}
}

// Close releases the engine. Only the first call reaches the engine; later
// calls return the same result.
func (c *Coordinator) Close() error {
	c.releaseOnce.Do(func() {
		c.releaseErr = c.engine.Release()
	})
	return c.releaseErr
}
