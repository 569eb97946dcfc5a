package acquisition

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"orthostream/internal/models"
	"orthostream/pkg/config"
)

// Ball is a uniform sphere of the phantom, in pixels relative to the
// rotation axis (X, Y) and the detector top (Z)
type Ball struct {
	X, Y, Z float64
	Radius  float64
	Density float64
}

// SimulatorConfig describes the simulated acquisition
type SimulatorConfig struct {
	// N and NZ are the detector width and height
	N, NZ int

	// Angles is the motor schedule in radians, repeated once exhausted
	Angles []float64

	// FrameInterval is the time between frames
	FrameInterval time.Duration

	// Noise is the uniform noise amplitude relative to full scale
	Noise float64

	Seed int64

	// Units of the motor readback, config.UnitsDegrees unless set
	Units string

	// Phantom defaults to DefaultPhantom(N, NZ) when empty
	Phantom []Ball
}

// DefaultPhantom returns a large ball with two denser inclusions, all inside
// the field of view
func DefaultPhantom(n, nz int) []Ball {
	fn, fz := float64(n), float64(nz)
	return []Ball{
		{X: 0, Y: 0, Z: fz / 2, Radius: 0.3 * math.Min(fn, fz), Density: 1},
		{X: 0.12 * fn, Y: -0.05 * fn, Z: fz / 2, Radius: 0.08 * math.Min(fn, fz), Density: 1.5},
		{X: -0.08 * fn, Y: 0.1 * fn, Z: 0.4 * fz, Radius: 0.05 * math.Min(fn, fz), Density: 2},
	}
}

// Simulator is both the frame source and the angle source of a simulated
// detector. The motor advances to the next scheduled angle just before each
// frame is taken.
type Simulator struct {
	cfg   SimulatorConfig
	scale float64

	mu     sync.Mutex
	rng    *rand.Rand
	step   int
	angle  float64
	frames uint64
}

// NewSimulator validates cfg and positions the motor before the first angle
func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	if cfg.N < 1 || cfg.NZ < 1 {
		return nil, fmt.Errorf("invalid detector size %dx%d", cfg.N, cfg.NZ)
	}
	if len(cfg.Angles) == 0 {
		return nil, fmt.Errorf("angle schedule is empty")
	}
	if cfg.FrameInterval <= 0 {
		return nil, fmt.Errorf("frame interval must be positive, got %s", cfg.FrameInterval)
	}
	switch cfg.Units {
	case "":
		cfg.Units = config.UnitsDegrees
	case config.UnitsDegrees, config.UnitsRadians:
	default:
		return nil, fmt.Errorf("unknown angle units %q", cfg.Units)
	}
	if len(cfg.Phantom) == 0 {
		cfg.Phantom = DefaultPhantom(cfg.N, cfg.NZ)
	}

	// Full scale is the thickest chord through the phantom
	maxChord := 0.0
	for _, b := range cfg.Phantom {
		maxChord += 2 * b.Radius * b.Density
	}
	scale := 0.0
	if maxChord > 0 {
		scale = 230 / maxChord
	}

	return &Simulator{
		cfg:   cfg,
		scale: scale,
		rng:   rand.New(rand.NewPCG(uint64(cfg.Seed), 0)),
		angle: cfg.Angles[0],
	}, nil
}

// Angle returns the current motor position in the configured units
func (s *Simulator) Angle() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Units == config.UnitsRadians {
		return s.angle, nil
	}
	return s.angle * 180 / math.Pi, nil
}

// Subscribe delivers a frame every FrameInterval until ctx is cancelled
func (s *Simulator) Subscribe(ctx context.Context, handler func(models.Frame)) error {
	ticker := time.NewTicker(s.cfg.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := ctx.Err(); err != nil {
				return err
			}
			handler(s.Next())
		}
	}
}

// Next advances the motor and takes a frame at the new position
func (s *Simulator) Next() models.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.angle = s.cfg.Angles[s.step%len(s.cfg.Angles)]
	s.step++
	s.frames++
	return s.render(s.angle, s.frames)
}

// render images the phantom at theta as a uint8 frame. Caller holds s.mu.
func (s *Simulator) render(theta float64, id uint64) models.Frame {
	n, nz := s.cfg.N, s.cfg.NZ
	half := float64(n / 2)
	cos, sin := math.Cos(theta), math.Sin(theta)

	data := make([]byte, n*nz)
	for z := 0; z < nz; z++ {
		fz := float64(z)
		for u := 0; u < n; u++ {
			fu := float64(u) - half
			v := 0.0
			for _, b := range s.cfg.Phantom {
				du := fu - (b.X*cos + b.Y*sin)
				dz := fz - b.Z
				if d := b.Radius*b.Radius - du*du - dz*dz; d > 0 {
					v += 2 * math.Sqrt(d) * b.Density
				}
			}
			v *= s.scale
			if s.cfg.Noise > 0 {
				v += s.cfg.Noise * 255 * (2*s.rng.Float64() - 1)
			}
			data[z*n+u] = byte(math.Round(math.Max(0, math.Min(255, v))))
		}
	}

	return models.Frame{
		UniqueID: id,
		Width:    n,
		Height:   nz,
		Format:   models.PixelUint8,
		Data:     data,
	}
}
