package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"orthostream/internal/telemetry"
	"orthostream/pkg/acquisition"
	"orthostream/pkg/buffer"
	"orthostream/pkg/config"
	"orthostream/pkg/cyclelog"
	"orthostream/pkg/engine"
	"orthostream/pkg/ingest"
	"orthostream/pkg/reconstruction"
	"orthostream/pkg/visualization"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "orthostream.yaml", "Path to the YAML configuration file")
	writeConfig := flag.Bool("write-config", false, "Write a default configuration file to -config and exit")
	duration := flag.Duration("duration", 0, "Stop after this long (default: run until interrupted)")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("ORTHOSTREAM: STREAMING ORTHO-SLICE RECONSTRUCTION")
	fmt.Println("================================")
	fmt.Printf("Detector: %dx%d, buffer of %d projections, %d angles scheduled\n",
		cfg.Acquisition.N, cfg.Acquisition.NZ, cfg.Acquisition.NThetaP, cfg.Acquisition.NTheta)
	fmt.Printf("Filter: order %d, %s window\n", cfg.Filter.Order, cfg.Filter.Window)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	shutdownTracing, err := telemetry.Setup(ctx, "orthostream")
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("Warning: failed to flush traces: %v", err)
		}
	}()

	ring, err := buffer.NewRing(cfg.Acquisition.NThetaP, cfg.Acquisition.AngleEpsilon)
	if err != nil {
		log.Fatalf("Failed to create projection buffer: %v", err)
	}

	angles, err := acquisition.InterlacedAngles(cfg.Acquisition.NTheta, cfg.Acquisition.NThetaP)
	if err != nil {
		log.Fatalf("Failed to generate angles: %v", err)
	}
	sim, err := acquisition.NewSimulator(acquisition.SimulatorConfig{
		N:             cfg.Acquisition.N,
		NZ:            cfg.Acquisition.NZ,
		Angles:        angles,
		FrameInterval: cfg.Simulation.FrameInterval,
		Noise:         cfg.Simulation.Noise,
		Seed:          cfg.Simulation.Seed,
		Units:         cfg.Acquisition.AngleUnits,
	})
	if err != nil {
		log.Fatalf("Failed to create simulator: %v", err)
	}

	in, err := ingest.New(ring, sim, cfg.Acquisition.N, cfg.Acquisition.NZ, cfg.Acquisition.AngleUnits)
	if err != nil {
		log.Fatalf("Failed to create ingest: %v", err)
	}

	publisher, err := visualization.NewSnapshotPublisher(cfg.Output.SnapshotPath, cfg.Acquisition.NZ, cfg.Output.SavePlanes)
	if err != nil {
		log.Fatalf("Failed to create output channel: %v", err)
	}

	var opts []reconstruction.Option
	if cfg.Output.CycleLogPath != "" {
		db, err := cyclelog.Open(cfg.Output.CycleLogPath)
		if err != nil {
			log.Fatalf("Failed to open cycle log: %v", err)
		}
		defer db.Close()
		opts = append(opts, reconstruction.WithCycleRecorder(db))
		fmt.Printf("Recording cycles to: %s\n", cfg.Output.CycleLogPath)
	}

	eng, err := engine.NewCPU(cfg.Acquisition.N, cfg.Acquisition.NZ, cfg.Reconstruction.Workers)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	coordinator, err := reconstruction.NewCoordinator(reconstruction.ParamsFromConfig(cfg), ring, eng, publisher, opts...)
	if err != nil {
		log.Fatalf("Failed to create coordinator: %v", err)
	}

	fmt.Printf("Run %s started, writing snapshots to: %s\n", coordinator.RunID(), cfg.Output.SnapshotPath)
	startTime := time.Now()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := in.Run(ctx, sim); err != nil {
			log.Printf("Warning: ingest stopped: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := coordinator.Run(ctx); err != nil {
			log.Printf("Warning: reconstruction stopped: %v", err)
		}
	}()
	wg.Wait()

	ingestStats := in.Stats()
	ringStats := ring.Stats()
	stats := coordinator.Stats()
	fmt.Printf("\nStopped after %.1f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("- Frames: %d received, %d stored, %d duplicates, %d dropped\n",
		ingestStats.Frames, ingestStats.Accepted, ingestStats.Duplicates, ingestStats.Dropped)
	fmt.Printf("- Buffer: %d/%d slots filled\n", ringStats.Filled, ringStats.Capacity)
	fmt.Printf("- Reconstructions: %d published, %d failed, %d in current average\n",
		stats.Cycles, stats.Failures, stats.Averaged)
}
