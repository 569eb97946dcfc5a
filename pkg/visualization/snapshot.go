package visualization

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"orthostream/internal/models"
	"orthostream/internal/monitoring"
)

// SnapshotPublisher is an output channel that keeps the latest composite on
// disk. Each Publish replaces the previous image.
type SnapshotPublisher struct {
	path       string
	nz         int
	savePlanes bool

	mu   sync.Mutex
	last models.Update
}

// NewSnapshotPublisher writes composites to path. With savePlanes the three
// planes are also written next to it as <name>_x, <name>_y and <name>_z.
func NewSnapshotPublisher(path string, nz int, savePlanes bool) (*SnapshotPublisher, error) {
	if path == "" {
		return nil, fmt.Errorf("snapshot path is required")
	}
	if nz < 1 {
		return nil, fmt.Errorf("nz must be positive, got %d", nz)
	}
	return &SnapshotPublisher{path: path, nz: nz, savePlanes: savePlanes}, nil
}

// Publish renders the update and replaces the snapshot files
func (p *SnapshotPublisher) Publish(ctx context.Context, u models.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	v, err := NewViewerFromUpdate(u, p.nz)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := SaveSlice(v.Composite(), p.path); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if p.savePlanes {
		ext := filepath.Ext(p.path)
		prefix := strings.TrimSuffix(filepath.Base(p.path), ext)
		if err := v.SavePlanes(filepath.Dir(p.path), prefix, ext); err != nil {
			return fmt.Errorf("snapshot planes: %w", err)
		}
	}
	p.last = u

	monitoring.Logf("[Snapshot] cycle %d (average of %d) written to %s", u.Cycle, u.Count, p.path)
	return nil
}

// Last returns the most recently written update
func (p *SnapshotPublisher) Last() models.Update {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
