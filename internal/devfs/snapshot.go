package devfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tether/internal/ipc/wire"
	"github.com/GriffinCanCode/tether/internal/shared/id"
)

// Snapshot is a point-in-time capture of every mounted instance, exported as
// zstd-compressed JSON.
type Snapshot struct {
	ID        id.SnapshotID   `json:"id"`
	Taken     time.Time       `json:"taken"`
	Instances []InstanceStats `json:"instances"`
}

// Snapshot captures the current state of all mounted instances.
func (m *Manager) Snapshot() *Snapshot {
	instances := m.List()
	stats := make([]InstanceStats, 0, len(instances))
	for _, inst := range instances {
		stats = append(stats, inst.Stats())
	}
	return &Snapshot{
		ID:        id.NewSnapshotID(),
		Taken:     time.Now(),
		Instances: stats,
	}
}

// Export writes a snapshot into dir as <snapshot-id>.json.zst and returns
// the file path.
func (m *Manager) Export(dir string) (string, error) {
	snap := m.Snapshot()

	data, err := wire.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshaling snapshot: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating snapshot dir: %w", err)
	}
	path := filepath.Join(dir, string(snap.ID)+".json.zst")
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating snapshot file: %w", err)
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return "", fmt.Errorf("creating zstd writer: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return "", fmt.Errorf("writing snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("flushing snapshot: %w", err)
	}

	m.log.Info("snapshot exported",
		zap.String("id", string(snap.ID)),
		zap.String("path", path),
		zap.Int("instances", len(snap.Instances)))
	return path, nil
}

// ReadSnapshot loads a previously exported snapshot file.
func ReadSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("creating zstd reader: %w", err)
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("decompressing snapshot: %w", err)
	}

	var snap Snapshot
	if err := wire.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}
