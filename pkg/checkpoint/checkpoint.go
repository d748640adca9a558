package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"attachsync/pkg/logger"
)

// Checkpoint is the persisted poll high-water mark.
type Checkpoint struct {
	LastSync  time.Time `json:"last_sync"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manager reads and writes the sync checkpoint. The checkpoint only bounds
// the next poll window; losing a save costs an overlap re-scan, never data.
type Manager struct {
	path    string
	overlap time.Duration
	// firstRunDefault is returned when no usable checkpoint exists.
	firstRunDefault func() time.Time
	logger          logger.Logger
}

// NewManager creates a checkpoint manager. The overlap is subtracted from
// every read; firstRunDefault supplies the window start when no checkpoint
// exists yet.
func NewManager(dir string, overlap time.Duration, firstRunDefault func() time.Time, log logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &Manager{
		path:            filepath.Join(dir, "missive.json"),
		overlap:         overlap,
		firstRunDefault: firstRunDefault,
		logger:          log,
	}, nil
}

// LastSyncTime returns the persisted sync time minus the overlap window, or
// the first-run default if no checkpoint exists. A corrupt file is treated
// as no checkpoint.
func (m *Manager) LastSyncTime() time.Time {
	cp, err := m.load()
	if err != nil {
		m.logger.WithError(err).Warn("failed to read checkpoint, using first-run default")
		return m.firstRunDefault()
	}
	if cp == nil {
		return m.firstRunDefault()
	}
	return cp.LastSync.Add(-m.overlap)
}

// SaveSyncTime persists the sync time. Failures are logged, not fatal: the
// next poll simply re-scans the same window and enqueue is idempotent.
func (m *Manager) SaveSyncTime(t time.Time) {
	cp := Checkpoint{LastSync: t, UpdatedAt: time.Now()}
	if err := m.save(&cp); err != nil {
		m.logger.WithError(err).Error("failed to save checkpoint")
		return
	}
	m.logger.DebugWithFields("checkpoint saved", map[string]interface{}{
		"last_sync": t.Format(time.RFC3339),
	})
}

// Exists reports whether a checkpoint file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

func (m *Manager) load() (*Checkpoint, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if cp.LastSync.IsZero() {
		return nil, fmt.Errorf("checkpoint missing last_sync")
	}
	return &cp, nil
}

// save writes the checkpoint atomically via a temp file and rename.
func (m *Manager) save(cp *Checkpoint) error {
	tempPath := m.path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(cp); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync checkpoint file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}

	if err := os.Rename(tempPath, m.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}
	return nil
}
