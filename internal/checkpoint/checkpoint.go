package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/logging"
	"github.com/therealutkarshpriyadarshi/sqllog/pkg/types"
)

const fileName = "positions.json"

// Manager persists the reader cursor of every followed file, so that a
// restarted follower resumes at the first unconsumed record.
type Manager struct {
	mu        sync.RWMutex
	dir       string
	positions map[string]*types.FilePosition
	dirty     bool
	interval  time.Duration
	logger    *logging.Logger

	stopCh   chan struct{}
	saveCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a new checkpoint manager
func NewManager(dir string, interval time.Duration, logger *logging.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &Manager{
		dir:       dir,
		positions: make(map[string]*types.FilePosition),
		interval:  interval,
		logger:    logger.WithComponent("checkpoint"),
		stopCh:    make(chan struct{}),
		saveCh:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Path returns the checkpoint file location.
func (m *Manager) Path() string {
	return filepath.Join(m.dir, fileName)
}

// Start starts the periodic checkpoint saving
func (m *Manager) Start() {
	go m.saveLoop()
}

// Stop stops the save loop and writes a final checkpoint.
func (m *Manager) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stopCh)
		err = m.Save()
	})
	return err
}

// UpdatePosition records the cursor offset for a file.
func (m *Manager) UpdatePosition(path string, offset int64, inode uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pos, ok := m.positions[path]; ok && pos.Offset == offset && pos.Inode == inode {
		return
	}
	m.positions[path] = &types.FilePosition{
		Path:   path,
		Offset: offset,
		Inode:  inode,
	}
	m.dirty = true
}

// Flush asks the save loop to write the checkpoint without waiting for the
// next tick.
func (m *Manager) Flush() {
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// GetPosition retrieves the position for a file
func (m *Manager) GetPosition(path string) (types.FilePosition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, ok := m.positions[path]
	if !ok {
		return types.FilePosition{}, false
	}
	return *pos, true
}

// Remove forgets the position of a file that is no longer followed.
func (m *Manager) Remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.positions[path]; ok {
		delete(m.positions, path)
		m.dirty = true
	}
}

// Load loads checkpoints from disk
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var positions map[string]*types.FilePosition
	if err := json.Unmarshal(data, &positions); err != nil {
		return fmt.Errorf("failed to unmarshal checkpoint data: %w", err)
	}
	if positions == nil {
		positions = make(map[string]*types.FilePosition)
	}

	m.positions = positions
	m.dirty = false
	m.logger.Info().Int("files", len(positions)).Msg("Loaded checkpoints")
	return nil
}

// Save writes checkpoints to disk if they changed since the last save.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.dirty {
		return nil
	}

	data, err := json.MarshalIndent(m.positions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint data: %w", err)
	}

	// Write to temporary file first, then rename for atomicity
	path := m.Path()
	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	m.dirty = false
	return nil
}

// saveLoop periodically saves checkpoints
func (m *Manager) saveLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-m.saveCh:
		case <-m.stopCh:
			return
		}
		if err := m.Save(); err != nil {
			m.logger.Error().Err(err).Msg("Failed to save checkpoint")
		}
	}
}
