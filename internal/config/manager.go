package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// Watcher is called with the old and new snapshots after a reload.
type Watcher func(oldCfg, newCfg *Config)

// Manager owns the current configuration snapshot and reloads it when the
// file changes. Snapshots are never mutated in place; readers keep whatever
// snapshot they were handed.
type Manager struct {
	mu       sync.RWMutex
	current  *Config
	path     string
	watchers []Watcher
	logger   hclog.Logger
}

// NewManager loads the initial snapshot from path (empty path means defaults
// plus environment).
func NewManager(path string, logger hclog.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{
		current: cfg,
		path:    path,
		logger:  logger.Named("config"),
	}, nil
}

// Snapshot returns the current immutable snapshot.
func (m *Manager) Snapshot() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a watcher invoked after each successful reload.
func (m *Manager) OnChange(w Watcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, w)
}

// Watch reloads the snapshot whenever the config file is rewritten. It
// returns when ctx is cancelled. Without a file path there is nothing to
// watch and Watch returns immediately.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the directory: editors replace files atomically, which drops
	// a watch placed on the file itself.
	if err := fw.Add(filepath.Dir(m.path)); err != nil {
		return err
	}

	// Editors emit bursts of events per save; debounce them.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("config watcher error", "error", err)
		case <-pending:
			pending = nil
			m.reload()
		}
	}
}

func (m *Manager) reload() {
	newCfg, err := Load(m.path)
	if err != nil {
		m.logger.Error("config reload failed, keeping current snapshot", "error", err)
		return
	}

	m.mu.Lock()
	oldCfg := m.current
	m.current = newCfg
	watchers := make([]Watcher, len(m.watchers))
	copy(watchers, m.watchers)
	m.mu.Unlock()

	m.logger.Info("configuration reloaded", "path", m.path)
	for _, w := range watchers {
		w(oldCfg, newCfg)
	}
}
