package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/metrics"
)

const debounceDelay = 500 * time.Millisecond

// Manager holds the live configuration and swaps it atomically when the
// file changes. Readers never block on a reload.
type Manager struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]
	reloads atomic.Int64

	// digest of the file bytes behind current; only the reload path
	// touches it.
	reloadMu sync.Mutex
	digest   [sha256.Size]byte

	listenersMu sync.Mutex
	listeners   []func(*Config)

	watcher *fsnotify.Watcher
}

// NewManager loads path. The file must be valid.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		path:   path,
		logger: logger.With("component", "config"),
		digest: sha256.Sum256(data),
	}
	m.current.Store(cfg)
	return m, nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// Reloads reports how many changed configurations have been applied.
func (m *Manager) Reloads() int64 {
	return m.reloads.Load()
}

// OnChange registers fn to run after every applied reload. Listeners run
// on the reload goroutine in registration order.
func (m *Manager) OnChange(fn func(*Config)) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

// Reload re-reads the file. Unchanged content is a no-op. An invalid file
// leaves the current config in place and returns the error.
func (m *Manager) Reload() error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("invalid").Inc()
		m.logger.Error("config reload failed, keeping current", "error", err)
		return fmt.Errorf("read config file: %w", err)
	}
	sum := sha256.Sum256(data)
	if sum == m.digest {
		metrics.ConfigReloads.WithLabelValues("unchanged").Inc()
		m.logger.Debug("config file unchanged")
		return nil
	}

	cfg, err := Parse(data)
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("invalid").Inc()
		m.logger.Error("config reload failed, keeping current", "error", err)
		return err
	}

	m.digest = sum
	m.current.Store(cfg)
	m.reloads.Add(1)
	metrics.ConfigReloads.WithLabelValues("applied").Inc()
	m.logger.Info("configuration reloaded", "reloads", m.reloads.Load())

	m.listenersMu.Lock()
	listeners := append([]func(*Config){}, m.listeners...)
	m.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// Watch reloads the file whenever it changes until ctx ends. The parent
// directory is watched so editors that save by rename are seen too.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	m.watcher = watcher

	go m.watch(ctx, watcher)
	return nil
}

func (m *Manager) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	target := filepath.Clean(m.path)
	// Editors emit bursts of events per save; reload once they settle.
	debounce := time.NewTimer(debounceDelay)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == target && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce.Reset(debounceDelay)
			}
		case <-debounce.C:
			_ = m.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", "error", err)
		}
	}
}

// Close stops watching.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
