package config

import (
	"bytes"
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"
)

// Manager owns the live configuration. Quota limit and backoff lookups
// read through Get on every decision, so a hot reload reaches admission
// at the next window roll without restarting in-flight streams. Server
// listener settings are the exception; changing them needs a restart.
type Manager struct {
	config   atomic.Pointer[Config]
	path     string
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	logger   *slog.Logger
}

// NewManager loads the configuration and logs any warnings.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		path:   path,
		logger: logger,
	}
	m.config.Store(cfg)
	m.logWarnings(cfg)

	return m, nil
}

// Get returns the current configuration.
// This is safe to call concurrently from multiple goroutines.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// OnChange registers a callback to be invoked when configuration changes.
func (m *Manager) OnChange(fn func(*Config)) {
	m.onChange = append(m.onChange, fn)
}

// Watch starts watching the configuration file for changes.
// It debounces rapid changes and reloads configuration atomically.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	// Debounce timer to avoid rapid reloads
	const debounceDelay = 500 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// Reset debounce timer
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					m.reload()
				})
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

func (m *Manager) reload() {
	next, err := LoadFromFile(m.path)
	if err != nil {
		m.logger.Error("failed to reload config, keeping current",
			"error", err,
		)
		return
	}

	prev := m.config.Swap(next)
	changed := changedSections(prev, next)
	m.logger.Info("configuration reloaded", "changed", changed)

	if slices.Contains(changed, "quota") {
		m.logger.Info("quota limits updated, new limits apply at the next window roll")
	}
	if slices.Contains(changed, "server") {
		m.logger.Warn("server settings changed, restart required to apply")
	}
	m.logWarnings(next)

	// Notify listeners
	for _, fn := range m.onChange {
		fn(next)
	}
}

func (m *Manager) logWarnings(cfg *Config) {
	for _, w := range cfg.Warnings() {
		m.logger.Warn("config warning", "detail", w)
	}
}

// quotaView groups everything the quota store reads through the manager,
// so limit and backoff edits surface as one "quota" change.
type quotaView struct {
	Models   []ModelConfig
	Defaults WindowLimits
	Backoff  map[string]BackoffConfig
}

// changedSections names the top-level sections whose content differs
// between two configurations. Sections are compared serialized.
func changedSections(prev, next *Config) []string {
	sections := []struct {
		name string
		a, b any
	}{
		{"server", prev.Server, next.Server},
		{"provider", prev.Provider, next.Provider},
		{"quota", quotaView{prev.Models, prev.Defaults, prev.Backoff}, quotaView{next.Models, next.Defaults, next.Backoff}},
		{"guard", prev.Guard, next.Guard},
		{"relay", prev.Relay, next.Relay},
		{"broadcast", prev.Broadcast, next.Broadcast},
		{"snapshot", prev.Snapshot, next.Snapshot},
		{"conversations", prev.Conversations, next.Conversations},
		{"logging", prev.Logging, next.Logging},
		{"metrics", prev.Metrics, next.Metrics},
	}

	var changed []string
	for _, s := range sections {
		if !sameSerialized(s.a, s.b) {
			changed = append(changed, s.name)
		}
	}
	return changed
}

func sameSerialized(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// Close stops the configuration watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
