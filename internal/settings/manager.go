package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
	"go.uber.org/zap"

	"localagent/internal/events"
)

// Manager 持有当前设置；每次修改先校验、再原子写盘、最后通知订阅者。
// Manager holds the current settings. Every mutation is validated, then
// written atomically, then announced to subscribers.
type Manager struct {
	path   string
	logger *zap.Logger
	bus    *events.Bus

	mu        sync.RWMutex
	current   Settings
	lastWrite []byte

	subMu  sync.Mutex
	nextID int
	subs   map[int]chan Settings
}

// Open loads settings from path, writing defaults when the file does not
// exist. A file that fails to parse or validate is left untouched and
// defaults are used.
func Open(path string, logger *zap.Logger, bus *events.Bus) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		path:    path,
		logger:  logger,
		bus:     bus,
		current: Default(),
		subs:    make(map[int]chan Settings),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := m.persist(m.current); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read settings %q: %w", path, err)
	default:
		s, perr := decode(data)
		if perr != nil {
			logger.Warn("settings file ignored, using defaults", zap.String("path", path), zap.Error(perr))
		} else {
			m.current = s
			m.lastWrite = data
		}
	}
	return m, nil
}

// decode accepts hand-edited files with comments and trailing commas.
func decode(data []byte) (Settings, error) {
	cleaned, err := hujson.Standardize(bytes.Clone(data))
	if err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	s := Default()
	if err := json.Unmarshal(cleaned, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	if err := Validate(s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) Get() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) Limits() ResourceLimits {
	return m.Get().ResourceLimits
}

// Update applies p. On validation or write failure the current settings
// are unchanged.
func (m *Manager) Update(p Patch) (Settings, error) {
	return m.mutate(func(s Settings) Settings { return p.Apply(s) })
}

func (m *Manager) SetLimits(l ResourceLimits) (Settings, error) {
	return m.mutate(func(s Settings) Settings {
		s.ResourceLimits = l
		return s
	})
}

func (m *Manager) Reset() (Settings, error) {
	return m.mutate(func(Settings) Settings { return Default() })
}

func (m *Manager) mutate(fn func(Settings) Settings) (Settings, error) {
	m.mu.Lock()
	next := fn(m.current)
	if err := Validate(next); err != nil {
		m.mu.Unlock()
		return Settings{}, err
	}
	if err := m.persist(next); err != nil {
		m.mu.Unlock()
		return Settings{}, err
	}
	m.current = next
	m.mu.Unlock()

	m.notify(next)
	return next, nil
}

// persist must be called with m.mu held or before m is shared.
func (m *Manager) persist(s Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("mkdir settings dir: %w", err)
	}
	if err := atomic.WriteFile(m.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	m.lastWrite = data
	return nil
}

// Subscribe returns a channel receiving every new Settings value. The
// channel keeps only the latest pending value.
func (m *Manager) Subscribe() (<-chan Settings, func()) {
	ch := make(chan Settings, 1)
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

func (m *Manager) notify(s Settings) {
	m.subMu.Lock()
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
	m.subMu.Unlock()
	m.bus.Publish(events.KindSettings, s)
}

// Reload re-reads the settings file. Content identical to the last write
// is ignored; invalid content is logged and ignored.
func (m *Manager) Reload() (bool, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return false, fmt.Errorf("read settings: %w", err)
	}
	m.mu.Lock()
	if bytes.Equal(data, m.lastWrite) {
		m.mu.Unlock()
		return false, nil
	}
	s, err := decode(data)
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("external settings edit rejected", zap.Error(err))
		return false, err
	}
	m.current = s
	m.lastWrite = data
	m.mu.Unlock()

	m.logger.Info("settings reloaded from disk", zap.String("path", m.path))
	m.notify(s)
	return true, nil
}

// Watch reloads the file whenever it changes on disk until ctx is done.
// The directory is watched so atomic renames are observed.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("watch settings dir: %w", err)
	}

	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time
	target := filepath.Clean(m.path)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("settings watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			if _, err := m.Reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
				m.logger.Debug("settings reload skipped", zap.Error(err))
			}
		}
	}
}
