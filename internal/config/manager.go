package config

import (
	"context"
	"errors"
	"os"
	"sync"

	logx "telly/pkg/logx"
)

// Validator vets a parsed config before it is committed by Watch.
type Validator func(ctx context.Context, cfg *Config) error

// Manager holds the current config and fans reloads out to subscribers.
type Manager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cfg      *Config
	sum      uint64
	validate Validator

	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: map[chan *Config]struct{}{}}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

func (m *Manager) SetValidator(fn Validator) {
	m.mu.Lock()
	m.validate = fn
	m.mu.Unlock()
}

func (m *Manager) Path() string { return m.path }

// Load reads and commits the file.
func (m *Manager) Load() (*Config, error) {
	cfg, err := ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file commits Default().
func (m *Manager) LoadOrDefault() (*Config, error) {
	cfg, err := m.Load()
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		m.Commit(cfg)
		return cfg, nil
	}
	return cfg, err
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg, m.sum = cfg, fingerprint(cfg)
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives every committed reload. A
// subscriber that falls behind loses older configs, never the newest.
func (m *Manager) Subscribe(buffer int) chan *Config {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		// Full: drop the oldest pending config to make room.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
		}
	}
}

// reload parses the file and, if it changed and passes validation, commits
// and publishes it. It reports whether subscribers were notified.
func (m *Manager) reload(ctx context.Context) bool {
	cfg, err := ReadFile(m.path)
	if err != nil {
		m.log.Warn("config reload skipped: parse failed", logx.String("path", m.path), logx.Err(err))
		return false
	}

	m.mu.RLock()
	same := m.sum != 0 && m.sum == fingerprint(cfg)
	validate := m.validate
	m.mu.RUnlock()
	if same {
		m.log.Debug("config file touched without changes", logx.String("path", m.path))
		return false
	}

	if validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := validate(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config reload rejected; keeping current config", logx.String("path", m.path), logx.Err(err))
			return false
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path))
	return true
}
