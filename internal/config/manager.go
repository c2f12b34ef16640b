package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"time"

	logx "accountpilot/pkg/logx"
)

const validateTimeout = 5 * time.Second

// Manager holds the committed config and republishes it when the file
// changes. Get is safe for concurrent use.
type Manager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cfg      *Config
	sum      uint64
	validate func(ctx context.Context, cfg *Config) error

	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: map[chan *Config]struct{}{}}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator installs a check a reloaded config must pass before it is
// committed. The initial Load does not call it.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.validate = fn
	m.mu.Unlock()
}

// Parse reads, decodes and validates the file without committing it.
// YAML files are converted to JSON first so both share the strict decoder.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	doc, err := toJSON(m.path, raw)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("invalid config: trailing data")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	sum := checksum(cfg)
	m.mu.Lock()
	m.cfg, m.sum = cfg, sum
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file. It reports whether a new config was committed
// and published; identical content is skipped.
func (m *Manager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	sum := checksum(cfg)

	m.mu.RLock()
	same := sum != 0 && sum == m.sum
	check := m.validate
	m.mu.RUnlock()
	if same {
		return false, nil
	}

	if check != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := check(vctx, cfg)
		cancel()
		if err != nil {
			return false, fmt.Errorf("config rejected: %w", err)
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	return true, nil
}

// Subscribe returns a channel of committed configs. A slow subscriber loses
// older configs, never the latest one. cancel closes the channel.
func (m *Manager) Subscribe(buffer int) (<-chan *Config, func()) {
	ch := make(chan *Config, max(buffer, 1))
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			delete(m.subs, ch)
			close(ch)
		})
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		for delivered := false; !delivered; {
			select {
			case ch <- cfg:
				delivered = true
			default:
				// full: make room by dropping the oldest pending config
				select {
				case <-ch:
				default:
				}
			}
		}
	}
}

// checksum identifies a config by content. 0 means unknown.
func checksum(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
