package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	logx "deadman/pkg/logx"
)

// ConfigManager holds the committed config for one file and hands
// validated reloads to subscribers.
type ConfigManager struct {
	path   string
	lookup func(string) (string, bool)
	log    logx.Logger

	// check runs after Validate on reloads; see SetValidator.
	check func(ctx context.Context, cfg *Config) error

	cur  atomic.Pointer[Config]
	sum  atomic.Uint64
	subs struct {
		sync.Mutex
		list []chan *Config
	}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, lookup: os.LookupEnv}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetLookup replaces os.LookupEnv for environment overrides.
func (m *ConfigManager) SetLookup(fn func(string) (string, bool)) {
	if fn == nil {
		fn = os.LookupEnv
	}
	m.lookup = fn
}

// SetValidator adds a check a reloaded config must pass before it is
// committed. Load does not run it.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.check = fn
}

// DotEnvCandidates lists the .env files for a config path: the working
// directory first, then the config's own directory.
func DotEnvCandidates(cfgPath string) []string {
	files := []string{".env"}
	if dir := filepath.Dir(cfgPath); dir != "" && dir != "." {
		files = append(files, filepath.Join(dir, ".env"))
	}
	return files
}

// Parse reads and decodes the file and applies environment overrides
// without validating.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	if err := ApplyEnv(cfg, m.lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is Parse plus Validate. The result becomes the current config.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", m.path, err)
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.cur.Store(cfg)
	m.sum.Store(fingerprint(cfg))
}

func (m *ConfigManager) Get() *Config { return m.cur.Load() }

// Subscribe returns a channel that receives each committed reload. A slow
// reader only ever misses intermediate configs, never the newest one.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subs.Lock()
	m.subs.list = append(m.subs.list, ch)
	m.subs.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subs.Lock()
	defer m.subs.Unlock()
	for i, c := range m.subs.list {
		if c != ch {
			continue
		}
		m.subs.list = append(m.subs.list[:i], m.subs.list[i+1:]...)
		close(ch)
		return
	}
}

func (m *ConfigManager) broadcast(cfg *Config) {
	m.subs.Lock()
	defer m.subs.Unlock()
	for _, ch := range m.subs.list {
		select {
		case ch <- cfg:
			continue
		default:
		}
		// Full: replace the oldest pending config. Only broadcast sends,
		// and it holds the lock, so the freed slot stays free.
		select {
		case <-ch:
		default:
		}
		ch <- cfg
	}
}

// reload re-reads the file and commits it if it changed and passes both
// Validate and the optional validator.
func (m *ConfigManager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))

	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return
	}
	sum := fingerprint(cfg)
	if sum != 0 && sum == m.sum.Load() {
		log.Debug("config unchanged")
		return
	}

	err = cfg.Validate()
	if err == nil && m.check != nil {
		vctx, cancel := context.WithTimeout(ctx, reloadCheckTimeout)
		err = m.check(vctx, cfg)
		cancel()
	}
	if err != nil {
		log.Warn("config rejected", logx.Err(err))
		return
	}

	m.Commit(cfg)
	m.broadcast(cfg)
	log.Debug("config published", logx.String("sum", fmt.Sprintf("%016x", sum)))
}
