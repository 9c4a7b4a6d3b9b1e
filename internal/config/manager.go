package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chfs-io/chfs/internal/store"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ChangeCallback is invoked when the active configuration is swapped.
type ChangeCallback func(oldConfig, newConfig *Config)

// Getter returns the current configuration snapshot.
type Getter func() *Config

// Manager owns the current configuration snapshot. It loads the YAML
// file, merges the dynamic JSON stores on top, and republishes an
// immutable snapshot on every change. All writers of dynamic state go
// through the manager, never the reverse.
type Manager struct {
	current    *Config
	base       *Config // YAML-only snapshot, before store merges
	configFile string
	users      *store.UserStore
	shares     *store.ShareStore
	server     *store.ServerStore
	mutex      sync.RWMutex
	callbacks  []ChangeCallback
}

// NewManager creates a manager for the given config file. Dynamic JSON
// stores live under dataDir.
func NewManager(configFile, dataDir string) *Manager {
	return &Manager{
		configFile: configFile,
		users:      store.NewUserStore(filepath.Join(dataDir, "users.json")),
		shares:     store.NewShareStore(filepath.Join(dataDir, "shares.json")),
		server:     store.NewServerStore(filepath.Join(dataDir, "server.json")),
	}
}

// Load parses the YAML file, merges the dynamic stores, and publishes
// the result as the current snapshot.
func (m *Manager) Load() (*Config, error) {
	base, err := loadFile(m.configFile)
	if err != nil {
		return nil, err
	}

	merged := m.merge(base)

	m.mutex.Lock()
	m.base = base
	m.current = merged
	m.mutex.Unlock()

	return merged, nil
}

// Reload re-reads the YAML file and republishes. On failure the
// previous snapshot stays active and the error is returned.
func (m *Manager) Reload() error {
	base, err := loadFile(m.configFile)
	if err != nil {
		return err
	}

	m.publish(base)
	return nil
}

// publish swaps in a new snapshot built from base plus the dynamic
// stores, then notifies callbacks outside the lock.
func (m *Manager) publish(base *Config) {
	merged := m.merge(base)

	m.mutex.Lock()
	var oldConfig *Config
	if m.current != nil {
		oldConfig = m.current.DeepCopy()
	}
	m.base = base
	m.current = merged
	callbacks := make([]ChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mutex.Unlock()

	for _, callback := range callbacks {
		callback(oldConfig, merged)
	}
}

// republish rebuilds the snapshot from the retained YAML base, picking
// up store changes without re-reading the file.
func (m *Manager) republish() {
	m.mutex.RLock()
	base := m.base
	m.mutex.RUnlock()
	if base == nil {
		return
	}
	m.publish(base)
}

// merge layers dynamic users, quota overrides, and custom URLs on top
// of a YAML-only base config.
func (m *Manager) merge(base *Config) *Config {
	cfg := base.DeepCopy()

	for _, rec := range m.users.Load() {
		cfg.Users = append(cfg.Users, UserConfig{
			Name:     rec.Name,
			PassHash: rec.PassHash,
			IsBcrypt: rec.IsBcrypt,
			Dynamic:  true,
		})
		for _, rule := range rec.Rules {
			allow := make([]Permission, len(rule.Allow))
			for i, p := range rule.Allow {
				allow[i] = Permission(p)
			}
			cfg.Rules = append(cfg.Rules, RuleConfig{
				Who:     rec.Name,
				Allow:   allow,
				Roots:   rule.Roots,
				Paths:   rule.Paths,
				IPAllow: rule.IPAllow,
				IPDeny:  rule.IPDeny,
			})
		}
	}

	overrides := m.shares.Load()
	for i := range cfg.Shares {
		if ov, ok := overrides[cfg.Shares[i].Name]; ok {
			cfg.Shares[i].QuotaBytes = ov.QuotaBytes
		}
	}

	cfg.CustomURLs = m.server.CustomURLs()

	return cfg
}

// GetConfig returns the current configuration snapshot (thread-safe).
func (m *Manager) GetConfig() *Config {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.current
}

// GetConfigGetter returns a function that provides the current snapshot.
func (m *Manager) GetConfigGetter() Getter {
	return m.GetConfig
}

// OnConfigChange registers a callback invoked after each snapshot swap.
func (m *Manager) OnConfigChange(callback ChangeCallback) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// RegisterUser persists a dynamic user with the default rule (full
// access to every configured share) and republishes. Returns the roots
// granted.
func (m *Manager) RegisterUser(name, passHash string) ([]string, error) {
	cfg := m.GetConfig()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	if cfg.GetUser(name) != nil {
		return nil, ErrUserExists
	}

	roots := cfg.ShareNames()
	rec := store.UserRecord{
		Name:     name,
		PassHash: passHash,
		IsBcrypt: true,
		Rules: []store.RuleRecord{
			{
				Allow:   []string{string(PermRead), string(PermWrite), string(PermDelete)},
				Roots:   roots,
				Paths:   []string{"/"},
				IPAllow: []string{"*"},
			},
		},
	}
	if err := m.users.Add(rec); err != nil {
		return nil, ErrUserExists
	}

	m.republish()
	return roots, nil
}

// ErrUserExists is returned when registering a name already in use.
var ErrUserExists = fmt.Errorf("username already exists")

// RemoveDynamicUser deletes a registered user and their synthesized
// rules, then republishes. Static YAML users cannot be removed.
func (m *Manager) RemoveDynamicUser(name string) (bool, error) {
	removed, err := m.users.Remove(name)
	if err != nil {
		return false, err
	}
	if removed {
		m.republish()
	}
	return removed, nil
}

// DynamicUsers returns the names of registered dynamic users.
func (m *Manager) DynamicUsers() []string {
	recs := m.users.Load()
	names := make([]string, len(recs))
	for i, rec := range recs {
		names[i] = rec.Name
	}
	return names
}

// SetShareQuota persists a quota override for a share and republishes.
// quotaBytes <= 0 clears the override.
func (m *Manager) SetShareQuota(name string, quotaBytes int64) error {
	cfg := m.GetConfig()
	if cfg == nil || cfg.GetShare(name) == nil {
		return fmt.Errorf("share %q not found", name)
	}
	if err := m.shares.SetQuota(name, quotaBytes); err != nil {
		return err
	}
	m.republish()
	return nil
}

// SetCustomURLs persists the custom URL list and republishes.
func (m *Manager) SetCustomURLs(urls []string) error {
	if err := m.server.SetCustomURLs(urls); err != nil {
		return err
	}
	m.republish()
	return nil
}

// ConfigFile returns the path of the watched YAML file.
func (m *Manager) ConfigFile() string {
	return m.configFile
}

// loadFile reads and validates the YAML config, merged over defaults.
func loadFile(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	config := DefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if err := config.Normalize(); err != nil {
		return nil, err
	}

	return config, nil
}

// SaveToFile writes a configuration to a YAML file.
func SaveToFile(config *Config, filename string) error {
	if filename == "" {
		return fmt.Errorf("no config file path provided")
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
