package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Permission is a single access right on a share.
type Permission string

const (
	PermRead   Permission = "R"
	PermWrite  Permission = "W"
	PermDelete Permission = "D"
)

// Config is an immutable snapshot of the full server configuration.
// Consumers receive it from the Manager and must not mutate it.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Shares    []ShareConfig   `yaml:"shares" mapstructure:"shares"`
	Users     []UserConfig    `yaml:"users" mapstructure:"users"`
	Rules     []RuleConfig    `yaml:"rules" mapstructure:"rules"`
	Log       LogConfig       `yaml:"logging" mapstructure:"logging"`
	RateLimit RateLimitConfig `yaml:"rateLimit" mapstructure:"rateLimit"`
	IPFilter  IPFilterConfig  `yaml:"ipFilter" mapstructure:"ipFilter"`
	UI        UIConfig        `yaml:"ui" mapstructure:"ui"`
	DAV       DAVConfig       `yaml:"dav" mapstructure:"dav"`
	HotReload HotReloadConfig `yaml:"hotReload" mapstructure:"hotReload"`

	// CustomURLs comes from the server.json store, not the YAML file.
	CustomURLs []string `yaml:"-" mapstructure:"-"`
}

// ServerConfig holds bind settings.
type ServerConfig struct {
	Addr string    `yaml:"addr" mapstructure:"addr"`
	Port int       `yaml:"port" mapstructure:"port"`
	TLS  TLSConfig `yaml:"tls" mapstructure:"tls"`
}

// TLSConfig holds TLS termination settings for the HTTP runtime.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	CertFile string `yaml:"certfile" mapstructure:"certfile"`
	KeyFile  string `yaml:"keyfile" mapstructure:"keyfile"`
}

// ShareConfig is a named directory exposed on both API and WebDAV.
// QuotaBytes <= 0 means unlimited.
type ShareConfig struct {
	Name       string `yaml:"name" mapstructure:"name"`
	Path       string `yaml:"path" mapstructure:"path"`
	QuotaBytes int64  `yaml:"quotaBytes" mapstructure:"quotaBytes"`
}

// UserConfig is a principal. Dynamic marks users merged from the
// registration store rather than the YAML file.
type UserConfig struct {
	Name     string `yaml:"name" mapstructure:"name"`
	PassHash string `yaml:"pass" mapstructure:"pass"`
	IsBcrypt bool   `yaml:"pass_bcrypt" mapstructure:"pass_bcrypt"`
	Dynamic  bool   `yaml:"-" mapstructure:"-"`
}

// RuleConfig is a conjunctive policy atom.
type RuleConfig struct {
	Who     string       `yaml:"who" mapstructure:"who"`
	Allow   []Permission `yaml:"allow" mapstructure:"allow"`
	Roots   []string     `yaml:"roots" mapstructure:"roots"`
	Paths   []string     `yaml:"paths" mapstructure:"paths"`
	IPAllow []string     `yaml:"ip_allow" mapstructure:"ip_allow"`
	IPDeny  []string     `yaml:"ip_deny" mapstructure:"ip_deny"`
}

// LogConfig holds logging configuration with rotation support.
type LogConfig struct {
	JSON        bool   `yaml:"json" mapstructure:"json"`
	File        string `yaml:"file" mapstructure:"file"`
	Level       string `yaml:"level" mapstructure:"level"`
	MaxSizeMB   int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	BackupCount int    `yaml:"backup_count" mapstructure:"backup_count"`
}

// RateLimitConfig holds request admission settings.
type RateLimitConfig struct {
	RPS           float64 `yaml:"rps" mapstructure:"rps"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
	MaxConcurrent int     `yaml:"maxConcurrent" mapstructure:"maxConcurrent"`
}

// IPFilterConfig holds the global allow/deny lists.
type IPFilterConfig struct {
	Allow []string `yaml:"allow" mapstructure:"allow"`
	Deny  []string `yaml:"deny" mapstructure:"deny"`
}

// UIConfig holds presentation and upload settings consumed by the API.
type UIConfig struct {
	Brand               string `yaml:"brand" mapstructure:"brand"`
	Title               string `yaml:"title" mapstructure:"title"`
	MaxUploadSize       int64  `yaml:"maxUploadSize" mapstructure:"maxUploadSize"`
	RegistrationEnabled *bool  `yaml:"registrationEnabled" mapstructure:"registrationEnabled"`
}

// DAVConfig holds WebDAV mount settings.
type DAVConfig struct {
	Enabled     *bool  `yaml:"enabled" mapstructure:"enabled"`
	MountPath   string `yaml:"mountPath" mapstructure:"mountPath"`
	LockManager bool   `yaml:"lockManager" mapstructure:"lockManager"`
}

// HotReloadConfig controls the configuration file watcher.
type HotReloadConfig struct {
	Enabled     *bool `yaml:"enabled" mapstructure:"enabled"`
	WatchConfig *bool `yaml:"watchConfig" mapstructure:"watchConfig"`
	DebounceMs  int   `yaml:"debounceMs" mapstructure:"debounceMs"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	davEnabled := true
	reloadEnabled := true
	watchConfig := true
	registration := true

	return &Config{
		Server: ServerConfig{
			Addr: "0.0.0.0",
			Port: 8080,
		},
		Log: LogConfig{
			JSON:        true,
			Level:       "info",
			MaxSizeMB:   100,
			BackupCount: 5,
		},
		RateLimit: RateLimitConfig{
			RPS:           50,
			Burst:         100,
			MaxConcurrent: 32,
		},
		UI: UIConfig{
			Brand:               "chfs",
			Title:               "chfs File Server",
			MaxUploadSize:       104857600, // 100MB
			RegistrationEnabled: &registration,
		},
		DAV: DAVConfig{
			Enabled:     &davEnabled,
			MountPath:   "/webdav",
			LockManager: true,
		},
		HotReload: HotReloadConfig{
			Enabled:     &reloadEnabled,
			WatchConfig: &watchConfig,
			DebounceMs:  1000,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("tls certfile and keyfile are required when tls is enabled")
		}
	}

	seen := make(map[string]bool, len(c.Shares))
	for i, share := range c.Shares {
		if share.Name == "" {
			return fmt.Errorf("share %d: name cannot be empty", i)
		}
		if strings.ContainsAny(share.Name, "/\\ ") {
			return fmt.Errorf("share %q: name must be a URL-safe token", share.Name)
		}
		if share.Path == "" {
			return fmt.Errorf("share %q: path cannot be empty", share.Name)
		}
		if seen[share.Name] {
			return fmt.Errorf("share %q: duplicate name", share.Name)
		}
		seen[share.Name] = true
	}

	for i, user := range c.Users {
		if user.Name == "" {
			return fmt.Errorf("user %d: name cannot be empty", i)
		}
	}

	for i, rule := range c.Rules {
		if rule.Who == "" {
			return fmt.Errorf("rule %d: who cannot be empty", i)
		}
		for _, p := range rule.Allow {
			if p != PermRead && p != PermWrite && p != PermDelete {
				return fmt.Errorf("rule %d: invalid permission %q", i, p)
			}
		}
	}

	if c.RateLimit.RPS <= 0 {
		return fmt.Errorf("rateLimit rps must be greater than 0")
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rateLimit burst must be greater than 0")
	}
	if c.RateLimit.MaxConcurrent <= 0 {
		return fmt.Errorf("rateLimit maxConcurrent must be greater than 0")
	}

	if c.Log.Level != "" {
		switch strings.ToLower(c.Log.Level) {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("logging level must be one of: debug, info, warn, error")
		}
	}

	if c.DAV.MountPath != "" && !strings.HasPrefix(c.DAV.MountPath, "/") {
		return fmt.Errorf("dav mountPath must start with /")
	}

	if c.HotReload.DebounceMs < 0 {
		return fmt.Errorf("hotReload debounceMs must be non-negative")
	}

	return nil
}

// Normalize resolves share paths to absolute form.
func (c *Config) Normalize() error {
	for i := range c.Shares {
		abs, err := filepath.Abs(c.Shares[i].Path)
		if err != nil {
			return fmt.Errorf("share %q: cannot resolve path: %w", c.Shares[i].Name, err)
		}
		c.Shares[i].Path = abs
	}
	return nil
}

// DeepCopy returns a deep copy of the configuration.
func (c *Config) DeepCopy() *Config {
	if c == nil {
		return nil
	}

	copyCfg := *c

	copyCfg.Shares = append([]ShareConfig(nil), c.Shares...)
	copyCfg.Users = append([]UserConfig(nil), c.Users...)
	copyCfg.CustomURLs = append([]string(nil), c.CustomURLs...)

	if c.Rules != nil {
		copyCfg.Rules = make([]RuleConfig, len(c.Rules))
		for i, r := range c.Rules {
			rc := r
			rc.Allow = append([]Permission(nil), r.Allow...)
			rc.Roots = append([]string(nil), r.Roots...)
			rc.Paths = append([]string(nil), r.Paths...)
			rc.IPAllow = append([]string(nil), r.IPAllow...)
			rc.IPDeny = append([]string(nil), r.IPDeny...)
			copyCfg.Rules[i] = rc
		}
	}

	copyCfg.IPFilter.Allow = append([]string(nil), c.IPFilter.Allow...)
	copyCfg.IPFilter.Deny = append([]string(nil), c.IPFilter.Deny...)

	if c.UI.RegistrationEnabled != nil {
		v := *c.UI.RegistrationEnabled
		copyCfg.UI.RegistrationEnabled = &v
	}
	if c.DAV.Enabled != nil {
		v := *c.DAV.Enabled
		copyCfg.DAV.Enabled = &v
	}
	if c.HotReload.Enabled != nil {
		v := *c.HotReload.Enabled
		copyCfg.HotReload.Enabled = &v
	}
	if c.HotReload.WatchConfig != nil {
		v := *c.HotReload.WatchConfig
		copyCfg.HotReload.WatchConfig = &v
	}

	return &copyCfg
}

// GetShare returns the share with the given name, or nil.
func (c *Config) GetShare(name string) *ShareConfig {
	for i := range c.Shares {
		if c.Shares[i].Name == name {
			return &c.Shares[i]
		}
	}
	return nil
}

// GetUser returns the user with the given name, or nil.
func (c *Config) GetUser(name string) *UserConfig {
	for i := range c.Users {
		if c.Users[i].Name == name {
			return &c.Users[i]
		}
	}
	return nil
}

// ShareNames returns the configured share names in order.
func (c *Config) ShareNames() []string {
	names := make([]string, len(c.Shares))
	for i, s := range c.Shares {
		names[i] = s.Name
	}
	return names
}

// RegistrationEnabled reports whether the register endpoint is active.
func (c *Config) RegistrationEnabled() bool {
	return c.UI.RegistrationEnabled == nil || *c.UI.RegistrationEnabled
}

// DAVEnabled reports whether the WebDAV surface is mounted.
func (c *Config) DAVEnabled() bool {
	return c.DAV.Enabled == nil || *c.DAV.Enabled
}

// HotReloadEnabled reports whether the config watcher should run.
func (c *Config) HotReloadEnabled() bool {
	if c.HotReload.Enabled != nil && !*c.HotReload.Enabled {
		return false
	}
	return c.HotReload.WatchConfig == nil || *c.HotReload.WatchConfig
}
