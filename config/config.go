// Package config holds Tether's persisted settings: the backend binary,
// path allowances, disallowed tools, and the permanent permission rules
// accumulated by "always allow" approvals.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tetherhq/tether-core/paths"
)

// Config holds the application configuration
type Config struct {
	BinaryPath      string   `yaml:"binary_path,omitempty"`      // Path to the agent CLI binary (default "claude" on PATH)
	DefaultModel    string   `yaml:"default_model,omitempty"`    // Model requested when the host doesn't specify one
	AllowedPaths    []string `yaml:"allowed_paths,omitempty"`    // Extra directories the agent may touch beyond the working dir
	DisallowedTools []string `yaml:"disallowed_tools,omitempty"` // Tool names the backend must never offer
	PermissionRules []string `yaml:"permission_rules,omitempty"` // Permanent allow rules ("Bash(git *)", "Read(/notes)", ...)
	Debug           bool     `yaml:"debug,omitempty"`            // Enables debug-level logging

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from disk, or creates a new one if it doesn't exist
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from an explicit path. Used by tests and by
// hosts that manage their own config location.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{
		AllowedPaths:    []string{},
		DisallowedTools: []string{},
		PermissionRules: []string{},
		filePath:        path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.ensureInitialized()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ensureInitialized ensures all slices are initialized (not nil) after
// unmarshaling. Not thread-safe; only called from LoadFrom before the
// Config is shared across goroutines.
func (c *Config) ensureInitialized() {
	if c.AllowedPaths == nil {
		c.AllowedPaths = []string{}
	}
	if c.DisallowedTools == nil {
		c.DisallowedTools = []string{}
	}
	if c.PermissionRules == nil {
		c.PermissionRules = []string{}
	}
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, p := range c.AllowedPaths {
		if p == "" {
			return fmt.Errorf("empty allowed path found")
		}
	}
	for _, r := range c.PermissionRules {
		if r == "" {
			return fmt.Errorf("empty permission rule found")
		}
	}
	return nil
}

// Save writes the config to disk atomically: the full document is written
// to a temp file in the same directory, then renamed over the target.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

// saveLocked writes the config to disk. Caller must hold mu.
func (c *Config) saveLocked() error {
	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, c.filePath)
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// GetBinaryPath returns the agent CLI binary path, defaulting to "claude"
func (c *Config) GetBinaryPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.BinaryPath == "" {
		return "claude"
	}
	return c.BinaryPath
}

// SetBinaryPath sets the agent CLI binary path
func (c *Config) SetBinaryPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BinaryPath = path
}

// GetDefaultModel returns the default model name, or empty for backend default
func (c *Config) GetDefaultModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DefaultModel
}

// SetDefaultModel sets the default model name
func (c *Config) SetDefaultModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DefaultModel = model
}

// GetAllowedPaths returns a copy of the extra allowed directories
func (c *Config) GetAllowedPaths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.AllowedPaths))
	copy(out, c.AllowedPaths)
	return out
}

// AddAllowedPath adds a directory to the allowed list if not already present.
// The path is resolved to an absolute path before storing.
func (c *Config) AddAllowedPath(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	for _, p := range c.AllowedPaths {
		if p == absPath {
			return false
		}
	}
	c.AllowedPaths = append(c.AllowedPaths, absPath)
	return true
}

// RemoveAllowedPath removes a directory from the allowed list.
// Returns true if the path was found and removed.
func (c *Config) RemoveAllowedPath(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, p := range c.AllowedPaths {
		if p == path {
			c.AllowedPaths = append(c.AllowedPaths[:i], c.AllowedPaths[i+1:]...)
			return true
		}
	}
	return false
}

// GetDisallowedTools returns a copy of the disallowed tool names
func (c *Config) GetDisallowedTools() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.DisallowedTools))
	copy(out, c.DisallowedTools)
	return out
}

// SetDisallowedTools replaces the disallowed tool list
func (c *Config) SetDisallowedTools(tools []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DisallowedTools = make([]string, len(tools))
	copy(c.DisallowedTools, tools)
}

// GetPermissionRules returns a copy of the permanent allow rules
func (c *Config) GetPermissionRules() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.PermissionRules))
	copy(out, c.PermissionRules)
	return out
}

// AppendPermissionRule adds a permanent allow rule and persists the config
// in one step. Duplicate rules are ignored (still a success). Safe to call
// from approval callbacks on any goroutine.
func (c *Config) AppendPermissionRule(rule string) error {
	if rule == "" {
		return fmt.Errorf("permission rule must not be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.PermissionRules {
		if r == rule {
			return nil
		}
	}
	c.PermissionRules = append(c.PermissionRules, rule)

	return c.saveLocked()
}

// GetDebug returns whether debug logging is enabled
func (c *Config) GetDebug() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Debug
}

// SetDebug sets whether debug logging is enabled
func (c *Config) SetDebug(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Debug = enabled
}
