package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/templatesync/internal/version"
)

const (
	// FileName is the configuration file looked up in the consumer directory.
	FileName = ".templatesync.yaml"

	DefaultRemote      = "origin"
	DefaultRegistryURL = "https://registry.npmjs.org"
	DefaultTimeout     = 10 * time.Second
)

// Config represents the complete templatesync configuration
type Config struct {
	Template   TemplateConfig `yaml:"template"`
	Sync       SyncConfig     `yaml:"sync"`
	Registry   RegistryConfig `yaml:"registry"`
	Paths      PathsConfig    `yaml:"paths"`
	Parameters map[string]any `yaml:"parameters"`
	Auth       AuthConfig     `yaml:"auth"`

	// Cwd is the consumer repository. It is set by the caller, not read
	// from the file.
	Cwd string `yaml:"-"`
}

// TemplateConfig identifies the upstream template
type TemplateConfig struct {
	Name        string `yaml:"name"`
	BaseVersion string `yaml:"base_version"`
	Range       string `yaml:"range"`
	SourceDir   string `yaml:"source_dir"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Enabled        *bool  `yaml:"enabled"`
	Remote         string `yaml:"remote"`
	RemoteURL      string `yaml:"remote_url"`
	AnalyzePattern string `yaml:"analyze_pattern"`
	IgnorePattern  string `yaml:"ignore_pattern"`
}

// RegistryConfig configures the package registry
type RegistryConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	SnapshotDir string `yaml:"snapshot_dir"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Discover loads explicit when set, else <cwd>/.templatesync.yaml when it
// exists, else the syncConfig section of <cwd>/package.json. The returned
// config has Cwd set.
func Discover(cwd, explicit string) (*Config, string, error) {
	var (
		cfg    *Config
		source string
		err    error
	)
	switch {
	case explicit != "":
		source = explicit
		cfg, err = Load(explicit)
	case fileExists(filepath.Join(cwd, FileName)):
		source = filepath.Join(cwd, FileName)
		cfg, err = Load(source)
	default:
		source = filepath.Join(cwd, packageJSONName)
		cfg, err = LoadPackageJSON(cwd)
	}
	if err != nil {
		return nil, source, err
	}
	cfg.Cwd = cwd
	return cfg, source, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// finish runs the shared post-parse pipeline.
func (c *Config) finish() error {
	c.expandEnv()
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Template.Name = os.ExpandEnv(c.Template.Name)
	c.Template.BaseVersion = os.ExpandEnv(c.Template.BaseVersion)
	c.Template.SourceDir = os.ExpandEnv(c.Template.SourceDir)
	c.Sync.RemoteURL = os.ExpandEnv(c.Sync.RemoteURL)
	c.Registry.URL = os.ExpandEnv(c.Registry.URL)
	c.Paths.SnapshotDir = os.ExpandEnv(c.Paths.SnapshotDir)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Sync.Enabled == nil {
		enabled := true
		c.Sync.Enabled = &enabled
	}
	if c.Sync.Remote == "" {
		c.Sync.Remote = DefaultRemote
	}
	if c.Template.Range == "" {
		c.Template.Range = version.DefaultRange(c.Template.BaseVersion)
	}
	if c.Registry.URL == "" {
		c.Registry.URL = DefaultRegistryURL
	}
	if c.Registry.Timeout == 0 {
		c.Registry.Timeout = DefaultTimeout
	}
	if c.Paths.SnapshotDir == "" {
		c.Paths.SnapshotDir = defaultSnapshotDir()
	}
}

func defaultSnapshotDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "templatesync")
	}
	return filepath.Join(os.TempDir(), "templatesync")
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Template.Name == "" {
		return fmt.Errorf("template.name is required")
	}
	if c.Template.BaseVersion == "" {
		return fmt.Errorf("template.base_version is required")
	}
	if _, ok := version.Valid(c.Template.BaseVersion); !ok {
		return fmt.Errorf("template.base_version is not a valid version: %s", c.Template.BaseVersion)
	}
	if err := version.ValidateRange(c.Template.Range); err != nil {
		return fmt.Errorf("template.range: %w", err)
	}
	if c.Template.SourceDir == "" {
		return fmt.Errorf("template.source_dir is required")
	}
	if !filepath.IsAbs(c.Template.SourceDir) {
		return fmt.Errorf("template.source_dir must be an absolute path: %s", c.Template.SourceDir)
	}
	if !filepath.IsAbs(c.Paths.SnapshotDir) {
		return fmt.Errorf("paths.snapshot_dir must be an absolute path: %s", c.Paths.SnapshotDir)
	}

	for name, pattern := range map[string]string{
		"sync.analyze_pattern": c.Sync.AnalyzePattern,
		"sync.ignore_pattern":  c.Sync.IgnorePattern,
	} {
		if pattern == "" {
			continue
		}
		if _, err := glob.Compile(pattern, '/'); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, pattern, err)
		}
	}

	u, err := url.Parse(c.Registry.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("registry.url must be an http(s) URL: %s", c.Registry.URL)
	}
	if c.Registry.Timeout < 0 {
		return fmt.Errorf("registry.timeout must not be negative")
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	// Validate auth: when auth and a remote URL are configured, the scheme must match
	if c.Sync.RemoteURL != "" {
		if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
			return fmt.Errorf("auth.ssh_key_file is set but sync.remote_url does not use an SSH scheme (git@ or ssh://)")
		}
		if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
			return fmt.Errorf("auth.https_token_file is set but sync.remote_url does not use HTTPS scheme")
		}
	}

	return nil
}

// SyncEnabled reports whether syncing is switched on for this consumer.
func (c *Config) SyncEnabled() bool {
	return c.Sync.Enabled != nil && *c.Sync.Enabled
}

// PushTarget returns where the staging branch is pushed: the configured
// remote URL, or the remote name when no URL is set.
func (c *Config) PushTarget() string {
	if c.Sync.RemoteURL != "" {
		return c.Sync.RemoteURL
	}
	return c.Sync.Remote
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the remote URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Sync.RemoteURL, "https://")
}

// IsSSH returns true if the remote URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Sync.RemoteURL, "git@") || strings.HasPrefix(c.Sync.RemoteURL, "ssh://")
}
