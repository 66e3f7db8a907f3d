// Package config loads tasksync settings.
//
// Values come from, in increasing precedence: built-in defaults, an
// optional YAML config file, and the environment. The environment names
// used by earlier deployments (VIKUNJA_URL, CALDAV_USER, ...) are honoured
// alongside TASKSYNC_* for everything else. Secrets are never stored in
// the config itself; the config names files that hold them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

// Backend names.
const (
	BackendVikunja = "vikunja"
	BackendCalDAV  = "caldav"
)

// EnvPrefix prefixes every setting's environment variable.
const EnvPrefix = "TASKSYNC"

// Config is the complete tasksync configuration.
type Config struct {
	// Backend selects the remote store: "vikunja" or "caldav".
	Backend string `mapstructure:"backend" yaml:"backend"`

	// StateDir holds the index, queue, locks, breaker state, and journal.
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`

	// DefaultProject is the local project assumed for records without one.
	DefaultProject string `mapstructure:"default_project" yaml:"default_project"`

	// ScopesFile is an optional TOML file pairing local projects with
	// remote project titles.
	ScopesFile string `mapstructure:"scopes_file" yaml:"scopes_file"`

	Debug bool `mapstructure:"debug" yaml:"debug"`

	Vikunja     VikunjaConfig     `mapstructure:"vikunja" yaml:"vikunja"`
	CalDAV      CalDAVConfig      `mapstructure:"caldav" yaml:"caldav"`
	HTTP        HTTPConfig        `mapstructure:"http" yaml:"http"`
	Breaker     BreakerConfig     `mapstructure:"breaker" yaml:"breaker"`
	Daemon      DaemonConfig      `mapstructure:"daemon" yaml:"daemon"`
	Webhook     WebhookConfig     `mapstructure:"webhook" yaml:"webhook"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Taskwarrior TaskwarriorConfig `mapstructure:"taskwarrior" yaml:"taskwarrior"`
	Journal     JournalConfig     `mapstructure:"journal" yaml:"journal"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" yaml:"file,omitempty"`
}

// VikunjaConfig configures the Vikunja REST backend.
type VikunjaConfig struct {
	URL       string `mapstructure:"url" yaml:"url"`
	TokenFile string `mapstructure:"token_file" yaml:"token_file"`
}

// CalDAVConfig configures the CalDAV backend.
type CalDAVConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	User     string `mapstructure:"user" yaml:"user"`
	PassFile string `mapstructure:"pass_file" yaml:"pass_file"`
	Calendar string `mapstructure:"calendar" yaml:"calendar"`
}

// HTTPConfig bounds remote requests.
type HTTPConfig struct {
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold" yaml:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// DaemonConfig configures `tasksync serve`.
type DaemonConfig struct {
	Listen        string        `mapstructure:"listen" yaml:"listen"`
	DrainInterval time.Duration `mapstructure:"drain_interval" yaml:"drain_interval"`
	Debounce      time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// WebhookConfig configures webhook verification.
type WebhookConfig struct {
	// SecretFile, if set, enables HMAC signature checks.
	SecretFile string `mapstructure:"secret_file" yaml:"secret_file"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// TaskwarriorConfig configures the task CLI wrapper.
type TaskwarriorConfig struct {
	Binary   string        `mapstructure:"binary" yaml:"binary"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	TaskData string        `mapstructure:"taskdata" yaml:"taskdata,omitempty"`
}

// JournalConfig configures the sync journal.
type JournalConfig struct {
	// Retention is how long journal rows are kept. Zero keeps everything.
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

// legacyEnv maps keys to the environment names of earlier deployments.
// They take precedence over the TASKSYNC_* form.
var legacyEnv = map[string][]string{
	"vikunja.url":        {"VIKUNJA_URL"},
	"vikunja.token_file": {"VIKUNJA_API_TOKEN_FILE"},
	"caldav.url":         {"CALDAV_URL"},
	"caldav.user":        {"CALDAV_USER", "VIKUNJA_USER"},
	"caldav.pass_file":   {"CALDAV_PASS_FILE", "VIKUNJA_CALDAV_PASS_FILE"},
	"caldav.calendar":    {"CALDAV_CALENDAR"},
	"default_project":    {"VIKUNJA_DEFAULT_PROJECT"},
	"debug":              {"VIKUNJA_DEBUG"},
}

// setDefaults registers every key, which also makes AutomaticEnv see it
// during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendVikunja)
	v.SetDefault("state_dir", defaultStateDir())
	v.SetDefault("default_project", "inbox")
	v.SetDefault("scopes_file", "")
	v.SetDefault("debug", false)

	v.SetDefault("vikunja.url", "")
	v.SetDefault("vikunja.token_file", "")
	v.SetDefault("caldav.url", "")
	v.SetDefault("caldav.user", "")
	v.SetDefault("caldav.pass_file", "")
	v.SetDefault("caldav.calendar", "")

	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_base", time.Second)

	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.cooldown", 60*time.Second)

	v.SetDefault("daemon.listen", ":8088")
	v.SetDefault("daemon.drain_interval", 5*time.Minute)
	v.SetDefault("daemon.debounce", 500*time.Millisecond)

	v.SetDefault("webhook.secret_file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("taskwarrior.binary", "task")
	v.SetDefault("taskwarrior.timeout", 30*time.Second)
	v.SetDefault("taskwarrior.taskdata", "")

	v.SetDefault("journal.retention", 30*24*time.Hour)
}

// Default returns the configuration with nothing but defaults applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Defaults always decode.
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load reads the configuration. path names an explicit config file; when
// empty, $XDG_CONFIG_HOME/tasksync/config.yaml is used if it exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key}, append(names, prefixed)...)...); err != nil {
			return nil, syncerr.Wrap(syncerr.KindConfig, "config", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(configHome(), "tasksync"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, syncerr.Wrap(syncerr.KindConfig, "config", fmt.Errorf("failed to read config file: %w", err))
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, syncerr.Wrap(syncerr.KindConfig, "config", fmt.Errorf("failed to decode config: %w", err))
	}
	cfg.File = v.ConfigFileUsed()
	if cfg.Debug {
		cfg.Log.Level = "debug"
	}
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that do not need secrets. Missing credentials
// are reported when the backend is built, so diagnose can still run.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendVikunja, BackendCalDAV:
	default:
		return syncerr.Errorf(syncerr.KindConfig, "config", "unknown backend %q (want %s or %s)",
			c.Backend, BackendVikunja, BackendCalDAV)
	}
	if c.StateDir == "" {
		return syncerr.New(syncerr.KindConfig, "config", "state_dir is empty")
	}
	if c.HTTP.MaxRetries < 1 {
		return syncerr.Errorf(syncerr.KindConfig, "config", "http.max_retries must be at least 1, got %d", c.HTTP.MaxRetries)
	}
	if c.Breaker.Threshold < 1 {
		return syncerr.Errorf(syncerr.KindConfig, "config", "breaker.threshold must be at least 1, got %d", c.Breaker.Threshold)
	}
	return nil
}

// StatePath returns name inside the state directory.
func (c *Config) StatePath(name string) string {
	return filepath.Join(c.StateDir, name)
}

// VikunjaToken reads the API token file.
func (c *Config) VikunjaToken() (string, error) {
	return ReadSecret("vikunja.token_file", c.Vikunja.TokenFile)
}

// CalDAVPassword reads the CalDAV password file.
func (c *Config) CalDAVPassword() (string, error) {
	return ReadSecret("caldav.pass_file", c.CalDAV.PassFile)
}

// WebhookSecret reads the webhook secret. An unset secret file yields "".
func (c *Config) WebhookSecret() (string, error) {
	if c.Webhook.SecretFile == "" {
		return "", nil
	}
	return ReadSecret("webhook.secret_file", c.Webhook.SecretFile)
}

// ReadSecret returns the trimmed contents of a secret file. A missing,
// unreadable, or empty file is a configuration error.
func ReadSecret(key, path string) (string, error) {
	if path == "" {
		return "", syncerr.Errorf(syncerr.KindConfig, "config", "%s not configured", key)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", syncerr.Wrap(syncerr.KindConfig, "config", fmt.Errorf("failed to read %s: %w", key, err))
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", syncerr.Errorf(syncerr.KindConfig, "config", "%s %s is empty", key, path)
	}
	return secret, nil
}

func (c *Config) expandPaths() {
	for _, p := range []*string{
		&c.StateDir, &c.ScopesFile, &c.Vikunja.TokenFile, &c.CalDAV.PassFile,
		&c.Webhook.SecretFile, &c.Log.File, &c.Taskwarrior.TaskData,
	} {
		*p = ExpandHome(*p)
	}
	if c.ScopesFile == "" {
		if p := filepath.Join(configHome(), "tasksync", "scopes.toml"); fileExists(p) {
			c.ScopesFile = p
		}
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func configHome() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config"
	}
	return filepath.Join(home, ".config")
}

func defaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "tasksync")
	}
	return filepath.Join("~", ".local", "state", "tasksync")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
