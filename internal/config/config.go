// Package config loads and watches the syncer configuration.
//
// Configuration comes from a YAML file plus SENEX_-prefixed environment
// variables, so a container deployment can run entirely on env vars.
// File search order: explicit --config path, ./senex-sync.yaml,
// ~/.config/senex-sync/senex-sync.yaml, /etc/senex-sync/senex-sync.yaml.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// LogConfig controls log file rotation. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Config is the full syncer configuration.
type Config struct {
	// BaseURL is the task service API root, e.g. https://senex.example.com.
	BaseURL string `mapstructure:"base_url"`

	// Token authenticates both the REST API and the event stream.
	Token string `mapstructure:"token"`

	// StreamURL overrides the event stream endpoint. Derived from BaseURL
	// when empty.
	StreamURL string `mapstructure:"stream_url"`

	// Projects lists the project ids to sync.
	Projects []string `mapstructure:"projects"`

	// UserLabel is the display name tagged onto locally created tasks.
	UserLabel string `mapstructure:"user_label"`

	// DataDir holds the per-project identity databases.
	DataDir string `mapstructure:"data_dir"`

	ResyncInterval     time.Duration `mapstructure:"resync_interval"`
	EchoWindow         time.Duration `mapstructure:"echo_window"`
	StallTimeout       time.Duration `mapstructure:"stall_timeout"`
	TombstoneRetention time.Duration `mapstructure:"tombstone_retention"`

	Log LogConfig `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("resync_interval", 30*time.Second)
	v.SetDefault("echo_window", 10*time.Second)
	v.SetDefault("stall_timeout", 90*time.Second)
	v.SetDefault("tombstone_retention", 24*time.Hour)
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".senex-sync"
	}
	return filepath.Join(home, ".local", "share", "senex-sync")
}

// Load reads configuration from the given file, or from the standard
// search paths when path is empty. A missing file is not an error as long
// as the environment supplies the required values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SENEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper knows about, so bind the ones that
	// have no default for env-only deployments.
	for _, k := range []string{"base_url", "token", "stream_url", "projects", "user_label", "log.file"} {
		_ = v.BindEnv(k)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("senex-sync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "senex-sync"))
		}
		v.AddConfigPath("/etc/senex-sync")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	// Env vars deliver lists as comma-separated strings.
	if len(cfg.Projects) == 1 && strings.Contains(cfg.Projects[0], ",") {
		parts := strings.Split(cfg.Projects[0], ",")
		cfg.Projects = cfg.Projects[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Projects = append(cfg.Projects, p)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and derives the stream URL.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if len(c.Projects) == 0 {
		return fmt.Errorf("at least one project is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if c.StreamURL == "" {
		derived, err := deriveStreamURL(c.BaseURL)
		if err != nil {
			return err
		}
		c.StreamURL = derived
	}
	return nil
}

// deriveStreamURL maps the API root onto its WebSocket endpoint.
func deriveStreamURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base_url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q in base_url", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// StatePath returns the identity database path for a project.
func (c *Config) StatePath(projectID string) string {
	return filepath.Join(c.DataDir, projectID+".db")
}

// Watch re-reads the config file whenever it changes and invokes onChange
// with the new configuration. Editors often replace rather than rewrite
// files, so the parent directory is watched and events are debounced.
// Blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config), onError func(error)) error {
	if path == "" {
		return fmt.Errorf("watch requires an explicit config path")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	var debounce *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			cfg, err := Load(path)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if onError != nil {
				onError(err)
			}
		}
	}
}
