// Package config handles TOML-based configuration loading and validation.
// Values are layered: defaults, then the config file, then environment
// variables. Command-line flags are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"mediagrab/internal/media"
	"mediagrab/internal/retry"
)

const appName = "mediagrab"

// Duration is a time.Duration written as a Go duration string ("3s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config holds all application configuration.
type Config struct {
	Quality     string `toml:"quality"`
	DownloadDir string `toml:"download_dir"`
	// Player opens finished downloads when --play is given.
	Player string `toml:"player"`
	Debug  bool   `toml:"debug"`

	Upstream  Upstream  `toml:"upstream"`
	Retry     Retry     `toml:"retry"`
	Detect    Detect    `toml:"detect"`
	Transcode Transcode `toml:"transcode"`
	History   History   `toml:"history"`
	Server    Server    `toml:"server"`
}

// Upstream locates the metadata APIs.
type Upstream struct {
	BilibiliAPI    string   `toml:"bilibili_api"`
	DouyinAPI      string   `toml:"douyin_api"`
	ResolverURL    string   `toml:"resolver_url"`
	RateLimit      float64  `toml:"rate_limit"`
	Burst          int      `toml:"burst"`
	OverallTimeout Duration `toml:"overall_timeout"`
}

// Retry configures the fetch orchestrator.
type Retry struct {
	Attempts       int      `toml:"attempts"`
	Delay          Duration `toml:"delay"`
	AttemptTimeout Duration `toml:"attempt_timeout"`
	Exponential    bool     `toml:"exponential"`
	Jitter         float64  `toml:"jitter"`
	MaxDelay       Duration `toml:"max_delay"`
}

// Detect holds the confidence thresholds.
type Detect struct {
	Detected  float64 `toml:"detected"`
	Tentative float64 `toml:"tentative"`
}

// Transcode configures the audio extraction engine.
type Transcode struct {
	FFmpeg   string `toml:"ffmpeg"`
	MaxQueue int    `toml:"max_queue"`
}

// History configures the download history.
type History struct {
	Enabled    bool   `toml:"enabled"`
	MaxEntries int    `toml:"max_entries"`
	Path       string `toml:"path"`
}

// Server configures the HTTP API.
type Server struct {
	Listen string `toml:"listen"`
	// RequestsPerMinute is the per-client rate limit.
	RequestsPerMinute int `toml:"requests_per_minute"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Quality:     "high",
		DownloadDir: "~/Music/mediagrab",
		Player:      "mpv",
		Upstream: Upstream{
			BilibiliAPI:    "https://api.bilibili.com",
			DouyinAPI:      "http://localhost:8080/api/douyin/download",
			RateLimit:      2,
			Burst:          4,
			OverallTimeout: Duration{150 * time.Second},
		},
		Retry: Retry{
			Attempts:       retry.DefaultMaxAttempts,
			Delay:          Duration{retry.DefaultDelay},
			AttemptTimeout: Duration{retry.DefaultAttemptTimeout},
			MaxDelay:       Duration{30 * time.Second},
		},
		Detect: Detect{
			Detected:  0.8,
			Tentative: 0.3,
		},
		Transcode: Transcode{
			FFmpeg:   "ffmpeg",
			MaxQueue: 4,
		},
		History: History{
			Enabled:    true,
			MaxEntries: 30,
		},
		Server: Server{
			Listen:            "127.0.0.1:8787",
			RequestsPerMinute: 60,
		},
	}
}

// configDir returns the XDG-compliant config directory.
func configDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".config", appName), nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads the default config file, merges it over the defaults and
// applies environment overrides. A missing file is not an error.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		cfg := Default()
		cfg.applyEnv()
		return cfg, cfg.Validate()
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config: %w", err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides upstream locations from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("MEDIAGRAB_BILIBILI_API"); v != "" {
		c.Upstream.BilibiliAPI = v
	}
	if v := os.Getenv("DOUYIN_API_URL"); v != "" {
		c.Upstream.DouyinAPI = v
	}
	if v := os.Getenv("MEDIAGRAB_DOUYIN_API"); v != "" {
		c.Upstream.DouyinAPI = v
	}
	if v := os.Getenv("MEDIAGRAB_RESOLVER_URL"); v != "" {
		c.Upstream.ResolverURL = v
	}
}

// Validate checks config values are within acceptable bounds.
func (c *Config) Validate() error {
	if _, err := media.ParseTier(c.Quality); err != nil {
		return err
	}
	validPlayers := map[string]bool{
		"mpv": true, "vlc": true, "iina": true, "celluloid": true,
	}
	if !validPlayers[strings.ToLower(c.Player)] {
		return fmt.Errorf("unsupported player %q (valid: mpv, vlc, iina, celluloid)", c.Player)
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1, got %d", c.Retry.Attempts)
	}
	if c.Retry.Delay.Duration < 0 {
		return fmt.Errorf("retry.delay cannot be negative")
	}
	if c.Retry.AttemptTimeout.Duration <= 0 {
		return fmt.Errorf("retry.attempt_timeout must be positive")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be between 0 and 1, got %v", c.Retry.Jitter)
	}
	if c.Upstream.OverallTimeout.Duration <= 0 {
		return fmt.Errorf("upstream.overall_timeout must be positive")
	}
	d := c.Detect
	if d.Tentative < 0 || d.Tentative > d.Detected || d.Detected > 1 {
		return fmt.Errorf("detect thresholds must satisfy 0 <= tentative (%v) <= detected (%v) <= 1", d.Tentative, d.Detected)
	}
	if c.Upstream.BilibiliAPI == "" {
		return fmt.Errorf("upstream.bilibili_api cannot be empty")
	}
	if c.Upstream.DouyinAPI == "" {
		return fmt.Errorf("upstream.douyin_api cannot be empty")
	}
	if c.Transcode.MaxQueue < 0 {
		return fmt.Errorf("transcode.max_queue cannot be negative")
	}
	if c.History.MaxEntries < 1 {
		return fmt.Errorf("history.max_entries must be at least 1, got %d", c.History.MaxEntries)
	}
	return nil
}

// Tier returns the parsed quality tier. Call after Validate.
func (c *Config) Tier() media.Tier {
	t, err := media.ParseTier(c.Quality)
	if err != nil {
		return media.High
	}
	return t
}

// RetryPolicy builds the orchestrator policy, including the upstream
// rate limiter.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    c.Retry.Attempts,
		Delay:          c.Retry.Delay.Duration,
		AttemptTimeout: c.Retry.AttemptTimeout.Duration,
		Exponential:    c.Retry.Exponential,
		Jitter:         c.Retry.Jitter,
		MaxDelay:       c.Retry.MaxDelay.Duration,
		Limiter:        retry.NewLimiter(c.Upstream.RateLimit, c.Upstream.Burst),
	}
}

// ExpandDownloadDir resolves ~ in the download directory path.
func (c *Config) ExpandDownloadDir() (string, error) {
	return expandHome(c.DownloadDir)
}

// HistoryPath returns the history database path: the configured one, or
// $XDG_DATA_HOME/mediagrab/history.db.
func (c *Config) HistoryPath() (string, error) {
	if c.History.Path != "" {
		return expandHome(c.History.Path)
	}
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, appName, "history.db"), nil
}

func expandHome(dir string) (string, error) {
	if strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expanding home dir: %w", err)
		}
		dir = filepath.Join(home, dir[2:])
	}
	return filepath.Abs(dir)
}
