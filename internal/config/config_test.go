package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"mediagrab/internal/media"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Quality != "high" {
		t.Errorf("default quality = %q, want high", cfg.Quality)
	}
	if cfg.Retry.Attempts != 3 {
		t.Errorf("default attempts = %d, want 3", cfg.Retry.Attempts)
	}
	if cfg.Retry.Delay.Duration != 3*time.Second {
		t.Errorf("default delay = %v, want 3s", cfg.Retry.Delay)
	}
	if cfg.Upstream.OverallTimeout.Duration != 150*time.Second {
		t.Errorf("default overall timeout = %v, want 150s", cfg.Upstream.OverallTimeout)
	}
	if cfg.History.MaxEntries != 30 {
		t.Errorf("default history size = %d, want 30", cfg.History.MaxEntries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"invalid quality", func(c *Config) { c.Quality = "4k" }, true},
		{"valid highest", func(c *Config) { c.Quality = "Highest" }, false},
		{"zero attempts", func(c *Config) { c.Retry.Attempts = 0 }, true},
		{"negative delay", func(c *Config) { c.Retry.Delay.Duration = -time.Second }, true},
		{"zero attempt timeout", func(c *Config) { c.Retry.AttemptTimeout.Duration = 0 }, true},
		{"jitter above one", func(c *Config) { c.Retry.Jitter = 1.5 }, true},
		{"tentative above detected", func(c *Config) { c.Detect.Tentative = 0.9 }, true},
		{"detected above one", func(c *Config) { c.Detect.Detected = 1.2 }, true},
		{"equal thresholds", func(c *Config) { c.Detect.Tentative, c.Detect.Detected = 0.5, 0.5 }, false},
		{"empty bilibili api", func(c *Config) { c.Upstream.BilibiliAPI = "" }, true},
		{"negative queue", func(c *Config) { c.Transcode.MaxQueue = -1 }, true},
		{"zero history", func(c *Config) { c.History.MaxEntries = 0 }, true},
		{"valid player vlc", func(c *Config) { c.Player = "vlc" }, false},
		{"invalid player", func(c *Config) { c.Player = "winamp" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromTOML(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)
	t.Setenv("MEDIAGRAB_BILIBILI_API", "")
	t.Setenv("MEDIAGRAB_DOUYIN_API", "")
	t.Setenv("DOUYIN_API_URL", "")
	t.Setenv("MEDIAGRAB_RESOLVER_URL", "")

	content := `
quality = "medium"
download_dir = "/tmp/grab"

[upstream]
resolver_url = "http://127.0.0.1:9000/resolve"

[retry]
attempts = 5
delay = "500ms"
exponential = true
jitter = 0.2

[detect]
detected = 0.9
tentative = 0.4

[transcode]
max_queue = 0

[history]
max_entries = 10
`
	dir := filepath.Join(tmpDir, "mediagrab")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Tier() != media.Medium {
		t.Errorf("tier = %v, want medium", cfg.Tier())
	}
	if cfg.Upstream.ResolverURL != "http://127.0.0.1:9000/resolve" {
		t.Errorf("resolver_url = %q", cfg.Upstream.ResolverURL)
	}
	if cfg.Upstream.BilibiliAPI != "https://api.bilibili.com" {
		t.Errorf("unset keys should keep defaults, got bilibili_api = %q", cfg.Upstream.BilibiliAPI)
	}
	p := cfg.RetryPolicy()
	if p.MaxAttempts != 5 || p.Delay != 500*time.Millisecond || !p.Exponential || p.Jitter != 0.2 {
		t.Errorf("retry policy = %+v", p)
	}
	if p.Limiter == nil {
		t.Error("default rate limit should produce a limiter")
	}
	if cfg.Detect.Detected != 0.9 || cfg.Detect.Tentative != 0.4 {
		t.Errorf("detect = %+v", cfg.Detect)
	}
	if cfg.Transcode.MaxQueue != 0 {
		t.Errorf("max_queue = %d, want 0", cfg.Transcode.MaxQueue)
	}
	if cfg.History.MaxEntries != 10 {
		t.Errorf("max_entries = %d, want 10", cfg.History.MaxEntries)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[retry]\ndelay = \"soon\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("LoadFile should reject an unparsable duration")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DOUYIN_API_URL", "http://legacy:8080/api")
	t.Setenv("MEDIAGRAB_DOUYIN_API", "http://douyin:8080/api")
	t.Setenv("MEDIAGRAB_BILIBILI_API", "http://bili.local")
	t.Setenv("MEDIAGRAB_RESOLVER_URL", "http://resolver.local")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if cfg.Upstream.DouyinAPI != "http://douyin:8080/api" {
		t.Errorf("douyin api = %q, MEDIAGRAB_DOUYIN_API should win", cfg.Upstream.DouyinAPI)
	}
	if cfg.Upstream.BilibiliAPI != "http://bili.local" {
		t.Errorf("bilibili api = %q", cfg.Upstream.BilibiliAPI)
	}
	if cfg.Upstream.ResolverURL != "http://resolver.local" {
		t.Errorf("resolver url = %q", cfg.Upstream.ResolverURL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() should not error on missing file: %v", err)
	}
	if cfg.Quality != "high" {
		t.Errorf("missing file should return defaults, got quality = %q", cfg.Quality)
	}
}

func TestExpandDownloadDir(t *testing.T) {
	cfg := Default()
	cfg.DownloadDir = "/tmp/test-downloads"

	dir, err := cfg.ExpandDownloadDir()
	if err != nil {
		t.Fatalf("ExpandDownloadDir() error: %v", err)
	}
	if dir != "/tmp/test-downloads" {
		t.Errorf("got %q, want /tmp/test-downloads", dir)
	}
}

func TestHistoryPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")
	cfg := Default()
	got, err := cfg.HistoryPath()
	if err != nil {
		t.Fatal(err)
	}
	if got != "/tmp/xdg-data/mediagrab/history.db" {
		t.Errorf("HistoryPath() = %q", got)
	}
}
