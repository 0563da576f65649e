// Package config loads and persists the engine configuration file. The
// engine treats whatever this package returns as validated input.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spotix/engine/internal/audio"
	"github.com/spotix/engine/internal/fetch"
)

const (
	AppName        = "spotix"
	ConfigDir      = ".config/spotix"
	ConfigFileName = "config.yml"

	DefaultVolume = 70
	MinVolume     = 0
	MaxVolume     = 100

	DefaultCacheLimitMB = 512
	DefaultMinBufferMs  = 500
	DefaultFetchWorkers = 4
)

// AppVersion can be overridden at build time using ldflags:
// go build -ldflags "-X github.com/spotix/engine/internal/config.AppVersion=1.0.0"
var AppVersion = "dev"

// ClampVolume ensures volume is within the valid range [0, 100].
func ClampVolume(volume int) int {
	if volume < MinVolume {
		return MinVolume
	}
	if volume > MaxVolume {
		return MaxVolume
	}
	return volume
}

// Retry mirrors fetch.RetryPolicy in file-friendly units.
type Retry struct {
	MaxAttempts      int `yaml:"max_attempts"`
	BaseBackoffMs    int `yaml:"base_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms"`
	JitterMs         int `yaml:"jitter_ms"`
	AttemptTimeoutMs int `yaml:"attempt_timeout_ms"`
}

// Policy converts the file representation into the retry layer's policy.
func (r Retry) Policy() fetch.RetryPolicy {
	return fetch.RetryPolicy{
		MaxAttempts:    r.MaxAttempts,
		BaseBackoff:    time.Duration(r.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(r.MaxBackoffMs) * time.Millisecond,
		Jitter:         time.Duration(r.JitterMs) * time.Millisecond,
		AttemptTimeout: time.Duration(r.AttemptTimeoutMs) * time.Millisecond,
	}
}

type Config struct {
	ServiceURL   string                  `yaml:"service_url"`
	Volume       int                     `yaml:"volume"`
	CacheLimitMB int64                   `yaml:"cache_limit_mb"`
	MinBufferMs  int                     `yaml:"min_buffer_ms"`
	FetchWorkers int                     `yaml:"fetch_workers"`
	Equalizer    audio.EqualizerSettings `yaml:"equalizer"`
	Crossfade    audio.CrossfadeConfig   `yaml:"crossfade"`
	Retry        Retry                   `yaml:"retry"`
}

// CacheLimitBytes returns the cache budget in bytes (0 = unlimited).
func (c *Config) CacheLimitBytes() int64 {
	if c.CacheLimitMB <= 0 {
		return 0
	}
	return c.CacheLimitMB * 1024 * 1024
}

// MinBuffer returns the buffered duration required before playback
// starts, which prevents stutter on slow links.
func (c *Config) MinBuffer() time.Duration {
	if c.MinBufferMs <= 0 {
		return DefaultMinBufferMs * time.Millisecond
	}
	return time.Duration(c.MinBufferMs) * time.Millisecond
}

func GetConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ConfigDir, ConfigFileName), nil
}

// GetCacheDir returns the platform-specific cache directory.
func GetCacheDir() (string, error) {
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user cache directory: %w", err)
	}
	return filepath.Join(userCacheDir, AppName), nil
}

// GetStatePath returns the playback-state file location.
func GetStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ConfigDir, "playback.yml"), nil
}

func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return DefaultConfig(), err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return DefaultConfig(), fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Validate()
	return cfg, nil
}

// Validate clamps out-of-range values instead of failing the load.
func (c *Config) Validate() {
	c.Volume = ClampVolume(c.Volume)
	c.Equalizer.Clamp()
	if c.Equalizer.Preset == "" {
		c.Equalizer.Preset = "custom"
	}
	if c.Crossfade.Curve != audio.CurveLinear && c.Crossfade.Curve != audio.CurveEqualPower {
		c.Crossfade.Curve = audio.CurveLinear
	}
	if c.Crossfade.DurationMs < 0 {
		c.Crossfade.DurationMs = 0
	}
	if c.CacheLimitMB < 0 {
		c.CacheLimitMB = 0
	}
	if c.FetchWorkers <= 0 {
		c.FetchWorkers = DefaultFetchWorkers
	}
}

// Save writes the configuration to disk atomically using temp file + rename.
func (c *Config) Save() error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}
	return atomicWriteYAML(configPath, c)
}

// atomicWriteYAML marshals v and renames a temp file over path so a
// crash mid-write never corrupts the previous contents.
func atomicWriteYAML(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".write-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}

	tmpPath = "" // Prevent defer from removing the final file
	return nil
}

// AtomicWriteYAML is the shared atomic file writer, also used for the
// playback-state file.
func AtomicWriteYAML(path string, v any) error {
	return atomicWriteYAML(path, v)
}

func DefaultConfig() *Config {
	return &Config{
		ServiceURL:   "",
		Volume:       DefaultVolume,
		CacheLimitMB: DefaultCacheLimitMB,
		MinBufferMs:  DefaultMinBufferMs,
		FetchWorkers: DefaultFetchWorkers,
		Equalizer:    audio.EqualizerSettings{Preset: "flat"},
		Crossfade:    audio.CrossfadeConfig{DurationMs: 0, Curve: audio.CurveLinear},
		Retry: Retry{
			MaxAttempts:      fetch.DefaultMaxAttempts,
			BaseBackoffMs:    int(fetch.DefaultBaseBackoff / time.Millisecond),
			MaxBackoffMs:     int(fetch.DefaultMaxBackoff / time.Millisecond),
			JitterMs:         int(fetch.DefaultBaseBackoff / time.Millisecond / 2),
			AttemptTimeoutMs: int(fetch.DefaultAttemptTimeout / time.Millisecond),
		},
	}
}
