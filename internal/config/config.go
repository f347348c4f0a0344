// Package config loads the daemon's TOML configuration file: the index
// database location, sample-file directories, cameras and their stream
// slots, the HTTP bind address, and the engine tunables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// Config is the top-level TOML document.
type Config struct {
	// DBDir is the directory holding the SQLite index file.
	DBDir string `toml:"db_dir"`

	HTTP HTTPConfig `toml:"http"`
	RTSP RTSPConfig `toml:"rtsp"`

	// WorkerCount is the number of blocking-I/O worker goroutines per
	// sample-file directory pool.
	WorkerCount int `toml:"worker_count"`

	// MaxSignalChanges bounds the retained signal timeline points.
	MaxSignalChanges int `toml:"max_signal_changes"`

	// TimeZone overrides the TZ environment variable for subtitle
	// rendering and the signals days index. Empty means use TZ / local.
	TimeZone string `toml:"time_zone"`

	SampleFileDirs []SampleFileDirConfig `toml:"sample_file_dir"`
	Cameras        []CameraConfig        `toml:"camera"`
}

// HTTPConfig contains HTTP server settings.
type HTTPConfig struct {
	Bind                string `toml:"bind"`
	ReadTimeoutSec      int    `toml:"read_timeout_sec"`
	WriteTimeoutSec     int    `toml:"write_timeout_sec"`
	IdleTimeoutSec      int    `toml:"idle_timeout_sec"`
	TrustForwardHeaders bool   `toml:"trust_forward_headers"`
}

// RTSPConfig contains the ingest RTSP server's listen settings.
type RTSPConfig struct {
	Bind string `toml:"bind"`
}

// SampleFileDirConfig names one sample-file directory.
type SampleFileDirConfig struct {
	Path string `toml:"path"`
}

// CameraConfig describes one camera and its stream slots.
type CameraConfig struct {
	ShortName   string         `toml:"short_name"`
	Description string         `toml:"description"`
	OnvifHost   string         `toml:"onvif_host"`
	Username    string         `toml:"username"`
	Password    string         `toml:"password"`
	Streams     []StreamConfig `toml:"stream"`
}

// StreamConfig describes one stream slot: where to pull it from and how
// to record it.
type StreamConfig struct {
	Type          string `toml:"type"` // "main" or "sub"
	RTSPURL       string `toml:"rtsp_url"`
	RTSPTransport string `toml:"rtsp_transport"`
	Record        bool   `toml:"record"`
	FlushIfSec    int64  `toml:"flush_if_sec"`
	RetainBytes   int64  `toml:"retain_bytes"`
	SampleFileDir string `toml:"sample_file_dir"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DBDir: "db",
		HTTP: HTTPConfig{
			Bind:            "0.0.0.0:8080",
			ReadTimeoutSec:  30,
			WriteTimeoutSec: 30,
			IdleTimeoutSec:  120,
		},
		RTSP:             RTSPConfig{Bind: "127.0.0.1:8554"},
		WorkerCount:      4,
		MaxSignalChanges: 10000,
	}
}

// LoadConfig loads configuration from a TOML file, falling back to
// defaults if the file doesn't exist.
func LoadConfig(filename string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DBDir == "" {
		return fmt.Errorf("db_dir cannot be empty")
	}
	if c.HTTP.Bind == "" {
		return fmt.Errorf("http bind address cannot be empty")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker_count must be positive")
	}
	if c.MaxSignalChanges < 0 {
		return fmt.Errorf("max_signal_changes cannot be negative")
	}
	dirs := make(map[string]bool, len(c.SampleFileDirs))
	for _, d := range c.SampleFileDirs {
		if d.Path == "" {
			return fmt.Errorf("sample_file_dir path cannot be empty")
		}
		if dirs[d.Path] {
			return fmt.Errorf("duplicate sample_file_dir path %q", d.Path)
		}
		dirs[d.Path] = true
	}
	for _, cam := range c.Cameras {
		if cam.ShortName == "" {
			return fmt.Errorf("camera short_name cannot be empty")
		}
		for _, s := range cam.Streams {
			if s.Type != "main" && s.Type != "sub" {
				return fmt.Errorf("camera %q: stream type must be main or sub, got %q", cam.ShortName, s.Type)
			}
			if s.Record && s.SampleFileDir == "" {
				return fmt.Errorf("camera %q %s stream: record requires a sample_file_dir", cam.ShortName, s.Type)
			}
			if s.Record && !dirs[s.SampleFileDir] {
				return fmt.Errorf("camera %q %s stream: unknown sample_file_dir %q", cam.ShortName, s.Type, s.SampleFileDir)
			}
		}
	}
	return nil
}

// Location resolves the configured time zone, falling back to the TZ
// environment variable (via time.Local) when unset.
func (c *Config) Location() (*time.Location, error) {
	if c.TimeZone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.TimeZone)
}

// Watch re-loads the config file whenever it changes on disk and calls fn
// with the result. Only validation-clean configs are delivered; a broken
// edit is logged and skipped so a half-saved file can't take the daemon
// down. Returns a stop function.
func Watch(filename string, log zerolog.Logger, fn func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filename); err != nil {
		watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadConfig(filename)
				if err != nil {
					log.Warn().Err(err).Str("path", filename).Msg("ignoring config reload")
					continue
				}
				fn(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return func() { watcher.Close() }, nil
}
