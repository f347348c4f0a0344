package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTP.Bind != "0.0.0.0:8080" {
		t.Errorf("default bind = %q", cfg.HTTP.Bind)
	}
	if cfg.WorkerCount != 4 {
		t.Errorf("default worker_count = %d", cfg.WorkerCount)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	doc := `
db_dir = "/var/lib/nvr/db"
max_signal_changes = 32

[http]
bind = "127.0.0.1:9000"
trust_forward_headers = true

[[sample_file_dir]]
path = "/media/nvr"

[[camera]]
short_name = "driveway"

  [[camera.stream]]
  type = "main"
  rtsp_url = "rtsp://cam/main"
  record = true
  flush_if_sec = 90
  retain_bytes = 1073741824
  sample_file_dir = "/media/nvr"
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DBDir != "/var/lib/nvr/db" {
		t.Errorf("db_dir = %q", cfg.DBDir)
	}
	if cfg.HTTP.Bind != "127.0.0.1:9000" || !cfg.HTTP.TrustForwardHeaders {
		t.Errorf("http = %+v", cfg.HTTP)
	}
	if cfg.MaxSignalChanges != 32 {
		t.Errorf("max_signal_changes = %d", cfg.MaxSignalChanges)
	}
	if len(cfg.Cameras) != 1 || len(cfg.Cameras[0].Streams) != 1 {
		t.Fatalf("cameras = %+v", cfg.Cameras)
	}
	s := cfg.Cameras[0].Streams[0]
	if s.Type != "main" || s.FlushIfSec != 90 || s.RetainBytes != 1<<30 {
		t.Errorf("stream = %+v", s)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db_dir", func(c *Config) { c.DBDir = "" }},
		{"zero workers", func(c *Config) { c.WorkerCount = 0 }},
		{"bad stream type", func(c *Config) {
			c.Cameras = []CameraConfig{{ShortName: "c", Streams: []StreamConfig{{Type: "extra"}}}}
		}},
		{"record without dir", func(c *Config) {
			c.Cameras = []CameraConfig{{ShortName: "c", Streams: []StreamConfig{{Type: "main", Record: true}}}}
		}},
		{"duplicate dir", func(c *Config) {
			c.SampleFileDirs = []SampleFileDirConfig{{Path: "/a"}, {Path: "/a"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}
