package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "chatdrive.yaml", "transport:\n  backend: memory\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Transport.Backend != "memory" {
		t.Errorf("Backend = %q, want memory", cfg.Transport.Backend)
	}
	if cfg.Blob.ChunkSizeBytes != DefaultChunkSize {
		t.Errorf("ChunkSizeBytes = %d, want %d", cfg.Blob.ChunkSizeBytes, DefaultChunkSize)
	}
	if cfg.Blob.CaptionPrefix != "Codeword" {
		t.Errorf("CaptionPrefix = %q, want Codeword", cfg.Blob.CaptionPrefix)
	}
	if cfg.Blob.PartialFailure != "keep" {
		t.Errorf("PartialFailure = %q, want keep", cfg.Blob.PartialFailure)
	}
	if cfg.Server.Port != 9180 {
		t.Errorf("Port = %d, want 9180", cfg.Server.Port)
	}
	if cfg.Session.ReconnectDelay != 500*time.Millisecond {
		t.Errorf("ReconnectDelay = %v, want 500ms", cfg.Session.ReconnectDelay)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadParsesAllSections(t *testing.T) {
	body := `
server:
  host: 0.0.0.0
  port: 9999
logging:
  level: debug
  format: json
transport:
  backend: s3
  s3:
    bucket: vault
    prefix: chats/
    endpoint_url: http://127.0.0.1:9000
    use_path_style: true
blob:
  chunk_size_bytes: 1048576
  caption_prefix: Tag
  partial_failure: delete
session:
  reconnect_delay: 2s
credstore:
  path: /tmp/creds.db
`
	path := writeConfig(t, t.TempDir(), "chatdrive.yaml", body)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9999 || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Transport.S3.Bucket != "vault" || !cfg.Transport.S3.UsePathStyle {
		t.Errorf("S3 = %+v", cfg.Transport.S3)
	}
	if cfg.Transport.S3.Region != "us-east-1" {
		t.Errorf("S3 region default = %q, want us-east-1", cfg.Transport.S3.Region)
	}
	if cfg.Blob.ChunkSizeBytes != 1<<20 {
		t.Errorf("ChunkSizeBytes = %d", cfg.Blob.ChunkSizeBytes)
	}
	if cfg.Blob.PartialFailure != "delete" {
		t.Errorf("PartialFailure = %q", cfg.Blob.PartialFailure)
	}
	if cfg.Session.ReconnectDelay != 2*time.Second {
		t.Errorf("ReconnectDelay = %v", cfg.Session.ReconnectDelay)
	}
	if cfg.CredStore.Path != "/tmp/creds.db" {
		t.Errorf("CredStore.Path = %q", cfg.CredStore.Path)
	}
}

func TestLoadFallsBackToExample(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "chatdrive.example.yaml", "transport:\n  backend: memory\n")

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Transport.Backend != "memory" {
		t.Errorf("Backend = %q, want memory", cfg.Transport.Backend)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestLoadEnvOverridesTelegram(t *testing.T) {
	t.Setenv("CHATDRIVE_API_ID", "12345")
	t.Setenv("CHATDRIVE_API_HASH", "abcdef")
	path := writeConfig(t, t.TempDir(), "chatdrive.yaml", "transport:\n  backend: telegram\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Transport.Telegram.APIID != 12345 || cfg.Transport.Telegram.APIHash != "abcdef" {
		t.Errorf("Telegram = %+v", cfg.Transport.Telegram)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadBadEnv(t *testing.T) {
	t.Setenv("CHATDRIVE_API_ID", "not-a-number")
	path := writeConfig(t, t.TempDir(), "chatdrive.yaml", "")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for non-numeric CHATDRIVE_API_ID")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default telegram without credentials", func(c *Config) {}, true},
		{"memory", func(c *Config) { c.Transport.Backend = "memory" }, false},
		{"s3 without bucket", func(c *Config) { c.Transport.Backend = "s3" }, true},
		{"s3 with bucket", func(c *Config) {
			c.Transport.Backend = "s3"
			c.Transport.S3.Bucket = "b"
		}, false},
		{"unknown backend", func(c *Config) { c.Transport.Backend = "carrier-pigeon" }, true},
		{"bad partial policy", func(c *Config) {
			c.Transport.Backend = "memory"
			c.Blob.PartialFailure = "maybe"
		}, true},
		{"negative chunk size", func(c *Config) {
			c.Transport.Backend = "memory"
			c.Blob.ChunkSizeBytes = -1
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CHATDRIVE_API_ID", "")
			t.Setenv("CHATDRIVE_API_HASH", "")
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
