package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
[Origins]
Allowed = ["audio.example.com"]
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load error: %v", err)
	}

	if cfg.Global.ListenPort != 5000 {
		t.Fatalf("default port mismatch: %d", cfg.Global.ListenPort)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 60*time.Second {
		t.Fatalf("default timeout mismatch: %v", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.MaxAudioCacheSize != 100*1024*1024 {
		t.Fatalf("default cache budget mismatch: %d", cfg.Global.MaxAudioCacheSize)
	}
	if cfg.Global.ChunkSize != 64*1024 {
		t.Fatalf("default chunk size mismatch: %d", cfg.Global.ChunkSize)
	}
	if len(cfg.Origins.ApiPatterns) == 0 {
		t.Fatalf("expected default api patterns")
	}
	if !filepath.IsAbs(cfg.Global.StoragePath) || !filepath.IsAbs(cfg.Global.QueuePath) {
		t.Fatalf("paths must be absolute: %s / %s", cfg.Global.StoragePath, cfg.Global.QueuePath)
	}
}

func TestLoadParsesDurationForms(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
UpstreamTimeout = "90s"
[Origins]
Allowed = ["audio.example.com"]
`))
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 90*time.Second {
		t.Fatalf("string duration mismatch: %v", cfg.Global.UpstreamTimeout.DurationValue())
	}

	cfg, err = Load(writeConfig(t, `
UpstreamTimeout = 120
[Origins]
Allowed = ["audio.example.com"]
`))
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 120*time.Second {
		t.Fatalf("integer duration mismatch: %v", cfg.Global.UpstreamTimeout.DurationValue())
	}
}

func TestLoadNormalizesHosts(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[Origins]
Allowed = [" AUDIO.Example.Com "]
Data = ["Supabase.co"]
`))
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Origins.Allowed[0] != "audio.example.com" {
		t.Fatalf("host not normalized: %q", cfg.Origins.Allowed[0])
	}
	if cfg.Origins.Data[0] != "supabase.co" {
		t.Fatalf("data host not normalized: %q", cfg.Origins.Data[0])
	}
}

func TestLoadRejectsMissingAllowList(t *testing.T) {
	_, err := Load(writeConfig(t, `ListenPort = 5000`))
	if err == nil {
		t.Fatalf("expected validation failure without allow-list")
	}
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("expected FieldError, got %T: %v", err, err)
	}
	if fieldErr.Field != "Origins.Allowed" {
		t.Fatalf("unexpected field: %s", fieldErr.Field)
	}
}

func TestLoadRejectsHostWithScheme(t *testing.T) {
	_, err := Load(writeConfig(t, `
[Origins]
Allowed = ["https://audio.example.com"]
`))
	if err == nil {
		t.Fatalf("expected scheme-bearing host to be rejected")
	}
}

func TestLoadRejectsSharedStorageAndQueuePath(t *testing.T) {
	_, err := Load(writeConfig(t, `
StoragePath = "./data"
QueuePath = "./data"
[Origins]
Allowed = ["audio.example.com"]
`))
	if err == nil {
		t.Fatalf("expected shared path to be rejected")
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	_, err := Load(writeConfig(t, `
ListenPort = 70000
[Origins]
Allowed = ["audio.example.com"]
`))
	if err == nil {
		t.Fatalf("expected invalid port to be rejected")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}
