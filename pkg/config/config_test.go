package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/plantassist/pkg/gemini"
	"github.com/vango-go/plantassist/pkg/i18n"
	"github.com/vango-go/plantassist/pkg/storage"
)

// clearEnv unsets every variable Load reads so the host environment does not
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, "PLANTASSIST_") || name == "GEMINI_API_KEY" || name == "GOOGLE_API_KEY" || name == "GEMINI_BASE_URL" {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Lang() != i18n.Arabic {
		t.Errorf("Lang = %s", cfg.Lang())
	}
	if cfg.Gemini.TroubleshootModel != gemini.DefaultTroubleshootModel || cfg.Gemini.ThinkingBudget != gemini.DefaultThinkingBudget {
		t.Errorf("gemini = %+v", cfg.Gemini)
	}
	if cfg.Storage.Driver != storage.DriverFile || cfg.Storage.Dir == "" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Server.Addr != ":8080" || !cfg.Gemini.Videos || !cfg.Audio.Playback {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "plantassist.yaml")
	data := `
language: en
gemini:
  advice_model: file-model
  thinking_budget: 1024
storage:
  driver: sqlite
  dir: ` + dir + `
server:
  addr: ":9000"
  shutdown_grace_period: 5s
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(PathEnv, path)
	t.Setenv("PLANTASSIST_SERVER_ADDR", ":9100")
	t.Setenv("GOOGLE_API_KEY", "google-key")
	t.Setenv("PLANTASSIST_SERVER_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Lang() != i18n.English || cfg.Gemini.AdviceModel != "file-model" || cfg.Gemini.ThinkingBudget != 1024 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Server.Addr != ":9100" {
		t.Errorf("env should override file: addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.ShutdownGracePeriod != 5*time.Second {
		t.Errorf("grace = %v", cfg.Server.ShutdownGracePeriod)
	}
	if cfg.Gemini.APIKey != "google-key" {
		t.Errorf("api key = %q", cfg.Gemini.APIKey)
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Errorf("origins = %v", cfg.Server.AllowedOrigins)
	}
	if sc := cfg.StorageBackend(); sc.Path != filepath.Join(dir, "plantassist.db") {
		t.Errorf("sqlite path = %q", sc.Path)
	}
}

func TestLoad_GeminiKeyPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("GEMINI_API_KEY", "gemini-key")
	t.Setenv("GOOGLE_API_KEY", "google-key")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gemini.APIKey != "gemini-key" {
		t.Fatalf("api key = %q", cfg.Gemini.APIKey)
	}
}

func TestLoad_JSONFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(path, []byte(`{"storage":{"driver":"memory"},"log":{"level":"debug","format":"json"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != storage.DriverMemory || cfg.Log.Format != "json" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file should fail")
	}

	bad := filepath.Join(t.TempDir(), "cfg.toml")
	_ = os.WriteFile(bad, []byte("x = 1"), 0o600)
	if _, err := Load(bad); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("err = %v", err)
	}

	t.Setenv("PLANTASSIST_AUDIO_CAPTURE_RATE", "nope")
	if _, err := Load(""); err == nil {
		t.Fatal("invalid int should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"language", func(c *Config) { c.Language = "fr" }, "PLANTASSIST_LANG"},
		{"driver", func(c *Config) { c.Storage.Driver = "redis" }, "PLANTASSIST_STORAGE_DRIVER"},
		{"postgres dsn", func(c *Config) { c.Storage.Driver = storage.DriverPostgres }, "PLANTASSIST_STORAGE_DSN"},
		{"budget", func(c *Config) { c.Gemini.ThinkingBudget = -1 }, "PLANTASSIST_THINKING_BUDGET"},
		{"rate", func(c *Config) { c.Audio.CaptureRate = 0 }, "PLANTASSIST_AUDIO_CAPTURE_RATE"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "PLANTASSIST_LOG_LEVEL"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "PLANTASSIST_LOG_FORMAT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf).Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %s", buf.String())
	}
	LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf).Warn("shown", "k", "v")
	if !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Fatalf("output = %s", buf.String())
	}
}
