// Package config loads plantassist settings: built-in defaults, then an
// optional YAML or JSON file, then environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	yaml "go.yaml.in/yaml/v2"

	"github.com/vango-go/plantassist/pkg/audio"
	"github.com/vango-go/plantassist/pkg/gemini"
	"github.com/vango-go/plantassist/pkg/i18n"
	"github.com/vango-go/plantassist/pkg/storage"
)

// PathEnv names the variable holding the config file path.
const PathEnv = "PLANTASSIST_CONFIG"

type Config struct {
	Language string `yaml:"language" json:"language" env:"PLANTASSIST_LANG"`

	Gemini  GeminiConfig  `yaml:"gemini" json:"gemini"`
	Storage StorageConfig `yaml:"storage" json:"storage" envPrefix:"PLANTASSIST_STORAGE_"`
	Server  ServerConfig  `yaml:"server" json:"server" envPrefix:"PLANTASSIST_SERVER_"`
	Audio   AudioConfig   `yaml:"audio" json:"audio" envPrefix:"PLANTASSIST_AUDIO_"`
	Log     LogConfig     `yaml:"log" json:"log" envPrefix:"PLANTASSIST_LOG_"`
}

type GeminiConfig struct {
	// APIKey is optional; the key can also be entered at runtime and is then
	// kept in storage.
	APIKey  string `yaml:"api_key" json:"api_key" env:"GEMINI_API_KEY"`
	BaseURL string `yaml:"base_url" json:"base_url" env:"GEMINI_BASE_URL"`

	AdviceModel       string `yaml:"advice_model" json:"advice_model" env:"PLANTASSIST_ADVICE_MODEL"`
	TroubleshootModel string `yaml:"troubleshoot_model" json:"troubleshoot_model" env:"PLANTASSIST_TROUBLESHOOT_MODEL"`
	SearchModel       string `yaml:"search_model" json:"search_model" env:"PLANTASSIST_SEARCH_MODEL"`
	LiveModel         string `yaml:"live_model" json:"live_model" env:"PLANTASSIST_LIVE_MODEL"`
	ThinkingBudget    int32  `yaml:"thinking_budget" json:"thinking_budget" env:"PLANTASSIST_THINKING_BUDGET"`
	// Videos runs the related-video search next to each analysis.
	Videos bool `yaml:"videos" json:"videos" env:"PLANTASSIST_VIDEOS"`
	// RequestTimeout bounds one analysis or search call.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" env:"PLANTASSIST_REQUEST_TIMEOUT"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" json:"driver" env:"DRIVER"`
	Dir    string `yaml:"dir" json:"dir" env:"DIR"`
	Path   string `yaml:"path" json:"path" env:"PATH"`
	DSN    string `yaml:"dsn" json:"dsn" env:"DSN"`
}

type ServerConfig struct {
	Addr                string        `yaml:"addr" json:"addr" env:"ADDR"`
	ReadHeaderTimeout   time.Duration `yaml:"read_header_timeout" json:"read_header_timeout" env:"READ_HEADER_TIMEOUT"`
	ReadTimeout         time.Duration `yaml:"read_timeout" json:"read_timeout" env:"READ_TIMEOUT"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period" json:"shutdown_grace_period" env:"SHUTDOWN_GRACE_PERIOD"`
	MaxBodyBytes        int64         `yaml:"max_body_bytes" json:"max_body_bytes" env:"MAX_BODY_BYTES"`
	// AllowedOrigins lists browser origins allowed to open the live socket.
	// Empty allows same-origin only.
	AllowedOrigins []string      `yaml:"allowed_origins" json:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	WSWriteTimeout time.Duration `yaml:"ws_write_timeout" json:"ws_write_timeout" env:"WS_WRITE_TIMEOUT"`
	WSPingInterval time.Duration `yaml:"ws_ping_interval" json:"ws_ping_interval" env:"WS_PING_INTERVAL"`
}

type AudioConfig struct {
	CaptureRate  int  `yaml:"capture_rate" json:"capture_rate" env:"CAPTURE_RATE"`
	PlaybackRate int  `yaml:"playback_rate" json:"playback_rate" env:"PLAYBACK_RATE"`
	Playback     bool `yaml:"playback" json:"playback" env:"PLAYBACK"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level" env:"LEVEL"`
	Format string `yaml:"format" json:"format" env:"FORMAT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Language: string(i18n.Arabic),
		Gemini: GeminiConfig{
			AdviceModel:       gemini.DefaultAdviceModel,
			TroubleshootModel: gemini.DefaultTroubleshootModel,
			SearchModel:       gemini.DefaultSearchModel,
			LiveModel:         gemini.DefaultLiveModel,
			ThinkingBudget:    gemini.DefaultThinkingBudget,
			Videos:            true,
			RequestTimeout:    3 * time.Minute,
		},
		Storage: StorageConfig{
			Driver: storage.DriverFile,
			Dir:    defaultDataDir(),
		},
		Server: ServerConfig{
			Addr:                ":8080",
			ReadHeaderTimeout:   10 * time.Second,
			ReadTimeout:         60 * time.Second,
			ShutdownGracePeriod: 30 * time.Second,
			MaxBodyBytes:        32 << 20,
			WSWriteTimeout:      5 * time.Second,
			WSPingInterval:      20 * time.Second,
		},
		Audio: AudioConfig{
			CaptureRate:  audio.InputSampleRate,
			PlaybackRate: audio.OutputSampleRate,
			Playback:     true,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "plantassist")
	}
	return ".plantassist"
}

// Load builds the configuration. If path is empty, PLANTASSIST_CONFIG is
// consulted; without a file only defaults and environment apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = os.Getenv("GOOGLE_API_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse json config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
	}
	return nil
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	switch i18n.Lang(strings.ToLower(c.Language)) {
	case i18n.Arabic, i18n.English:
	default:
		errs = append(errs, fmt.Errorf("PLANTASSIST_LANG must be one of ar|en"))
	}
	switch c.Storage.Driver {
	case storage.DriverMemory, storage.DriverFile, storage.DriverSQLite, storage.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("PLANTASSIST_STORAGE_DRIVER must be one of memory|file|sqlite|postgres"))
	}
	if c.Storage.Driver == storage.DriverPostgres && c.Storage.DSN == "" {
		errs = append(errs, fmt.Errorf("PLANTASSIST_STORAGE_DSN is required for the postgres driver"))
	}
	if c.Storage.Driver == storage.DriverFile && c.Storage.Dir == "" {
		errs = append(errs, fmt.Errorf("PLANTASSIST_STORAGE_DIR is required for the file driver"))
	}
	if c.Gemini.ThinkingBudget < 0 {
		errs = append(errs, fmt.Errorf("PLANTASSIST_THINKING_BUDGET must be >= 0"))
	}
	if c.Gemini.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PLANTASSIST_REQUEST_TIMEOUT must be > 0"))
	}
	if c.Audio.CaptureRate <= 0 {
		errs = append(errs, fmt.Errorf("PLANTASSIST_AUDIO_CAPTURE_RATE must be > 0"))
	}
	if c.Audio.PlaybackRate <= 0 {
		errs = append(errs, fmt.Errorf("PLANTASSIST_AUDIO_PLAYBACK_RATE must be > 0"))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("PLANTASSIST_SERVER_MAX_BODY_BYTES must be > 0"))
	}
	if c.Server.ShutdownGracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("PLANTASSIST_SERVER_SHUTDOWN_GRACE_PERIOD must be > 0"))
	}
	if c.Server.WSPingInterval <= 0 {
		errs = append(errs, fmt.Errorf("PLANTASSIST_SERVER_WS_PING_INTERVAL must be > 0"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("PLANTASSIST_LOG_FORMAT must be one of text|json"))
	}
	return errors.Join(errs...)
}

// Lang returns the configured language.
func (c Config) Lang() i18n.Lang {
	return i18n.For(i18n.Lang(c.Language)).Lang
}

// StorageBackend converts the storage section for storage.Open. A sqlite
// driver without a path keeps its database in Dir.
func (c Config) StorageBackend() storage.Config {
	sc := storage.Config{
		Driver: c.Storage.Driver,
		Dir:    c.Storage.Dir,
		Path:   c.Storage.Path,
		DSN:    c.Storage.DSN,
	}
	if sc.Driver == storage.DriverSQLite && sc.Path == "" {
		sc.Path = filepath.Join(sc.Dir, "plantassist.db")
	}
	return sc
}

// NewLogger builds the process logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("PLANTASSIST_LOG_LEVEL must be one of debug|info|warn|error")
	}
	return level, nil
}
