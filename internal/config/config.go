// Package config loads and validates the listener's runtime configuration.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	applerrors "github.com/jarvin-ai/listener/internal/errors"
)

// AudioConfig configures the PCM Frame Source (spec §4.1).
type AudioConfig struct {
	SampleRate  int    `yaml:"sample_rate"`
	Chunk       int    `yaml:"chunk"`
	DeviceIndex *int   `yaml:"device_index"`
	TempDir     string `yaml:"temp_dir"`
}

// VADConfig configures the adaptive noise-gated VAD (spec §4.2 / §3).
type VADConfig struct {
	CalibrationSec      float64 `yaml:"calibration_sec"`
	ThresholdMult       float64 `yaml:"threshold_mult"`
	ThresholdAbs        float64 `yaml:"threshold_abs"`
	AttackMs            int     `yaml:"attack_ms"`
	ReleaseMs           int     `yaml:"release_ms"`
	HangoverMs          int     `yaml:"hangover_ms"`
	PreRollMs           int     `yaml:"pre_roll_ms"`
	MinUtteranceMs      int     `yaml:"min_utterance_ms"`
	MaxUtteranceSec     float64 `yaml:"max_utterance_sec"`
	UseInstantRMS       bool    `yaml:"use_instant_rms_for_trigger"`
	FloorAdaptMargin    float64 `yaml:"floor_adapt_margin"`
	FloorMin            float64 `yaml:"floor_min"`
	FloorMax            float64 `yaml:"floor_max"`
	AlphaFloor          float64 `yaml:"alpha_floor"`
	AlphaEnv            float64 `yaml:"alpha_env"`
	HeartbeatMs         int     `yaml:"heartbeat_ms"`
	LogTransitions      bool    `yaml:"log_transitions"`
	LogThresholdMs      int     `yaml:"log_threshold_changes_ms"`
	LogStatsEveryNFrame int     `yaml:"log_stats_every_n_frames"`
}

// WAVConfig configures WAV I/O (spec §4.3).
type WAVConfig struct {
	NormalizeToDBFS *float64 `yaml:"normalize_to_dbfs"`
}

// ShutdownConfig selects single-shot vs confirm-then-shutdown mode (spec §4.7/§4.6).
type ShutdownConfig struct {
	ConfirmRequired  bool    `yaml:"confirm_required"`
	ConfirmWindowSec float64 `yaml:"confirm_window_sec"`
}

// ServerConfig configures the Control API HTTP surface (spec §6).
type ServerConfig struct {
	Host                    string   `yaml:"host"`
	Port                    int      `yaml:"port"`
	LogLevel                string   `yaml:"log_level"`
	CORSAllowOrigins        []string `yaml:"cors_allow_origins"`
	InitialListenerDelaySec float64  `yaml:"initial_listener_delay_sec"`
}

// Config is the fully-resolved, validated runtime configuration.
type Config struct {
	Audio    AudioConfig    `yaml:"audio"`
	VAD      VADConfig      `yaml:"vad"`
	WAV      WAVConfig      `yaml:"wav"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
	Server   ServerConfig   `yaml:"server"`
}

// Default returns the configuration with spec-documented defaults applied,
// matching the end-to-end scenarios in spec.md §8.
func Default() *Config {
	normalizeDefault := -3.0
	return &Config{
		Audio: AudioConfig{
			SampleRate: 16000,
			Chunk:      1024,
			TempDir:    os.TempDir(),
		},
		VAD: VADConfig{
			CalibrationSec:      1.0,
			ThresholdMult:       3.0,
			ThresholdAbs:        200,
			AttackMs:            120,
			ReleaseMs:           350,
			HangoverMs:          200,
			PreRollMs:           300,
			MinUtteranceMs:      250,
			MaxUtteranceSec:     30,
			UseInstantRMS:       true,
			FloorAdaptMargin:    0.6,
			FloorMin:            20.0,
			FloorMax:            4000.0,
			AlphaFloor:          0.98,
			AlphaEnv:            0.85,
			HeartbeatMs:         0,
			LogTransitions:      true,
			LogThresholdMs:      2000,
			LogStatsEveryNFrame: 0,
		},
		WAV: WAVConfig{NormalizeToDBFS: &normalizeDefault},
		Shutdown: ShutdownConfig{
			ConfirmRequired:  false,
			ConfirmWindowSec: 15.0,
		},
		Server: ServerConfig{
			Host:                    "0.0.0.0",
			Port:                    8000,
			LogLevel:                "info",
			CORSAllowOrigins:        []string{"*"},
			InitialListenerDelaySec: 0.2,
		},
	}
}

// Load resolves configuration in three layers, in order: a `.env` file (if
// present, non-fatal if absent), an optional YAML overlay selected by
// -config or JARVIN_CONFIG_FILE, and finally JARVIN_-prefixed environment
// variables, which take precedence over both.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("jarvin", flag.ContinueOnError)
	configFile := fs.String("config", "", "path to an optional YAML config overlay")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *configFile == "" {
		*configFile = os.Getenv("JARVIN_CONFIG_FILE")
	}

	cfg := Default()
	if *configFile != "" {
		if err := applyYAMLOverlay(cfg, *configFile); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyYAMLOverlay(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode yaml %q: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Audio.SampleRate = getEnvInt("JARVIN_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.Chunk = getEnvInt("JARVIN_CHUNK", cfg.Audio.Chunk)
	if v, ok := getEnvIntPtr("JARVIN_DEVICE_INDEX"); ok {
		cfg.Audio.DeviceIndex = v
	}
	cfg.Audio.TempDir = getEnv("JARVIN_TEMP_DIR", cfg.Audio.TempDir)

	cfg.VAD.CalibrationSec = getEnvFloat("JARVIN_VAD_CALIBRATION_SEC", cfg.VAD.CalibrationSec)
	cfg.VAD.ThresholdMult = getEnvFloat("JARVIN_VAD_THRESHOLD_MULT", cfg.VAD.ThresholdMult)
	cfg.VAD.ThresholdAbs = getEnvFloat("JARVIN_VAD_THRESHOLD_ABS", cfg.VAD.ThresholdAbs)
	cfg.VAD.AttackMs = getEnvInt("JARVIN_VAD_ATTACK_MS", cfg.VAD.AttackMs)
	cfg.VAD.ReleaseMs = getEnvInt("JARVIN_VAD_RELEASE_MS", cfg.VAD.ReleaseMs)
	cfg.VAD.HangoverMs = getEnvInt("JARVIN_VAD_HANGOVER_MS", cfg.VAD.HangoverMs)
	cfg.VAD.PreRollMs = getEnvInt("JARVIN_VAD_PRE_ROLL_MS", cfg.VAD.PreRollMs)
	cfg.VAD.MinUtteranceMs = getEnvInt("JARVIN_VAD_MIN_UTTERANCE_MS", cfg.VAD.MinUtteranceMs)
	cfg.VAD.MaxUtteranceSec = getEnvFloat("JARVIN_VAD_MAX_UTTERANCE_SEC", cfg.VAD.MaxUtteranceSec)
	cfg.VAD.UseInstantRMS = getEnvBool("JARVIN_VAD_USE_INSTANT_RMS_FOR_TRIGGER", cfg.VAD.UseInstantRMS)
	cfg.VAD.FloorAdaptMargin = getEnvFloat("JARVIN_VAD_FLOOR_ADAPT_MARGIN", cfg.VAD.FloorAdaptMargin)
	cfg.VAD.HeartbeatMs = getEnvInt("JARVIN_VAD_HEARTBEAT_MS", cfg.VAD.HeartbeatMs)

	if v, ok := getEnvFloatPtr("JARVIN_NORMALIZE_TO_DBFS"); ok {
		cfg.WAV.NormalizeToDBFS = v
	}

	cfg.Shutdown.ConfirmRequired = getEnvBool("JARVIN_VOICE_SHUTDOWN_CONFIRM", cfg.Shutdown.ConfirmRequired)

	cfg.Server.Host = getEnv("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("SERVER_PORT", cfg.Server.Port)
	cfg.Server.LogLevel = getEnv("LOG_LEVEL", cfg.Server.LogLevel)
	cfg.Server.InitialListenerDelaySec = getEnvFloat("JARVIN_INITIAL_LISTENER_DELAY_SEC", cfg.Server.InitialListenerDelaySec)
	if v := os.Getenv("CORS_ALLOW_ORIGINS"); v != "" {
		var origins []string
		if err := json.Unmarshal([]byte(v), &origins); err == nil {
			cfg.Server.CORSAllowOrigins = origins
		}
	}
}

// Validate checks that cfg contains a coherent set of values, returning a
// ConfigError wrapping a joined error that lists every bad field found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Chunk <= 0 {
		errs = append(errs, fmt.Errorf("audio.chunk must be positive, got %d", cfg.Audio.Chunk))
	}
	if cfg.VAD.FloorMin < 0 || cfg.VAD.FloorMax <= cfg.VAD.FloorMin {
		errs = append(errs, fmt.Errorf("vad.floor_min (%.1f) must be non-negative and less than vad.floor_max (%.1f)", cfg.VAD.FloorMin, cfg.VAD.FloorMax))
	}
	if cfg.VAD.AlphaFloor <= 0 || cfg.VAD.AlphaFloor >= 1 {
		errs = append(errs, fmt.Errorf("vad.alpha_floor must be in (0,1), got %.3f", cfg.VAD.AlphaFloor))
	}
	if cfg.VAD.AlphaEnv <= 0 || cfg.VAD.AlphaEnv >= 1 {
		errs = append(errs, fmt.Errorf("vad.alpha_env must be in (0,1), got %.3f", cfg.VAD.AlphaEnv))
	}
	if cfg.VAD.MinUtteranceMs < 0 {
		errs = append(errs, fmt.Errorf("vad.min_utterance_ms must be non-negative, got %d", cfg.VAD.MinUtteranceMs))
	}
	if cfg.VAD.MaxUtteranceSec <= 0 {
		errs = append(errs, fmt.Errorf("vad.max_utterance_sec must be positive, got %.1f", cfg.VAD.MaxUtteranceSec))
	}
	if cfg.Shutdown.ConfirmWindowSec <= 0 {
		errs = append(errs, fmt.Errorf("shutdown.confirm_window_sec must be positive, got %.1f", cfg.Shutdown.ConfirmWindowSec))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", cfg.Server.Port))
	}
	switch cfg.Server.LogLevel {
	case "debug", "info", "warning", "error", "critical":
	default:
		errs = append(errs, fmt.Errorf("server.log_level %q invalid; valid values: debug, info, warning, error, critical", cfg.Server.LogLevel))
	}

	if len(errs) > 0 {
		return applerrors.Wrap(errors.Join(errs...), applerrors.ConfigError, "invalid configuration")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvIntPtr(key string) (*int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return nil, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return nil, false
	}
	return &i, true
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvFloatPtr(key string) (*float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return nil, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, false
	}
	return &f, true
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
