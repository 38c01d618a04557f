package config

import (
	"os"
	"testing"
)

func clearJarvinEnv() {
	for _, v := range os.Environ() {
		for _, prefix := range []string{"JARVIN_", "SERVER_", "CORS_", "LOG_LEVEL"} {
			if len(v) >= len(prefix) && v[:len(prefix)] == prefix {
				if i := indexByte(v, '='); i >= 0 {
					os.Unsetenv(v[:i])
				}
			}
		}
	}
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func TestLoadDefaults(t *testing.T) {
	clearJarvinEnv()

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("Audio.SampleRate = %d, want 16000", cfg.Audio.SampleRate)
	}
	if cfg.Audio.Chunk != 1024 {
		t.Errorf("Audio.Chunk = %d, want 1024", cfg.Audio.Chunk)
	}
	if cfg.VAD.ThresholdAbs != 200 {
		t.Errorf("VAD.ThresholdAbs = %f, want 200", cfg.VAD.ThresholdAbs)
	}
	if cfg.VAD.ThresholdMult != 3.0 {
		t.Errorf("VAD.ThresholdMult = %f, want 3.0", cfg.VAD.ThresholdMult)
	}
	if cfg.VAD.FloorMin != 20.0 {
		t.Errorf("VAD.FloorMin = %f, want 20.0", cfg.VAD.FloorMin)
	}
	if cfg.Shutdown.ConfirmWindowSec != 15.0 {
		t.Errorf("Shutdown.ConfirmWindowSec = %f, want 15.0", cfg.Shutdown.ConfirmWindowSec)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	clearJarvinEnv()
	os.Setenv("JARVIN_SAMPLE_RATE", "48000")
	os.Setenv("JARVIN_VAD_THRESHOLD_MULT", "4.5")
	os.Setenv("JARVIN_VOICE_SHUTDOWN_CONFIRM", "true")
	os.Setenv("SERVER_PORT", "9090")
	os.Setenv("LOG_LEVEL", "debug")
	defer func() {
		os.Unsetenv("JARVIN_SAMPLE_RATE")
		os.Unsetenv("JARVIN_VAD_THRESHOLD_MULT")
		os.Unsetenv("JARVIN_VOICE_SHUTDOWN_CONFIRM")
		os.Unsetenv("SERVER_PORT")
		os.Unsetenv("LOG_LEVEL")
	}()

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Audio.SampleRate != 48000 {
		t.Errorf("Audio.SampleRate = %d, want 48000", cfg.Audio.SampleRate)
	}
	if cfg.VAD.ThresholdMult != 4.5 {
		t.Errorf("VAD.ThresholdMult = %f, want 4.5", cfg.VAD.ThresholdMult)
	}
	if !cfg.Shutdown.ConfirmRequired {
		t.Error("Shutdown.ConfirmRequired should be true")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("Server.LogLevel = %q, want debug", cfg.Server.LogLevel)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Audio.SampleRate = 0
	cfg.Server.LogLevel = "verbose"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() should return an error for invalid config")
	}
}

func TestGetEnvHelpers(t *testing.T) {
	os.Setenv("TEST_STRING", "hello")
	defer os.Unsetenv("TEST_STRING")
	if v := getEnv("TEST_STRING", "default"); v != "hello" {
		t.Errorf("getEnv = %q, want %q", v, "hello")
	}
	if v := getEnv("NONEXISTENT", "default"); v != "default" {
		t.Errorf("getEnv = %q, want %q", v, "default")
	}

	os.Setenv("TEST_INT", "42")
	defer os.Unsetenv("TEST_INT")
	if v := getEnvInt("TEST_INT", 0); v != 42 {
		t.Errorf("getEnvInt = %d, want %d", v, 42)
	}
	os.Setenv("TEST_INT_INVALID", "not-a-number")
	defer os.Unsetenv("TEST_INT_INVALID")
	if v := getEnvInt("TEST_INT_INVALID", 100); v != 100 {
		t.Errorf("getEnvInt with invalid = %d, want %d", v, 100)
	}

	os.Setenv("TEST_FLOAT", "3.14")
	defer os.Unsetenv("TEST_FLOAT")
	if v := getEnvFloat("TEST_FLOAT", 0.0); v != 3.14 {
		t.Errorf("getEnvFloat = %f, want %f", v, 3.14)
	}

	os.Setenv("TEST_BOOL_TRUE", "true")
	os.Setenv("TEST_BOOL_ONE", "1")
	os.Setenv("TEST_BOOL_FALSE", "false")
	defer func() {
		os.Unsetenv("TEST_BOOL_TRUE")
		os.Unsetenv("TEST_BOOL_ONE")
		os.Unsetenv("TEST_BOOL_FALSE")
	}()
	if !getEnvBool("TEST_BOOL_TRUE", false) {
		t.Error("getEnvBool should return true for 'true'")
	}
	if !getEnvBool("TEST_BOOL_ONE", false) {
		t.Error("getEnvBool should return true for '1'")
	}
	if getEnvBool("TEST_BOOL_FALSE", true) {
		t.Error("getEnvBool should return false for 'false'")
	}

	os.Setenv("TEST_LIST", "a, b ,c")
	defer os.Unsetenv("TEST_LIST")
	got := getEnvList("TEST_LIST", nil)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("getEnvList = %v, want [a b c]", got)
	}
}
