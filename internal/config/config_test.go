package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyConfig()

	if got := cfg.GetFPS(); got != 30.0 {
		t.Errorf("GetFPS() = %f, want 30.0", got)
	}
	if got := cfg.GetFeaturesPerFrame(); got != 1000 {
		t.Errorf("GetFeaturesPerFrame() = %d, want 1000", got)
	}
	if got := cfg.GetMatchLowThreshold(); got != 50 {
		t.Errorf("GetMatchLowThreshold() = %d, want 50", got)
	}
	if got := cfg.GetMatchHighThreshold(); got != 100 {
		t.Errorf("GetMatchHighThreshold() = %d, want 100", got)
	}
	if got := cfg.GetDefaultRatio(); got != 0.6 {
		t.Errorf("GetDefaultRatio() = %f, want 0.6", got)
	}
	if got := cfg.GetHighCovisibilityWeight(); got != 100 {
		t.Errorf("GetHighCovisibilityWeight() = %d, want 100", got)
	}
	if got := cfg.GetRecentPointProbationKeyframes(); got != 2 {
		t.Errorf("GetRecentPointProbationKeyframes() = %d, want 2", got)
	}
	if got := cfg.GetMaxFrames(); got != 30 {
		t.Errorf("GetMaxFrames() = %d, want 30 (== default fps)", got)
	}
}

func TestLoadConfigPartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.json")
	const body = `{"fps": 15, "match_low_threshold": 40}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path, dir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if got := cfg.GetFPS(); got != 15 {
		t.Errorf("GetFPS() = %f, want 15", got)
	}
	if got := cfg.GetMatchLowThreshold(); got != 40 {
		t.Errorf("GetMatchLowThreshold() = %d, want 40", got)
	}
	// Untouched fields still fall back to defaults.
	if got := cfg.GetMatchHighThreshold(); got != 100 {
		t.Errorf("GetMatchHighThreshold() = %d, want 100", got)
	}
}

func TestLoadConfigRejectsWrongExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.txt")
	if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path, dir); err == nil {
		t.Fatal("expected error for non-.json extension")
	}
}

func TestLoadConfigRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(t.TempDir(), "tuning.json")
	if err := os.WriteFile(outside, []byte(`{}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(outside, dir); err == nil {
		t.Fatal("expected error for path outside safe directory")
	}
}

func TestValidateRejectsOutOfRangeRatio(t *testing.T) {
	cfg := EmptyConfig()
	bad := 1.5
	cfg.DefaultRatio = &bad
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for default_ratio > 1")
	}
}
