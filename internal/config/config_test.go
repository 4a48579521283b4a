package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{DefaultProfile: "work"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestStaleSendThresholdDefault(t *testing.T) {
	cfg := &Config{}
	if got := cfg.StaleSendThreshold(); got != defaultStaleSend {
		t.Errorf("StaleSendThreshold() = %v, want %v", got, defaultStaleSend)
	}
	cfg.StaleSendSeconds = 90
	if got := cfg.StaleSendThreshold().Seconds(); got != 90 {
		t.Errorf("StaleSendThreshold() = %vs, want 90s", got)
	}
}

func TestValidateProfileName(t *testing.T) {
	for _, name := range []string{"default", "work-2", "a_b"} {
		if err := ValidateProfileName(name); err != nil {
			t.Errorf("ValidateProfileName(%q) = %v, want nil", name, err)
		}
	}
	for _, name := range []string{"", "UPPER", "has space", "x/y"} {
		if err := ValidateProfileName(name); err == nil {
			t.Errorf("ValidateProfileName(%q) = nil, want error", name)
		}
	}
}

func TestResolvePrecedence(t *testing.T) {
	cfg := &Config{DefaultProfile: "home"}
	if got := Resolve("flag", cfg); got != "flag" {
		t.Errorf("Resolve flag = %q, want flag", got)
	}
	if got := Resolve("", cfg); got != "home" {
		t.Errorf("Resolve config = %q, want home", got)
	}
	if got := Resolve("", &Config{}); got != "default" {
		t.Errorf("Resolve fallback = %q, want default", got)
	}
}
