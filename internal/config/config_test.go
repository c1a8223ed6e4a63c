package config

import (
	"os"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("PORT")
	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("ENV")
	os.Unsetenv("CACHE_VERSION")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}

	if cfg.CacheVersion != "v1" {
		t.Errorf("expected cache version 'v1', got %s", cfg.CacheVersion)
	}

	if len(cfg.ShellManifest) == 0 {
		t.Error("expected a default shell manifest")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	os.Setenv("PORT", "9000")
	os.Setenv("CACHE_VERSION", "v42")
	os.Setenv("SHELL_MANIFEST", "/a.js,/b.css")
	defer func() {
		os.Unsetenv("PORT")
		os.Unsetenv("CACHE_VERSION")
		os.Unsetenv("SHELL_MANIFEST")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}

	if cfg.CacheVersion != "v42" {
		t.Errorf("expected cache version 'v42', got %s", cfg.CacheVersion)
	}

	if len(cfg.ShellManifest) != 2 || cfg.ShellManifest[0] != "/a.js" {
		t.Errorf("unexpected manifest: %v", cfg.ShellManifest)
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	os.Setenv("PORT", "not-a-number")
	defer os.Unsetenv("PORT")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid PORT")
	}
}
