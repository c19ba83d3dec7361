package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv(configPathEnv, "")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.Env != "dev" {
		t.Fatalf("expected env dev, got %q", cfg.Env)
	}
	if cfg.RoboflowModelID != "microplastics-yolov5/1" {
		t.Fatalf("unexpected default model id %q", cfg.RoboflowModelID)
	}
}

func TestLoadYAMLThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "port: \"9000\"\ngeminiModel: gemini-1.5-pro\nworkerConcurrency: 8\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(configPathEnv, path)
	t.Setenv("PORT", "9191")
	t.Setenv("GEMINI_MODEL", "")

	cfg := Load()
	if cfg.Port != "9191" {
		t.Fatalf("env should override yaml, got port %q", cfg.Port)
	}
	if cfg.GeminiModel != "gemini-1.5-pro" {
		t.Fatalf("expected yaml gemini model, got %q", cfg.GeminiModel)
	}
	if cfg.WorkerConcurrency != 8 {
		t.Fatalf("expected workerConcurrency 8, got %d", cfg.WorkerConcurrency)
	}
}

func TestNormalizeEnv(t *testing.T) {
	cases := map[string]string{
		"prod":       "production",
		"PRODUCTION": "production",
		"staging":    "staging",
		"local":      "local",
		"":           "dev",
		"weird":      "dev",
	}
	for in, want := range cases {
		if got := normalizeEnv(in); got != want {
			t.Errorf("normalizeEnv(%q) = %q, want %q", in, got, want)
		}
	}
}
