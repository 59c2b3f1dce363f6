package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfigResolvesEnvOverride(t *testing.T) {
	os.Setenv("TEST_HTTP_PORT", "9090")
	defer os.Unsetenv("TEST_HTTP_PORT")

	path := writeTempConfig(t, "server:\n  http_port: \"${TEST_HTTP_PORT:-8080}\"\n  ws_port: \"8081\"\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.HTTPPort != "9090" {
		t.Fatalf("expected env override to take effect, got %s", cfg.Server.HTTPPort)
	}
}

func TestLoadConfigFallsBackToDefaultPlaceholder(t *testing.T) {
	os.Unsetenv("TEST_WS_PORT")
	path := writeTempConfig(t, "server:\n  http_port: \"8080\"\n  ws_port: \"${TEST_WS_PORT:-8081}\"\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.WSPort != "8081" {
		t.Fatalf("expected the ${VAR:-default} fallback, got %s", cfg.Server.WSPort)
	}
}

func TestLoadConfigAppliesStructDefaultsForUnsetSections(t *testing.T) {
	path := writeTempConfig(t, "server:\n  http_port: \"8080\"\n  ws_port: \"8081\"\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Dispatch.DedupWindowSeconds != 5 {
		t.Fatalf("expected the dispatch dedup default to survive, got %d", cfg.Dispatch.DedupWindowSeconds)
	}
	if cfg.Pricing.DefaultPerKm["bike"] != 15 {
		t.Fatalf("expected default bike price 15, got %d", cfg.Pricing.DefaultPerKm["bike"])
	}
}
