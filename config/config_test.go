package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := Default()
	if cfg.Provider != want.Provider || cfg.MaxToolRounds != want.MaxToolRounds {
		t.Errorf("cfg = %+v, want defaults", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pilot.yaml")
	content := "provider: anthropic\nmodel: claude-sonnet-4-20250514\nmax_tool_rounds: 8\nloop_detection: false\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Provider != "anthropic" || cfg.Model != "claude-sonnet-4-20250514" {
		t.Errorf("provider/model = %s/%s", cfg.Provider, cfg.Model)
	}
	if cfg.MaxToolRounds != 8 {
		t.Errorf("max_tool_rounds = %d", cfg.MaxToolRounds)
	}
	if cfg.LoopDetection {
		t.Error("loop_detection should be overridden to false")
	}
	// Untouched fields keep their defaults.
	if cfg.CompactCeiling != Default().CompactCeiling {
		t.Errorf("compact_ceiling = %d", cfg.CompactCeiling)
	}
}

func TestLoadRejectsBadCompactionBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pilot.yaml")
	content := "provider: openai\nmodel: gpt-4o\ncompact_ceiling: 10\ncompact_keep_recent: 10\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("keep_recent >= ceiling should be rejected")
	}
}

func TestResolveAPIKeyPrecedence(t *testing.T) {
	cfg := Config{Provider: "openai", APIKey: "from-file"}
	if got := cfg.ResolveAPIKey(); got != "from-file" {
		t.Errorf("file key not preferred: %q", got)
	}

	cfg.APIKey = ""
	t.Setenv("PILOT_API_KEY", "from-pilot-env")
	t.Setenv("OPENAI_API_KEY", "from-provider-env")
	if got := cfg.ResolveAPIKey(); got != "from-pilot-env" {
		t.Errorf("PILOT_API_KEY not preferred: %q", got)
	}

	t.Setenv("PILOT_API_KEY", "")
	if got := cfg.ResolveAPIKey(); got != "from-provider-env" {
		t.Errorf("provider env not used: %q", got)
	}
}
