package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Pruning.MinNovelty != 0.25 {
		t.Errorf("expected default min_novelty 0.25, got %v", cfg.Pruning.MinNovelty)
	}
	if cfg.Pruning.MaxCostPerGain != 3.0 {
		t.Errorf("expected default max_cost_per_gain 3.0, got %v", cfg.Pruning.MaxCostPerGain)
	}
	if cfg.Pruning.Policy != "skip" {
		t.Errorf("expected default prune policy skip, got %s", cfg.Pruning.Policy)
	}
	if cfg.Pruning.BaselineExempt {
		t.Errorf("first outputs must be held to the thresholds by default")
	}
	want := []string{"git_write", "file_write", "file_delete", "external_post", "state_prune"}
	if len(cfg.HITL.DestructiveOps) != len(want) {
		t.Fatalf("unexpected destructive ops: %v", cfg.HITL.DestructiveOps)
	}
	for i, op := range want {
		if cfg.HITL.DestructiveOps[i] != op {
			t.Errorf("destructive op %d: got %s, want %s", i, cfg.HITL.DestructiveOps[i], op)
		}
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("SYNOD_PRUNING_POLICY", "block")
	t.Setenv("SYNOD_MEMORY_SQLITE_PATH", "/tmp/paths.db")
	t.Setenv("SYNOD_PRUNING_BASELINE_EXEMPT", "true")
	t.Setenv("SYNOD_LLM_API_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Pruning.Policy != "block" {
		t.Errorf("expected policy from env, got %s", cfg.Pruning.Policy)
	}
	if cfg.Memory.SQLitePath != "/tmp/paths.db" {
		t.Errorf("expected sqlite path from env, got %s", cfg.Memory.SQLitePath)
	}
	if !cfg.Pruning.BaselineExempt || cfg.LLM.APIKey != "sk-test" {
		t.Errorf("expected baseline_exempt and api_key from env, got %v %q", cfg.Pruning.BaselineExempt, cfg.LLM.APIKey)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "synod.yaml")
	content := `
log:
  level: debug
security:
  roles:
    alice: admin
    bob: viewer
pruning:
  min_novelty: 0.4
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Log.Level)
	}
	if cfg.Security.Roles["alice"] != "admin" || cfg.Security.Roles["bob"] != "viewer" {
		t.Errorf("unexpected roles: %v", cfg.Security.Roles)
	}
	if cfg.Pruning.MinNovelty != 0.4 {
		t.Errorf("expected file override 0.4, got %v", cfg.Pruning.MinNovelty)
	}
	if cfg.Pruning.MaxCostPerGain != 3.0 {
		t.Errorf("expected default to survive, got %v", cfg.Pruning.MaxCostPerGain)
	}
}

func TestLoadWithCLIOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "synod.yaml")
	if err := os.WriteFile(path, []byte("pruning:\n  policy: skip\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SYNOD_PRUNING_POLICY", "skip")

	cfg, err := LoadWithCLI([]string{
		"--config", path,
		"--set", "pruning.policy=block",
		"--set", "orchestrator.pause_poll_millis=10",
		"--set", "memory.qdrant_enabled=true",
	})
	if err != nil {
		t.Fatalf("LoadWithCLI failed: %v", err)
	}
	if cfg.Pruning.Policy != "block" {
		t.Fatalf("expected cli override, got %s", cfg.Pruning.Policy)
	}
	if cfg.Orchestrator.PausePollMillis != 10 {
		t.Fatalf("expected poll override, got %d", cfg.Orchestrator.PausePollMillis)
	}
	if !cfg.Memory.QdrantEnabled {
		t.Fatalf("expected qdrant enabled")
	}
}

func TestParseCLIOverridesErrors(t *testing.T) {
	if _, _, err := parseCLIOverrides([]string{"--config"}); err == nil {
		t.Fatalf("expected error for missing --config value")
	}
	if _, _, err := parseCLIOverrides([]string{"--set"}); err == nil {
		t.Fatalf("expected error for missing --set value")
	}
	if _, _, err := parseCLIOverrides([]string{"--set", "invalid"}); err == nil {
		t.Fatalf("expected error for invalid --set value")
	}
}
