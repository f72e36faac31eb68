// Package config loads synod settings from defaults, YAML files, the
// environment and command-line overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log          LogConfig          `koanf:"log"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	LLM          LLMConfig          `koanf:"llm"`
	HITL         HITLConfig         `koanf:"hitl"`
	Security     SecurityConfig     `koanf:"security"`
	Pruning      PruningConfig      `koanf:"pruning"`
	Memory       MemoryConfig       `koanf:"memory"`
	Audit        AuditConfig        `koanf:"audit"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Server       ServerConfig       `koanf:"server"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	Exporter     string `koanf:"exporter"` // stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

type LLMConfig struct {
	Provider string `koanf:"provider"` // echo, ollama, or a registered provider
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	// APIKey is handed to hosted providers; empty lets them read their own
	// environment variable.
	APIKey string `koanf:"api_key"`
}

// HITLConfig lists the operation kinds that require a human decision.
type HITLConfig struct {
	DestructiveOps []string `koanf:"destructive_ops"`
	Modal          string   `koanf:"modal"` // console, approve, deny
}

// SecurityConfig maps users to roles.
type SecurityConfig struct {
	Roles map[string]string `koanf:"roles"`
}

type PruningConfig struct {
	MinNovelty     float64 `koanf:"min_novelty"`
	MinGrowth      float64 `koanf:"min_growth"`
	MaxCostPerGain float64 `koanf:"max_cost_per_gain"`
	// Policy decides what the orchestrator does with a team suggested for
	// pruning: skip (this scheduling only) or block (rest of the run).
	Policy        string `koanf:"policy"`
	AllowUnderMin bool   `koanf:"allow_under_min"`
	SnapshotDir   string `koanf:"snapshot_dir"`
	// BaselineExempt keeps a team's first output from being suggested.
	BaselineExempt bool `koanf:"baseline_exempt"`
}

type MemoryConfig struct {
	Backend          string  `koanf:"backend"` // inmemory, sqlite
	SQLitePath       string  `koanf:"sqlite_path"`
	AvoidThreshold   float64 `koanf:"avoid_threshold"`
	QdrantEnabled    bool    `koanf:"qdrant_enabled"`
	QdrantAddr       string  `koanf:"qdrant_addr"`
	QdrantCollection string  `koanf:"qdrant_collection"`
}

type AuditConfig struct {
	Sink          string `koanf:"sink"` // memory, jsonl, sqlite
	Path          string `koanf:"path"`
	EncryptionKey string `koanf:"encryption_key"` // hex, 32 bytes; empty disables
}

type OrchestratorConfig struct {
	WorkflowFile      string `koanf:"workflow_file"`
	CheckpointDir     string `koanf:"checkpoint_dir"`
	PausePollMillis   int    `koanf:"pause_poll_millis"`
	MaxPauseWaitSecs  int    `koanf:"max_pause_wait_seconds"`
	AllowSingleActive bool   `koanf:"allow_single_active"`
}

type ServerConfig struct {
	Addr      string `koanf:"addr"`
	JWTSecret string `koanf:"jwt_secret"`
}

func defaults() map[string]any {
	return map[string]any{
		"log.level":  "info",
		"log.format": "text",

		"telemetry.enabled":  false,
		"telemetry.exporter": "stdout",

		"llm.provider": "scripted",
		"llm.model":    "qwen2.5-coder:7b-instruct-q5_K_M",
		"llm.base_url": "http://localhost:11434",

		"hitl.destructive_ops": []string{"git_write", "file_write", "file_delete", "external_post", "state_prune"},
		"hitl.modal":           "console",

		"pruning.min_novelty":       0.25,
		"pruning.min_growth":        0.0,
		"pruning.max_cost_per_gain": 3.0,
		"pruning.policy":            "skip",
		"pruning.allow_under_min":   false,
		"pruning.snapshot_dir":      ".synod/snapshots",
		"pruning.baseline_exempt":   false,

		"memory.backend":           "inmemory",
		"memory.sqlite_path":       ".synod/memory.db",
		"memory.avoid_threshold":   0.8,
		"memory.qdrant_enabled":    false,
		"memory.qdrant_addr":       "localhost:6334",
		"memory.qdrant_collection": "synod_paths",

		"audit.sink": "jsonl",
		"audit.path": ".synod/audit.jsonl",

		"orchestrator.checkpoint_dir":         ".synod/checkpoints",
		"orchestrator.pause_poll_millis":      50,
		"orchestrator.max_pause_wait_seconds": 300,

		"server.addr": "127.0.0.1:8088",
	}
}

// Load reads configuration from path (optional) and SYNOD_ environment variables.
func Load(path string) (*Config, error) {
	return load(path, nil)
}

// LoadWithCLI parses --config and --set key=value arguments and loads the
// resulting configuration. --set values take precedence over everything else.
func LoadWithCLI(args []string) (*Config, error) {
	path, sets, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	return load(path, sets)
}

func load(path string, sets map[string]string) (*Config, error) {
	k := koanf.New(".")
	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	// SYNOD_PRUNING_MIN_NOVELTY -> pruning.min_novelty (first underscore is the section separator).
	if err := k.Load(env.Provider("SYNOD_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "SYNOD_")), "_", ".", 1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range sets {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("apply --set %s: %w", key, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseCLIOverrides(args []string) (string, map[string]string, error) {
	path := ""
	sets := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config":
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--config requires a value")
			}
			path = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			path = strings.TrimPrefix(arg, "--config=")
		case arg == "--set":
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--set requires key=value")
			}
			key, value, ok := strings.Cut(args[i+1], "=")
			if !ok || strings.TrimSpace(key) == "" {
				return "", nil, fmt.Errorf("invalid --set value %q", args[i+1])
			}
			sets[strings.TrimSpace(key)] = value
			i++
		}
	}
	if path == "" {
		if envPath := os.Getenv("SYNOD_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	return path, sets, nil
}
