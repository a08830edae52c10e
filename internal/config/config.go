package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	LLM      LLMConfig      `toml:"llm"`
	Database DatabaseConfig `toml:"database"`
	Agent    AgentConfig    `toml:"agent"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Memory   MemoryConfig   `toml:"memory"`
	Observer ObserverConfig `toml:"observer"`
}

type ServerConfig struct {
	Listen    string `toml:"listen"`
	UploadDir string `toml:"upload_dir"`
}

type LLMConfig struct {
	Host   string `toml:"host"`
	Model  string `toml:"model"`
	APIKey string `toml:"api_key"`
	NumCtx int    `toml:"num_ctx"`
	Think  bool   `toml:"think"`
}

type DatabaseConfig struct {
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type AgentConfig struct {
	SystemPrompt     string `toml:"system_prompt"`
	MiniAgentPrompt  string `toml:"mini_agent_prompt"`
	MaxToolCallDepth int    `toml:"max_tool_call_depth"`
	MaxMiniAgents    int    `toml:"max_mini_agents"`
	ToolPlaceholder  string `toml:"tool_placeholder_content"`
	// Seconds between sandbox notification polls.
	NotificationPollInterval int `toml:"notification_poll_interval"`
}

type SandboxConfig struct {
	Image             string `toml:"image"`
	ContainerTemplate string `toml:"container_template"`
	DockerHost        string `toml:"docker_host"`
	Persist           bool   `toml:"persist"`
	StateDir          string `toml:"state_dir"`
	ReturnDir         string `toml:"return_dir"`
	// Seconds before a one-shot command is aborted.
	HardTimeout int `toml:"hard_timeout"`
}

type MemoryConfig struct {
	Limit           int    `toml:"limit"`
	DefaultTemplate string `toml:"default_template"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

const defaultSystemPrompt = `You are Steward, an autonomous assistant with a Linux sandbox, persistent memory, and helper agents at your disposal. Use the terminal for anything the user asks that a shell can do. Keep your memory up to date with facts worth keeping. Delegate long side tasks to helper agents.`

const defaultMiniAgentPrompt = `You are {name}, a helper agent working for a senior agent. Task details: {details}. Context: {context}. Work the task with your terminal and report results back concisely.`

const defaultMemoryTemplate = `{
  "facts": {},
  "preferences": {},
  "protected_memory": {}
}`

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	dataDir := filepath.Join(home, "steward")
	return Config{
		Server: ServerConfig{
			Listen:    ":8765",
			UploadDir: filepath.Join(dataDir, "upload"),
		},
		LLM: LLMConfig{
			Host:   "http://localhost:11434",
			Model:  "qwen3:30b",
			NumCtx: 32768,
		},
		Database: DatabaseConfig{Driver: "sqlite", Path: filepath.Join(dataDir, "steward.db")},
		Agent: AgentConfig{
			SystemPrompt:             defaultSystemPrompt,
			MiniAgentPrompt:          defaultMiniAgentPrompt,
			MaxToolCallDepth:         15,
			MaxMiniAgents:            4,
			ToolPlaceholder:          "Awaiting tool response...",
			NotificationPollInterval: 5,
		},
		Sandbox: SandboxConfig{
			Image:             "steward-vm:latest",
			ContainerTemplate: "steward-vm-{user}",
			StateDir:          filepath.Join(dataDir, "state"),
			ReturnDir:         filepath.Join(dataDir, "return"),
			HardTimeout:       300,
		},
		Memory: MemoryConfig{
			Limit:           8192,
			DefaultTemplate: defaultMemoryTemplate,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "steward.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("STEWARD_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("STEWARD_LLM_HOST"); v != "" {
		cfg.LLM.Host = v
	}
	if v := os.Getenv("STEWARD_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("STEWARD_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("STEWARD_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("STEWARD_POSTGRES_URL"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("STEWARD_DOCKER_HOST"); v != "" {
		cfg.Sandbox.DockerHost = v
	}
	if v := os.Getenv("STEWARD_VM_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}
	if v := os.Getenv("STEWARD_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
	}
	if os.Getenv("STEWARD_OBSERVER_ENABLED") == "true" || os.Getenv("STEWARD_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Agent.MaxToolCallDepth <= 0 {
		cfg.Agent.MaxToolCallDepth = 15
	}
	if cfg.Agent.MaxMiniAgents <= 0 {
		cfg.Agent.MaxMiniAgents = 4
	}
	if cfg.Sandbox.HardTimeout <= 0 {
		cfg.Sandbox.HardTimeout = 300
	}

	return cfg
}
