// Package config loads the unified loom.jsonc configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the single configuration file format for loom.jsonc
type Config struct {
	Server          ServerSection          `json:"server"`
	Execution       ExecutionSection       `json:"execution"`
	Session         SessionSection         `json:"session"`
	Compaction      CompactionSection      `json:"compaction"`
	CodeInterpreter CodeInterpreterSection `json:"code_interpreter"`
	Roles           map[string]RoleSection `json:"roles"`
	Logging         LoggingSection         `json:"logging"`
}

// ServerSection configures the execution server process
type ServerSection struct {
	WorkDir            string   `json:"work_dir"`
	KernelCommand      []string `json:"kernel_command"`
	IdleTimeoutMinutes int      `json:"idle_timeout_minutes"`
	CleanupCron        string   `json:"cleanup_cron"`
	ExecWorkers        int      `json:"exec_workers"`
}

// ExecutionSection configures how the orchestrator reaches the execution
// service
type ExecutionSection struct {
	Server ExecutionServerSection `json:"server"`
}

// ExecutionServerSection holds the execution.server.* options
type ExecutionServerSection struct {
	URL            string `json:"url"`
	APIKey         string `json:"api_key"`
	AutoStart      bool   `json:"auto_start"`
	Container      bool   `json:"container"`
	ContainerImage string `json:"container_image"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Timeout        int    `json:"timeout"` // seconds
}

// SessionSection configures conversation sessions
type SessionSection struct {
	// Roles is the ordered list of role aliases to instantiate
	Roles []string `json:"roles"`
}

// CompactionSection configures background history compaction
type CompactionSection struct {
	Enabled      bool `json:"enabled"`
	Threshold    int  `json:"threshold"`
	RetainRecent int  `json:"retain_recent"`
}

// CodeInterpreterSection configures the CodeInterpreter worker
type CodeInterpreterSection struct {
	RequireConfirmation bool     `json:"require_confirmation"`
	MaxRetryCount       int      `json:"max_retry_count"`
	VerificationOn      bool     `json:"verification_on"`
	AllowedModules      []string `json:"allowed_modules,omitempty"`
	BlockedModules      []string `json:"blocked_modules,omitempty"`
	BlockedFunctions    []string `json:"blocked_functions,omitempty"`
}

// RoleSection holds per-role overrides
type RoleSection struct {
	CompactionPromptPath string `json:"compaction_prompt_path,omitempty"`
}

// LoggingSection configures the logger
type LoggingSection struct {
	Dir  string `json:"dir"`
	JSON bool   `json:"json"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerSection{
			WorkDir:            "workspace",
			KernelCommand:      []string{"loom-kernel"},
			IdleTimeoutMinutes: 30,
			CleanupCron:        "*/5 * * * *",
		},
		Execution: ExecutionSection{
			Server: ExecutionServerSection{
				URL:       "http://localhost:8010",
				AutoStart: false,
				Host:      "localhost",
				Port:      8010,
				Timeout:   300,
			},
		},
		Session: SessionSection{
			Roles: []string{"Planner", "CodeInterpreter"},
		},
		Compaction: CompactionSection{
			Enabled:      true,
			Threshold:    10,
			RetainRecent: 3,
		},
		CodeInterpreter: CodeInterpreterSection{
			RequireConfirmation: false,
			MaxRetryCount:       3,
			VerificationOn:      false,
		},
		Roles: map[string]RoleSection{},
		Logging: LoggingSection{
			Dir: "logs",
		},
	}
}

// FindConfigPath returns the path to loom.jsonc using precedence:
// 1. configDir + /loom.jsonc (if configDir specified)
// 2. ./config/loom.jsonc (project-local)
// 3. ~/.loom/config/loom.jsonc (user global)
func FindConfigPath(configDir string) (string, error) {
	if configDir != "" {
		path := filepath.Join(configDir, "loom.jsonc")
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("loom.jsonc not found in %s", configDir)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return path, nil
		}
		return abs, nil
	}

	candidates := []string{
		filepath.Join("config", "loom.jsonc"),
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".loom", "config", "loom.jsonc"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("loom.jsonc not found; tried: %v", candidates)
}

// Load reads configuration from a loom.jsonc file, applying defaults for
// every absent option
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	jsonData := StripJSONComments(data)

	cfg := Default()
	if err := json.Unmarshal(jsonData, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// LoadOrDefault loads the discovered config file, falling back to the
// built-in defaults when none exists
func LoadOrDefault(configDir string) (*Config, error) {
	path, err := FindConfigPath(configDir)
	if err != nil {
		cfg := Default()
		applyDefaults(cfg)
		return cfg, nil
	}
	return Load(path)
}

// applyDefaults backfills zero values that must never stay zero
func applyDefaults(cfg *Config) {
	def := Default()

	if cfg.Server.WorkDir == "" {
		cfg.Server.WorkDir = def.Server.WorkDir
	}
	if len(cfg.Server.KernelCommand) == 0 {
		cfg.Server.KernelCommand = def.Server.KernelCommand
	}
	if cfg.Server.CleanupCron == "" {
		cfg.Server.CleanupCron = def.Server.CleanupCron
	}
	if cfg.Execution.Server.URL == "" {
		cfg.Execution.Server.URL = def.Execution.Server.URL
	}
	if cfg.Execution.Server.Host == "" {
		cfg.Execution.Server.Host = def.Execution.Server.Host
	}
	if cfg.Execution.Server.Port == 0 {
		cfg.Execution.Server.Port = def.Execution.Server.Port
	}
	if cfg.Execution.Server.Timeout == 0 {
		cfg.Execution.Server.Timeout = def.Execution.Server.Timeout
	}
	if len(cfg.Session.Roles) == 0 {
		cfg.Session.Roles = def.Session.Roles
	}
	if cfg.Compaction.Threshold == 0 {
		cfg.Compaction.Threshold = def.Compaction.Threshold
	}
	if cfg.Compaction.RetainRecent == 0 {
		cfg.Compaction.RetainRecent = def.Compaction.RetainRecent
	}
	if cfg.CodeInterpreter.MaxRetryCount == 0 {
		cfg.CodeInterpreter.MaxRetryCount = def.CodeInterpreter.MaxRetryCount
	}
	if cfg.Roles == nil {
		cfg.Roles = map[string]RoleSection{}
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = def.Logging.Dir
	}
}
