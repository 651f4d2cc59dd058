// Package config defines the engine settings and loads them from the
// project's .taskmaster directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// Dir is the dot-directory under the project root that holds engine
	// state and settings.
	Dir = ".taskmaster"

	// RegistryFileName is the workflow registry document inside Dir.
	RegistryFileName = "workflows.json"

	DefaultBranchPrefix     = "task/"
	DefaultStopGraceSeconds = 10
	DefaultEventBufferSize  = 256
)

// Config carries the engine settings. Zero values are filled in by
// ApplyDefaults; ProjectRoot is always supplied by the caller, never read
// from a file.
type Config struct {
	// ProjectRoot is the repository the engine operates on.
	ProjectRoot string `yaml:"-" json:"-"`

	// AgentPath is the coding-agent executable spawned for each workflow.
	AgentPath string `yaml:"AgentPath,omitempty" json:"AgentPath,omitempty"`

	// AgentArgs are base arguments selecting the agent's non-interactive
	// mode. The rendered task prompt is appended after them.
	AgentArgs []string `yaml:"AgentArgs,omitempty" json:"AgentArgs,omitempty"`

	// MaxConcurrent is advisory: the engine does not enforce it, but
	// carries it for the caller that does.
	MaxConcurrent int `yaml:"MaxConcurrent,omitempty" json:"MaxConcurrent,omitempty"`

	// DefaultTimeoutMinutes bounds a workflow's process unless overridden
	// per workflow. Zero means no timeout.
	DefaultTimeoutMinutes int `yaml:"DefaultTimeoutMinutes,omitempty" json:"DefaultTimeoutMinutes,omitempty"`

	// WorktreeBaseDir is where workspaces are created. Defaults to
	// <ProjectRoot>/.taskmaster/worktrees.
	WorktreeBaseDir string `yaml:"WorktreeBaseDir,omitempty" json:"WorktreeBaseDir,omitempty"`

	// BranchPrefix names the task-branch convention, e.g. "task/".
	BranchPrefix string `yaml:"BranchPrefix,omitempty" json:"BranchPrefix,omitempty"`

	// StopGraceSeconds is the window between a graceful terminate signal
	// and the forced kill escalation.
	StopGraceSeconds int `yaml:"StopGraceSeconds,omitempty" json:"StopGraceSeconds,omitempty"`

	// CleanupOnExit removes a workflow's workspace once its process exits.
	CleanupOnExit bool `yaml:"CleanupOnExit,omitempty" json:"CleanupOnExit,omitempty"`

	// KeepPatterns shields matching workspace paths from bulk cleanup.
	// Patterns use doublestar syntax and match paths relative to
	// WorktreeBaseDir.
	KeepPatterns []string `yaml:"KeepPatterns,omitempty" json:"KeepPatterns,omitempty"`

	// AgentLogs mirrors each workflow's process output to a log file under
	// <ProjectRoot>/.taskmaster/logs.
	AgentLogs bool `yaml:"AgentLogs,omitempty" json:"AgentLogs,omitempty"`

	// WatchRegistry warns when another process writes the registry file.
	WatchRegistry bool `yaml:"WatchRegistry,omitempty" json:"WatchRegistry,omitempty"`

	// EventBufferSize bounds the engine's event channels.
	EventBufferSize int `yaml:"EventBufferSize,omitempty" json:"EventBufferSize,omitempty"`

	// Debug enables debug logging and the event tracer.
	Debug bool `yaml:"Debug,omitempty" json:"Debug,omitempty"`
}

// Default returns the configuration used when no config file exists.
func Default(projectRoot string) *Config {
	cfg := &Config{ProjectRoot: projectRoot}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.WorktreeBaseDir == "" && c.ProjectRoot != "" {
		c.WorktreeBaseDir = filepath.Join(c.ProjectRoot, Dir, "worktrees")
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = DefaultBranchPrefix
	}
	if c.StopGraceSeconds <= 0 {
		c.StopGraceSeconds = DefaultStopGraceSeconds
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = DefaultEventBufferSize
	}
}

// Validate confirms the settings are usable. It does not require AgentPath:
// components that never spawn a process can run without one.
func (c *Config) Validate() error {
	if c.ProjectRoot == "" {
		return fmt.Errorf("project root is required")
	}
	if c.DefaultTimeoutMinutes < 0 {
		return fmt.Errorf("default timeout minutes must not be negative")
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max concurrent must not be negative")
	}
	return nil
}

// RegistryPath returns the workflow registry document path.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.ProjectRoot, Dir, RegistryFileName)
}

// LogsDir returns the directory for per-workflow agent output logs.
func (c *Config) LogsDir() string {
	return filepath.Join(c.ProjectRoot, Dir, "logs")
}

// BranchPattern returns the glob pattern matching task branches.
func (c *Config) BranchPattern() string {
	return c.BranchPrefix + "*"
}

// StopGrace returns the grace window as a duration.
func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// DefaultTimeout returns the per-workflow timeout as a duration. Zero means
// no timeout.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMinutes) * time.Minute
}

// Load reads the engine configuration from
// <projectRoot>/.taskmaster/config.{yaml,yml,json}, falling back to defaults
// when no config file exists.
func Load(projectRoot string) (*Config, error) {
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		path := filepath.Join(projectRoot, Dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := ParseFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg.ProjectRoot = projectRoot
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
		}
		return cfg, nil
	}
	return Default(projectRoot), nil
}
