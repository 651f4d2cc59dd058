package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/deepnoodle-ai/wonton/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default("/repo")

	assert.Equal(t, "/repo", cfg.ProjectRoot)
	assert.Equal(t, filepath.Join("/repo", ".taskmaster", "worktrees"), cfg.WorktreeBaseDir)
	assert.Equal(t, "task/", cfg.BranchPrefix)
	assert.Equal(t, "task/*", cfg.BranchPattern())
	assert.Equal(t, DefaultStopGraceSeconds, cfg.StopGraceSeconds)
	assert.Equal(t, DefaultEventBufferSize, cfg.EventBufferSize)
	assert.Equal(t, filepath.Join("/repo", ".taskmaster", "workflows.json"), cfg.RegistryPath())
	assert.NoError(t, cfg.Validate())
}

func TestParseYAML(t *testing.T) {
	cfg, err := ParseYAML([]byte(`
AgentPath: /usr/local/bin/claude
AgentArgs: ["--print"]
DefaultTimeoutMinutes: 30
BranchPrefix: "feature/"
CleanupOnExit: true
KeepPatterns:
  - "task-keep-*"
`))
	assert.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/claude", cfg.AgentPath)
	assert.Equal(t, []string{"--print"}, cfg.AgentArgs)
	assert.Equal(t, 30, cfg.DefaultTimeoutMinutes)
	assert.Equal(t, "feature/", cfg.BranchPrefix)
	assert.True(t, cfg.CleanupOnExit)
	assert.Len(t, cfg.KeepPatterns, 1)
}

func TestParseYAMLRejectsUnknownFields(t *testing.T) {
	_, err := ParseYAML([]byte("NotASetting: true\n"))
	assert.Error(t, err)
}

func TestParseJSON(t *testing.T) {
	cfg, err := ParseJSON([]byte(`{"AgentPath": "/bin/agent", "Debug": true}`))
	assert.NoError(t, err)
	assert.Equal(t, "/bin/agent", cfg.AgentPath)
	assert.True(t, cfg.Debug)
}

func TestParseFileUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	assert.NoError(t, os.WriteFile(path, []byte("x = 1"), 0644))

	_, err := ParseFile(path)
	assert.Error(t, err)
}

func TestLoadFindsConfigFile(t *testing.T) {
	root := t.TempDir()
	assert.NoError(t, os.MkdirAll(filepath.Join(root, Dir), 0755))
	assert.NoError(t, os.WriteFile(
		filepath.Join(root, Dir, "config.yaml"),
		[]byte("AgentPath: /bin/agent\nStopGraceSeconds: 3\n"), 0644))

	cfg, err := Load(root)
	assert.NoError(t, err)
	assert.Equal(t, root, cfg.ProjectRoot)
	assert.Equal(t, "/bin/agent", cfg.AgentPath)
	assert.Equal(t, 3, cfg.StopGraceSeconds)
	// Unset fields still receive defaults
	assert.Equal(t, filepath.Join(root, Dir, "worktrees"), cfg.WorktreeBaseDir)
}

func TestLoadWithoutConfigFile(t *testing.T) {
	root := t.TempDir()

	cfg, err := Load(root)
	assert.NoError(t, err)
	assert.Equal(t, root, cfg.ProjectRoot)
	assert.Equal(t, "task/", cfg.BranchPrefix)
}

func TestValidate(t *testing.T) {
	cfg := Default("/repo")
	cfg.DefaultTimeoutMinutes = -1
	assert.Error(t, cfg.Validate())

	cfg = Default("/repo")
	cfg.MaxConcurrent = -1
	assert.Error(t, cfg.Validate())

	cfg = &Config{}
	cfg.ApplyDefaults()
	assert.Error(t, cfg.Validate())
}
