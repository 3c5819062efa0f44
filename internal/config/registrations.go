package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ProjectEntry binds a chat channel to a local worker path, as declared in
// projects.yaml. It is reconciled into the persistence store at startup and
// whenever projects.yaml changes.
type ProjectEntry struct {
	ID                string  `yaml:"id"`
	ChannelID         string  `yaml:"channel_id"`
	DisplayName       string  `yaml:"display_name"`
	LocalPath         string  `yaml:"local_path"`
	PreferredWorkerID string  `yaml:"preferred_worker_id"`
	DefaultModel      string  `yaml:"default_model"`
	DefaultBudget     float64 `yaml:"default_budget"`
	DeployPlatform    string  `yaml:"deploy_platform"`
}

type projectsFile struct {
	Projects []ProjectEntry `yaml:"projects"`
}

// ProjectsPath returns the path to projects.yaml within the given home directory.
func ProjectsPath(homeDir string) string {
	return filepath.Join(homeDir, "projects.yaml")
}

// LoadProjects reads projects.yaml, returning an empty slice if the file
// doesn't exist yet.
func LoadProjects(homeDir string) ([]ProjectEntry, error) {
	data, err := os.ReadFile(ProjectsPath(homeDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read projects.yaml: %w", err)
	}
	var pf projectsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse projects.yaml: %w", err)
	}
	return pf.Projects, nil
}

// CredentialEntry issues a worker API key, as declared in credentials.yaml.
// Revoking access is done by removing (or commenting out) the entry and
// letting the next reconcile pass revoke it.
type CredentialEntry struct {
	APIKey   string `yaml:"api_key"`
	WorkerID string `yaml:"worker_id"`
}

type credentialsFile struct {
	Credentials []CredentialEntry `yaml:"credentials"`
}

// CredentialsPath returns the path to credentials.yaml within the given home directory.
func CredentialsPath(homeDir string) string {
	return filepath.Join(homeDir, "credentials.yaml")
}

// LoadCredentials reads credentials.yaml, returning an empty slice if the
// file doesn't exist yet.
func LoadCredentials(homeDir string) ([]CredentialEntry, error) {
	data, err := os.ReadFile(CredentialsPath(homeDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credentials.yaml: %w", err)
	}
	var cf credentialsFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse credentials.yaml: %w", err)
	}
	return cf.Credentials, nil
}

// BotPluginEntry declares how a chat command (e.g. "fix", "build", "review")
// maps onto a task's execution configuration, as declared in bots.yaml. It
// mirrors command.BotPlugin field-for-field; config stays free of a direct
// import on internal/command, so the caller converts.
type BotPluginEntry struct {
	Command          string   `yaml:"command"`
	Name             string   `yaml:"name"`
	SystemPrompt     string   `yaml:"system_prompt"`
	Model            string   `yaml:"model"`
	AllowedTools     []string `yaml:"allowed_tools"`
	DefaultBudget    float64  `yaml:"default_budget"`
	MaxContinuations int      `yaml:"max_continuations"`
	Decompose        bool     `yaml:"decompose"`
}

type botPluginsFile struct {
	Plugins []BotPluginEntry `yaml:"plugins"`
}

// BotPluginsPath returns the path to bots.yaml within the given home directory.
func BotPluginsPath(homeDir string) string {
	return filepath.Join(homeDir, "bots.yaml")
}

// DefaultBotPlugins returns the built-in command set dispatchd ships with:
// "fix" and "test" dispatch directly, "review" is read-only, and "build"
// hands off to C10 decomposition. An operator's bots.yaml, when present,
// replaces this set entirely rather than merging with it.
func DefaultBotPlugins() []BotPluginEntry {
	return []BotPluginEntry{
		{Command: "fix", Name: "fix", Model: "claude-sonnet-4-5", AllowedTools: []string{"read", "edit", "bash"}, MaxContinuations: 3},
		{Command: "test", Name: "test", Model: "claude-sonnet-4-5", AllowedTools: []string{"read", "edit", "bash"}, MaxContinuations: 3},
		{Command: "review", Name: "review", Model: "claude-sonnet-4-5", AllowedTools: []string{"read"}, MaxContinuations: 1},
		{Command: "build", Name: "build", Model: "claude-sonnet-4-5", AllowedTools: []string{"read"}, MaxContinuations: 0, Decompose: true},
	}
}

// LoadBotPlugins reads bots.yaml, falling back to DefaultBotPlugins if the
// file doesn't exist yet.
func LoadBotPlugins(homeDir string) ([]BotPluginEntry, error) {
	data, err := os.ReadFile(BotPluginsPath(homeDir))
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultBotPlugins(), nil
		}
		return nil, fmt.Errorf("read bots.yaml: %w", err)
	}
	var bf botPluginsFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return nil, fmt.Errorf("parse bots.yaml: %w", err)
	}
	if len(bf.Plugins) == 0 {
		return DefaultBotPlugins(), nil
	}
	return bf.Plugins, nil
}
