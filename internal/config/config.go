package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models commandcore.yml.
type Config struct {
	Planner struct {
		Model          string `yaml:"model"`
		VisionModel    string `yaml:"vision_model"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"planner"`
	Executor struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"executor"`
	Catalog  map[string][]CatalogTask `yaml:"catalog"`
	Webhooks []WebhookConfig          `yaml:"webhooks,omitempty"`
}

// CatalogTask is one predefined maintenance intent.
type CatalogTask struct {
	ID          string `yaml:"id" json:"id"`
	Label       string `yaml:"label" json:"label"`
	Executor    string `yaml:"executor" json:"executor"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Sensitive   bool   `yaml:"sensitive,omitempty" json:"sensitive,omitempty"`
}

// WebhookConfig describes an outbound event notification target.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

var knownExecutors = map[string]bool{
	"cmd":       true,
	"python":    true,
	"ai":        true,
	"ffmpeg":    true,
	"whisper":   true,
	"plugin":    true,
	"web_agent": true,
	"coder":     true,
	"cleaner":   true,
	"ai_core":   true,
}

// Load reads and validates config from a workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with cmdcore config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Planner.Model == "" {
		return fmt.Errorf("config.planner.model is required")
	}
	if c.Planner.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.planner.timeout_seconds must be positive")
	}
	if c.Executor.URL != "" && c.Executor.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.executor.timeout_seconds must be positive when executor.url is set")
	}
	seen := map[string]bool{}
	for module, tasks := range c.Catalog {
		if module == "" {
			return fmt.Errorf("config.catalog contains empty module name")
		}
		for _, t := range tasks {
			if t.ID == "" {
				return fmt.Errorf("catalog module %s has task with empty id", module)
			}
			if seen[t.ID] {
				return fmt.Errorf("catalog task id %s appears more than once", t.ID)
			}
			seen[t.ID] = true
			if t.Label == "" {
				return fmt.Errorf("catalog task %s has empty label", t.ID)
			}
			if !knownExecutors[t.Executor] {
				return fmt.Errorf("catalog task %s has unknown executor %q", t.ID, t.Executor)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// FindTask looks up a catalog task by id across all modules.
func (c *Config) FindTask(id string) (CatalogTask, bool) {
	for _, tasks := range c.Catalog {
		for _, t := range tasks {
			if t.ID == id {
				return t, true
			}
		}
	}
	return CatalogTask{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "commandcore.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `planner:
  model: gemini-3-pro-preview
  vision_model: gemini-3-flash-preview
  timeout_seconds: 60

executor:
  url: ""
  timeout_seconds: 30

catalog:
  web:
    - id: open_chrome
      label: "Open Google Chrome"
      executor: cmd
      description: "Launch the Chrome browser immediately"
    - id: google_search_cmd
      label: "Quick Google search"
      executor: cmd
      description: "Open Chrome and search for a given topic"
    - id: web_browse
      label: "Browse a specific site"
      executor: cmd
      description: "Open a URL in the default browser"
    - id: email_login
      label: "Log into email"
      executor: web_agent
      description: "Sign into the mailbox and read new messages"
      sensitive: true

  clean:
    - id: cache_purge
      label: "Deep cache cleanup"
      executor: cleaner
      description: "Remove temp files and system logs to speed things up"
      sensitive: true
    - id: memory_boost
      label: "Memory (RAM) boost"
      executor: cleaner
      description: "Close unneeded processes and free memory"
    - id: registry_fix
      label: "Registry repair"
      executor: cleaner
      description: "Scan and repair system registry errors"
      sensitive: true
    - id: disk_analyzer
      label: "Disk space analysis"
      executor: ai
      description: "Smart analysis of large files with deletion suggestions"

  dev:
    - id: full_app_gen
      label: "Generate a full project"
      executor: coder
      description: "Scaffold a complete application with core files"
    - id: ui_modernizer
      label: "Design an interface"
      executor: ai
      description: "Generate modern UI layouts"

  smart:
    - id: tool_advisor
      label: "Which tool is best?"
      executor: ai
      description: "Technical comparison between tools for your project"
    - id: risk_scanner
      label: "Is this dangerous?"
      executor: ai
      description: "Security analysis of suspicious code or commands"
      sensitive: true

  media:
    - id: vid_to_aud
      label: "Video to audio"
      executor: ffmpeg
      description: "Extract high-quality audio from video"
    - id: aud_to_txt
      label: "Audio to text"
      executor: whisper
      description: "Transcribe speech with high accuracy"

  system:
    - id: system_optimization
      label: "Driver updates"
      executor: cmd
      description: "Look for required driver updates"
      sensitive: true
    - id: process_scan
      label: "Process scan"
      executor: cmd
      description: "Monitor programs consuming machine resources"
`
