package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"agileflow/internal/domain"
)

// Config models agileflow.yml: the project identity, its workflow scheme
// definition, and the RBAC role catalog.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Key  string `yaml:"key"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Scheme   SchemeConfig        `yaml:"scheme"`
	RBAC     map[string]RBACRole `yaml:"rbac"`
	Webhooks []WebhookConfig     `yaml:"webhooks,omitempty"`
}

// WebhookConfig declares an activity webhook target. Kinds filters by
// activity kind; empty means all.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Kinds          []string `yaml:"kinds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

type SchemeConfig struct {
	Name        string             `yaml:"name"`
	Statuses    []StatusConfig     `yaml:"statuses"`
	Transitions []TransitionConfig `yaml:"transitions"`
}

type StatusConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	Color    string `yaml:"color"`
}

type TransitionConfig struct {
	From               string `yaml:"from"`
	To                 string `yaml:"to"`
	Name               string `yaml:"name"`
	Condition          string `yaml:"condition"`
	RequiredPermission string `yaml:"required_permission"`
}

type RBACRole struct {
	Description string `yaml:"description"`
}

var validCategories = map[string]bool{
	domain.CategoryToDo:       true,
	domain.CategoryInProgress: true,
	domain.CategoryDone:       true,
}

// Validate checks structural consistency. Deeper scheme validation
// (duplicate tuples, condition syntax) happens on import.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Key == "" {
		return fmt.Errorf("config.project.key is required")
	}
	if len(c.Scheme.Statuses) == 0 {
		return fmt.Errorf("config.scheme.statuses is required")
	}
	ids := map[string]bool{}
	for _, s := range c.Scheme.Statuses {
		if s.ID == "" {
			return fmt.Errorf("config.scheme.statuses contains empty id")
		}
		if ids[s.ID] {
			return fmt.Errorf("status %s declared twice", s.ID)
		}
		ids[s.ID] = true
		if !validCategories[s.Category] {
			return fmt.Errorf("status %s has invalid category %q", s.ID, s.Category)
		}
	}
	for _, t := range c.Scheme.Transitions {
		if !ids[t.From] {
			return fmt.Errorf("transition references unknown from status %q", t.From)
		}
		if !ids[t.To] {
			return fmt.Errorf("transition references unknown to status %q", t.To)
		}
		if t.RequiredPermission != "" && len(c.RBAC) > 0 {
			if _, ok := c.RBAC[t.RequiredPermission]; !ok {
				return fmt.Errorf("transition %s → %s requires unknown role %q", t.From, t.To, t.RequiredPermission)
			}
		}
	}
	return nil
}

// DomainScheme converts the configured scheme into its storable form.
func (c *Config) DomainScheme() domain.Scheme {
	s := domain.Scheme{
		ID:        "default",
		ProjectID: c.Project.ID,
		Name:      c.Scheme.Name,
	}
	if s.Name == "" {
		s.Name = "Default workflow"
	}
	for _, st := range c.Scheme.Statuses {
		name := st.Name
		if name == "" {
			name = st.ID
		}
		s.Statuses = append(s.Statuses, domain.Status{ID: st.ID, Name: name, Category: st.Category, Color: st.Color})
	}
	for _, t := range c.Scheme.Transitions {
		s.Transitions = append(s.Transitions, domain.Transition{
			FromStatus:         t.From,
			ToStatus:           t.To,
			Name:               t.Name,
			Condition:          t.Condition,
			RequiredPermission: t.RequiredPermission,
		})
	}
	return s
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agileflow.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run af project create or write one", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
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

// Default returns the default Config struct for a project.
func Default(projectID, projectKey string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, projectID, projectKey)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML for a new project.
func GenerateDefault(projectID, projectKey string) string {
	return fmt.Sprintf(defaultTemplate, projectID, projectKey)
}

// The default workflow mirrors the classic agile board lifecycle.
const defaultTemplate = `project:
  id: %s
  key: %s

scheme:
  name: Default agile workflow
  statuses:
    - id: Open
      category: To Do
      color: "#42526e"
    - id: Reopened
      category: To Do
      color: "#42526e"
    - id: In Progress
      category: In Progress
      color: "#0052cc"
    - id: In Review
      category: In Progress
      color: "#0052cc"
    - id: Testing
      category: In Progress
      color: "#0052cc"
    - id: Resolved
      category: Done
      color: "#00875a"
    - id: Closed
      category: Done
      color: "#00875a"
  transitions:
    - {from: Open, to: In Progress, name: Start progress}
    - {from: Open, to: Resolved, name: Resolve}
    - {from: Open, to: Closed, name: Close}
    - {from: In Progress, to: Open, name: Stop progress}
    - {from: In Progress, to: In Review, name: Submit for review}
    - {from: In Progress, to: Resolved, name: Resolve}
    - {from: In Progress, to: Closed, name: Close}
    - {from: In Review, to: In Progress, name: Request changes}
    - {from: In Review, to: Testing, name: Send to testing}
    - {from: In Review, to: Resolved, name: Resolve}
    - {from: Testing, to: In Review, name: Back to review}
    - {from: Testing, to: Resolved, name: Resolve}
    - {from: Testing, to: Closed, name: Close}
    - {from: Resolved, to: Closed, name: Close}
    - {from: Resolved, to: Reopened, name: Reopen}
    - {from: Closed, to: Reopened, name: Reopen}
    - {from: Reopened, to: In Progress, name: Start progress}

rbac:
  owner:
    description: Project owner
  developer:
    description: Works on issues
  qa:
    description: Verifies resolved issues
`
