package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config models servline.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		PublicDir string `yaml:"public_dir"`
	} `yaml:"server"`
	Session struct {
		CookieName string `yaml:"cookie_name"`
		TTL        string `yaml:"ttl"`
		Secure     bool   `yaml:"secure"`
	} `yaml:"session"`
	Tasks struct {
		RequireQualification bool `yaml:"require_qualification"`
	} `yaml:"tasks"`
	Reminders struct {
		Enabled    *bool  `yaml:"enabled"`
		Schedule   string `yaml:"schedule"`
		StaleAfter string `yaml:"stale_after"`
	} `yaml:"reminders"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Catalog  Catalog         `yaml:"catalog"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Catalog describes services and their steps. Steps reference blockers by name.
type Catalog struct {
	Services []CatalogService `yaml:"services"`
}

type CatalogService struct {
	Name            string        `yaml:"name"`
	Description     string        `yaml:"description"`
	TypicalTime     int           `yaml:"typical_time"`
	TypicalTimeUnit string        `yaml:"typical_time_unit"`
	Steps           []CatalogStep `yaml:"steps"`
}

type CatalogStep struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	BlockedBy   string `yaml:"blocked_by"`
}

const (
	DefaultAddr       = "127.0.0.1:3000"
	DefaultBasePath   = "/api/v0"
	DefaultCookieName = "servline_session"
	DefaultSessionTTL = 12 * time.Hour
	DefaultSchedule   = "@every 1h"
	DefaultStaleAfter = 48 * time.Hour
	fileName          = "servline.yml"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with svl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the default config when the workspace has no servline.yml.
func LoadOrDefault(workspace string) (*Config, error) {
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
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with '/'")
	}
	if c.Session.TTL != "" {
		d, err := time.ParseDuration(c.Session.TTL)
		if err != nil {
			return fmt.Errorf("config.session.ttl: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config.session.ttl must be positive")
		}
	}
	if c.Reminders.Schedule != "" {
		if _, err := cron.ParseStandard(c.Reminders.Schedule); err != nil {
			return fmt.Errorf("config.reminders.schedule: %w", err)
		}
	}
	if c.Reminders.StaleAfter != "" {
		if _, err := time.ParseDuration(c.Reminders.StaleAfter); err != nil {
			return fmt.Errorf("config.reminders.stale_after: %w", err)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return c.Catalog.Validate()
}

// Validate checks names, units and that every blocker names a step of the same service.
func (c Catalog) Validate() error {
	seen := map[string]bool{}
	for _, svc := range c.Services {
		if strings.TrimSpace(svc.Name) == "" {
			return fmt.Errorf("catalog service name is required")
		}
		if seen[svc.Name] {
			return fmt.Errorf("catalog service %s defined twice", svc.Name)
		}
		seen[svc.Name] = true
		switch svc.TypicalTimeUnit {
		case "H", "D", "W":
		default:
			return fmt.Errorf("catalog service %s: typical_time_unit must be H, D or W", svc.Name)
		}
		if svc.TypicalTime < 0 {
			return fmt.Errorf("catalog service %s: typical_time must be >= 0", svc.Name)
		}
		steps := map[string]bool{}
		for _, st := range svc.Steps {
			if strings.TrimSpace(st.Name) == "" {
				return fmt.Errorf("catalog service %s has a step without name", svc.Name)
			}
			if steps[st.Name] {
				return fmt.Errorf("catalog service %s: step %s defined twice", svc.Name, st.Name)
			}
			steps[st.Name] = true
		}
		for _, st := range svc.Steps {
			if st.BlockedBy == "" {
				continue
			}
			if st.BlockedBy == st.Name {
				return fmt.Errorf("catalog service %s: step %s cannot block itself", svc.Name, st.Name)
			}
			if !steps[st.BlockedBy] {
				return fmt.Errorf("catalog service %s: step %s blocked by unknown step %s", svc.Name, st.Name, st.BlockedBy)
			}
		}
		if err := checkStepCycles(svc); err != nil {
			return err
		}
	}
	return nil
}

func checkStepCycles(svc CatalogService) error {
	blocker := make(map[string]string, len(svc.Steps))
	for _, st := range svc.Steps {
		blocker[st.Name] = st.BlockedBy
	}
	for _, st := range svc.Steps {
		seen := map[string]bool{st.Name: true}
		for cur := blocker[st.Name]; cur != ""; cur = blocker[cur] {
			if seen[cur] {
				return fmt.Errorf("catalog service %s: blocker cycle through step %s", svc.Name, st.Name)
			}
			seen[cur] = true
		}
	}
	return nil
}

func (c *Config) Addr() string {
	if c.Server.Addr == "" {
		return DefaultAddr
	}
	return c.Server.Addr
}

func (c *Config) BasePath() string {
	if c.Server.BasePath == "" {
		return DefaultBasePath
	}
	return c.Server.BasePath
}

func (c *Config) CookieName() string {
	if c.Session.CookieName == "" {
		return DefaultCookieName
	}
	return c.Session.CookieName
}

func (c *Config) SessionTTL() time.Duration {
	if d, err := time.ParseDuration(c.Session.TTL); err == nil && d > 0 {
		return d
	}
	return DefaultSessionTTL
}

func (c *Config) RemindersEnabled() bool {
	return c.Reminders.Enabled == nil || *c.Reminders.Enabled
}

func (c *Config) ReminderSchedule() string {
	if c.Reminders.Schedule == "" {
		return DefaultSchedule
	}
	return c.Reminders.Schedule
}

func (c *Config) StaleAfter() time.Duration {
	if d, err := time.ParseDuration(c.Reminders.StaleAfter); err == nil && d > 0 {
		return d
	}
	return DefaultStaleAfter
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// GenerateDefault returns default config YAML.
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

// CatalogFromYAML parses a standalone catalog document (the `catalog:` section alone).
func CatalogFromYAML(data []byte) (Catalog, error) {
	var doc struct {
		Catalog Catalog `yaml:"catalog"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Catalog{}, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	if err := doc.Catalog.Validate(); err != nil {
		return Catalog{}, err
	}
	return doc.Catalog, nil
}

const defaultTemplate = `server:
  addr: 127.0.0.1:3000
  base_path: /api/v0
  public_dir: ""

session:
  cookie_name: servline_session
  ttl: 12h
  secure: false

tasks:
  require_qualification: false

reminders:
  enabled: true
  schedule: "@every 1h"
  stale_after: 48h

webhooks: []

catalog:
  services:
    - name: IDS Endpoint
      description: Intrusion detection appliance installed at the client site
      typical_time: 5
      typical_time_unit: D
      steps:
        - name: Order IDS Hardware
          description: Order the appliance from the vendor
        - name: Install Docker
          description: Install the container runtime on the appliance
          blocked_by: Order IDS Hardware
        - name: Configure IDS
          description: Deploy and tune the IDS containers
          blocked_by: Install Docker
        - name: Ship IDS
          description: Ship the configured appliance to the client
          blocked_by: Configure IDS
    - name: Firewall Endpoint
      description: Managed firewall appliance for the client perimeter
      typical_time: 8
      typical_time_unit: D
      steps:
        - name: Order Firewall Hardware
          description: Order the firewall from the vendor
        - name: Configure Firewall
          description: Apply the client rule set
          blocked_by: Order Firewall Hardware
        - name: Ship Firewall
          description: Ship the configured firewall to the client
          blocked_by: Configure Firewall
`
