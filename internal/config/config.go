package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models govline.yml.
type Config struct {
	Engine struct {
		ID string `yaml:"id"`
	} `yaml:"engine"`
	Approvals struct {
		// Role sets per request shape. The operation-to-role mapping is
		// deliberately configuration, not a hardcoded constant.
		LocalRoles     []string `yaml:"local_roles"`
		CrossTeamRoles []string `yaml:"cross_team_roles"`
		TransferRoles  []string `yaml:"transfer_roles"`
		// CriticalRoles are unioned in whenever risk_level is critical,
		// regardless of scope.
		CriticalRoles []string                   `yaml:"critical_roles"`
		Overrides     map[string]OperationPolicy `yaml:"overrides"`
	} `yaml:"approvals"`
	Autonomy struct {
		Directives []Directive `yaml:"directives"`
	} `yaml:"autonomy"`
	Escalation struct {
		ReminderSeconds   int      `yaml:"reminder_seconds"`
		UrgentSeconds     int      `yaml:"urgent_seconds"`
		AutoActionSeconds int      `yaml:"auto_action_seconds"`
		AutoProceed       []string `yaml:"auto_proceed"`
	} `yaml:"escalation"`
	RateLimit struct {
		MaxCreates    int `yaml:"max_creates"`
		WindowSeconds int `yaml:"window_seconds"`
	} `yaml:"rate_limit"`
	Roster struct {
		Teams map[string]TeamEntry `yaml:"teams"`
	} `yaml:"roster"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// OperationPolicy overrides the role sets for one operation type.
type OperationPolicy struct {
	LocalRoles     []string `yaml:"local_roles"`
	CrossTeamRoles []string `yaml:"cross_team_roles"`
}

// Directive is a manager-granted blanket waiver: requests matching it skip
// the approval requirement entirely (explicitly waived, not a config bug).
type Directive struct {
	Submitter  string   `yaml:"submitter"`
	GrantedBy  string   `yaml:"granted_by"`
	Operations []string `yaml:"operations"`
	MaxRisk    string   `yaml:"max_risk"`
}

// TeamEntry names the concrete principals behind a team's authority roles.
type TeamEntry struct {
	Manager      string `yaml:"manager"`
	ChiefOfStaff string `yaml:"chief_of_staff"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

var validRoles = map[string]bool{
	"source-manager": true,
	"target-manager": true,
	"source-cos":     true,
	"target-cos":     true,
}

var validRisks = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.ID == "" {
		return fmt.Errorf("config.engine.id is required")
	}
	if len(c.Approvals.LocalRoles) == 0 {
		return fmt.Errorf("config.approvals.local_roles is required")
	}
	if len(c.Approvals.CrossTeamRoles) == 0 {
		return fmt.Errorf("config.approvals.cross_team_roles is required")
	}
	if len(c.Approvals.TransferRoles) == 0 {
		return fmt.Errorf("config.approvals.transfer_roles is required")
	}
	for section, roles := range map[string][]string{
		"local_roles":      c.Approvals.LocalRoles,
		"cross_team_roles": c.Approvals.CrossTeamRoles,
		"transfer_roles":   c.Approvals.TransferRoles,
		"critical_roles":   c.Approvals.CriticalRoles,
	} {
		for _, role := range roles {
			if !validRoles[role] {
				return fmt.Errorf("config.approvals.%s contains unknown role %s", section, role)
			}
		}
	}
	for op, policy := range c.Approvals.Overrides {
		if op == "" {
			return fmt.Errorf("config.approvals.overrides contains empty operation type")
		}
		for _, role := range append(policy.LocalRoles, policy.CrossTeamRoles...) {
			if !validRoles[role] {
				return fmt.Errorf("override for %s contains unknown role %s", op, role)
			}
		}
	}
	for i, d := range c.Autonomy.Directives {
		if d.Submitter == "" {
			return fmt.Errorf("autonomy directive %d missing submitter", i)
		}
		if d.GrantedBy == "" {
			return fmt.Errorf("autonomy directive %d missing granted_by", i)
		}
		if d.MaxRisk != "" && !validRisks[d.MaxRisk] {
			return fmt.Errorf("autonomy directive %d has invalid max_risk %s", i, d.MaxRisk)
		}
	}
	e := c.Escalation
	if e.ReminderSeconds <= 0 || e.UrgentSeconds <= 0 || e.AutoActionSeconds <= 0 {
		return fmt.Errorf("config.escalation offsets must be positive")
	}
	if !(e.ReminderSeconds < e.UrgentSeconds && e.UrgentSeconds < e.AutoActionSeconds) {
		return fmt.Errorf("config.escalation offsets must be strictly increasing (reminder < urgent < auto_action)")
	}
	if c.RateLimit.MaxCreates <= 0 {
		return fmt.Errorf("config.rate_limit.max_creates must be positive")
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("config.rate_limit.window_seconds must be positive")
	}
	for team, entry := range c.Roster.Teams {
		if team == "" {
			return fmt.Errorf("config.roster.teams contains empty team id")
		}
		if entry.Manager == "" {
			return fmt.Errorf("team %s has no manager", team)
		}
	}
	return nil
}

// OperationRoles returns the configured role set for a request shape.
func (c *Config) OperationRoles(operationType, scope string, transfer bool) []string {
	if transfer {
		return c.Approvals.TransferRoles
	}
	if override, ok := c.Approvals.Overrides[operationType]; ok {
		if scope == "cross-team" && len(override.CrossTeamRoles) > 0 {
			return override.CrossTeamRoles
		}
		if scope == "local" && len(override.LocalRoles) > 0 {
			return override.LocalRoles
		}
	}
	if scope == "cross-team" {
		return c.Approvals.CrossTeamRoles
	}
	return c.Approvals.LocalRoles
}

// AutoProceeds reports whether an operation auto-executes on escalation
// timeout. Anything not listed aborts instead.
func (c *Config) AutoProceeds(operationType string) bool {
	for _, op := range c.Escalation.AutoProceed {
		if op == operationType {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "govline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gv config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
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

// GenerateDefault returns default config YAML.
func GenerateDefault(engineID string) string {
	return fmt.Sprintf(defaultTemplate, engineID)
}

// Default returns the default Config struct for an engine.
func Default(engineID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, engineID))).Decode(&cfg)
	return &cfg
}

const defaultTemplate = `engine:
  id: %s

approvals:
  local_roles: [source-manager]
  cross_team_roles: [source-manager, target-manager]
  transfer_roles: [source-cos, source-manager, target-cos, target-manager]
  critical_roles: [source-manager, target-manager]

autonomy:
  directives: []

escalation:
  reminder_seconds: 60
  urgent_seconds: 90
  auto_action_seconds: 120
  auto_proceed: [spawn, wake]

rate_limit:
  max_creates: 10
  window_seconds: 60

roster:
  teams: {}

webhooks: []
`
