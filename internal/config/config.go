package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"casetrack/internal/domain"
)

// Config models casetrack.yml.
type Config struct {
	CaseTypes map[string]CaseType `yaml:"case_types"`
	Catalog   struct {
		Stages []Stage `yaml:"stages" validate:"dive"`
	} `yaml:"catalog"`
	Engine    Engine    `yaml:"engine"`
	Logging   Logging   `yaml:"logging"`
	Telemetry Telemetry `yaml:"telemetry"`
	RBAC      struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks" validate:"dive"`
}

type CaseType struct {
	Description string   `yaml:"description"`
	Subtypes    []string `yaml:"subtypes"`
}

// Stage is a catalog entry. Required and Active default to true when omitted.
type Stage struct {
	ID       string `yaml:"id" validate:"required"`
	CaseType string `yaml:"case_type" validate:"required"`
	Subtype  string `yaml:"subtype"`
	Title    string `yaml:"title" validate:"required"`
	Sequence int    `yaml:"sequence" validate:"gte=0"`
	Required *bool  `yaml:"required"`
	Active   *bool  `yaml:"active"`
}

func (s Stage) Definition() domain.StageDefinition {
	return domain.StageDefinition{
		ID:       strings.TrimSpace(s.ID),
		CaseType: strings.TrimSpace(s.CaseType),
		Subtype:  strings.TrimSpace(s.Subtype),
		Title:    s.Title,
		Sequence: s.Sequence,
		Required: s.Required == nil || *s.Required,
		Active:   s.Active == nil || *s.Active,
	}
}

type Engine struct {
	ResolutionCache struct {
		TTL  time.Duration `yaml:"ttl" validate:"gte=0"`
		Size int           `yaml:"size" validate:"gte=0"`
	} `yaml:"resolution_cache"`
	Persist struct {
		MaxRetries int `yaml:"max_retries" validate:"gte=1,lte=20"`
	} `yaml:"persist"`
	RecalcConcurrency int `yaml:"recalc_concurrency" validate:"gte=1,lte=64"`
}

type Logging struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

type Telemetry struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions" validate:"dive,required"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" validate:"required,url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds" validate:"gte=0"`
}

const (
	DefaultCacheTTL          = 5 * time.Minute
	DefaultCacheSize         = 256
	DefaultMaxRetries        = 3
	DefaultRecalcConcurrency = 4
)

var validate = validator.New()

// ApplyDefaults fills zero engine settings with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Engine.ResolutionCache.TTL == 0 {
		c.Engine.ResolutionCache.TTL = DefaultCacheTTL
	}
	if c.Engine.ResolutionCache.Size == 0 {
		c.Engine.ResolutionCache.Size = DefaultCacheSize
	}
	if c.Engine.Persist.MaxRetries == 0 {
		c.Engine.Persist.MaxRetries = DefaultMaxRetries
	}
	if c.Engine.RecalcConcurrency == 0 {
		c.Engine.RecalcConcurrency = DefaultRecalcConcurrency
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	c.ApplyDefaults()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config %s failed rule %q", fe.Namespace(), fe.Tag())
		}
		return err
	}
	seen := make(map[string]struct{}, len(c.Catalog.Stages))
	for _, s := range c.Catalog.Stages {
		id := strings.TrimSpace(s.ID)
		if _, dup := seen[id]; dup {
			return fmt.Errorf("catalog stage %s defined twice", id)
		}
		seen[id] = struct{}{}
		if len(c.CaseTypes) == 0 {
			continue
		}
		ct, ok := c.caseType(s.CaseType)
		if !ok {
			return fmt.Errorf("catalog stage %s references unknown case type %s", id, s.CaseType)
		}
		// legacy rows spell the subtype with a "<type>_" prefix
		sub := strings.TrimPrefix(domain.Normalize(s.Subtype), domain.Normalize(s.CaseType)+"_")
		if sub != "" && len(ct.Subtypes) > 0 && !containsNormalized(ct.Subtypes, sub) {
			return fmt.Errorf("catalog stage %s references unknown subtype %s of %s", id, s.Subtype, s.CaseType)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID := range c.RBAC.Roles {
			if strings.TrimSpace(roleID) == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
		}
	}
	return nil
}

func (c *Config) caseType(name string) (CaseType, bool) {
	want := domain.Normalize(name)
	for k, v := range c.CaseTypes {
		if domain.Normalize(k) == want {
			return v, true
		}
	}
	// compound types such as open-tender_international inherit their principal entry
	if i := strings.Index(want, "_"); i > 0 {
		return c.caseType(want[:i])
	}
	return CaseType{}, false
}

func containsNormalized(values []string, want string) bool {
	for _, v := range values {
		if domain.Normalize(v) == want {
			return true
		}
	}
	return false
}

// StageDefinitions converts the catalog section into domain definitions.
func (c *Config) StageDefinitions() []domain.StageDefinition {
	defs := make([]domain.StageDefinition, 0, len(c.Catalog.Stages))
	for _, s := range c.Catalog.Stages {
		defs = append(defs, s.Definition())
	}
	return defs
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "casetrack.yml")
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

// Default returns the built-in procurement catalog.
func Default() *Config {
	cfg, err := FromYAML([]byte(DefaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

const DefaultTemplate = `case_types:
  open-tender:
    description: "Licitacion publica"
    subtypes: [own-funds, federal-funds]
  restricted-invitation:
    description: "Invitacion a cuando menos tres personas"
    subtypes: [own-funds, federal-funds]
  direct-award:
    description: "Adjudicacion directa"
    subtypes: [own-funds, federal-funds]

catalog:
  stages:
    - {id: ot-requisition, case_type: open-tender, title: "Requisition", sequence: 1}
    - {id: ot-budget, case_type: open-tender, title: "Budget availability", sequence: 2}
    - {id: ot-call, case_type: open-tender, title: "Call for bids", sequence: 3}
    - {id: ot-clarifications, case_type: open-tender, title: "Clarifications meeting", sequence: 4}
    - {id: ot-opening, case_type: open-tender, title: "Bid opening", sequence: 5}
    - {id: ot-award, case_type: open-tender, title: "Award ruling", sequence: 6}
    - {id: ot-contract, case_type: open-tender, title: "Contract", sequence: 7}
    - {id: ot-own-committee, case_type: open-tender, subtype: own-funds, title: "Procurement committee approval", sequence: 2}
    - {id: ot-fed-agreement, case_type: open-tender, subtype: open-tender_federal-funds, title: "Federal funding agreement", sequence: 2}
    - {id: ri-requisition, case_type: restricted-invitation, title: "Requisition", sequence: 1}
    - {id: ri-invitations, case_type: restricted-invitation, title: "Invitations", sequence: 2}
    - {id: ri-opening, case_type: restricted-invitation, title: "Bid opening", sequence: 3}
    - {id: ri-award, case_type: restricted-invitation, title: "Award ruling", sequence: 4}
    - {id: ri-contract, case_type: restricted-invitation, title: "Contract", sequence: 5}
    - {id: da-requisition, case_type: direct-award, title: "Requisition", sequence: 1}
    - {id: da-quotes, case_type: direct-award, title: "Market research quotes", sequence: 2}
    - {id: da-justification, case_type: direct-award, title: "Exception justification", sequence: 3}
    - {id: da-order, case_type: direct-award, title: "Purchase order", sequence: 4}

engine:
  resolution_cache:
    ttl: 5m
    size: 256
  persist:
    max_retries: 3
  recalc_concurrency: 4

logging:
  level: info
  format: text

rbac:
  roles:
    owner:
      description: "Full access"
      permissions: [case.create, case.read, case.delete, case.reject, case.recalculate,
        artifact.upload, artifact.delete, catalog.read, catalog.import, events.read, rbac.manage]
    capturist:
      description: "Creates cases and uploads artifacts"
      permissions: [case.create, case.read, case.recalculate, artifact.upload, artifact.delete, catalog.read]
    reviewer:
      description: "Reviews and rejects cases"
      permissions: [case.read, case.reject, case.recalculate, catalog.read, events.read]
`
