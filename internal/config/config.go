package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models gigchain.yml.
type Config struct {
	Network struct {
		ID string `yaml:"id"`
	} `yaml:"network"`
	Protocol struct {
		// Deposit is the small protocol deposit locked into job and bid
		// positions and returned on close/cancel/accept.
		Deposit int64 `yaml:"deposit"`
		// FeeBuffer is the native-currency buffer locked alongside an
		// escrow for future transaction fees.
		FeeBuffer int64 `yaml:"fee_buffer"`
		// CollateralMin is the unlocked reserve a submitter must hold
		// before any script spend can be built.
		CollateralMin int64 `yaml:"collateral_min"`
		PaymentAsset  Asset `yaml:"payment_asset"`
	} `yaml:"protocol"`
	Confirm struct {
		Attempts        int     `yaml:"attempts"`
		IntervalSeconds float64 `yaml:"interval_seconds"`
		BackoffFactor   float64 `yaml:"backoff_factor"`
		MaxIntervalSecs float64 `yaml:"max_interval_seconds"`
	} `yaml:"confirm"`
	// Signing is the authorization-policy table: signer roles required per
	// redeemer action, kept in one auditable place.
	Signing  map[string][]string `yaml:"signing"`
	Webhooks []WebhookConfig     `yaml:"webhooks"`
}

type Asset struct {
	PolicyID string `yaml:"policy_id"`
	Name     string `yaml:"name"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Signer roles resolvable from a position's datum.
const (
	RoleEmployer   = "employer"
	RoleFreelancer = "freelancer"
	RoleBidder     = "bidder"
	RoleArbiter    = "arbiter"
	RoleOwner      = "owner"
)

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run gig init first", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Network.ID == "" {
		return fmt.Errorf("config.network.id is required")
	}
	if c.Protocol.Deposit <= 0 {
		return fmt.Errorf("config.protocol.deposit must be positive")
	}
	if c.Protocol.FeeBuffer < 0 {
		return fmt.Errorf("config.protocol.fee_buffer must not be negative")
	}
	if c.Protocol.CollateralMin < 0 {
		return fmt.Errorf("config.protocol.collateral_min must not be negative")
	}
	if c.Protocol.PaymentAsset.Name == "" {
		return fmt.Errorf("config.protocol.payment_asset.name is required")
	}
	if c.Confirm.Attempts <= 0 {
		return fmt.Errorf("config.confirm.attempts must be positive")
	}
	if c.Confirm.IntervalSeconds <= 0 {
		return fmt.Errorf("config.confirm.interval_seconds must be positive")
	}
	if c.Confirm.BackoffFactor < 1 {
		return fmt.Errorf("config.confirm.backoff_factor must be >= 1")
	}
	if len(c.Signing) == 0 {
		return fmt.Errorf("config.signing policy table is required")
	}
	validRoles := map[string]bool{
		RoleEmployer: true, RoleFreelancer: true, RoleBidder: true,
		RoleArbiter: true, RoleOwner: true,
	}
	for action, roles := range c.Signing {
		if action == "" {
			return fmt.Errorf("config.signing contains empty action")
		}
		if len(roles) == 0 {
			return fmt.Errorf("signing policy for %s has no required roles", action)
		}
		for _, role := range roles {
			if !validRoles[role] {
				return fmt.Errorf("signing policy for %s references unknown role %s", action, role)
			}
		}
	}
	return nil
}

// RequiredRoles returns the signer roles for a redeemer action.
func (c *Config) RequiredRoles(action string) ([]string, bool) {
	roles, ok := c.Signing[action]
	return roles, ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gigchain.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(networkID string) string {
	return fmt.Sprintf(defaultTemplate, networkID)
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

// Default returns the default Config struct for a network.
func Default(networkID string) *Config {
	var cfg Config
	cfg.Network.ID = networkID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, networkID))).Decode(&cfg)
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

const defaultTemplate = `network:
  id: %s

protocol:
  deposit: 2000000
  fee_buffer: 2000000
  collateral_min: 5000000
  payment_asset:
    policy_id: ""
    name: unit

confirm:
  attempts: 30
  interval_seconds: 20
  backoff_factor: 1.5
  max_interval_seconds: 60

signing:
  close_job: [employer]
  cancel_job: [employer]
  cancel_bid: [bidder]
  accept_bid: [employer]
  release: [employer, freelancer]
  refund: [employer, arbiter]
  update_record: [owner]
`
