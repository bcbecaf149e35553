package roled

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config controls agent timing and the set of managed roles.
type Config struct {
	// NodePrefix is the store prefix under which per-node keys such as
	// the drain flag live.
	NodePrefix string `yaml:"nodePrefix"`

	// StateDir holds the local lease record and leader marker, one
	// subdirectory per role.
	StateDir string `yaml:"stateDir"`

	// Store round-trip bound. A stalled store must not freeze the node.
	StoreCallTimeout time.Duration `yaml:"storeCallTimeout"`

	// Per-service action bounds.
	StartTimeout        time.Duration `yaml:"startTimeout"`
	GracefulStopTimeout time.Duration `yaml:"gracefulStopTimeout"`

	// Bound for each escalation sub-step.
	EscalationStepTimeout time.Duration `yaml:"escalationStepTimeout"`

	// Health gate: bounded attempts with a fixed delay before the first
	// election tick. Exhaustion is a warning, not a failure.
	HealthAttempts int           `yaml:"healthAttempts"`
	HealthDelay    time.Duration `yaml:"healthDelay"`

	// RenewMisses is how many consecutive unavailable renewals a leader
	// tolerates before it assumes the lease is lost.
	RenewMisses int `yaml:"renewMisses"`

	Roles []RoleConfig `yaml:"roles"`
}

// RoleConfig describes one singleton role this node may lead.
type RoleConfig struct {
	Name string `yaml:"name"`

	// LeaderKey is the store key whose creation is the mutual exclusion
	// primitive. Defaults to /cluster/leader/<name>.
	LeaderKey string `yaml:"leaderKey"`

	LeaseTTL      time.Duration `yaml:"leaseTTL"`
	RenewInterval time.Duration `yaml:"renewInterval"`

	// DrainCheckInterval is the tick interval while the node is drained.
	// Defaults to RenewInterval.
	DrainCheckInterval time.Duration `yaml:"drainCheckInterval"`

	Services []ServiceConfig `yaml:"services"`
}

// ServiceConfig names a managed service and its escalation targets.
// Empty escalation fields skip the corresponding teardown step.
type ServiceConfig struct {
	// Unit is the local service manager's name for the service.
	Unit string `yaml:"unit"`

	// ProcessPattern matches dependent processes for the post-stop probe
	// and the forced-kill step.
	ProcessPattern string `yaml:"processPattern"`

	// Mountpoint of the backing filesystem, if any.
	Mountpoint string `yaml:"mountpoint"`

	// Device is the mapped block device backing the mount, if any.
	Device string `yaml:"device"`
}

// DefaultConfig returns agent timings matching the deployed cluster.
func DefaultConfig() Config {
	return Config{
		NodePrefix:            "/cluster/nodes",
		StateDir:              "/run/roled",
		StoreCallTimeout:      5 * time.Second,
		StartTimeout:          30 * time.Second,
		GracefulStopTimeout:   5 * time.Second,
		EscalationStepTimeout: 10 * time.Second,
		HealthAttempts:        12,
		HealthDelay:           2 * time.Second,
		RenewMisses:           2,
	}
}

// DefaultRoles returns the two roles the cluster runs: the storage stack
// (Ceph RBD backed XFS volume plus the services writing to it) and the
// DHCP/PXE stack.
func DefaultRoles() []RoleConfig {
	return []RoleConfig{
		{
			Name:               "storage",
			LeaderKey:          "/cluster/leader/app",
			LeaseTTL:           30 * time.Second,
			RenewInterval:      10 * time.Second,
			DrainCheckInterval: 10 * time.Second,
			Services: []ServiceConfig{
				{
					Unit:           "user-volume.service",
					ProcessPattern: "user-volume",
					Mountpoint:     "/mnt/user",
					Device:         "/dev/rbd/rbd/user",
				},
				{
					Unit:           "secrets-volume.service",
					ProcessPattern: "secrets-volume",
					Mountpoint:     "/secrets",
					Device:         "/dev/rbd/rbd/secrets",
				},
			},
		},
		{
			Name:               "dhcp",
			LeaderKey:          "/cluster/leader/dhcp",
			LeaseTTL:           30 * time.Second,
			RenewInterval:      10 * time.Second,
			DrainCheckInterval: 10 * time.Second,
			Services: []ServiceConfig{
				{Unit: "dhcp-server.service", ProcessPattern: "dhcp-server"},
				{Unit: "tftp-server.service", ProcessPattern: "in.tftpd"},
			},
		},
	}
}

// LoadConfig reads a YAML config file and fills defaults for anything
// the file leaves unset.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.fillRoleDefaults()
	return cfg, nil
}

func (c *Config) fillRoleDefaults() {
	for i := range c.Roles {
		r := &c.Roles[i]
		if r.LeaderKey == "" && r.Name != "" {
			r.LeaderKey = "/cluster/leader/" + r.Name
		}
		if r.LeaseTTL == 0 {
			r.LeaseTTL = 30 * time.Second
		}
		if r.RenewInterval == 0 {
			r.RenewInterval = 10 * time.Second
		}
		if r.DrainCheckInterval == 0 {
			r.DrainCheckInterval = r.RenewInterval
		}
	}
}

// Validate ensures config values are safe.
func (c Config) Validate() error {
	if c.NodePrefix == "" {
		return fmt.Errorf("NodePrefix must be set")
	}
	if c.StateDir == "" {
		return fmt.Errorf("StateDir must be set")
	}
	if c.StoreCallTimeout <= 0 {
		return fmt.Errorf("StoreCallTimeout must be >0")
	}
	if c.StartTimeout <= 0 {
		return fmt.Errorf("StartTimeout must be >0")
	}
	if c.GracefulStopTimeout <= 0 {
		return fmt.Errorf("GracefulStopTimeout must be >0")
	}
	if c.EscalationStepTimeout <= 0 {
		return fmt.Errorf("EscalationStepTimeout must be >0")
	}
	if c.HealthAttempts <= 0 {
		return fmt.Errorf("HealthAttempts must be >0")
	}
	if c.HealthDelay <= 0 {
		return fmt.Errorf("HealthDelay must be >0")
	}
	if c.RenewMisses <= 0 {
		return fmt.Errorf("RenewMisses must be >0")
	}
	if len(c.Roles) == 0 {
		return fmt.Errorf("at least one role must be configured")
	}
	seen := map[string]bool{}
	for _, r := range c.Roles {
		if err := r.validate(); err != nil {
			return fmt.Errorf("role %q: %w", r.Name, err)
		}
		if seen[r.Name] {
			return fmt.Errorf("role %q configured twice", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

func (r RoleConfig) validate() error {
	if r.Name == "" {
		return fmt.Errorf("Name must be set")
	}
	if r.LeaderKey == "" {
		return fmt.Errorf("LeaderKey must be set")
	}
	if r.LeaseTTL <= 0 {
		return fmt.Errorf("LeaseTTL must be >0")
	}
	if r.RenewInterval <= 0 {
		return fmt.Errorf("RenewInterval must be >0")
	}
	if r.RenewInterval >= r.LeaseTTL {
		// One missed renewal must survive; two must not.
		return fmt.Errorf("RenewInterval must be less than LeaseTTL")
	}
	if r.DrainCheckInterval <= 0 {
		return fmt.Errorf("DrainCheckInterval must be >0")
	}
	if len(r.Services) == 0 {
		return fmt.Errorf("at least one service must be configured")
	}
	for _, s := range r.Services {
		if s.Unit == "" {
			return fmt.Errorf("service Unit must be set")
		}
	}
	return nil
}
