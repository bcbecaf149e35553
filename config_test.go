package roled

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validTestConfig() Config {
	cfg := DefaultConfig()
	cfg.Roles = DefaultRoles()
	return cfg
}

func TestDefaultConfigWithDefaultRolesValidates(t *testing.T) {
	if err := validTestConfig().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no roles", func(c *Config) { c.Roles = nil }, "at least one role"},
		{"empty state dir", func(c *Config) { c.StateDir = "" }, "StateDir"},
		{"zero store timeout", func(c *Config) { c.StoreCallTimeout = 0 }, "StoreCallTimeout"},
		{"zero renew misses", func(c *Config) { c.RenewMisses = 0 }, "RenewMisses"},
		{"renew not below ttl", func(c *Config) {
			c.Roles[0].RenewInterval = c.Roles[0].LeaseTTL
		}, "RenewInterval must be less than LeaseTTL"},
		{"role without services", func(c *Config) { c.Roles[0].Services = nil }, "at least one service"},
		{"service without unit", func(c *Config) {
			c.Roles[0].Services[0].Unit = ""
		}, "Unit must be set"},
		{"duplicate role", func(c *Config) {
			c.Roles = append(c.Roles, c.Roles[0])
		}, "configured twice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validTestConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadConfigFillsRoleDefaults(t *testing.T) {
	raw := `
stateDir: /tmp/roled-test
roles:
  - name: storage
    services:
      - unit: user-volume.service
        mountpoint: /mnt/user
        device: /dev/rbd/rbd/user
  - name: dhcp
    renewInterval: 5s
    leaseTTL: 20s
    services:
      - unit: dhcp-server.service
`
	path := filepath.Join(t.TempDir(), "roled.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config must validate: %v", err)
	}

	storage := cfg.Roles[0]
	if storage.LeaderKey != "/cluster/leader/storage" {
		t.Fatalf("leader key default: got %q", storage.LeaderKey)
	}
	if storage.LeaseTTL != 30*time.Second || storage.RenewInterval != 10*time.Second {
		t.Fatalf("timing defaults: ttl=%v renew=%v", storage.LeaseTTL, storage.RenewInterval)
	}
	if storage.DrainCheckInterval != storage.RenewInterval {
		t.Fatalf("drain interval should default to renew interval, got %v", storage.DrainCheckInterval)
	}

	dhcp := cfg.Roles[1]
	if dhcp.RenewInterval != 5*time.Second || dhcp.LeaseTTL != 20*time.Second {
		t.Fatalf("explicit timings must survive: ttl=%v renew=%v", dhcp.LeaseTTL, dhcp.RenewInterval)
	}
	// File values override defaults; unset scalars keep them.
	if cfg.StateDir != "/tmp/roled-test" {
		t.Fatalf("stateDir: got %q", cfg.StateDir)
	}
	if cfg.StoreCallTimeout != 5*time.Second {
		t.Fatalf("storeCallTimeout default lost: %v", cfg.StoreCallTimeout)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
