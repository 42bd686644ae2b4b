// Package config loads realm presets and gate settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/triage-ai/realmgate/internal/engine/gates"
	"github.com/triage-ai/realmgate/internal/resolver"
)

// Probe modes.
const (
	ProbeDial = "dial"
	ProbeGRPC = "grpc"
)

// Realm is a named examination preset.
type Realm struct {
	URL         string        `yaml:"url"`
	ActivateAt  time.Time     `yaml:"activate_at"`
	DeviceCheck *bool         `yaml:"device_check"` // nil = true
	Timeout     time.Duration `yaml:"timeout"`
	CacheKey    string        `yaml:"cache_key"`
}

// DeviceCheckEnabled reports whether the device gate applies. Default true.
func (r Realm) DeviceCheckEnabled() bool {
	return r.DeviceCheck == nil || *r.DeviceCheck
}

// ProbeConfig selects and configures the reachability probe.
type ProbeConfig struct {
	Mode        string        `yaml:"mode"`
	Targets     []string      `yaml:"targets"`
	GRPCTarget  string        `yaml:"grpc_target"`
	CheckHealth bool          `yaml:"check_health"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DeviceConfig optionally replaces the form-factor classifier with a rule.
type DeviceConfig struct {
	Rule string `yaml:"rule"`
}

// ResolverConfig tunes the outbound resolver.
type ResolverConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxRedirects   int           `yaml:"max_redirects"`
	UserAgent      string        `yaml:"user_agent"`
}

// Config is the full realmgate configuration file.
type Config struct {
	Realms   map[string]Realm `yaml:"realms"`
	Probe    ProbeConfig      `yaml:"probe"`
	Device   DeviceConfig     `yaml:"device"`
	Resolver ResolverConfig   `yaml:"resolver"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Realms: map[string]Realm{},
		Probe: ProbeConfig{
			Mode:    ProbeDial,
			Targets: []string{"1.1.1.1:443", "8.8.8.8:53"},
			Timeout: 2 * time.Second,
		},
		Resolver: ResolverConfig{
			DefaultTimeout: resolver.DefaultTimeout,
			MaxRedirects:   resolver.DefaultMaxRedirects,
			UserAgent:      "realmgate/1",
		},
	}
}

// Load reads path over the defaults and validates the result.
// Empty path or a missing file returns defaults. Invalid YAML returns an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}
	if cfg.Realms == nil {
		cfg.Realms = map[string]Realm{}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides probe, device and resolver settings from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("REALMGATE_PROBE_TARGETS"); v != "" {
		var targets []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				targets = append(targets, t)
			}
		}
		c.Probe.Mode = ProbeDial
		c.Probe.Targets = targets
	}
	if v := os.Getenv("REALMGATE_PROBE_GRPC_TARGET"); v != "" {
		c.Probe.Mode = ProbeGRPC
		c.Probe.GRPCTarget = v
	}
	if v := os.Getenv("REALMGATE_DEVICE_RULE"); v != "" {
		c.Device.Rule = v
	}
	if v := os.Getenv("REALMGATE_USER_AGENT"); v != "" {
		c.Resolver.UserAgent = v
	}
}

// Validate checks the configuration for settings that would fail at runtime.
func (c *Config) Validate() error {
	var errs []error
	for name, r := range c.Realms {
		if !resolver.Valid(r.URL) {
			errs = append(errs, fmt.Errorf("realm %q: url %q is not an absolute URL", name, r.URL))
		}
		if r.Timeout < 0 {
			errs = append(errs, fmt.Errorf("realm %q: timeout must not be negative", name))
		}
	}

	switch c.Probe.Mode {
	case ProbeDial:
		if len(c.Probe.Targets) == 0 {
			errs = append(errs, errors.New("probe: dial mode needs at least one target"))
		}
	case ProbeGRPC:
		if c.Probe.GRPCTarget == "" {
			errs = append(errs, errors.New("probe: grpc mode needs grpc_target"))
		}
	default:
		errs = append(errs, fmt.Errorf("probe: unknown mode %q", c.Probe.Mode))
	}
	if c.Probe.Timeout < 0 {
		errs = append(errs, errors.New("probe: timeout must not be negative"))
	}

	if c.Device.Rule != "" {
		if _, err := gates.NewRuleClassifier(c.Device.Rule, nil); err != nil {
			errs = append(errs, fmt.Errorf("device: %w", err))
		}
	}

	if c.Resolver.DefaultTimeout < 0 {
		errs = append(errs, errors.New("resolver: default_timeout must not be negative"))
	}
	if c.Resolver.MaxRedirects < 0 {
		errs = append(errs, errors.New("resolver: max_redirects must not be negative"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Realm returns the named preset.
func (c *Config) Realm(name string) (Realm, bool) {
	r, ok := c.Realms[name]
	return r, ok
}
