package config

import (
	"github.com/triage-ai/realmgate/internal/engine/gates"
	"github.com/triage-ai/realmgate/internal/resolver"
	"go.uber.org/zap"
)

// NewProber builds the reachability probe selected by Probe.Mode.
func (c *Config) NewProber(logger *zap.Logger) gates.Prober {
	if c.Probe.Mode == ProbeGRPC {
		return &gates.ConnStateProbe{
			Target:      c.Probe.GRPCTarget,
			CheckHealth: c.Probe.CheckHealth,
			Logger:      logger,
		}
	}
	return gates.NewDialProbe(c.Probe.Targets, logger)
}

// NewClassifier returns the rule classifier when Device.Rule is set and the
// form-factor classifier otherwise.
func (c *Config) NewClassifier(logger *zap.Logger) (gates.Classifier, error) {
	if c.Device.Rule == "" {
		return gates.FormFactorClassifier{}, nil
	}
	return gates.NewRuleClassifier(c.Device.Rule, logger)
}

// NewResolver builds the outbound resolver.
func (c *Config) NewResolver(logger *zap.Logger) *resolver.Resolver {
	return resolver.New(resolver.Config{
		MaxRedirects: c.Resolver.MaxRedirects,
		UserAgent:    c.Resolver.UserAgent,
		Logger:       logger,
	})
}
