package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/af-corp/tierproxy/internal/catalog"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	for name := range cfg.Tiers {
		if _, err := catalog.ParseTier(name); err != nil {
			return fmt.Errorf("invalid config: tiers: %w", err)
		}
	}
	for _, t := range catalog.Tiers() {
		if cfg.Tier(t).ProbeTimeout <= 0 {
			return fmt.Errorf("invalid config: tier %s: probe_timeout must be positive", t)
		}
	}
	if cfg.Policy.Enabled && cfg.Policy.Path == "" {
		return errors.New("invalid config: policy.path is required when policy is enabled")
	}
	return nil
}
