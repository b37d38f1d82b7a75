package limiter

import (
	"fmt"

	"github.com/goccy/go-yaml"

	"github.com/ratelimd/ratelimd/types"
)

// Config carries the engine's parameters. It is written once before the
// engine goes live and never mutated afterwards.
type Config struct {
	// RatePPS is the sustained packets per second granted to each
	// source address.
	RatePPS int `yaml:"ratePPS"`

	// Burst is the token bucket size, i.e. how many packets a source
	// may send back to back before the sustained rate kicks in.
	Burst int `yaml:"burst"`

	// MaxSources bounds the state table. Sources beyond the bound are
	// not tracked and therefore not limited.
	MaxSources int `yaml:"maxSources"`
}

var DefaultConfig = Config{
	RatePPS:    types.DefaultRatePPS,
	Burst:      types.DefaultBurst,
	MaxSources: types.MaxSources,
}

func (c *Config) UnmarshalYAML(b []byte) error {
	// Needed to break recursive calls into UnmarshalYAML
	type config Config

	def := config(DefaultConfig)
	if err := yaml.Unmarshal(b, &def); err != nil {
		return err
	}

	*c = Config(def)

	return nil
}

func (c *Config) Validate() error {
	if c.RatePPS <= 0 {
		return fmt.Errorf("rate must be a positive packet count, got %d", c.RatePPS)
	}
	if c.Burst <= 0 {
		return fmt.Errorf("burst must be a positive packet count, got %d", c.Burst)
	}
	if c.MaxSources <= 0 {
		return fmt.Errorf("source capacity must be positive, got %d", c.MaxSources)
	}
	return nil
}
