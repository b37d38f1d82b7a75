package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/ratelimd/ratelimd/ingress"
	"github.com/ratelimd/ratelimd/limiter"
	"github.com/ratelimd/ratelimd/stats"
)

// Config is the on-disk configuration. Absent sections fall back to the
// package defaults; an absent stats section disables the scrape
// endpoint altogether.
type Config struct {
	Ingress *ingress.Config `yaml:"ingress"`
	Limiter *limiter.Config `yaml:"limiter"`
	Stats   *stats.Config   `yaml:"stats"`
}

func (c Config) String() string {
	m, err := yaml.MarshalWithOptions(c, yaml.Indent(2), yaml.IndentSequence(true))
	if err != nil {
		return "marshalling error..."
	}
	return string(m)
}

func ReadConf(path string) (*Config, error) {
	r, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading the configuration file: %w", err)
	}

	conf := Config{}
	if err := yaml.Unmarshal(r, &conf); err != nil {
		return nil, fmt.Errorf("error unmarshaling the configuration: %w", err)
	}

	return &conf, nil
}
