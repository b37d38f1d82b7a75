package stats

import (
	"fmt"

	"github.com/goccy/go-yaml"
)

type Config struct {
	Log         bool   `yaml:"log"`
	BindAddress string `yaml:"bindAddress"`
	Port        uint16 `yaml:"port"`
}

var DefaultConfig = Config{
	Log:         true,
	BindAddress: "127.0.0.1",
	Port:        9090,
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
	if c.BindAddress == "" {
		return fmt.Errorf("no bind address given")
	}
	if c.Port == 0 {
		return fmt.Errorf("no port given")
	}
	return nil
}
