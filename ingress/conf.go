package ingress

import (
	"fmt"

	"github.com/goccy/go-yaml"
	"golang.org/x/sys/unix"

	"github.com/ratelimd/ratelimd/types"
)

// Config carries the lifecycle manager's static parameters.
type Config struct {
	// Interface whose ingress traffic is steered through the engine.
	Interface string `yaml:"interface"`

	// QueueNum is the netfilter queue number carrying packets between
	// the kernel and the engine.
	QueueNum uint16 `yaml:"queueNum"`

	// PollTimeoutMs bounds each wait on the event channel. It is the
	// sole responsiveness/CPU-usage tuning knob of the drain loop.
	PollTimeoutMs int `yaml:"pollTimeoutMs"`

	// EventBufferBytes sizes the drop-event channel.
	EventBufferBytes int `yaml:"eventBufferBytes"`

	// Verbose enables the attachment confirmation line.
	Verbose bool `yaml:"verbose"`
}

var DefaultConfig = Config{
	Interface:        types.DefaultInterface,
	QueueNum:         350,
	PollTimeoutMs:    100,
	EventBufferBytes: types.EventBufferBytes,
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
	if c.Interface == "" {
		return fmt.Errorf("no interface name given")
	}
	if len(c.Interface) >= unix.IFNAMSIZ {
		return fmt.Errorf("interface name %q is too long", c.Interface)
	}
	if c.PollTimeoutMs <= 0 {
		return fmt.Errorf("poll timeout must be positive, got %d ms", c.PollTimeoutMs)
	}
	if c.EventBufferBytes < types.EventSize {
		return fmt.Errorf("event buffer of %d bytes holds no records", c.EventBufferBytes)
	}
	return nil
}
