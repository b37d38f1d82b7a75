package limiter

import (
	"testing"

	"github.com/goccy/go-yaml"
	"github.com/google/go-cmp/cmp"
)

func TestConfigDefaults(t *testing.T) {
	tests := map[string]Config{
		"": DefaultConfig,
		"ratePPS: 50": {
			RatePPS:    50,
			Burst:      DefaultConfig.Burst,
			MaxSources: DefaultConfig.MaxSources,
		},
		"ratePPS: 50\nburst: 5\nmaxSources: 128": {
			RatePPS:    50,
			Burst:      5,
			MaxSources: 128,
		},
	}

	for raw, want := range tests {
		var got Config
		if err := yaml.Unmarshal([]byte(raw), &got); err != nil {
			t.Fatalf("error unmarshaling %q: %v", raw, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%q: mismatch (-want +got):\n%s", raw, diff)
		}
	}
}

func TestConfigValidation(t *testing.T) {
	bad := []Config{
		{RatePPS: 0, Burst: 200, MaxSources: 16},
		{RatePPS: -5, Burst: 200, MaxSources: 16},
		{RatePPS: 1000, Burst: 0, MaxSources: 16},
		{RatePPS: 1000, Burst: 200, MaxSources: 0},
	}
	for _, c := range bad {
		if err := c.Validate(); err == nil {
			t.Errorf("%+v validated", c)
		}
	}

	good := Config{RatePPS: 1000, Burst: 200, MaxSources: 16}
	if err := good.Validate(); err != nil {
		t.Errorf("%+v failed validation: %v", good, err)
	}
}
