package router

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Routing thresholds applied when no policy file overrides them.
const (
	DefaultLoadThreshold      = 0.8
	DefaultLatencyThresholdMS = 100
)

// Policy holds the tunable routing thresholds. A yaml policy file can
// override any subset of fields.
type Policy struct {
	// LoadThreshold is the mean edge load above which auto requests are
	// routed to the cloud.
	LoadThreshold float64 `yaml:"load_threshold"`

	// LatencyThresholdMS is the latency budget below which auto requests
	// must stay on the edge.
	LatencyThresholdMS float64 `yaml:"latency_threshold_ms"`

	// CloudEndpoint overrides the configured cloud inference endpoint.
	CloudEndpoint string `yaml:"cloud_endpoint"`
}

// DefaultPolicy returns the built-in thresholds.
func DefaultPolicy() Policy {
	return Policy{
		LoadThreshold:      DefaultLoadThreshold,
		LatencyThresholdMS: DefaultLatencyThresholdMS,
	}
}

// LoadPolicyFile reads a yaml policy file over the defaults. Fields absent
// from the file keep their default values.
func LoadPolicyFile(path string) (Policy, error) {
	p := DefaultPolicy()

	b, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("router: reading policy file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("router: parsing policy file %s: %w", path, err)
	}
	if p.LoadThreshold <= 0 {
		p.LoadThreshold = DefaultLoadThreshold
	}
	if p.LatencyThresholdMS <= 0 {
		p.LatencyThresholdMS = DefaultLatencyThresholdMS
	}
	return p, nil
}
