package config

import (
	"fmt"
	"time"
)

// Validate checks that the Config contains valid values.
// Returns an error describing the first invalid field found.
func (c Config) Validate() error {
	if len(c.BrokerURLs) == 0 {
		return fmt.Errorf("config: EDGEFLEET_BROKER_URLS is required")
	}

	if c.HeartbeatInterval < time.Second {
		return fmt.Errorf("config: HeartbeatInterval must be >= 1s, got %v", c.HeartbeatInterval)
	}

	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("config: ReconnectBaseDelay must be > 0, got %v", c.ReconnectBaseDelay)
	}

	if c.MaxReconnectAttempts < 1 {
		return fmt.Errorf("config: MaxReconnectAttempts must be >= 1, got %d", c.MaxReconnectAttempts)
	}

	if c.MetricsWindowSize < 1 {
		return fmt.Errorf("config: MetricsWindowSize must be >= 1, got %d", c.MetricsWindowSize)
	}

	if c.MaxConcurrentDeploys < 1 {
		return fmt.Errorf("config: MaxConcurrentDeploys must be >= 1, got %d", c.MaxConcurrentDeploys)
	}

	if c.HistoryLimit < 1 {
		return fmt.Errorf("config: HistoryLimit must be >= 1, got %d", c.HistoryLimit)
	}

	if c.HealthPort < 1 || c.HealthPort > 65535 {
		return fmt.Errorf("config: HealthPort must be 1-65535, got %d", c.HealthPort)
	}

	return nil
}
