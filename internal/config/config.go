package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all edgefleet configuration values, for both the edge agent
// and the control plane. Each binary validates only the fields it uses.
type Config struct {
	// Identity
	DeviceID        string
	DeviceType      string
	FleetID         string
	SoftwareVersion string

	// Control channel
	BrokerURLs   []string
	MQTTUsername string
	MQTTPassword string

	// Agent timing
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int

	// Telemetry
	MetricsWindowSize      int
	AcceleratorExporterURL string // empty disables accelerator scraping

	// Orchestrator
	SequentialTimeout    time.Duration
	SequentialPollEvery  time.Duration
	DeviceWaitTimeout    time.Duration
	DeviceWaitPollEvery  time.Duration
	MaxConcurrentDeploys int
	GateCanary           bool

	// Router
	CloudEndpoint     string
	RoutingPolicyFile string
	HistoryLimit      int

	// Transport tuning
	CompressThresholdBytes int
	CommandTimeout         time.Duration

	// Health server
	HealthPort     int
	DebugEndpoints bool
}

// Load reads configuration from a .env file (if present) and environment
// variables, applying defaults for any unset values.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		DeviceID:        os.Getenv("EDGEFLEET_DEVICE_ID"),
		DeviceType:      envOrDefault("EDGEFLEET_DEVICE_TYPE", "server"),
		FleetID:         envOrDefault("EDGEFLEET_FLEET_ID", "default"),
		SoftwareVersion: envOrDefault("EDGEFLEET_SOFTWARE_VERSION", "dev"),

		BrokerURLs:   parseStringSlice("EDGEFLEET_BROKER_URLS"),
		MQTTUsername: os.Getenv("EDGEFLEET_MQTT_USERNAME"),
		MQTTPassword: os.Getenv("EDGEFLEET_MQTT_PASSWORD"),

		HeartbeatInterval:    parseDuration("EDGEFLEET_HEARTBEAT_INTERVAL", 30*time.Second),
		ReconnectBaseDelay:   parseDuration("EDGEFLEET_RECONNECT_BASE_DELAY", 5*time.Second),
		MaxReconnectAttempts: parseInt("EDGEFLEET_MAX_RECONNECT_ATTEMPTS", 10),

		MetricsWindowSize:      parseInt("EDGEFLEET_METRICS_WINDOW_SIZE", 100),
		AcceleratorExporterURL: os.Getenv("EDGEFLEET_ACCEL_EXPORTER_URL"),

		SequentialTimeout:    parseDuration("EDGEFLEET_SEQUENTIAL_TIMEOUT", 5*time.Minute),
		SequentialPollEvery:  parseDuration("EDGEFLEET_SEQUENTIAL_POLL_INTERVAL", 2*time.Second),
		DeviceWaitTimeout:    parseDuration("EDGEFLEET_DEVICE_WAIT_TIMEOUT", 10*time.Minute),
		DeviceWaitPollEvery:  parseDuration("EDGEFLEET_DEVICE_WAIT_POLL_INTERVAL", 2*time.Second),
		MaxConcurrentDeploys: parseInt("EDGEFLEET_MAX_CONCURRENT_DEPLOYS", 32),
		GateCanary:           parseBool("EDGEFLEET_GATE_CANARY", false),

		CloudEndpoint:     envOrDefault("EDGEFLEET_CLOUD_ENDPOINT", "https://inference.edgefleet.io"),
		RoutingPolicyFile: os.Getenv("EDGEFLEET_ROUTING_POLICY_FILE"),
		HistoryLimit:      parseInt("EDGEFLEET_INFERENCE_HISTORY_LIMIT", 10000),

		CompressThresholdBytes: parseInt("EDGEFLEET_COMPRESS_THRESHOLD_BYTES", 4096),
		CommandTimeout:         parseDuration("EDGEFLEET_COMMAND_TIMEOUT", 30*time.Second),

		HealthPort:     parseInt("EDGEFLEET_HEALTH_PORT", 8080),
		DebugEndpoints: parseBool("EDGEFLEET_DEBUG_ENDPOINTS", false),
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.New().String()
	}
	if len(cfg.BrokerURLs) == 0 {
		cfg.BrokerURLs = []string{"tcp://localhost:1883"}
	}

	return cfg
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// parseDuration tries time.ParseDuration first, then falls back to treating
// the value as integer seconds.
func parseDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(v)
	if err == nil {
		return d
	}

	// Fallback: treat as integer seconds
	secs, err := strconv.Atoi(v)
	if err == nil {
		return time.Duration(secs) * time.Second
	}

	return defaultVal
}

func parseBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func parseInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseStringSlice(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var result []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			result = append(result, s)
		}
	}
	return result
}
