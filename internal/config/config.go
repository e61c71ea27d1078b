package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FunctionSpec describes a function image the scheduler will accept
// LabeledInvoke requests for. Each entry installs a public gate at
// scheduler boot; requests naming an image with no matching entry are
// rejected at admission with FunctionNotExist.
type FunctionSpec struct {
	Name      string `json:"name"`
	Image     string `json:"image"`
	Privilege string `json:"privilege"`

	// MemoryMB is the declared per-VM footprint used by the resource
	// manager's admission and eviction accounting. Zero means "use the
	// default slot size" (DefaultVMMemoryMB, 128 MB; §5's pool of
	// total_memory/128 slots).
	MemoryMB uint64 `json:"memory_mb"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRate  float64 `json:"sample_rate"`
}

// MetricsConfig controls the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// LoggingConfig controls the operational slog logger.
type LoggingConfig struct {
	Level  string `json:"level"`  // "debug", "info", "warn", "error"
	Format string `json:"format"` // "text" or "json"
}

// Config is the top-level configuration shared by the scheduler daemon
// (pulsar) and the worker-node agent (ember). It is loaded
// from an optional JSON file and then layered with environment
// overrides, mirroring the teacher's LoadFromFile + LoadFromEnv pattern.
type Config struct {
	// TotalMemory is a worker node's memory budget in MB: the worker-node
	// agent sizes its local resource manager and its pool of
	// total_memory/128 worker slots from it, and probes the host's memory
	// when it is zero. The scheduler daemon does not read it.
	TotalMemory uint64 `json:"total_memory"`

	// ListenAddress is the scheduler's RPC listen address, e.g. "0.0.0.0:9090".
	ListenAddress string `json:"listen_address"`

	// RetryLimit bounds how many VM attempts (acquire+launch+invoke) the
	// worker loop makes for one request before giving up.
	RetryLimit int `json:"retry_limit"`

	// FlushIntervalSecs is how often the resource manager force-flushes
	// its view of node state to the scheduler even absent a local change.
	FlushIntervalSecs int `json:"flush_interval_secs"`

	// Functions is the static catalog of images the scheduler installs
	// gates for at boot.
	Functions []FunctionSpec `json:"functions"`

	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`

	// MetricsAddress is the address the /metrics HTTP handler binds to.
	MetricsAddress string `json:"metrics_address"`
}

// DefaultConfig returns a Config populated with the values the spec
// names as defaults.
func DefaultConfig() *Config {
	return &Config{
		TotalMemory:       8192,
		ListenAddress:     "127.0.0.1:9090",
		RetryLimit:        5,
		FlushIntervalSecs: 3600,
		Functions:         nil,
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "pulsar-scheduler",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "pulsar",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		MetricsAddress: "127.0.0.1:9091",
	}
}

// LoadFromFile reads a JSON config file and merges it over the defaults.
// A missing file is not an error; callers get DefaultConfig() back.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies PULSAR_*-prefixed environment variable overrides
// on top of an already-loaded Config, following the teacher's
// env-override layering.
func LoadFromEnv(cfg *Config) *Config {
	if v, ok := os.LookupEnv("PULSAR_TOTAL_MEMORY"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.TotalMemory = n
		}
	}
	if v, ok := os.LookupEnv("PULSAR_LISTEN_ADDRESS"); ok {
		cfg.ListenAddress = v
	}
	if v, ok := os.LookupEnv("PULSAR_RETRY_LIMIT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryLimit = n
		}
	}
	if v, ok := os.LookupEnv("PULSAR_FLUSH_INTERVAL_SECS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FlushIntervalSecs = n
		}
	}
	if v, ok := os.LookupEnv("PULSAR_TRACING_ENABLED"); ok {
		cfg.Tracing.Enabled = parseBool(v, cfg.Tracing.Enabled)
	}
	if v, ok := os.LookupEnv("PULSAR_TRACING_EXPORTER"); ok {
		cfg.Tracing.Exporter = v
	}
	if v, ok := os.LookupEnv("PULSAR_TRACING_ENDPOINT"); ok {
		cfg.Tracing.Endpoint = v
	}
	if v, ok := os.LookupEnv("PULSAR_METRICS_ENABLED"); ok {
		cfg.Metrics.Enabled = parseBool(v, cfg.Metrics.Enabled)
	}
	if v, ok := os.LookupEnv("PULSAR_METRICS_ADDRESS"); ok {
		cfg.MetricsAddress = v
	}
	if v, ok := os.LookupEnv("PULSAR_LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := os.LookupEnv("PULSAR_LOG_FORMAT"); ok {
		cfg.Logging.Format = v
	}
	if v, ok := os.LookupEnv("PULSAR_FUNCTIONS"); ok {
		if fns, err := parseFunctionList(v); err == nil {
			cfg.Functions = fns
		}
	}
	return cfg
}

// parseFunctionList parses a comma-separated name=image=privilege list,
// used when the function catalog is supplied inline rather than via the
// config file's functions array.
func parseFunctionList(v string) ([]FunctionSpec, error) {
	var out []FunctionSpec
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "=")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid function entry %q: want name=image=privilege", entry)
		}
		out = append(out, FunctionSpec{Name: parts[0], Image: parts[1], Privilege: parts[2]})
	}
	return out, nil
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
