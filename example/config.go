package example

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/postpipe/features/runstate"
)

// Transport names accepted by Config.Transport.
const (
	TransportLocal    = "local"
	TransportPulse    = "pulse"
	TransportTemporal = "temporal"
)

// Config is the worker configuration document.
type Config struct {
	// Transport selects the run driver: local (in-process loop), pulse
	// (Redis-backed queue relay), or temporal. Defaults to local.
	Transport string `yaml:"transport"`

	// RunState configures the run state backend.
	RunState runstate.Config `yaml:"runState"`

	// AgentsDir is the file agent registry directory. Defaults to
	// "./postpipe-agents".
	AgentsDir string `yaml:"agentsDir"`

	// Redis configures the pulse transport.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`

	// Temporal configures the temporal transport.
	Temporal struct {
		HostPort  string `yaml:"hostPort"`
		Namespace string `yaml:"namespace"`
		TaskQueue string `yaml:"taskQueue"`
	} `yaml:"temporal"`

	// ProviderLatency is the simulated latency of the stub providers.
	ProviderLatency time.Duration `yaml:"providerLatency"`
}

// LoadConfig reads the YAML document at path and applies defaults and
// POSTPIPE_* environment overrides. An empty path yields the default
// configuration.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if env := runstate.FromEnv(); cfg.RunState == (runstate.Config{}) {
		cfg.RunState = env
	}
	if v := os.Getenv("POSTPIPE_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("POSTPIPE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("POSTPIPE_TEMPORAL_HOSTPORT"); v != "" {
		cfg.Temporal.HostPort = v
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportLocal
	}
	if cfg.AgentsDir == "" {
		cfg.AgentsDir = "./postpipe-agents"
	}
	switch cfg.Transport {
	case TransportLocal, TransportPulse, TransportTemporal:
	default:
		return Config{}, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if cfg.Transport == TransportPulse && cfg.Redis.Addr == "" {
		return Config{}, fmt.Errorf("pulse transport requires redis.addr")
	}
	return cfg, nil
}
