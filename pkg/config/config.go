package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Comfy-Org/comfyui-sidecar/pkg/models"
)

// Config is the daemon configuration. Values come from a config file,
// SIDECAR_* environment variables and flags, in ascending precedence.
type Config struct {
	// Control surface
	ListenAddr        string
	MetricsListenAddr string

	// Worker defaults applied to submissions that omit them
	DefaultMemoryLimitBytes int64
	DefaultMaxAttempts      int

	// Environment passed through to workers unchanged. The worker's
	// telemetry plugin reads AGENT_URL; the supervisor never interprets
	// these values.
	AgentURL string

	// Store
	StoreType string // memory, sqlite, postgres
	StoreDSN  string

	// Process control
	StopGracePeriod time.Duration
	ShutdownTimeout time.Duration
	CgroupRoot      string
	CgroupNamespace string

	// Restart backoff, overridable by a policy file
	PolicyFile string
	Policy     models.RestartPolicy

	// Logging
	LogLevel  string
	LogFormat string // text or json
}

// Load reads configuration from the given file (optional) and the
// environment. Missing values fall back to defaults safe for a single
// host.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8085")
	v.SetDefault("metrics_listen_addr", ":9095")
	v.SetDefault("default_memory_limit_bytes", int64(8)<<30)
	v.SetDefault("default_max_attempts", 3)
	v.SetDefault("store_type", "sqlite")
	v.SetDefault("store_dsn", "sidecar.db")
	v.SetDefault("stop_grace_period", "10s")
	v.SetDefault("shutdown_timeout", "30s")
	v.SetDefault("cgroup_root", "/sys/fs/cgroup")
	v.SetDefault("cgroup_namespace", "sidecar")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetEnvPrefix("SIDECAR")
	v.AutomaticEnv()
	v.BindEnv("agent_url", "SIDECAR_AGENT_URL", "AGENT_URL")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	}

	cfg := &Config{
		ListenAddr:              v.GetString("listen_addr"),
		MetricsListenAddr:       v.GetString("metrics_listen_addr"),
		DefaultMemoryLimitBytes: v.GetInt64("default_memory_limit_bytes"),
		DefaultMaxAttempts:      v.GetInt("default_max_attempts"),
		AgentURL:                v.GetString("agent_url"),
		StoreType:               v.GetString("store_type"),
		StoreDSN:                v.GetString("store_dsn"),
		StopGracePeriod:         v.GetDuration("stop_grace_period"),
		ShutdownTimeout:         v.GetDuration("shutdown_timeout"),
		CgroupRoot:              v.GetString("cgroup_root"),
		CgroupNamespace:         v.GetString("cgroup_namespace"),
		PolicyFile:              v.GetString("policy_file"),
		LogLevel:                v.GetString("log_level"),
		LogFormat:               v.GetString("log_format"),
	}

	policy, err := loadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations that would misbehave at runtime
func (c *Config) Validate() error {
	if c.DefaultMemoryLimitBytes <= 0 {
		return fmt.Errorf("default_memory_limit_bytes must be > 0, got %d", c.DefaultMemoryLimitBytes)
	}
	if c.DefaultMaxAttempts < 1 {
		return fmt.Errorf("default_max_attempts must be >= 1, got %d", c.DefaultMaxAttempts)
	}
	switch c.StoreType {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store_type %q (want memory, sqlite or postgres)", c.StoreType)
	}
	if c.StopGracePeriod <= 0 {
		return fmt.Errorf("stop_grace_period must be > 0")
	}
	if err := validatePolicy("crash", c.Policy.Crash); err != nil {
		return err
	}
	if err := validatePolicy("oom", c.Policy.Oom); err != nil {
		return err
	}
	return nil
}

func validatePolicy(name string, p models.RetryPolicy) error {
	if p.InitialBackoff <= 0 {
		return fmt.Errorf("%s policy: initial_backoff must be > 0", name)
	}
	if p.MaxBackoff < p.InitialBackoff {
		return fmt.Errorf("%s policy: max_backoff must be >= initial_backoff", name)
	}
	if p.BackoffMultiplier < 1.0 {
		return fmt.Errorf("%s policy: backoff_multiplier must be >= 1.0", name)
	}
	return nil
}

// loadPolicy reads the backoff profiles from a YAML file, falling back
// to the built-in defaults when no file is configured. Profiles absent
// from the file keep their defaults.
func loadPolicy(path string) (models.RestartPolicy, error) {
	policy := models.DefaultRestartPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &policy); err != nil {
		return policy, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}

	return policy, nil
}

// WorkerEnv renders the pass-through environment for launched workers
func (c *Config) WorkerEnv() []string {
	var env []string
	if c.AgentURL != "" {
		env = append(env, "AGENT_URL="+c.AgentURL)
	}
	return env
}
