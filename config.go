package resilience

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPathEnv names the environment variable consulted when LoadConfig is
// given an empty path.
const ConfigPathEnv = "AGENT_RESILIENCE_CONFIG"

// Config is the file form of every component's settings.
type Config struct {
	Breakers    map[string]BreakerConfig `yaml:"breakers"`
	Degradation DegradationFileConfig    `yaml:"degradation"`
	Logging     LoggingConfig            `yaml:"logging"`
	Monitor     MonitorConfig            `yaml:"monitor"`
	Rollback    RollbackConfig           `yaml:"rollback"`
}

// DegradationFileConfig is DegradationConfig with level names as keys.
type DegradationFileConfig struct {
	// Features maps a level name ("reduced", "minimal", "emergency") to the
	// features it newly disables. Empty keeps DefaultFeatureTable().
	Features          map[string][]string `yaml:"features"`
	RecoveryThreshold int                 `yaml:"recoveryThreshold"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// LoadConfig reads a YAML file, falling back to $AGENT_RESILIENCE_CONFIG when
// path is empty and to defaults when both are empty, then applies
// environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}

	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig decodes YAML over the defaults. Breaker fields left out of the
// file take DefaultBreakerConfig values.
func ParseConfig(data []byte) (*Config, error) {
	cfg := defaultConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	defaults := DefaultBreakerConfig()
	for name, bc := range cfg.Breakers {
		if bc.FailureThreshold == 0 {
			bc.FailureThreshold = defaults.FailureThreshold
		}
		if bc.WindowSize == 0 {
			bc.WindowSize = max(defaults.WindowSize, bc.FailureThreshold)
		}
		if bc.ResetTimeout == 0 {
			bc.ResetTimeout = defaults.ResetTimeout
		}
		cfg.Breakers[name] = bc
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Breakers: make(map[string]BreakerConfig),
		Degradation: DegradationFileConfig{
			RecoveryThreshold: DefaultDegradationConfig().RecoveryThreshold,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Monitor:  DefaultMonitorConfig(),
		Rollback: DefaultRollbackConfig(),
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENT_RESILIENCE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AGENT_RESILIENCE_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.JSON = b
		}
	}
	if v := os.Getenv("AGENT_RESILIENCE_RECOVERY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Degradation.RecoveryThreshold = n
		}
	}
	if v := os.Getenv("AGENT_RESILIENCE_CHECKPOINT_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Rollback.Capacity = n
		}
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	for name, bc := range c.Breakers {
		if err := bc.Validate(); err != nil {
			return fmt.Errorf("breaker %q: %w", name, err)
		}
	}
	if c.Monitor.DefaultInterval <= 0 || c.Monitor.DefaultTimeout <= 0 {
		return fmt.Errorf("%w: monitor interval and timeout must be positive", ErrInvalidConfig)
	}
	if c.Degradation.RecoveryThreshold < 1 {
		return fmt.Errorf("%w: recovery threshold must be at least 1", ErrInvalidConfig)
	}
	if c.Rollback.Capacity < 1 {
		return fmt.Errorf("%w: checkpoint capacity must be at least 1", ErrInvalidConfig)
	}
	if _, err := c.featureTable(); err != nil {
		return err
	}
	return nil
}

// RegisterBreakers registers every configured breaker with m.
func (c *Config) RegisterBreakers(m *BreakerManager) error {
	for _, name := range sortedKeys(c.Breakers) {
		if _, err := m.Register(name, c.Breakers[name]); err != nil {
			return err
		}
	}
	return nil
}

// MonitorOptions returns options reproducing the monitor section.
func (c *Config) MonitorOptions() []MonitorOption {
	return []MonitorOption{
		WithDefaultCheckInterval(c.Monitor.DefaultInterval),
		WithDefaultCheckTimeout(c.Monitor.DefaultTimeout),
		WithRecoveryAttemptThreshold(c.Monitor.RecoveryAttemptThreshold),
		func(mc *MonitorConfig) { mc.HistorySize = c.Monitor.HistorySize },
	}
}

// DegradationOptions returns options reproducing the degradation section.
func (c *Config) DegradationOptions() ([]DegradationOption, error) {
	opts := []DegradationOption{WithRecoveryThreshold(c.Degradation.RecoveryThreshold)}

	table, err := c.featureTable()
	if err != nil {
		return nil, err
	}
	if table != nil {
		opts = append(opts, WithFeatureTable(table))
	}
	return opts, nil
}

// RollbackOptions returns options reproducing the rollback section.
func (c *Config) RollbackOptions() []RollbackOption {
	return []RollbackOption{WithCapacity(c.Rollback.Capacity)}
}

func (c *Config) featureTable() (map[DegradationLevel][]string, error) {
	if len(c.Degradation.Features) == 0 {
		return nil, nil
	}

	table := make(map[DegradationLevel][]string, len(c.Degradation.Features))
	for name, features := range c.Degradation.Features {
		level, err := ParseDegradationLevel(name)
		if err != nil {
			return nil, err
		}
		for _, f := range features {
			if strings.TrimSpace(f) == "" {
				return nil, fmt.Errorf("%w: empty feature id at level %s", ErrInvalidConfig, level)
			}
		}
		table[level] = append(table[level], features...)
	}
	return table, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
