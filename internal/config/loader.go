package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Project config has the highest precedence
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// GlobalDir returns ~/.distbuild.
func GlobalDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".distbuild"), nil
}

// ProjectPath is the project config location, relative to the working directory.
var ProjectPath = filepath.Join(".distbuild", "config.json")

// GlobalPath returns ~/.distbuild/config.json.
func GlobalPath() (string, error) {
	dir, err := GlobalDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// LoadDefault loads configuration from GlobalPath and ProjectPath.
func LoadDefault() (*Config, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, ProjectPath)
}

// mergeConfigFile reads a JSON config file and overlays it onto base.
// Fields absent from the file keep their current value. Remote workers are
// merged by name, later files replacing entries with the same name.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // Missing file is not an error
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	previous := base.Pool.RemoteWorkers
	base.Pool.RemoteWorkers = nil
	if err := json.Unmarshal(data, base); err != nil {
		base.Pool.RemoteWorkers = previous
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	base.Pool.RemoteWorkers = mergeWorkers(previous, base.Pool.RemoteWorkers)

	return nil
}

func mergeWorkers(base, overlay []RemoteWorkerConfig) []RemoteWorkerConfig {
	merged := append([]RemoteWorkerConfig(nil), base...)
	for _, w := range overlay {
		replaced := false
		for i := range merged {
			if merged[i].Name == w.Name {
				merged[i] = w
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, w)
		}
	}
	return merged
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Pool.LocalCores < 0 {
		errs = append(errs, fmt.Errorf("pool.local_cores must not be negative, got %d", c.Pool.LocalCores))
	}
	if c.Worker.Cores < 0 {
		errs = append(errs, fmt.Errorf("worker.cores must not be negative, got %d", c.Worker.Cores))
	}

	seen := make(map[string]bool)
	for i, w := range c.Pool.RemoteWorkers {
		if strings.TrimSpace(w.Address) == "" {
			errs = append(errs, fmt.Errorf("pool.remote_workers[%d] (%q) has no address", i, w.Name))
		}
		if w.Name != "" {
			if seen[w.Name] {
				errs = append(errs, fmt.Errorf("pool.remote_workers: duplicate name %q", w.Name))
			}
			seen[w.Name] = true
		}
	}

	r := c.Pool.ReserveRetry
	if r.InitialInterval.Duration < 0 || r.MaxInterval.Duration < 0 || r.MaxElapsedTime.Duration < 0 {
		errs = append(errs, errors.New("pool.reserve_retry intervals must not be negative"))
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("pool.reserve_retry.multiplier must be at least 1, got %g", r.Multiplier))
	}
	if r.RandomizationFactor < 0 || r.RandomizationFactor > 1 {
		errs = append(errs, fmt.Errorf("pool.reserve_retry.randomization_factor must be within [0, 1], got %g", r.RandomizationFactor))
	}
	if c.Pool.Breaker.OpenTimeout.Duration < 0 {
		errs = append(errs, errors.New("pool.breaker.open_timeout must not be negative"))
	}
	if c.Executor.TaskTimeout.Duration < 0 {
		errs = append(errs, errors.New("executor.task_timeout must not be negative"))
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
