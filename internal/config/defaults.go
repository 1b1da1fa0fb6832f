package config

import (
	"runtime"
	"time"
)

// DefaultConfig returns the default configuration: local cores only, info logging, history on.
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			ReserveRetry: RetryConfig{
				InitialInterval:     Duration{100 * time.Millisecond},
				MaxInterval:         Duration{5 * time.Second},
				MaxElapsedTime:      Duration{2 * time.Minute},
				Multiplier:          2.0,
				RandomizationFactor: 0.5,
			},
			Breaker: BreakerConfig{
				ConsecutiveFailures: 5,
				OpenTimeout:         Duration{30 * time.Second},
			},
		},
		Worker: WorkerConfig{
			Listen: ":7420",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		History: HistoryConfig{
			Enabled: true,
		},
	}
}

// CoreCount returns the configured local core count, one per CPU when unset.
func (p PoolConfig) CoreCount() int {
	if p.LocalCores > 0 {
		return p.LocalCores
	}
	return runtime.NumCPU()
}

// CoreCount returns the configured worker core count, one per CPU when unset.
func (w WorkerConfig) CoreCount() int {
	if w.Cores > 0 {
		return w.Cores
	}
	return runtime.NumCPU()
}
