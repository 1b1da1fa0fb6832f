package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Duration is a time.Duration that reads and writes JSON as a string like "30s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// RemoteWorkerConfig names a worker serving cores over websocket.
type RemoteWorkerConfig struct {
	Name    string `json:"name"`
	Address string `json:"address"` // host:port or ws:// URL
}

// ParseRemoteWorker parses "name=address" or a bare address.
func ParseRemoteWorker(s string) (RemoteWorkerConfig, error) {
	name, address, found := strings.Cut(strings.TrimSpace(s), "=")
	if !found {
		name, address = "", name
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return RemoteWorkerConfig{}, fmt.Errorf("remote worker %q: missing address", s)
	}
	return RemoteWorkerConfig{Name: strings.TrimSpace(name), Address: address}, nil
}

// FormatRemoteWorker is the inverse of ParseRemoteWorker.
func FormatRemoteWorker(w RemoteWorkerConfig) string {
	if w.Name == "" {
		return w.Address
	}
	return w.Name + "=" + w.Address
}

// RetryConfig tunes the backoff around remote reservations.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval"`
	MaxInterval         Duration `json:"max_interval"`
	MaxElapsedTime      Duration `json:"max_elapsed_time"`
	Multiplier          float64  `json:"multiplier"`
	RandomizationFactor float64  `json:"randomization_factor"`
}

// BreakerConfig tunes the per-worker circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32   `json:"consecutive_failures"`
	OpenTimeout         Duration `json:"open_timeout"`
}

// PoolConfig defines where cores come from.
type PoolConfig struct {
	LocalCores    int                  `json:"local_cores"` // 0 means one per CPU
	RemoteWorkers []RemoteWorkerConfig `json:"remote_workers,omitempty"`
	ReserveRetry  RetryConfig          `json:"reserve_retry"`
	Breaker       BreakerConfig        `json:"breaker"`
}

// ExecutorConfig defines how descriptors run.
type ExecutorConfig struct {
	ToolRoot    string   `json:"tool_root"`    // Resolves remote tools
	TaskTimeout Duration `json:"task_timeout"` // 0 means no timeout
}

// WorkerConfig defines the worker server started by `distbuild worker`.
type WorkerConfig struct {
	Listen string `json:"listen"`
	Name   string `json:"name,omitempty"` // Defaults to the hostname
	Cores  int    `json:"cores"`          // 0 means one per CPU
}

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "text" or "json"
}

// HistoryConfig controls the job history database.
type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // Defaults to ~/.distbuild/history.db
}

// Config is the top-level configuration.
type Config struct {
	Pool     PoolConfig     `json:"pool"`
	Executor ExecutorConfig `json:"executor"`
	Worker   WorkerConfig   `json:"worker"`
	Log      LogConfig      `json:"log"`
	History  HistoryConfig  `json:"history"`
}
