package config

import (
	"time"
)

// Config is the full roost node configuration.
type Config struct {
	// Node identity; generated when empty.
	Node NodeConfig `json:"node" mapstructure:"node"`

	// Redis backing store.
	Redis RedisConfig `json:"redis" mapstructure:"redis"`

	// Lease protocol.
	Lease LeaseConfig `json:"lease" mapstructure:"lease"`

	// Checkpoint write coalescing.
	Coalescing CoalescingConfig `json:"coalescing" mapstructure:"coalescing"`

	// Agent policy.
	Agents AgentsConfig `json:"agents" mapstructure:"agents"`

	// Inbound auth.
	Auth AuthConfig `json:"auth" mapstructure:"auth"`

	// Logging.
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics endpoint.
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// DataDir holds node-local files (pid file, default log location).
	DataDir string `json:"dataDir" mapstructure:"dataDir"`
}

// NodeConfig identifies this worker process.
type NodeConfig struct {
	ID string `json:"id" mapstructure:"id"`
}

// RedisConfig locates the lease/checkpoint store.
type RedisConfig struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
}

// LeaseConfig tunes the ownership protocol.
type LeaseConfig struct {
	// TimeoutSeconds before an unrenewed lease expires.
	TimeoutSeconds int `json:"timeoutSeconds" mapstructure:"timeoutSeconds"`
	// Strategy is "script" (server-side CAS, preferred) or "watch".
	Strategy string `json:"strategy" mapstructure:"strategy"`
}

// Timeout returns the lease TTL as a duration.
func (c LeaseConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CoalescingConfig tunes checkpoint write batching.
type CoalescingConfig struct {
	// IntervalSeconds between forced batch flushes.
	IntervalSeconds int `json:"intervalSeconds" mapstructure:"intervalSeconds"`
	// MaxPendingUpdates flushes the batch at this size; 1 disables
	// coalescing.
	MaxPendingUpdates int `json:"maxPendingUpdates" mapstructure:"maxPendingUpdates"`
}

// Interval returns the flush period as a duration.
func (c CoalescingConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// AgentsConfig is the agent creation policy.
type AgentsConfig struct {
	CreateOnFirstMessage bool `json:"createOnFirstMessage" mapstructure:"createOnFirstMessage"`
}

// AuthConfig guards inbound messages. An empty token disables the check.
type AuthConfig struct {
	Token string `json:"token" mapstructure:"token"`
}

// LoggingConfig mirrors the logger package's knobs.
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// MetricsConfig exposes prometheus metrics when enabled.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// DefaultConfig returns the defaults a bare node starts with.
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Lease: LeaseConfig{
			TimeoutSeconds: 30,
			Strategy:       "script",
		},
		Coalescing: CoalescingConfig{
			IntervalSeconds:   1,
			MaxPendingUpdates: 16,
		},
		Agents: AgentsConfig{
			CreateOnFirstMessage: true,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
	}
}
