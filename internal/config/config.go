// Package config holds the runtime configuration: a JSON5 file overlaid by
// environment variables, env taking precedence. Secrets (API keys, DSNs)
// are read from env only and never persisted.
package config

import (
	"time"
)

// Config is the root configuration for the dagchat server.
type Config struct {
	API       APIConfig       `json:"api"`
	Chat      ChatConfig      `json:"chat"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Adapters  AdaptersConfig  `json:"adapters,omitempty"`
	Reconcile ReconcileConfig `json:"reconcile,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ChatConfig tunes the streaming pipeline.
type ChatConfig struct {
	DefaultModel    string `json:"default_model,omitempty"` // fallback for auto-titling
	TotalTimeoutSec int    `json:"total_timeout_sec"`       // whole adapter call
	IdleTimeoutSec  int    `json:"idle_timeout_sec"`        // between consecutive tokens
	PreservePartial bool   `json:"preserve_partial,omitempty"`
}

// TotalTimeout returns the adapter-call deadline as a duration.
func (c ChatConfig) TotalTimeout() time.Duration {
	return time.Duration(c.TotalTimeoutSec) * time.Second
}

// IdleTimeout returns the inter-token deadline as a duration.
func (c ChatConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// DatabaseConfig selects the storage backends. With no Postgres DSN the
// conversation store falls back to a local SQLite file; with no Mongo URI
// messages are kept in memory (local mode, lost on restart).
// DSNs are NEVER read from the config file — env only.
type DatabaseConfig struct {
	PostgresDSN   string `json:"-"` // from env POSTGRES_DSN only
	SQLitePath    string `json:"sqlite_path,omitempty"`
	MongoURI      string `json:"-"` // from env MONGO_URI only
	MongoDatabase string `json:"mongo_database,omitempty"`
}

// AdapterConfig holds one vendor's credentials and endpoint. An adapter is
// enabled exactly when its API key is set.
type AdapterConfig struct {
	APIKey  string `json:"-"` // from env only
	APIBase string `json:"api_base,omitempty"`
}

// Enabled reports whether the adapter should be registered.
func (a AdapterConfig) Enabled() bool { return a.APIKey != "" }

// AdaptersConfig enumerates the supported model vendors.
type AdaptersConfig struct {
	DeepSeek  AdapterConfig `json:"deepseek,omitempty"`
	Kimi      AdapterConfig `json:"kimi,omitempty"`
	GLM       AdapterConfig `json:"glm,omitempty"`
	Qwen      AdapterConfig `json:"qwen,omitempty"`
	Anthropic AdapterConfig `json:"anthropic,omitempty"`
}

// ReconcileConfig schedules the DAG edge reconciler. An empty cron
// expression disables the sweep.
type ReconcileConfig struct {
	Cron string `json:"cron,omitempty"`
}

// TelemetryConfig configures OpenTelemetry trace export. When enabled,
// spans go to an OTLP-compatible backend (Jaeger, Tempo, Datadog, ...).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext export for local dev
	ServiceName string            `json:"service_name,omitempty"` // default "dagchat"
	Headers     map[string]string `json:"headers,omitempty"`      // auth tokens for cloud backends
}
