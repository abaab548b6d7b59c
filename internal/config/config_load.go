package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Chat: ChatConfig{
			TotalTimeoutSec: 120,
			IdleTimeoutSec:  30,
		},
		Database: DatabaseConfig{
			SQLitePath:    "dagchat.db",
			MongoDatabase: "dagchat",
		},
		Reconcile: ReconcileConfig{
			Cron: "*/10 * * * *",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "dagchat",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; env-only deployments are the common case.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("API_HOST", &c.API.Host)
	envInt("API_PORT", &c.API.Port)

	envStr("DEFAULT_MODEL", &c.Chat.DefaultModel)
	envInt("CHAT_TOTAL_TIMEOUT_SEC", &c.Chat.TotalTimeoutSec)
	envInt("CHAT_IDLE_TIMEOUT_SEC", &c.Chat.IdleTimeoutSec)
	if v := os.Getenv("CHAT_PRESERVE_PARTIAL"); v != "" {
		c.Chat.PreservePartial = v == "true" || v == "1"
	}

	envStr("POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("SQLITE_PATH", &c.Database.SQLitePath)
	envStr("MONGO_URI", &c.Database.MongoURI)
	envStr("MONGO_DATABASE", &c.Database.MongoDatabase)

	envStr("DEEPSEEK_API_KEY", &c.Adapters.DeepSeek.APIKey)
	envStr("DEEPSEEK_API_BASE", &c.Adapters.DeepSeek.APIBase)
	envStr("KIMI_API_KEY", &c.Adapters.Kimi.APIKey)
	envStr("KIMI_API_BASE", &c.Adapters.Kimi.APIBase)
	envStr("GLM_API_KEY", &c.Adapters.GLM.APIKey)
	envStr("GLM_API_BASE", &c.Adapters.GLM.APIBase)
	envStr("QWEN_API_KEY", &c.Adapters.Qwen.APIKey)
	envStr("QWEN_API_BASE", &c.Adapters.Qwen.APIBase)
	envStr("ANTHROPIC_API_KEY", &c.Adapters.Anthropic.APIKey)
	envStr("ANTHROPIC_API_BASE", &c.Adapters.Anthropic.APIBase)

	envStr("RECONCILE_CRON", &c.Reconcile.Cron)

	envStr("TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}
