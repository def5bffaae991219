package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	HTTPAddr  string          `json:"httpAddr" yaml:"httpAddr"`
	DataDir   string          `json:"dataDir" yaml:"dataDir"`
	Broker    BrokerConfig    `json:"broker" yaml:"broker"`
	KV        KVConfig        `json:"kv" yaml:"kv"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Audit     AuditConfig     `json:"audit" yaml:"audit"`
	Namespace NamespaceConfig `json:"namespace" yaml:"namespace"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
}

// BrokerConfig selects and configures the message broker.
type BrokerConfig struct {
	// Driver is "amqp" or "memory".
	Driver          string `json:"driver" yaml:"driver"`
	URL             string `json:"url" yaml:"url"`
	PrefetchDefault int    `json:"prefetchDefault" yaml:"prefetchDefault"`
}

// KVConfig selects and configures the TTL key-value store backing the
// lease store and idempotency cache.
type KVConfig struct {
	// Driver is "redis" or "memory".
	Driver string `json:"driver" yaml:"driver"`
	URL    string `json:"url" yaml:"url"`
}

// QueueConfig carries queue lifecycle tunables.
type QueueConfig struct {
	PullMaxDefault             int     `json:"pullMaxDefault" yaml:"pullMaxDefault"`
	VisibilityTimeoutDefaultMs int64   `json:"visibilityTimeoutDefaultMs" yaml:"visibilityTimeoutDefaultMs"`
	ReceiptTTLMaxMs            int64   `json:"receiptTtlMaxMs" yaml:"receiptTtlMaxMs"`
	IdempotencyTTLMs           int64   `json:"idempotencyTtlMs" yaml:"idempotencyTtlMs"`
	MaxRetryAttempts           int     `json:"maxRetryAttempts" yaml:"maxRetryAttempts"`
	RetryDelaysMs              []int64 `json:"retryDelaysMs" yaml:"retryDelaysMs"`
	ReclaimIntervalMs          int64   `json:"reclaimIntervalMs" yaml:"reclaimIntervalMs"`
}

// AuditConfig carries the initial audit mode; the effective mode is
// persisted in settings and adjustable at runtime.
type AuditConfig struct {
	Mode string `json:"mode" yaml:"mode"`
}

// NamespaceConfig prefixes broker queue names with tenant and environment.
type NamespaceConfig struct {
	Tenant string `json:"tenant" yaml:"tenant"`
	Env    string `json:"env" yaml:"env"`
}

// AuthConfig seeds API credentials at startup. Key management beyond
// bootstrap is an administrative concern outside the server.
type AuthConfig struct {
	BootstrapKeys []BootstrapKey `json:"bootstrapKeys" yaml:"bootstrapKeys"`
}

// BootstrapKey describes one seeded API key.
type BootstrapKey struct {
	Key           string   `json:"key" yaml:"key"`
	Name          string   `json:"name" yaml:"name"`
	Scopes        []string `json:"scopes" yaml:"scopes"`
	AllowedQueues []string `json:"allowedQueues" yaml:"allowedQueues"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		Broker: BrokerConfig{
			Driver:          "amqp",
			URL:             "amqp://localhost:5672",
			PrefetchDefault: 10,
		},
		KV: KVConfig{
			Driver: "redis",
			URL:    "redis://localhost:6379",
		},
		Queue: QueueConfig{
			PullMaxDefault:             10,
			VisibilityTimeoutDefaultMs: 30_000,
			ReceiptTTLMaxMs:            300_000,
			IdempotencyTTLMs:           86_400_000,
			MaxRetryAttempts:           5,
			RetryDelaysMs:              []int64{5_000, 15_000, 60_000, 300_000, 900_000},
			ReclaimIntervalMs:          1_000,
		},
		Audit:     AuditConfig{Mode: "full"},
		Namespace: NamespaceConfig{Tenant: "default", Env: "dev"},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If
// path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse json config: %w", err)
		}
	}
	return cfg, nil
}
