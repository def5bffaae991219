package config

import (
	"os"
	"strconv"
	"strings"
)

// FromEnv overlays SQ_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("SQ_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("SQ_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SQ_BROKER_DRIVER"); v != "" {
		cfg.Broker.Driver = v
	}
	if v := os.Getenv("SQ_BROKER_URL"); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv("SQ_PREFETCH_DEFAULT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Broker.PrefetchDefault = n
		}
	}
	if v := os.Getenv("SQ_KV_DRIVER"); v != "" {
		cfg.KV.Driver = v
	}
	if v := os.Getenv("SQ_REDIS_URL"); v != "" {
		cfg.KV.URL = v
	}
	if v := os.Getenv("SQ_PULL_MAX_DEFAULT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.PullMaxDefault = n
		}
	}
	if v := os.Getenv("SQ_VISIBILITY_TIMEOUT_DEFAULT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Queue.VisibilityTimeoutDefaultMs = n
		}
	}
	if v := os.Getenv("SQ_RECEIPT_TTL_MAX_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Queue.ReceiptTTLMaxMs = n
		}
	}
	if v := os.Getenv("SQ_IDEMPOTENCY_TTL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Queue.IdempotencyTTLMs = n
		}
	}
	if v := os.Getenv("SQ_MAX_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxRetryAttempts = n
		}
	}
	if v := os.Getenv("SQ_RETRY_DELAYS_MS"); v != "" {
		var delays []int64
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if n, err := strconv.ParseInt(p, 10, 64); err == nil {
				delays = append(delays, n)
			}
		}
		if len(delays) > 0 {
			cfg.Queue.RetryDelaysMs = delays
		}
	}
	if v := os.Getenv("SQ_RECLAIM_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Queue.ReclaimIntervalMs = n
		}
	}
	if v := os.Getenv("SQ_AUDIT_MODE"); v != "" {
		cfg.Audit.Mode = v
	}
	if v := os.Getenv("SQ_TENANT"); v != "" {
		cfg.Namespace.Tenant = v
	}
	if v := os.Getenv("SQ_ENV"); v != "" {
		cfg.Namespace.Env = v
	}
}
