// Package config loads superqueues configuration.
//
// Settings come from built-in defaults, optionally overlaid by a JSON or
// YAML file, overlaid in turn by SQ_* environment variables. The config
// surface is consumed, not owned, by the core: it carries broker and store
// endpoints, queue tunables (batch sizes, visibility timeouts, retry
// backoff), the idempotency TTL, and the audit mode.
package config
