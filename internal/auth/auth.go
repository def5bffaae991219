// Package auth holds API key credentials and the scope and queue access
// checks applied to every request.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/javimosch/superqueues/internal/apierr"
)

// Scope names a capability an API key can hold.
type Scope string

const (
	ScopePublish Scope = "publish"
	ScopeConsume Scope = "consume"
	ScopeAdmin   Scope = "admin"
)

// Credential is a stored API key. Raw keys are never persisted, only the
// SHA-256 hash.
type Credential struct {
	KeyHash       string   `json:"keyHash"`
	Name          string   `json:"name"`
	Scopes        []Scope  `json:"scopes"`
	AllowedQueues []string `json:"allowedQueues"`
	Enabled       bool     `json:"enabled"`
	CreatedAtMs   int64    `json:"createdAtMs"`
	LastUsedAtMs  int64    `json:"lastUsedAtMs,omitempty"`
}

// HashKey returns the hex SHA-256 of a raw API key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// HasScope reports whether the credential holds the scope.
func (c Credential) HasScope(scope Scope) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// CanAccessQueue reports whether the credential may touch the queue.
// Patterns are exact names, "prefix.*" prefix matches (the dot is part of
// the prefix), or the global wildcard "*".
func (c Credential) CanAccessQueue(queue string) bool {
	for _, pattern := range c.AllowedQueues {
		if pattern == "*" || pattern == queue {
			return true
		}
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(queue, pattern[:len(pattern)-1]) {
			return true
		}
	}
	return false
}

// Check verifies the credential holds the scope and, when queue is
// non-empty, may access the queue. Scope and queue failures carry
// distinct error codes.
func Check(c Credential, scope Scope, queue string) error {
	if !c.HasScope(scope) {
		return apierr.Newf(apierr.CodeForbiddenScope, "missing required scope: %s", scope)
	}
	if queue != "" && !c.CanAccessQueue(queue) {
		return apierr.Newf(apierr.CodeForbiddenQueue, "access denied to queue: %s", queue)
	}
	return nil
}
