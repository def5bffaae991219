package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/javimosch/superqueues/internal/apierr"
)

// Helper functions for common HTTP responses

// writeJSON writes a JSON response with the given data.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// writeCreated writes a 201 Created JSON response.
func writeCreated(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps an error to its API shape {error, code} and status.
func writeError(w http.ResponseWriter, err error) {
	code := apierr.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierr.HTTPStatus(code))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": apierr.MessageOf(err),
		"code":  string(code),
	})
}

// parseLimit parses a limit query value, returning 0 for empty or
// invalid input.
func parseLimit(limitStr string) int {
	if limitStr == "" {
		return 0
	}
	if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
		return limit
	}
	return 0
}

// parseTimestamp parses RFC3339 or raw millisecond timestamps to unix
// milliseconds. Returns 0 for empty or invalid input.
func parseTimestamp(ts string) int64 {
	if ts == "" {
		return 0
	}
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t.UnixMilli()
	}
	if ms, err := strconv.ParseInt(ts, 10, 64); err == nil && ms > 0 {
		return ms
	}
	return 0
}
