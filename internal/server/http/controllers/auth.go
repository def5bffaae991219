package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/javimosch/superqueues/internal/apierr"
	"github.com/javimosch/superqueues/internal/auth"
	"github.com/javimosch/superqueues/pkg/log"
)

// authenticator gates handlers behind API key auth plus scope and queue
// checks.
type authenticator struct {
	store  *auth.Store
	logger log.Logger
}

func newAuthenticator(store *auth.Store, logger log.Logger) *authenticator {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &authenticator{store: store, logger: logger.With(log.Component("http.auth"))}
}

// parseAuthHeader extracts the raw key from "ApiKey <key>" or
// "Bearer <key>".
func parseAuthHeader(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if parts[0] != "ApiKey" && parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

// authedHandler receives the authenticated credential alongside the
// request.
type authedHandler func(w http.ResponseWriter, r *http.Request, cred auth.Credential)

// require authenticates the request and checks the scope. When withQueue
// is set, the {queue} path value is checked against the credential's
// queue patterns.
func (a *authenticator) require(scope auth.Scope, withQueue bool, next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawKey := parseAuthHeader(r.Header.Get("Authorization"))
		if rawKey == "" {
			writeError(w, apierr.New(apierr.CodeUnauthorized, "missing or invalid Authorization header"))
			return
		}

		hash := auth.HashKey(rawKey)
		cred, ok, err := a.store.FindByHash(hash)
		if err != nil {
			a.logger.Error("credential lookup", log.Err(err))
			writeError(w, apierr.Wrap(apierr.CodeInternal, "credential lookup failed", err))
			return
		}
		if !ok {
			writeError(w, apierr.New(apierr.CodeUnauthorized, "invalid API key"))
			return
		}

		queue := ""
		if withQueue {
			queue = r.PathValue("queue")
			if queue == "" {
				writeError(w, apierr.New(apierr.CodeValidation, "queue parameter required"))
				return
			}
		}
		if err := auth.Check(cred, scope, queue); err != nil {
			writeError(w, err)
			return
		}

		go a.store.Touch(hash, time.Now().UnixMilli())

		next(w, r, cred)
	}
}
