package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/javimosch/superqueues/internal/apierr"
	"github.com/javimosch/superqueues/internal/auth"
	queuesvc "github.com/javimosch/superqueues/internal/services/queues"
)

// QueuesController handles the publish/pull/ack/nack endpoints.
type QueuesController struct {
	queues *queuesvc.Service
	guard  *authenticator
}

// NewQueuesController creates a new queues controller.
func NewQueuesController(svc *queuesvc.Service, guard *authenticator) *QueuesController {
	return &QueuesController{queues: svc, guard: guard}
}

// RegisterRoutes registers the queue routes with the given mux.
func (c *QueuesController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/queues/{queue}/messages", c.guard.require(auth.ScopePublish, true, c.handlePublish))
	mux.HandleFunc("POST /v1/queues/{queue}/pull", c.guard.require(auth.ScopeConsume, true, c.handlePull))
	mux.HandleFunc("POST /v1/queues/{queue}/ack", c.guard.require(auth.ScopeConsume, true, c.handleAck))
	mux.HandleFunc("POST /v1/queues/{queue}/nack", c.guard.require(auth.ScopeConsume, true, c.handleNack))
}

type publishRequest struct {
	Payload        json.RawMessage   `json:"payload"`
	Headers        map[string]string `json:"headers"`
	IdempotencyKey string            `json:"idempotencyKey"`
	CorrelationID  string            `json:"correlationId"`
}

func (c *QueuesController) handlePublish(w http.ResponseWriter, r *http.Request, cred auth.Credential) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.CodeValidation, "invalid JSON body"))
		return
	}
	result, err := c.queues.Publish(r.Context(), r.PathValue("queue"), cred.KeyHash, queuesvc.PublishRequest{
		Payload:        req.Payload,
		Headers:        req.Headers,
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  req.CorrelationID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeCreated(w, result)
}

type pullRequest struct {
	MaxMessages         int   `json:"maxMessages"`
	VisibilityTimeoutMs int64 `json:"visibilityTimeoutMs"`
}

func (c *QueuesController) handlePull(w http.ResponseWriter, r *http.Request, _ auth.Credential) {
	var req pullRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.New(apierr.CodeValidation, "invalid JSON body"))
			return
		}
	}
	messages, err := c.queues.Pull(r.Context(), r.PathValue("queue"), queuesvc.PullRequest{
		MaxMessages:         req.MaxMessages,
		VisibilityTimeoutMs: req.VisibilityTimeoutMs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"messages": messages})
}

type ackRequest struct {
	ReceiptID string `json:"receiptId"`
}

func (c *QueuesController) handleAck(w http.ResponseWriter, r *http.Request, _ auth.Credential) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.CodeValidation, "invalid JSON body"))
		return
	}
	if req.ReceiptID == "" {
		writeError(w, apierr.New(apierr.CodeValidation, "receiptId is required"))
		return
	}
	if err := c.queues.Ack(r.Context(), r.PathValue("queue"), req.ReceiptID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

type nackRequest struct {
	ReceiptID string `json:"receiptId"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
}

func (c *QueuesController) handleNack(w http.ResponseWriter, r *http.Request, _ auth.Credential) {
	var req nackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.CodeValidation, "invalid JSON body"))
		return
	}
	if req.ReceiptID == "" {
		writeError(w, apierr.New(apierr.CodeValidation, "receiptId is required"))
		return
	}
	err := c.queues.Nack(r.Context(), r.PathValue("queue"), req.ReceiptID, queuesvc.NackAction(req.Action), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}
