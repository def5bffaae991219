package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/javimosch/superqueues/internal/apierr"
	"github.com/javimosch/superqueues/internal/audit"
	"github.com/javimosch/superqueues/internal/auth"
)

// AdminController exposes runtime-changeable server settings.
type AdminController struct {
	audit *audit.Service
	guard *authenticator
}

// NewAdminController creates a new admin controller.
func NewAdminController(svc *audit.Service, guard *authenticator) *AdminController {
	return &AdminController{audit: svc, guard: guard}
}

// RegisterRoutes registers the admin routes with the given mux.
func (c *AdminController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/admin/settings", c.guard.require(auth.ScopeAdmin, false, c.handleGetSettings))
	mux.HandleFunc("POST /v1/admin/settings", c.guard.require(auth.ScopeAdmin, false, c.handleUpdateSettings))
}

func (c *AdminController) handleGetSettings(w http.ResponseWriter, r *http.Request, _ auth.Credential) {
	writeJSON(w, map[string]string{"auditMode": string(c.audit.Mode())})
}

type updateSettingsRequest struct {
	AuditMode string `json:"auditMode"`
}

func (c *AdminController) handleUpdateSettings(w http.ResponseWriter, r *http.Request, _ auth.Credential) {
	var req updateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.CodeValidation, "invalid JSON body"))
		return
	}
	if req.AuditMode != "" {
		if _, err := c.audit.SetMode(req.AuditMode); err != nil {
			writeError(w, apierr.Wrap(apierr.CodeValidation, "invalid audit mode", err))
			return
		}
	}
	writeJSON(w, map[string]string{"auditMode": string(c.audit.Mode())})
}
