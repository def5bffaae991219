package controllers

import (
	"net/http"

	"github.com/javimosch/superqueues/internal/runtime"
)

// ControllerRegistry manages all HTTP controllers.
type ControllerRegistry struct {
	general *GeneralController
	queues  *QueuesController
	jobs    *JobsController
	admin   *AdminController
}

// NewControllerRegistry initializes all controllers with the provided
// runtime.
func NewControllerRegistry(rt *runtime.Runtime) *ControllerRegistry {
	guard := newAuthenticator(rt.Auth(), rt.Logger())
	return &ControllerRegistry{
		general: NewGeneralController(rt),
		queues:  NewQueuesController(rt.Queues(), guard),
		jobs:    NewJobsController(rt.Audit(), guard),
		admin:   NewAdminController(rt.Audit(), guard),
	}
}

// RegisterAllRoutes registers every controller's routes with the mux.
func (r *ControllerRegistry) RegisterAllRoutes(mux *http.ServeMux) {
	r.general.RegisterRoutes(mux)
	r.queues.RegisterRoutes(mux)
	r.jobs.RegisterRoutes(mux)
	r.admin.RegisterRoutes(mux)
}
