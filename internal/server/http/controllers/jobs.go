package controllers

import (
	"net/http"

	"github.com/javimosch/superqueues/internal/apierr"
	"github.com/javimosch/superqueues/internal/audit"
	"github.com/javimosch/superqueues/internal/auth"
)

// JobsController exposes the job audit trail.
type JobsController struct {
	audit *audit.Service
	guard *authenticator
}

// NewJobsController creates a new jobs controller.
func NewJobsController(svc *audit.Service, guard *authenticator) *JobsController {
	return &JobsController{audit: svc, guard: guard}
}

// RegisterRoutes registers the job routes with the given mux.
func (c *JobsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/jobs", c.guard.require(auth.ScopeConsume, false, c.handleQuery))
	mux.HandleFunc("GET /v1/jobs/{jobId}", c.guard.require(auth.ScopeConsume, false, c.handleGet))
	mux.HandleFunc("GET /v1/jobs/{jobId}/events", c.guard.require(auth.ScopeConsume, false, c.handleEvents))
}

func (c *JobsController) handleGet(w http.ResponseWriter, r *http.Request, _ auth.Credential) {
	jobID := r.PathValue("jobId")
	job, ok, err := c.audit.GetJob(jobID)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.CodeInternal, "job lookup failed", err))
		return
	}
	if !ok {
		writeError(w, apierr.New(apierr.CodeNotFound, "job not found"))
		return
	}
	events, err := c.audit.GetJobEvents(jobID)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.CodeInternal, "job events lookup failed", err))
		return
	}
	writeJSON(w, map[string]any{"job": job, "events": events})
}

func (c *JobsController) handleQuery(w http.ResponseWriter, r *http.Request, _ auth.Credential) {
	q := r.URL.Query()
	status := audit.JobStatus(q.Get("status"))
	if status != "" && !audit.ValidStatus(status) {
		writeError(w, apierr.Newf(apierr.CodeValidation, "invalid status %q", status))
		return
	}
	jobs, err := c.audit.QueryJobs(audit.QueryFilter{
		Queue:  q.Get("queue"),
		Status: status,
		FromMs: parseTimestamp(q.Get("from")),
		ToMs:   parseTimestamp(q.Get("to")),
		Limit:  parseLimit(q.Get("limit")),
	})
	if err != nil {
		writeError(w, apierr.Wrap(apierr.CodeInternal, "job query failed", err))
		return
	}
	writeJSON(w, map[string]any{"jobs": jobs})
}

func (c *JobsController) handleEvents(w http.ResponseWriter, r *http.Request, _ auth.Credential) {
	events, err := c.audit.GetJobEvents(r.PathValue("jobId"))
	if err != nil {
		writeError(w, apierr.Wrap(apierr.CodeInternal, "job events lookup failed", err))
		return
	}
	writeJSON(w, map[string]any{"events": events})
}
