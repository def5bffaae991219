package controllers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	cfgpkg "github.com/javimosch/superqueues/internal/config"
	"github.com/javimosch/superqueues/internal/runtime"
	"github.com/javimosch/superqueues/pkg/log"
)

const (
	producerKey = "producer-key"
	consumerKey = "consumer-key"
	adminKey    = "admin-key"
	scopedKey   = "orders-only-key"
)

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Broker.Driver = "memory"
	cfg.KV.Driver = "memory"
	cfg.Auth.BootstrapKeys = []cfgpkg.BootstrapKey{
		{Key: producerKey, Name: "producer", Scopes: []string{"publish"}},
		{Key: consumerKey, Name: "consumer", Scopes: []string{"publish", "consume"}},
		{Key: adminKey, Name: "ops", Scopes: []string{"admin"}},
		{Key: scopedKey, Name: "orders-worker", Scopes: []string{"publish", "consume"}, AllowedQueues: []string{"orders.*"}},
	}

	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: log.NewTestLogger()})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })

	mux := http.NewServeMux()
	NewControllerRegistry(rt).RegisterAllRoutes(mux)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "ApiKey "+key)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestPublishRequiresAuth(t *testing.T) {
	mux := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/v1/queues/orders/messages", "", map[string]any{"payload": map[string]int{"n": 1}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no auth status = %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/queues/orders/messages", "wrong-key", map[string]any{"payload": map[string]int{"n": 1}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad key status = %d", rec.Code)
	}

	var body map[string]string
	decode(t, rec, &body)
	if body["code"] != "unauthorized" {
		t.Fatalf("code = %q", body["code"])
	}
}

func TestScopeAndQueueEnforcement(t *testing.T) {
	mux := newTestMux(t)

	// publish-only key cannot pull.
	rec := doJSON(t, mux, http.MethodPost, "/v1/queues/orders/pull", producerKey, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("pull with publish scope status = %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["code"] != "forbidden_scope" {
		t.Fatalf("code = %q", body["code"])
	}

	// queue-scoped key cannot touch other queues.
	rec = doJSON(t, mux, http.MethodPost, "/v1/queues/users.created/messages", scopedKey, map[string]any{"payload": 1})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("out-of-pattern publish status = %d", rec.Code)
	}
	decode(t, rec, &body)
	if body["code"] != "forbidden_queue" {
		t.Fatalf("code = %q", body["code"])
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/queues/orders.created/messages", scopedKey, map[string]any{"payload": 1})
	if rec.Code != http.StatusCreated {
		t.Fatalf("in-pattern publish status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestPublishPullAckFlow(t *testing.T) {
	mux := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/v1/queues/orders/messages", consumerKey, map[string]any{
		"payload":       map[string]string{"sku": "a-1"},
		"correlationId": "corr-7",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("publish status = %d body=%s", rec.Code, rec.Body.String())
	}
	var pub struct {
		MessageID  string `json:"messageId"`
		JobID      string `json:"jobId"`
		EnqueuedAt string `json:"enqueuedAt"`
	}
	decode(t, rec, &pub)
	if pub.MessageID == "" || pub.JobID == "" {
		t.Fatalf("publish result: %+v", pub)
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/queues/orders/pull", consumerKey, map[string]any{"maxMessages": 10})
	if rec.Code != http.StatusOK {
		t.Fatalf("pull status = %d body=%s", rec.Code, rec.Body.String())
	}
	var pull struct {
		Messages []struct {
			ReceiptID string `json:"receiptId"`
			JobID     string `json:"jobId"`
			Attempt   int    `json:"attempt"`
		} `json:"messages"`
	}
	decode(t, rec, &pull)
	if len(pull.Messages) != 1 || pull.Messages[0].JobID != pub.JobID || pull.Messages[0].Attempt != 1 {
		t.Fatalf("pull response: %+v", pull)
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/queues/orders/ack", consumerKey, map[string]string{"receiptId": pull.Messages[0].ReceiptID})
	if rec.Code != http.StatusOK {
		t.Fatalf("ack status = %d body=%s", rec.Code, rec.Body.String())
	}

	// Replay the ack: the receipt is gone.
	rec = doJSON(t, mux, http.MethodPost, "/v1/queues/orders/ack", consumerKey, map[string]string{"receiptId": pull.Messages[0].ReceiptID})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("double ack status = %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodGet, "/v1/jobs/"+pub.JobID, consumerKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job status = %d", rec.Code)
	}
	var job struct {
		Job struct {
			Status string `json:"status"`
		} `json:"job"`
		Events []struct {
			Type string `json:"type"`
		} `json:"events"`
	}
	decode(t, rec, &job)
	if job.Job.Status != "acked" || len(job.Events) != 3 {
		t.Fatalf("job view: %+v", job)
	}
}

func TestNackValidation(t *testing.T) {
	mux := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/v1/queues/orders/nack", consumerKey, map[string]string{"action": "retry"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing receiptId status = %d", rec.Code)
	}

	doJSON(t, mux, http.MethodPost, "/v1/queues/orders/messages", consumerKey, map[string]any{"payload": 1})
	rec = doJSON(t, mux, http.MethodPost, "/v1/queues/orders/pull", consumerKey, nil)
	var pull struct {
		Messages []struct {
			ReceiptID string `json:"receiptId"`
		} `json:"messages"`
	}
	decode(t, rec, &pull)
	if len(pull.Messages) != 1 {
		t.Fatalf("pull: %+v", pull)
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/queues/orders/nack", consumerKey, map[string]string{
		"receiptId": pull.Messages[0].ReceiptID,
		"action":    "explode",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid action status = %d", rec.Code)
	}

	// Receipt against the wrong queue path conflicts.
	rec = doJSON(t, mux, http.MethodPost, "/v1/queues/users/nack", consumerKey, map[string]string{
		"receiptId": pull.Messages[0].ReceiptID,
		"action":    "requeue",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("queue mismatch status = %d", rec.Code)
	}
}

func TestPublishValidatesPayload(t *testing.T) {
	mux := newTestMux(t)
	rec := doJSON(t, mux, http.MethodPost, "/v1/queues/orders/messages", consumerKey, map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty payload status = %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["code"] != "validation_error" {
		t.Fatalf("code = %q", body["code"])
	}
}

func TestAdminSettings(t *testing.T) {
	mux := newTestMux(t)

	// Consumer scope is not enough.
	rec := doJSON(t, mux, http.MethodGet, "/v1/admin/settings", consumerKey, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("settings with consume scope status = %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodGet, "/v1/admin/settings", adminKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get settings status = %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["auditMode"] != "full" {
		t.Fatalf("default auditMode = %q", body["auditMode"])
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/admin/settings", adminKey, map[string]string{"auditMode": "jobs_only"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update settings status = %d", rec.Code)
	}
	decode(t, rec, &body)
	if body["auditMode"] != "jobs_only" {
		t.Fatalf("updated auditMode = %q", body["auditMode"])
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/admin/settings", adminKey, map[string]string{"auditMode": "sometimes"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid mode status = %d", rec.Code)
	}
}

func TestQueryJobs(t *testing.T) {
	mux := newTestMux(t)

	for i := 0; i < 3; i++ {
		rec := doJSON(t, mux, http.MethodPost, "/v1/queues/orders/messages", consumerKey, map[string]any{"payload": i + 1})
		if rec.Code != http.StatusCreated {
			t.Fatalf("publish status = %d", rec.Code)
		}
	}

	rec := doJSON(t, mux, http.MethodGet, "/v1/jobs?queue=orders&status=queued", consumerKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("query status = %d", rec.Code)
	}
	var body struct {
		Jobs []struct {
			Queue  string `json:"queue"`
			Status string `json:"status"`
		} `json:"jobs"`
	}
	decode(t, rec, &body)
	if len(body.Jobs) != 3 {
		t.Fatalf("jobs = %d", len(body.Jobs))
	}

	rec = doJSON(t, mux, http.MethodGet, "/v1/jobs?status=bogus", consumerKey, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid status filter = %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodGet, "/v1/jobs/nope", consumerKey, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job status = %d", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	mux := newTestMux(t)

	rec := doJSON(t, mux, http.MethodGet, "/v1/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodGet, "/v1/readyz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz status = %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["status"] != "ready" {
		t.Fatalf("readyz body: %v", body)
	}
}
