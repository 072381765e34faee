package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/eakdogan/ocrflow/pkg/jobs"
	"github.com/eakdogan/ocrflow/pkg/queue"
)

func setupServer(t *testing.T, apiKey string) (*queue.Store, http.Handler) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	store := queue.NewStore(redis.NewClient(&redis.Options{Addr: s.Addr()}))
	return store, NewServer(store, apiKey, 0).Router()
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("Response is not JSON: %v\n%s", err, rec.Body.String())
		}
	}
	return rec, decoded
}

func TestAuthMiddleware(t *testing.T) {
	_, h := setupServer(t, "secret-key")

	rec, _ := doJSON(t, h, http.MethodGet, "/api/v1/ocr/queue/stats", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", rec.Code)
	}

	rec, _ = doJSON(t, h, http.MethodGet, "/api/v1/ocr/queue/stats", "", map[string]string{"X-API-Key": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong key, got %d", rec.Code)
	}

	rec, _ = doJSON(t, h, http.MethodGet, "/api/v1/ocr/queue/stats", "", map[string]string{"X-API-Key": "secret-key"})
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with valid key, got %d", rec.Code)
	}
}

func TestAuthDisabledWithoutKey(t *testing.T) {
	_, h := setupServer(t, "")

	rec, _ := doJSON(t, h, http.MethodGet, "/api/v1/ocr/queue/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected open access in dev mode, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	_, h := setupServer(t, "secret-key")

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/ocr/submit", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	// Preflight passes without a key.
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Missing CORS headers")
	}
}

func TestSubmit(t *testing.T) {
	store, h := setupServer(t, "")

	body := `{"pdf_path":"/docs/policy.pdf","searched_name":"Ahmet Yılmaz","priority":"urgent","user_info":{"department":"claims"}}`
	rec, resp := doJSON(t, h, http.MethodPost, "/api/v1/ocr/submit", body, nil)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	jobID, _ := resp["job_id"].(string)
	if jobID == "" {
		t.Fatal("Expected a job id")
	}
	if resp["priority"] != "urgent" {
		t.Errorf("Expected urgent, got %v", resp["priority"])
	}

	job, err := store.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Submitted job not stored: %v", err)
	}
	if job.Priority != jobs.PriorityUrgent || job.TargetName != "Ahmet Yılmaz" {
		t.Errorf("Stored job mismatch: %+v", job)
	}
	if job.Metadata["department"] != "claims" {
		t.Errorf("Metadata lost: %+v", job.Metadata)
	}
}

func TestSubmitValidation(t *testing.T) {
	_, h := setupServer(t, "")

	cases := []string{
		`{}`,
		`{"pdf_path":"/docs/policy.pdf"}`,
		`{"searched_name":"Ahmet Yılmaz"}`,
		`not json`,
	}
	for _, body := range cases {
		rec, _ := doJSON(t, h, http.MethodPost, "/api/v1/ocr/submit", body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestSubmitBatchPartialFailure(t *testing.T) {
	store, h := setupServer(t, "")

	body := `{"priority":"high","jobs":[
		{"pdf_path":"/docs/a.pdf","searched_name":"Ahmet Yılmaz"},
		{"pdf_path":"","searched_name":"Missing Path"},
		{"pdf_path":"/docs/c.pdf","searched_name":"Zeynep Demir"}
	]}`
	rec, resp := doJSON(t, h, http.MethodPost, "/api/v1/ocr/submit-batch", body, nil)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp["queued_jobs"].(float64) != 2 {
		t.Errorf("Expected 2 queued, got %v", resp["queued_jobs"])
	}
	failedJobs := resp["failed_jobs"].([]any)
	if len(failedJobs) != 1 {
		t.Fatalf("Expected 1 failed item, got %d", len(failedJobs))
	}
	if failedJobs[0].(map[string]any)["index"].(float64) != 1 {
		t.Errorf("Expected failure at index 1, got %v", failedJobs[0])
	}

	stats, _ := store.Stats(context.Background())
	if stats.Pending != 2 {
		t.Errorf("Expected 2 pending jobs, got %d", stats.Pending)
	}
}

func TestSubmitBatchCap(t *testing.T) {
	_, h := setupServer(t, "")

	var buf bytes.Buffer
	buf.WriteString(`{"jobs":[`)
	for i := 0; i < 301; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, `{"pdf_path":"/docs/%d.pdf","searched_name":"Name %d"}`, i, i)
	}
	buf.WriteString(`]}`)

	rec, _ := doJSON(t, h, http.MethodPost, "/api/v1/ocr/submit-batch", buf.String(), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 over the batch cap, got %d", rec.Code)
	}
}

func TestSubmitBatchEmpty(t *testing.T) {
	_, h := setupServer(t, "")

	rec, _ := doJSON(t, h, http.MethodPost, "/api/v1/ocr/submit-batch", `{"jobs":[]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty batch, got %d", rec.Code)
	}
}

func TestStatusShapes(t *testing.T) {
	store, h := setupServer(t, "")
	ctx := context.Background()

	// Pending.
	pending := jobs.New("/docs/a.pdf", "X", jobs.PriorityNormal)
	store.Enqueue(ctx, pending)
	rec, resp := doJSON(t, h, http.MethodGet, "/api/v1/ocr/status/"+pending.ID, "", nil)
	if rec.Code != http.StatusOK || resp["status"] != "pending" {
		t.Errorf("Pending status: code=%d resp=%v", rec.Code, resp)
	}
	if _, present := resp["worker_id"]; present {
		t.Error("Pending status must not expose worker_id")
	}

	// Processing.
	claimed, _ := store.Claim(ctx, "worker_7")
	rec, resp = doJSON(t, h, http.MethodGet, "/api/v1/ocr/status/"+claimed.ID, "", nil)
	if resp["status"] != "processing" || resp["worker_id"] != "worker_7" {
		t.Errorf("Processing status: %v", resp)
	}
	if resp["progress"].(float64) != 50 {
		t.Errorf("Expected progress 50, got %v", resp["progress"])
	}

	// Completed.
	store.Complete(ctx, claimed.ID, []byte(`{"match_status":true}`))
	_, resp = doJSON(t, h, http.MethodGet, "/api/v1/ocr/status/"+claimed.ID, "", nil)
	if resp["status"] != "completed" || resp["result_available"] != true {
		t.Errorf("Completed status: %v", resp)
	}
	result := resp["result"].(map[string]any)
	if result["match_status"] != true {
		t.Errorf("Result payload lost: %v", resp["result"])
	}

	// Failed after exhausting retries.
	// Urgent so the retry claims below always pick it over the pending job.
	doomed := jobs.New("/docs/b.pdf", "Y", jobs.PriorityUrgent)
	store.Enqueue(ctx, doomed)
	for i := 0; i < 3; i++ {
		c, _ := store.Claim(ctx, "w")
		store.Fail(ctx, c.ID, "unreadable")
	}
	_, resp = doJSON(t, h, http.MethodGet, "/api/v1/ocr/status/"+doomed.ID, "", nil)
	if resp["status"] != "failed" || resp["error_message"] != "unreadable" {
		t.Errorf("Failed status: %v", resp)
	}
	if resp["retry_count"].(float64) != 2 || resp["can_retry"] != false {
		t.Errorf("Retry fields: %v", resp)
	}
}

func TestStatusNotFound(t *testing.T) {
	_, h := setupServer(t, "")

	rec, _ := doJSON(t, h, http.MethodGet, "/api/v1/ocr/status/no-such-job", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestCancel(t *testing.T) {
	store, h := setupServer(t, "")
	ctx := context.Background()

	job := jobs.New("/docs/a.pdf", "X", jobs.PriorityNormal)
	store.Enqueue(ctx, job)

	rec, _ := doJSON(t, h, http.MethodDelete, "/api/v1/ocr/jobs/"+job.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	got, _ := store.Get(ctx, job.ID)
	if got.Status != jobs.StatusCancelled {
		t.Errorf("Expected cancelled, got %s", got.Status)
	}

	// Already claimed job cannot be withdrawn.
	busy := jobs.New("/docs/b.pdf", "Y", jobs.PriorityNormal)
	store.Enqueue(ctx, busy)
	store.Claim(ctx, "w")
	rec, _ = doJSON(t, h, http.MethodDelete, "/api/v1/ocr/jobs/"+busy.ID, "", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 for claimed job, got %d", rec.Code)
	}
}

func TestQueueStats(t *testing.T) {
	store, h := setupServer(t, "")
	ctx := context.Background()

	store.Enqueue(ctx, jobs.New("/docs/a.pdf", "X", jobs.PriorityNormal))
	store.Enqueue(ctx, jobs.New("/docs/b.pdf", "Y", jobs.PriorityHigh))

	rec, resp := doJSON(t, h, http.MethodGet, "/api/v1/ocr/queue/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if resp["pending_jobs"].(float64) != 2 {
		t.Errorf("Expected 2 pending, got %v", resp["pending_jobs"])
	}
}
