package analyses

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"aqualens-backend/internal/shared/server/middleware"
)

func setupAnalysisRouter(t *testing.T) (*gin.Engine, *MemoryRepo, *recordingQueue) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := NewMemoryRepo()
	q := &recordingQueue{}
	svc := NewService(repo, stubDetector{result: sampleDetections()}, &stubSummarizer{summary: "ok"}, q)
	handler := NewHandler(svc)

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Identity())
	handler.RegisterRoutes(router.Group("/api/v1"))
	return router, repo, q
}

func addGuestHeader(req *http.Request) {
	req.Header.Set("X-Guest-Id", "test-guest")
}

func TestCreateAnalysisEndpoint(t *testing.T) {
	router, repo, q := setupAnalysisRouter(t)

	body, _ := json.Marshal(map[string]string{"imageData": testImageData()})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	addGuestHeader(req)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body %s", resp.Code, resp.Body.String())
	}

	var created struct {
		AnalysisID string `json:"analysisId"`
		Status     string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.AnalysisID == "" || created.Status != StatusNew {
		t.Fatalf("created = %+v", created)
	}

	job, err := repo.GetByID(context.Background(), created.AnalysisID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.OwnerID != "guest:test-guest" {
		t.Fatalf("OwnerID = %q", job.OwnerID)
	}
	if len(q.sent) != 1 {
		t.Fatalf("queued messages = %d, want 1", len(q.sent))
	}
}

func TestCreateAnalysisRejectsBadPayload(t *testing.T) {
	router, _, _ := setupAnalysisRouter(t)

	body, _ := json.Marshal(map[string]string{"imageData": "not a data uri"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	addGuestHeader(req)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "validation_error") {
		t.Fatalf("body = %s", resp.Body.String())
	}
}

func TestCreateAnalysisRateLimited(t *testing.T) {
	router, _, _ := setupAnalysisRouter(t)

	send := func() *httptest.ResponseRecorder {
		body, _ := json.Marshal(map[string]string{"imageData": testImageData()})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		addGuestHeader(req)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		return resp
	}

	if resp := send(); resp.Code != http.StatusAccepted {
		t.Fatalf("first status = %d", resp.Code)
	}
	resp := send()
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", resp.Code)
	}
	if resp.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestGetAnalysisProgressAndResult(t *testing.T) {
	router, repo, _ := setupAnalysisRouter(t)
	job := seedJob(t, repo, testImageData())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/analyses/"+job.ID, nil)
	addGuestHeader(req)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}
	var view map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view["progressMessage"] != "In queue..." {
		t.Fatalf("progressMessage = %v", view["progressMessage"])
	}
	if _, ok := view["imageData"]; ok {
		t.Fatal("response leaked image payload")
	}

	status := StatusComplete
	completedAt := time.Now().UTC()
	result := AnalysisResult{AnalysisSummary: "done", ParticleCount: 2}
	if err := repo.Update(context.Background(), job.ID, UpdateFields{Status: &status, Result: &result, CompletedAt: &completedAt}); err != nil {
		t.Fatalf("update: %v", err)
	}

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	view = map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := view["progressMessage"]; ok {
		t.Fatal("terminal job still carries progressMessage")
	}
	if view["result"] == nil {
		t.Fatal("terminal job missing result")
	}
}

func TestGetAnalysisNotFound(t *testing.T) {
	router, _, _ := setupAnalysisRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/analyses/missing", nil)
	addGuestHeader(req)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.Code)
	}
}

func TestListAnalysesEndpoint(t *testing.T) {
	router, repo, _ := setupAnalysisRouter(t)

	job := memJob("job-1", "guest:test-guest")
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}
	other := memJob("job-2", "guest:someone-else")
	if err := repo.Create(context.Background(), other); err != nil {
		t.Fatalf("create: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/analyses", nil)
	addGuestHeader(req)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}
	var items []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 || items[0]["analysisId"] != "job-1" {
		t.Fatalf("items = %+v", items)
	}
}

func TestExportAnalysisEndpoint(t *testing.T) {
	router, repo, _ := setupAnalysisRouter(t)
	job := seedJob(t, repo, testImageData())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/analyses/"+job.ID+"/export", nil)
	addGuestHeader(req)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 before completion", resp.Code)
	}

	status := StatusComplete
	result := AnalysisResult{ParticleCount: 0}
	if err := repo.Update(context.Background(), job.ID, UpdateFields{Status: &status, Result: &result}); err != nil {
		t.Fatalf("update: %v", err)
	}

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("Content-Type = %q", ct)
	}
	if cd := resp.Header().Get("Content-Disposition"); !strings.Contains(cd, "aqualens_analysis.csv") {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	if !strings.HasPrefix(resp.Body.String(), "x_coordinate,y_coordinate,confidence,class") {
		t.Fatalf("body = %s", resp.Body.String())
	}
}

func TestStreamAnalysisEndsAtTerminal(t *testing.T) {
	router, repo, _ := setupAnalysisRouter(t)
	job := seedJob(t, repo, testImageData())

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/analyses/"+job.ID+"/events", nil)
		addGuestHeader(req)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		done <- resp
	}()

	// Give the stream time to register, then drive the job terminal.
	time.Sleep(50 * time.Millisecond)
	status := StatusError
	code := ErrorCodeDetectionUnavailable
	msg := "detector offline"
	if err := repo.Update(context.Background(), job.ID, UpdateFields{Status: &status, ErrorCode: &code, ErrorMessage: &msg}); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case resp := <-done:
		body := resp.Body.String()
		if !strings.Contains(body, `"status":"new"`) {
			t.Fatalf("missing snapshot event: %s", body)
		}
		if !strings.Contains(body, `"status":"error"`) {
			t.Fatalf("missing terminal event: %s", body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not end after terminal update")
	}
}
