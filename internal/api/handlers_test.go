package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lei/pipeline-core/internal/config"
	"github.com/lei/pipeline-core/internal/deps"
	"github.com/lei/pipeline-core/internal/hierarchy"
	"github.com/lei/pipeline-core/internal/pipeline"
	"github.com/lei/pipeline-core/internal/resource"
	"github.com/lei/pipeline-core/internal/runnerack"
	"github.com/lei/pipeline-core/internal/service"
	"github.com/lei/pipeline-core/internal/store"
	"github.com/lei/pipeline-core/pkg/logger"
)

const testAPIKey = "test-key"

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	defs := map[string]*pipeline.Definition{
		"web": {
			Name:   "web",
			Stages: []string{"build", "deploy"},
			Jobs: []pipeline.JobSpec{
				{Name: "compile", Stage: "build"},
				{Name: "release", Stage: "deploy"},
			},
		},
	}

	st := store.NewMemory()
	log := logger.New("error", "text")
	engine := pipeline.NewEngine(st, log)
	buildDeps := deps.NewBuildDependencies(
		deps.NewLocalResolver(st),
		deps.NewCrossResolver(st, st, hierarchy.NewIndex(st), deps.JobVariables{}),
	)
	svc := service.NewService(defs, st, engine, buildDeps,
		resource.NewLock(st, log),
		runnerack.NewQueue(runnerack.NewMemoryKV()),
		log)

	auth := NewAuthMiddleware([]config.APIKey{{Name: "test", Key: testAPIKey}})
	logging := NewLoggingMiddleware(log)
	return NewRouter(NewHandlers(svc), auth, logging)
}

func doRequest(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200 without auth", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "healthy" {
		t.Errorf("health status = %v, want healthy", body["status"])
	}
}

func TestAuthRequired(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/definitions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated request = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/definitions", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key = %d, want 401", w.Code)
	}
}

func TestTriggerAndGetPipeline(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(t, router, http.MethodPost, "/v1/pipelines", `{"definition":"web","ref":"main","sha":"abc123"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /v1/pipelines = %d, body %s", w.Code, w.Body.String())
	}
	created := decodeBody(t, w)
	p, ok := created["pipeline"].(map[string]interface{})
	if !ok {
		t.Fatalf("response missing pipeline: %v", created)
	}
	id := int64(p["id"].(float64))
	if p["status"] != "pending" {
		t.Errorf("pipeline status = %v, want pending", p["status"])
	}

	w = doRequest(t, router, http.MethodGet, fmt.Sprintf("/v1/pipelines/%d", id), "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET pipeline = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	stages, ok := body["stages"].([]interface{})
	if !ok || len(stages) != 1 {
		t.Errorf("stages = %v, want the single materialized stage", body["stages"])
	}

	w = doRequest(t, router, http.MethodGet, fmt.Sprintf("/v1/pipelines/%d/jobs", id), "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET jobs = %d", w.Code)
	}
	jobs := decodeBody(t, w)["jobs"].([]interface{})
	if len(jobs) != 1 {
		t.Errorf("jobs = %d, want 1", len(jobs))
	}
}

func TestTriggerPipelineValidation(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(t, router, http.MethodPost, "/v1/pipelines", `{"ref":"main"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing definition = %d, want 400", w.Code)
	}

	w = doRequest(t, router, http.MethodPost, "/v1/pipelines", `{"definition":"ghost"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown definition = %d, want 404", w.Code)
	}
}

func TestPipelineNotFound(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(t, router, http.MethodGet, "/v1/pipelines/999", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("GET missing pipeline = %d, want 404", w.Code)
	}
	w = doRequest(t, router, http.MethodGet, "/v1/pipelines/zero", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("GET malformed id = %d, want 400", w.Code)
	}
}

func TestRunnerProtocolEndpoints(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(t, router, http.MethodPost, "/v1/pipelines", `{"definition":"web","ref":"main"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("trigger = %d", w.Code)
	}

	w = doRequest(t, router, http.MethodPost, "/v1/runners/request_job", `{"runner_manager_id":100}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("request_job = %d, body %s", w.Code, w.Body.String())
	}
	dispatch := decodeBody(t, w)
	job := dispatch["job"].(map[string]interface{})
	jobID := int64(job["id"].(float64))
	if dispatch["token"] == "" {
		t.Error("dispatch token is empty")
	}

	// Nothing else is pending.
	w = doRequest(t, router, http.MethodPost, "/v1/runners/request_job", `{"runner_manager_id":200}`)
	if w.Code != http.StatusNoContent {
		t.Errorf("second request_job = %d, want 204", w.Code)
	}

	// Foreign manager cannot ack.
	w = doRequest(t, router, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/ack", jobID), `{"runner_manager_id":200}`)
	if w.Code != http.StatusConflict {
		t.Errorf("foreign ack = %d, want 409", w.Code)
	}

	w = doRequest(t, router, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/heartbeat", jobID), `{"runner_manager_id":100}`)
	if w.Code != http.StatusOK {
		t.Fatalf("heartbeat = %d", w.Code)
	}
	if refreshed := decodeBody(t, w)["refreshed"]; refreshed != true {
		t.Errorf("heartbeat refreshed = %v, want true", refreshed)
	}

	w = doRequest(t, router, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/ack", jobID), `{"runner_manager_id":100}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("ack = %d, body %s", w.Code, w.Body.String())
	}

	w = doRequest(t, router, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/finish", jobID), `{"runner_manager_id":100,"succeeded":true,"coverage":88.5}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("finish = %d, body %s", w.Code, w.Body.String())
	}

	// Finishing again is a conflict, not a silent no-op.
	w = doRequest(t, router, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/finish", jobID), `{"runner_manager_id":100,"succeeded":true}`)
	if w.Code != http.StatusConflict {
		t.Errorf("double finish = %d, want 409", w.Code)
	}
}

func TestRetryEndpoint(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(t, router, http.MethodPost, "/v1/pipelines", `{"definition":"web","ref":"main"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("trigger = %d", w.Code)
	}

	w = doRequest(t, router, http.MethodPost, "/v1/runners/request_job", `{"runner_manager_id":100}`)
	dispatch := decodeBody(t, w)
	jobID := int64(dispatch["job"].(map[string]interface{})["id"].(float64))

	w = doRequest(t, router, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/ack", jobID), `{"runner_manager_id":100}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("ack = %d", w.Code)
	}
	w = doRequest(t, router, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/finish", jobID), `{"runner_manager_id":100,"succeeded":false}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("finish = %d", w.Code)
	}

	w = doRequest(t, router, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/retry", jobID), "")
	if w.Code != http.StatusCreated {
		t.Fatalf("retry = %d, body %s", w.Code, w.Body.String())
	}
	retried := decodeBody(t, w)["job"].(map[string]interface{})
	if int64(retried["id"].(float64)) == jobID {
		t.Error("retry returned the old instance")
	}

	// The old row cannot be retried twice.
	w = doRequest(t, router, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/retry", jobID), "")
	if w.Code != http.StatusConflict {
		t.Errorf("second retry = %d, want 409", w.Code)
	}
}
