package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lumotrack/audience-engine/internal/aggregate"
	"github.com/lumotrack/audience-engine/internal/evaluate"
	"github.com/lumotrack/audience-engine/internal/orchestrate"
	"github.com/lumotrack/audience-engine/internal/process"
	"github.com/lumotrack/audience-engine/internal/store/memory"
)

func newTestHandler() (*Handler, *orchestrate.Queue) {
	log := zap.NewNop()
	mem := memory.New()
	engine := aggregate.NewEngine(mem, mem, mem, 1, log)
	evaluator := evaluate.NewEvaluator(mem, mem, mem, log)
	processor := process.NewProcessor(mem, mem, mem, mem, mem, nil, 100, semaphore.NewWeighted(1), log)
	runner := orchestrate.NewRunner(mem, engine, evaluator, processor, time.Minute, 0, log)
	registry := orchestrate.NewRegistry(context.Background(), runner, mem, time.Hour, 0, 10, log)
	queue := orchestrate.NewQueue(10)
	return NewHandler(registry, queue, log), queue
}

func TestHandler_HealthCheck(t *testing.T) {
	h, _ := newTestHandler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_StartWorkspace(t *testing.T) {
	h, _ := newTestHandler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workspaces/ws-1/start", nil)
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp WorkspaceResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ws-1", resp.WorkspaceID)
	assert.Equal(t, "started", resp.Status)

	// Second start is a no-op.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/workspaces/ws-1/start", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "already_running", resp.Status)
}

func TestHandler_RecomputeUnknownWorkspaceEnqueues(t *testing.T) {
	h, queue := newTestHandler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workspaces/ws-9/recompute", nil)
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp WorkspaceResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "enqueued", resp.Status)
	assert.Equal(t, 1, queue.Size())
}

func TestHandler_RecomputeRunningWorkspaceWakes(t *testing.T) {
	h, queue := newTestHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/workspaces/ws-1/start", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/workspaces/ws-1/recompute", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp WorkspaceResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "woken", resp.Status)
	assert.Equal(t, 0, queue.Size())
}

func TestHandler_PauseResumeUnknownWorkspace(t *testing.T) {
	h, _ := newTestHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/workspaces/ws-9/pause", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/workspaces/ws-9/resume", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_PauseResumeRunningWorkspace(t *testing.T) {
	h, _ := newTestHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/workspaces/ws-1/start", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/workspaces/ws-1/pause", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/workspaces/ws-1/resume", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_QueueSize(t *testing.T) {
	h, queue := newTestHandler()
	queue.Enqueue("ws-1")
	queue.Enqueue("ws-2")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queue/size", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp QueueSizeResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Size)
	assert.Equal(t, 10, resp.Capacity)
}

func TestHandler_Metrics(t *testing.T) {
	h, _ := newTestHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
