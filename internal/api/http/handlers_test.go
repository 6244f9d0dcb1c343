package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justishika/codeproctor/internal/capture"
	"github.com/justishika/codeproctor/internal/domain/sandbox"
	"github.com/justishika/codeproctor/internal/domain/session"
	"github.com/justishika/codeproctor/internal/infrastructure/logging"
	"github.com/justishika/codeproctor/internal/infrastructure/monitoring"
)

type stubRuntime struct {
	mu      sync.Mutex
	counter int
	runErr  error
}

func (s *stubRuntime) ImageExists(context.Context, string) (bool, error) { return true, nil }
func (s *stubRuntime) BuildImage(context.Context, string, string) error  { return nil }

func (s *stubRuntime) Run(context.Context, string, int, int, map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runErr != nil {
		return "", s.runErr
	}
	s.counter++
	return fmt.Sprintf("container-%d", s.counter), nil
}

func (s *stubRuntime) HostPort(context.Context, string, int) (int, error) { return 49152, nil }
func (s *stubRuntime) Stop(context.Context, string) error                 { return nil }
func (s *stubRuntime) Remove(context.Context, string) error               { return nil }

type stubDriver struct {
	frame []byte
	err   error
}

func (s *stubDriver) DriveFrame(context.Context, string, string) ([]byte, error) {
	return s.frame, s.err
}

func (s *stubDriver) CaptureDesktop(context.Context, string) ([]byte, error) {
	return s.frame, s.err
}

type stubStore struct{}

func (stubStore) Save(context.Context, *capture.Artifact) error { return nil }

func pngFrame(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	return buf.Bytes()
}

type testEnv struct {
	router  *gin.Engine
	runtime *stubRuntime
	driver  *stubDriver
	manager *sandbox.Manager
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logging.NewNop()
	runtime := &stubRuntime{}
	registry := sandbox.NewRegistry()
	images := map[string]sandbox.ImageSpec{
		"Python": {Image: "codeproctor/sandbox-python:latest"},
	}
	manager := sandbox.NewManager(runtime, registry, nil, images, logger)
	manager.DisableReadinessProbe()

	driver := &stubDriver{frame: pngFrame(t)}
	captureSvc := capture.NewService(driver, stubStore{}, 2, logger)

	enforcer := session.NewEnforcer(manager, captureSvc, nil, 0, logger)
	t.Cleanup(enforcer.Shutdown)

	h := NewHandlers(manager, registry, captureSvc, enforcer, monitoring.NewMetrics(), logger)

	router := gin.New()
	router.GET("/health", h.Health)
	router.POST("/sandbox/start", h.StartSandbox)
	router.POST("/sandbox/stop", h.StopSandbox)
	router.POST("/capture/frame", h.CaptureFrame)
	router.POST("/capture/bulk", h.CaptureBulk)
	router.POST("/session/start", h.StartSession)
	router.POST("/session/end", h.EndSession)
	router.GET("/session/status", h.SessionStatus)

	return &testEnv{router: router, runtime: runtime, driver: driver, manager: manager}
}

func (env *testEnv) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
}

func TestStartSandbox(t *testing.T) {
	env := setupTestEnv(t)

	w := env.post(t, "/sandbox/start", gin.H{"ownerId": "student-1", "subjectLabel": "Python"})
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.NotEmpty(t, body["endpoint"])
	assert.NotEmpty(t, body["sandboxId"])
}

func TestStartSandboxUnsupportedSubject(t *testing.T) {
	env := setupTestEnv(t)

	w := env.post(t, "/sandbox/start", gin.H{"ownerId": "student-1", "subjectLabel": "COBOL"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["error"], "COBOL")
}

func TestStartSandboxValidation(t *testing.T) {
	env := setupTestEnv(t)

	w := env.post(t, "/sandbox/start", gin.H{"ownerId": "student-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.post(t, "/sandbox/start", gin.H{"subjectLabel": "Python"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartSandboxRuntimeFailure(t *testing.T) {
	env := setupTestEnv(t)
	env.runtime.runErr = errors.New("daemon not responding")

	w := env.post(t, "/sandbox/start", gin.H{"ownerId": "student-1", "subjectLabel": "Python"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestStopSandboxIdempotent(t *testing.T) {
	env := setupTestEnv(t)

	w := env.post(t, "/sandbox/start", gin.H{"ownerId": "student-1", "subjectLabel": "Python"})
	require.Equal(t, http.StatusOK, w.Code)
	sandboxID := decode(t, w)["sandboxId"].(string)

	w = env.post(t, "/sandbox/stop", gin.H{"sandboxId": sandboxID})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])

	// Stopping again must still succeed.
	w = env.post(t, "/sandbox/stop", gin.H{"sandboxId": sandboxID})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])
}

func TestCaptureFrame(t *testing.T) {
	env := setupTestEnv(t)

	w := env.post(t, "/capture/frame", gin.H{
		"ownerId":      "student-1",
		"endpoint":     "127.0.0.1:49152",
		"subjectLabel": "Python",
	})
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["filename"])
	assert.Greater(t, body["sizeBytes"], float64(0))
}

func TestCaptureFrameFailure(t *testing.T) {
	env := setupTestEnv(t)
	env.driver.err = errors.New("navigation timed out")

	w := env.post(t, "/capture/frame", gin.H{
		"ownerId":  "student-1",
		"endpoint": "127.0.0.1:49152",
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	body := decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["error"])
}

func TestCaptureBulk(t *testing.T) {
	env := setupTestEnv(t)

	for _, owner := range []string{"student-1", "student-2"} {
		w := env.post(t, "/sandbox/start", gin.H{"ownerId": owner, "subjectLabel": "Python"})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := env.post(t, "/capture/bulk", gin.H{})
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, float64(2), body["total"])
	assert.Equal(t, float64(2), body["captured"])
}

func TestSessionLifecycle(t *testing.T) {
	env := setupTestEnv(t)

	w := env.post(t, "/sandbox/start", gin.H{"ownerId": "student-1", "subjectLabel": "Python"})
	require.Equal(t, http.StatusOK, w.Code)
	sandboxID := decode(t, w)["sandboxId"].(string)

	w = env.post(t, "/session/start", gin.H{
		"ownerId":         "student-1",
		"sandboxId":       sandboxID,
		"durationSeconds": 3600,
	})
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/session/status?ownerId=student-1", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, "active", status["status"])
	assert.Equal(t, float64(3600), status["total_seconds"])

	w = env.post(t, "/session/end", gin.H{"ownerId": "student-1"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Ending again is a no-op, not an error.
	w = env.post(t, "/session/end", gin.H{"ownerId": "student-1"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessionStartUnknownSandbox(t *testing.T) {
	env := setupTestEnv(t)

	w := env.post(t, "/session/start", gin.H{
		"ownerId":         "student-1",
		"sandboxId":       "missing",
		"durationSeconds": 60,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
