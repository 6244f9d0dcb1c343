package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/justishika/codeproctor/internal/capture"
	"github.com/justishika/codeproctor/internal/domain/sandbox"
	"github.com/justishika/codeproctor/internal/domain/session"
	"github.com/justishika/codeproctor/internal/infrastructure/logging"
	"github.com/justishika/codeproctor/internal/infrastructure/monitoring"
)

// Handlers carries the HTTP boundary's dependencies.
type Handlers struct {
	manager    *sandbox.Manager
	registry   *sandbox.Registry
	captureSvc *capture.Service
	enforcer   *session.Enforcer
	metrics    *monitoring.Metrics
	logger     *logging.Logger
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(manager *sandbox.Manager, registry *sandbox.Registry, captureSvc *capture.Service, enforcer *session.Enforcer, metrics *monitoring.Metrics, logger *logging.Logger) *Handlers {
	return &Handlers{
		manager:    manager,
		registry:   registry,
		captureSvc: captureSvc,
		enforcer:   enforcer,
		metrics:    metrics,
		logger:     logger,
	}
}

// ownerID resolves the caller's identity. The authentication layer in
// front of this service sets the header; a body field is accepted for
// tooling and tests.
func ownerID(c *gin.Context, bodyOwner string) string {
	if hdr := c.GetHeader("X-Owner-ID"); hdr != "" {
		return hdr
	}
	return bodyOwner
}

// Root handles GET /.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "codeproctor",
		"status":  "running",
	})
}

// Health handles GET /health.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"active_sandboxes": h.registry.Len(),
		"active_sessions":  h.enforcer.ActiveCount(),
		"timestamp":        time.Now().Unix(),
	})
}

// MetricsJSON handles GET /metrics/json with a compact status snapshot.
func (h *Handlers) MetricsJSON(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.GetSnapshot())
}

type startSandboxRequest struct {
	OwnerID      string `json:"ownerId"`
	SubjectLabel string `json:"subjectLabel" binding:"required"`
}

// StartSandbox handles POST /sandbox/start.
func (h *Handlers) StartSandbox(c *gin.Context) {
	var req startSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subjectLabel is required"})
		return
	}
	owner := ownerID(c, req.OwnerID)
	if owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner identity missing"})
		return
	}

	rec, err := h.manager.Create(c.Request.Context(), owner, req.SubjectLabel)
	if err != nil {
		if errors.Is(err, sandbox.ErrUnsupportedSubject) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("sandbox create failed",
			zap.String("owner_id", owner), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"endpoint":  rec.Endpoint,
		"sandboxId": rec.SandboxID,
	})
}

type stopSandboxRequest struct {
	SandboxID string `json:"sandboxId" binding:"required"`
}

// StopSandbox handles POST /sandbox/stop. Already-stopped is success.
func (h *Handlers) StopSandbox(c *gin.Context) {
	var req stopSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sandboxId is required"})
		return
	}

	if err := h.manager.Stop(c.Request.Context(), req.SandboxID); err != nil {
		h.logger.Error("sandbox stop failed",
			zap.String("sandbox_id", req.SandboxID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.metrics.SandboxStops.Inc()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type captureFrameRequest struct {
	OwnerID      string `json:"ownerId"`
	Endpoint     string `json:"endpoint" binding:"required"`
	SubjectLabel string `json:"subjectLabel"`
}

// CaptureFrame handles POST /capture/frame.
func (h *Handlers) CaptureFrame(c *gin.Context) {
	var req captureFrameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}

	artifact, err := h.captureSvc.Capture(c.Request.Context(), capture.Job{
		TargetEndpoint: req.Endpoint,
		OwnerID:        ownerID(c, req.OwnerID),
		SubjectLabel:   req.SubjectLabel,
		Trigger:        capture.TriggerManual,
		Source:         capture.SourceSandboxFrame,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"filename":  artifact.Filename,
		"sizeBytes": artifact.SizeBytes,
	})
}

type captureDesktopRequest struct {
	OwnerID      string `json:"ownerId"`
	SubjectLabel string `json:"subjectLabel"`
}

// CaptureDesktop handles POST /capture/desktop.
func (h *Handlers) CaptureDesktop(c *gin.Context) {
	var req captureDesktopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	artifact, err := h.captureSvc.Capture(c.Request.Context(), capture.Job{
		OwnerID:      ownerID(c, req.OwnerID),
		SubjectLabel: req.SubjectLabel,
		Trigger:      capture.TriggerManual,
		Source:       capture.SourceFullDesktop,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"filename":  artifact.Filename,
		"sizeBytes": artifact.SizeBytes,
	})
}

// CaptureBulk handles POST /capture/bulk: one frame per running sandbox.
// Failures for individual sandboxes are reported, not fatal.
func (h *Handlers) CaptureBulk(c *gin.Context) {
	records := h.registry.All()

	results := make([]gin.H, 0, len(records))
	captured := 0
	for _, rec := range records {
		artifact, err := h.captureSvc.Capture(c.Request.Context(), capture.Job{
			TargetEndpoint: rec.Endpoint,
			OwnerID:        rec.OwnerID,
			SubjectLabel:   rec.Subject,
			Trigger:        capture.TriggerAdminBulk,
			Source:         capture.SourceSandboxFrame,
		})
		if err != nil {
			results = append(results, gin.H{"ownerId": rec.OwnerID, "success": false, "error": err.Error()})
			continue
		}
		captured++
		results = append(results, gin.H{"ownerId": rec.OwnerID, "success": true, "filename": artifact.Filename})
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"total":    len(records),
		"captured": captured,
		"results":  results,
	})
}

type startSessionRequest struct {
	OwnerID         string `json:"ownerId"`
	SandboxID       string `json:"sandboxId" binding:"required"`
	DurationSeconds int    `json:"durationSeconds" binding:"required"`
}

// StartSession handles POST /session/start.
func (h *Handlers) StartSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sandboxId and durationSeconds are required"})
		return
	}
	owner := ownerID(c, req.OwnerID)

	rec, ok := h.registry.Get(req.SandboxID)
	if !ok || rec.OwnerID != owner {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such sandbox for owner"})
		return
	}

	err := h.enforcer.Start(owner, rec.SandboxID, rec.Endpoint, rec.Subject,
		time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type endSessionRequest struct {
	OwnerID string `json:"ownerId"`
}

// EndSession handles POST /session/end. Idempotent.
func (h *Handlers) EndSession(c *gin.Context) {
	var req endSessionRequest
	_ = c.ShouldBindJSON(&req)
	owner := ownerID(c, req.OwnerID)
	if owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner identity missing"})
		return
	}

	if err := h.enforcer.EndManually(c.Request.Context(), owner); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SessionStatus handles GET /session/status.
func (h *Handlers) SessionStatus(c *gin.Context) {
	owner := c.Query("ownerId")
	if hdr := c.GetHeader("X-Owner-ID"); hdr != "" {
		owner = hdr
	}
	state, ok := h.enforcer.Get(owner)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}
	c.JSON(http.StatusOK, state)
}
