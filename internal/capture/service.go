package capture

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/justishika/codeproctor/internal/infrastructure/logging"
	"github.com/justishika/codeproctor/internal/infrastructure/monitoring"
)

// Store persists finished artifacts. Implementations live in
// internal/storage.
type Store interface {
	Save(ctx context.Context, artifact *Artifact) error
}

// Error is the typed failure every capture attempt returns. It never
// escapes as a panic or a bare driver error: callers (schedulers in
// particular) decide whether to surface or silently skip it.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("capture failed (%s): %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// frameDriver is the browser-facing seam. *Driver is the production
// implementation.
type frameDriver interface {
	DriveFrame(ctx context.Context, endpoint, ownerID string) ([]byte, error)
	CaptureDesktop(ctx context.Context, ownerID string) ([]byte, error)
}

// Service orchestrates capture attempts end-to-end: acquire a browser
// session, drive it, encode the artifact, persist, release. A semaphore
// caps concurrent attempts to bound browser memory use.
type Service struct {
	driver  frameDriver
	store   Store
	logger  *logging.Logger
	metrics *monitoring.Metrics
	sem     chan struct{}
}

// NewService creates a capture service with the given concurrency cap.
func NewService(driver frameDriver, store Store, maxConcurrent int, logger *logging.Logger) *Service {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Service{
		driver: driver,
		store:  store,
		logger: logger,
		sem:    make(chan struct{}, maxConcurrent),
	}
}

// WithMetrics attaches a metrics collector.
func (s *Service) WithMetrics(metrics *monitoring.Metrics) *Service {
	s.metrics = metrics
	return s
}

// Capture runs one job. On driver failure nothing is written and a typed
// *Error comes back; on success exactly one artifact is persisted.
func (s *Service) Capture(ctx context.Context, job Job) (*Artifact, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, &Error{Reason: "queue", Err: ctx.Err()}
	}
	defer func() { <-s.sem }()

	if job.RequestedAt.IsZero() {
		job.RequestedAt = time.Now()
	}
	if job.Source == "" {
		job.Source = SourceSandboxFrame
	}

	timer := monitoring.NewTimer()

	var frame []byte
	var err error
	switch job.Source {
	case SourceFullDesktop:
		frame, err = s.driver.CaptureDesktop(ctx, job.OwnerID)
	default:
		frame, err = s.driver.DriveFrame(ctx, job.TargetEndpoint, job.OwnerID)
	}
	if err != nil {
		s.record(job, "error", timer.Elapsed(), 0)
		s.logger.Warn("capture attempt failed",
			zap.String("owner_id", job.OwnerID),
			zap.String("trigger", string(job.Trigger)),
			zap.String("source", string(job.Source)),
			zap.Error(err),
		)
		return nil, &Error{Reason: "driver", Err: err}
	}

	artifact, err := NewArtifact(job, frame)
	if err != nil {
		s.record(job, "error", timer.Elapsed(), 0)
		return nil, &Error{Reason: "encode", Err: err}
	}

	if err := s.store.Save(ctx, artifact); err != nil {
		s.record(job, "error", timer.Elapsed(), 0)
		return nil, &Error{Reason: "persist", Err: err}
	}

	s.record(job, "ok", timer.Elapsed(), artifact.SizeBytes)

	// Compact audit entry: one line per successful capture.
	s.logger.Info("capture stored",
		zap.String("owner_id", artifact.OwnerID),
		zap.String("filename", artifact.Filename),
		zap.String("trigger", string(artifact.Trigger)),
		zap.String("source", string(artifact.Source)),
		zap.Int("size_bytes", artifact.SizeBytes),
		zap.Int("width", artifact.Resolution.Width),
		zap.Int("height", artifact.Resolution.Height),
	)
	return artifact, nil
}

func (s *Service) record(job Job, status string, elapsed time.Duration, size int) {
	if s.metrics != nil {
		s.metrics.RecordCapture(string(job.Trigger), string(job.Source), status, elapsed, size)
	}
}

// Schedule runs periodic captures of an endpoint until the context is
// cancelled. Failures are logged and skipped: a missed scheduled frame
// never interrupts the session, it only shows as a monitoring gap.
func (s *Service) Schedule(ctx context.Context, job Job, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	job.Trigger = TriggerScheduled
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Capture(ctx, job); err != nil {
				s.logger.Warn("scheduled capture skipped",
					zap.String("owner_id", job.OwnerID), zap.Error(err))
			}
		}
	}
}
