package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/justishika/codeproctor/internal/infrastructure/logging"
	"github.com/justishika/codeproctor/internal/infrastructure/monitoring"
)

const (
	// workbenchPort is the port the dev surface listens on inside every
	// sandbox image.
	workbenchPort = 8080

	runtimeCallTimeout = 30 * time.Second
	buildTimeout       = 5 * time.Minute
)

// ImageSpec maps a subject label to its runtime image.
type ImageSpec struct {
	Image      string `yaml:"image" json:"image"`
	BuildDir   string `yaml:"build_dir" json:"build_dir"`
	Credential string `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// Manager owns sandbox creation and teardown. All operations for one owner
// are serialized through the registry's per-owner lock; operations for
// different owners run in parallel.
type Manager struct {
	runtime  Runtime
	registry *Registry
	store    *RecordStore
	images   map[string]ImageSpec
	probe    *Probe
	logger   *logging.Logger
	metrics  *monitoring.Metrics
}

// NewManager creates a lifecycle manager.
func NewManager(runtime Runtime, registry *Registry, store *RecordStore, images map[string]ImageSpec, logger *logging.Logger) *Manager {
	return &Manager{
		runtime:  runtime,
		registry: registry,
		store:    store,
		images:   images,
		probe:    NewProbe(),
		logger:   logger,
	}
}

// WithMetrics attaches a metrics collector.
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// DisableReadinessProbe skips the post-create endpoint probe. Used when
// no real workbench will answer, such as against a stub runtime.
func (m *Manager) DisableReadinessProbe() {
	m.probe = nil
}

// Resolve maps a subject label to its image spec.
func (m *Manager) Resolve(subject string) (ImageSpec, error) {
	spec, ok := m.images[subject]
	if !ok {
		return ImageSpec{}, &UnsupportedSubjectError{Subject: subject}
	}
	return spec, nil
}

// Create provisions a fresh sandbox for the owner. Any sandbox the owner
// already has is torn down first: one running sandbox per owner, last
// writer wins. Partial failures are rolled back before returning so the
// registry never holds a half-created record.
func (m *Manager) Create(ctx context.Context, ownerID, subject string) (*Record, error) {
	spec, err := m.Resolve(subject)
	if err != nil {
		return nil, err
	}

	lock := m.registry.OwnerLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	m.cleanupOwnerLocked(ctx, ownerID)

	hostPort, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("allocating host port: %w", err)
	}

	if err := m.ensureImage(ctx, spec); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, runtimeCallTimeout)
	defer cancel()

	env := map[string]string{}
	if spec.Credential != "" {
		env["PASSWORD"] = spec.Credential
	}
	containerID, err := m.runtime.Run(runCtx, spec.Image, hostPort, workbenchPort, env)
	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordSandboxCreate("error")
		}
		return nil, fmt.Errorf("starting sandbox: %w", err)
	}

	// The runtime may remap the published port; read the binding back
	// rather than trusting the request. Bindings can lag container start.
	boundPort, err := m.resolveBinding(ctx, containerID)
	if err != nil {
		m.logger.Warn("port binding unresolved, rolling back sandbox",
			zap.String("owner_id", ownerID),
			zap.String("container_id", containerID),
			zap.Error(err),
		)
		rmCtx, rmCancel := context.WithTimeout(context.Background(), runtimeCallTimeout)
		defer rmCancel()
		if rmErr := m.runtime.Remove(rmCtx, containerID); rmErr != nil {
			m.logger.Error("rollback removal failed", zap.String("container_id", containerID), zap.Error(rmErr))
		}
		if m.metrics != nil {
			m.metrics.RecordSandboxCreate("error")
		}
		return nil, err
	}

	rec := &Record{
		OwnerID:   ownerID,
		SandboxID: containerID,
		Subject:   subject,
		Image:     spec.Image,
		Endpoint:  fmt.Sprintf("127.0.0.1:%d", boundPort),
		CreatedAt: time.Now(),
		Status:    StatusRunning,
	}
	m.registry.Put(rec)
	if m.store != nil {
		if err := m.store.Put(rec); err != nil {
			m.logger.Warn("persisting sandbox record failed", zap.Error(err))
		}
	}

	// Best-effort: wait for the workbench to answer before handing the
	// endpoint to the client. A slow surface is not a create failure.
	if m.probe != nil {
		if err := m.probe.WaitReady(ctx, rec.Endpoint); err != nil {
			m.logger.Warn("sandbox endpoint not ready within probe window",
				zap.String("endpoint", rec.Endpoint), zap.Error(err))
		}
	}

	if m.metrics != nil {
		m.metrics.RecordSandboxCreate("ok")
		m.metrics.SetActiveSandboxes(m.registry.Len())
	}
	m.logger.Info("sandbox created",
		zap.String("owner_id", ownerID),
		zap.String("subject", subject),
		zap.String("sandbox_id", shortID(containerID)),
		zap.String("endpoint", rec.Endpoint),
	)
	return rec, nil
}

// Stop tears one sandbox down. Already-stopped is success; callers rely on
// this being idempotent.
func (m *Manager) Stop(ctx context.Context, sandboxID string) error {
	rec, tracked := m.registry.Get(sandboxID)
	if tracked {
		lock := m.registry.OwnerLock(rec.OwnerID)
		lock.Lock()
		defer lock.Unlock()
	}
	return m.stopLocked(ctx, sandboxID)
}

func (m *Manager) stopLocked(ctx context.Context, sandboxID string) error {
	stopCtx, cancel := context.WithTimeout(ctx, runtimeCallTimeout)
	defer cancel()

	if err := m.runtime.Remove(stopCtx, sandboxID); err != nil {
		return fmt.Errorf("removing sandbox %s: %w", shortID(sandboxID), err)
	}
	m.registry.Remove(sandboxID)
	if m.store != nil {
		if err := m.store.Delete(sandboxID); err != nil {
			m.logger.Warn("deleting sandbox record failed", zap.Error(err))
		}
	}
	if m.metrics != nil {
		m.metrics.SetActiveSandboxes(m.registry.Len())
	}
	return nil
}

// CleanupOwner stops every sandbox tracked for the owner. Failures are
// logged, not returned: cleanup is best-effort by contract.
func (m *Manager) CleanupOwner(ctx context.Context, ownerID string) {
	lock := m.registry.OwnerLock(ownerID)
	lock.Lock()
	defer lock.Unlock()
	m.cleanupOwnerLocked(ctx, ownerID)
}

func (m *Manager) cleanupOwnerLocked(ctx context.Context, ownerID string) {
	for _, rec := range m.registry.ForOwner(ownerID) {
		if err := m.stopLocked(ctx, rec.SandboxID); err != nil {
			m.logger.Warn("owner cleanup: sandbox removal failed",
				zap.String("owner_id", ownerID),
				zap.String("sandbox_id", shortID(rec.SandboxID)),
				zap.Error(err),
			)
			// Still drop tracking; the runtime's --rm self-cleans stragglers.
			m.registry.Remove(rec.SandboxID)
			if m.store != nil {
				m.store.Delete(rec.SandboxID)
			}
		}
	}
}

// CleanupAll sweeps every tracked sandbox at process shutdown. Individual
// failures never abort the sweep.
func (m *Manager) CleanupAll(ctx context.Context) {
	records := m.registry.All()
	m.logger.Info("cleaning up all sandboxes", zap.Int("count", len(records)))
	for _, rec := range records {
		if err := m.Stop(ctx, rec.SandboxID); err != nil {
			m.logger.Warn("shutdown cleanup: sandbox removal failed",
				zap.String("sandbox_id", shortID(rec.SandboxID)),
				zap.Error(err),
			)
			m.registry.Remove(rec.SandboxID)
		}
	}
}

// RecoverOrphans removes instances recorded by a previous process run that
// are no longer tracked. Called once at boot before serving requests.
func (m *Manager) RecoverOrphans(ctx context.Context) {
	if m.store == nil {
		return
	}
	records, err := m.store.List()
	if err != nil {
		m.logger.Warn("orphan recovery: listing records failed", zap.Error(err))
		return
	}
	for _, rec := range records {
		if _, tracked := m.registry.Get(rec.SandboxID); tracked {
			continue
		}
		m.logger.Info("removing orphaned sandbox",
			zap.String("owner_id", rec.OwnerID),
			zap.String("sandbox_id", shortID(rec.SandboxID)),
		)
		rmCtx, cancel := context.WithTimeout(ctx, runtimeCallTimeout)
		if err := m.runtime.Remove(rmCtx, rec.SandboxID); err != nil {
			m.logger.Warn("orphan removal failed", zap.Error(err))
		}
		cancel()
		m.store.Delete(rec.SandboxID)
	}
}

func (m *Manager) ensureImage(ctx context.Context, spec ImageSpec) error {
	checkCtx, cancel := context.WithTimeout(ctx, runtimeCallTimeout)
	defer cancel()

	exists, err := m.runtime.ImageExists(checkCtx, spec.Image)
	if err != nil {
		return fmt.Errorf("checking image %s: %w", spec.Image, err)
	}
	if exists {
		return nil
	}

	m.logger.Info("building sandbox image", zap.String("image", spec.Image))
	buildCtx, buildCancel := context.WithTimeout(ctx, buildTimeout)
	defer buildCancel()
	if err := m.runtime.BuildImage(buildCtx, spec.Image, spec.BuildDir); err != nil {
		return err
	}
	return nil
}

// resolveBinding polls the runtime for the assigned host port. Docker can
// take a moment to publish bindings after run returns. Whatever the
// underlying cause, the failure surfaces as ErrPortResolution so callers
// classify it uniformly.
func (m *Manager) resolveBinding(ctx context.Context, containerID string) (int, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		portCtx, cancel := context.WithTimeout(ctx, runtimeCallTimeout)
		port, err := m.runtime.HostPort(portCtx, containerID, workbenchPort)
		cancel()
		if err == nil && port > 0 {
			return port, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	if lastErr == nil || errors.Is(lastErr, ErrPortResolution) {
		if lastErr == nil {
			lastErr = ErrPortResolution
		}
		return 0, lastErr
	}
	return 0, fmt.Errorf("%w: %v", ErrPortResolution, lastErr)
}

// freePort asks the kernel for an unused TCP port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
