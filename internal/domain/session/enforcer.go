package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/justishika/codeproctor/internal/capture"
	"github.com/justishika/codeproctor/internal/infrastructure/logging"
	"github.com/justishika/codeproctor/internal/infrastructure/monitoring"
)

// Status tracks a session through its state machine:
// Idle -> Active -> {Expired, EndedManually}.
type Status string

const (
	StatusActive        Status = "active"
	StatusExpired       Status = "expired"
	StatusEndedManually Status = "ended-manually"
)

// State is the observable shape of one timed session.
type State struct {
	OwnerID          string    `json:"owner_id"`
	SandboxID        string    `json:"sandbox_id"`
	SubjectLabel     string    `json:"subject_label"`
	TotalSeconds     int       `json:"total_seconds"`
	RemainingSeconds int       `json:"remaining_seconds"`
	WarningsFired    []int     `json:"warnings_fired"`
	Status           Status    `json:"status"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at,omitempty"`
	// CaptureGaps counts scheduled captures that failed while the session
	// was active. Monitoring signal only; it never invalidates a session.
	CaptureGaps int `json:"capture_gaps"`
}

// Event is pushed to listeners on warnings and terminal transitions.
type Event struct {
	Type             string `json:"type"` // "warning", "expired", "ended"
	OwnerID          string `json:"owner_id"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

// Lifecycle is the slice of the sandbox manager the enforcer needs.
type Lifecycle interface {
	CleanupOwner(ctx context.Context, ownerID string)
}

// Capturer is the slice of the capture service the enforcer needs.
type Capturer interface {
	Capture(ctx context.Context, job capture.Job) (*capture.Artifact, error)
}

// Submitter hands in-progress work to the grading collaborator.
type Submitter interface {
	SubmitFinal(ctx context.Context, ownerID, sandboxID, subject string) error
}

// Listener receives session events; the WebSocket hub implements it.
type Listener interface {
	SessionEvent(evt Event)
}

type running struct {
	state  State
	ticker *time.Ticker
	cancel context.CancelFunc
	done   chan struct{}
}

// Enforcer drives the countdown for every active session. One goroutine
// per session, each with its own cancellable timer; all transitions out of
// Active are idempotent.
type Enforcer struct {
	mu       sync.Mutex
	sessions map[string]*running // key: ownerID

	thresholds      []int
	captureInterval time.Duration

	lifecycle Lifecycle
	capturer  Capturer
	submitter Submitter
	listeners []Listener
	archive   *Archive

	logger  *logging.Logger
	metrics *monitoring.Metrics
	wg      sync.WaitGroup
}

// NewEnforcer creates a session enforcer. Thresholds are seconds of
// remaining time at which warnings fire, default 300/60/20.
func NewEnforcer(lifecycle Lifecycle, capturer Capturer, thresholds []int, captureInterval time.Duration, logger *logging.Logger) *Enforcer {
	if len(thresholds) == 0 {
		thresholds = []int{300, 60, 20}
	}
	sorted := append([]int(nil), thresholds...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	return &Enforcer{
		sessions:        make(map[string]*running),
		thresholds:      sorted,
		captureInterval: captureInterval,
		lifecycle:       lifecycle,
		capturer:        capturer,
		logger:          logger,
	}
}

// WithSubmitter attaches the grading collaborator for expiry auto-submit.
func (e *Enforcer) WithSubmitter(s Submitter) *Enforcer {
	e.submitter = s
	return e
}

// WithArchive attaches the completed-session archive.
func (e *Enforcer) WithArchive(a *Archive) *Enforcer {
	e.archive = a
	return e
}

// WithMetrics attaches a metrics collector.
func (e *Enforcer) WithMetrics(m *monitoring.Metrics) *Enforcer {
	e.metrics = m
	return e
}

// Subscribe registers a session event listener.
func (e *Enforcer) Subscribe(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Start begins a countdown for the owner's sandbox. An owner may hold one
// active session at a time.
func (e *Enforcer) Start(ownerID, sandboxID, endpoint, subject string, duration time.Duration) error {
	if duration <= 0 {
		return fmt.Errorf("session duration must be positive")
	}

	e.mu.Lock()
	if _, exists := e.sessions[ownerID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("owner %s already has an active session", ownerID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{
		state: State{
			OwnerID:          ownerID,
			SandboxID:        sandboxID,
			SubjectLabel:     subject,
			TotalSeconds:     int(duration.Seconds()),
			RemainingSeconds: int(duration.Seconds()),
			Status:           StatusActive,
			StartedAt:        time.Now(),
		},
		ticker: time.NewTicker(time.Second),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.sessions[ownerID] = r
	count := len(e.sessions)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SetActiveSessions(count)
	}
	e.logger.Info("session started",
		zap.String("owner_id", ownerID),
		zap.String("sandbox_id", sandboxID),
		zap.Int("duration_s", r.state.TotalSeconds),
	)

	e.wg.Add(1)
	go e.run(ctx, r, endpoint)

	if e.capturer != nil && e.captureInterval > 0 {
		e.wg.Add(1)
		go e.scheduleCaptures(ctx, r, endpoint)
	}
	return nil
}

// run is the per-session countdown loop.
func (e *Enforcer) run(ctx context.Context, r *running, endpoint string) {
	defer e.wg.Done()
	defer r.ticker.Stop()
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ticker.C:
			expired := e.tick(r)
			if expired {
				e.expire(r, endpoint)
				return
			}
		}
	}
}

// tick decrements remaining time and fires at most one threshold warning.
// Returns true when the countdown reached zero.
func (e *Enforcer) tick(r *running) bool {
	e.mu.Lock()
	if r.state.Status != StatusActive {
		e.mu.Unlock()
		return false
	}
	r.state.RemainingSeconds--
	remaining := r.state.RemainingSeconds

	var fired int
	for _, threshold := range e.thresholds {
		if remaining == threshold && !contains(r.state.WarningsFired, threshold) {
			r.state.WarningsFired = append(r.state.WarningsFired, threshold)
			fired = threshold
			break
		}
	}
	e.mu.Unlock()

	if fired > 0 {
		if e.metrics != nil {
			e.metrics.RecordWarning(fmt.Sprintf("%ds", fired))
		}
		e.logger.Info("session warning",
			zap.String("owner_id", r.state.OwnerID), zap.Int("remaining_s", remaining))
		e.emit(Event{Type: "warning", OwnerID: r.state.OwnerID, RemainingSeconds: remaining})
	}
	return remaining <= 0
}

// expire handles the countdown reaching zero: final capture while the
// endpoint is still live, then teardown, best-effort auto-submission, and
// client notification.
func (e *Enforcer) expire(r *running, endpoint string) {
	e.mu.Lock()
	if r.state.Status != StatusActive {
		e.mu.Unlock()
		return
	}
	r.state.Status = StatusExpired
	r.state.EndedAt = time.Now()
	e.mu.Unlock()

	e.logger.Info("session expired", zap.String("owner_id", r.state.OwnerID))
	if e.metrics != nil {
		e.metrics.SessionExpiries.Inc()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if e.capturer != nil && endpoint != "" {
		if _, err := e.capturer.Capture(ctx, capture.Job{
			TargetEndpoint: endpoint,
			OwnerID:        r.state.OwnerID,
			SubjectLabel:   r.state.SubjectLabel,
			Trigger:        capture.TriggerSessionExpiry,
			Source:         capture.SourceSandboxFrame,
		}); err != nil {
			e.logger.Warn("final capture failed", zap.String("owner_id", r.state.OwnerID), zap.Error(err))
		}
	}

	e.lifecycle.CleanupOwner(ctx, r.state.OwnerID)

	if e.submitter != nil {
		if err := e.submitter.SubmitFinal(ctx, r.state.OwnerID, r.state.SandboxID, r.state.SubjectLabel); err != nil {
			e.logger.Warn("auto-submission failed", zap.String("owner_id", r.state.OwnerID), zap.Error(err))
		}
	}

	e.emit(Event{Type: "expired", OwnerID: r.state.OwnerID})
	e.finish(r)
}

// EndManually ends an active session at the owner's request: same cleanup
// as expiry minus auto-submission. A second call is a no-op, not an error.
func (e *Enforcer) EndManually(ctx context.Context, ownerID string) error {
	e.mu.Lock()
	r, ok := e.sessions[ownerID]
	if !ok || r.state.Status != StatusActive {
		e.mu.Unlock()
		return nil
	}
	r.state.Status = StatusEndedManually
	r.state.EndedAt = time.Now()
	e.mu.Unlock()

	r.cancel()
	e.logger.Info("session ended manually", zap.String("owner_id", ownerID))

	e.lifecycle.CleanupOwner(ctx, ownerID)
	e.emit(Event{Type: "ended", OwnerID: ownerID})
	e.finish(r)
	return nil
}

// finish archives the terminal state and drops the session entry.
func (e *Enforcer) finish(r *running) {
	r.cancel()

	e.mu.Lock()
	state := r.state
	delete(e.sessions, state.OwnerID)
	count := len(e.sessions)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SetActiveSessions(count)
	}
	if e.archive != nil {
		if err := e.archive.Save(&state); err != nil {
			e.logger.Warn("session archive failed", zap.String("owner_id", state.OwnerID), zap.Error(err))
		}
	}
}

// scheduleCaptures runs the periodic capture loop for one session.
func (e *Enforcer) scheduleCaptures(ctx context.Context, r *running, endpoint string) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.captureInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := e.capturer.Capture(ctx, capture.Job{
				TargetEndpoint: endpoint,
				OwnerID:        r.state.OwnerID,
				SubjectLabel:   r.state.SubjectLabel,
				Trigger:        capture.TriggerScheduled,
				Source:         capture.SourceSandboxFrame,
			})
			if err != nil {
				e.mu.Lock()
				r.state.CaptureGaps++
				e.mu.Unlock()
				e.logger.Warn("scheduled capture missed",
					zap.String("owner_id", r.state.OwnerID), zap.Error(err))
			}
		}
	}
}

// Get returns a copy of the owner's session state.
func (e *Enforcer) Get(ownerID string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.sessions[ownerID]
	if !ok {
		return State{}, false
	}
	return r.state, true
}

// ActiveCount reports the number of running sessions.
func (e *Enforcer) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Shutdown cancels every countdown. In-flight capture attempts finish on
// their own timeouts; this only stops the timers.
func (e *Enforcer) Shutdown() {
	e.mu.Lock()
	for _, r := range e.sessions {
		r.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Enforcer) emit(evt Event) {
	e.mu.Lock()
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()
	for _, l := range listeners {
		l.SessionEvent(evt)
	}
}

func contains(list []int, v int) bool {
	for _, cur := range list {
		if cur == v {
			return true
		}
	}
	return false
}
