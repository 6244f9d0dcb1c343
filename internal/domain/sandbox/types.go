package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// Status tracks a sandbox through its lifecycle.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// Record describes one provisioned sandbox. Owned exclusively by the
// Manager; at most one running record may exist per owner.
type Record struct {
	OwnerID   string    `json:"owner_id"`
	SandboxID string    `json:"sandbox_id"`
	Subject   string    `json:"subject"`
	Image     string    `json:"image"`
	Endpoint  string    `json:"endpoint"` // host:port
	CreatedAt time.Time `json:"created_at"`
	Status    Status    `json:"status"`
}

// Lifecycle failure taxonomy. Create failures are rolled back before they
// surface, so the registry never reflects a half-created sandbox.
var (
	ErrUnsupportedSubject = errors.New("subject has no runtime image mapping")
	ErrImageBuildFailed   = errors.New("sandbox image build failed")
	ErrPortResolution     = errors.New("runtime reported no host port binding")
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
)

// UnsupportedSubjectError carries the offending label for the HTTP layer.
type UnsupportedSubjectError struct {
	Subject string
}

func (e *UnsupportedSubjectError) Error() string {
	return fmt.Sprintf("unsupported subject %q", e.Subject)
}

func (e *UnsupportedSubjectError) Unwrap() error { return ErrUnsupportedSubject }
