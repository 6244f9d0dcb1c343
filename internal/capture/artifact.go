package capture

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/png" // registers PNG decoding for resolution extraction
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// TriggerKind says why a capture was requested.
type TriggerKind string

const (
	TriggerSubmission    TriggerKind = "submission"
	TriggerManual        TriggerKind = "manual"
	TriggerScheduled     TriggerKind = "scheduled"
	TriggerAdminBulk     TriggerKind = "admin-bulk"
	TriggerSessionExpiry TriggerKind = "session-expiry"
)

// SourceKind says what surface the frame came from.
type SourceKind string

const (
	SourceSandboxFrame SourceKind = "sandbox-frame"
	SourceFullDesktop  SourceKind = "full-desktop"
)

// Job describes one capture attempt. Transient: created and consumed
// within a single attempt, never persisted.
type Job struct {
	TargetEndpoint string
	OwnerID        string
	SubjectLabel   string
	Trigger        TriggerKind
	Source         SourceKind
	RequestedAt    time.Time
}

// Resolution is the pixel dimensions of a captured frame.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Artifact is an encoded frame plus its metadata. Immutable once built;
// ownership passes to the artifact store on save.
type Artifact struct {
	OwnerID    string      `json:"owner_id"`
	Filename   string      `json:"filename"`
	Image      []byte      `json:"-"`
	MIME       string      `json:"mime"`
	CapturedAt time.Time   `json:"captured_at"`
	Resolution Resolution  `json:"resolution"`
	Source     SourceKind  `json:"source_kind"`
	Trigger    TriggerKind `json:"trigger_kind"`
	SizeBytes  int         `json:"size_bytes"`
}

// NewArtifact wraps an encoded frame with its metadata.
func NewArtifact(job Job, frame []byte) (*Artifact, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	now := time.Now()
	art := &Artifact{
		OwnerID:    job.OwnerID,
		Filename:   fmt.Sprintf("%s_%s_%d.png", job.OwnerID, job.Trigger, now.UnixMilli()),
		Image:      frame,
		MIME:       mimetype.Detect(frame).String(),
		CapturedAt: now,
		Source:     job.Source,
		Trigger:    job.Trigger,
		SizeBytes:  len(frame),
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(frame))
	if err != nil {
		// Malformed image bytes would poison the evidence trail.
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	art.Resolution = Resolution{Width: cfg.Width, Height: cfg.Height}
	return art, nil
}

// DataURI renders the image with a self-describing mime prefix, the shape
// the persistence collaborator stores.
func (a *Artifact) DataURI() string {
	return "data:" + a.MIME + ";base64," + base64.StdEncoding.EncodeToString(a.Image)
}
