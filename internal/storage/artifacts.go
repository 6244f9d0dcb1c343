// Package storage persists capture artifacts for the external
// persistence collaborator: either spooled to local disk or uploaded
// directly over HTTP.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/justishika/codeproctor/internal/capture"
	"github.com/justishika/codeproctor/internal/infrastructure/resilience"
)

// FileStore writes artifacts to a local directory: the raw image next to
// a JSON metadata sidecar.
type FileStore struct {
	dir string
}

// NewFileStore creates the output directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes the image and its metadata sidecar.
func (s *FileStore) Save(_ context.Context, artifact *capture.Artifact) error {
	imagePath := filepath.Join(s.dir, artifact.Filename)
	if err := os.WriteFile(imagePath, artifact.Image, 0o644); err != nil {
		return fmt.Errorf("writing artifact image: %w", err)
	}

	meta, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling artifact metadata: %w", err)
	}
	if err := os.WriteFile(imagePath+".json", meta, 0o644); err != nil {
		// Keep image and sidecar atomic as a pair.
		os.Remove(imagePath)
		return fmt.Errorf("writing artifact metadata: %w", err)
	}
	return nil
}

// uploadPayload is the wire shape the persistence collaborator accepts.
type uploadPayload struct {
	OwnerID  string `json:"ownerId"`
	Image    string `json:"image"` // data URI with self-describing mime prefix
	Metadata struct {
		CapturedAt time.Time          `json:"capturedAt"`
		Trigger    string             `json:"triggerKind"`
		Source     string             `json:"sourceKind"`
		Resolution capture.Resolution `json:"resolution"`
		SizeBytes  int                `json:"sizeBytes"`
	} `json:"metadata"`
}

// HTTPStore uploads artifacts to the persistence collaborator. The
// retryablehttp round tripper retries transient failures (network
// errors, 5xx); a circuit breaker keeps a dead collaborator from
// stalling the capture worker pool.
type HTTPStore struct {
	client  *resty.Client
	breaker *resilience.Breaker
	url     string
}

// NewHTTPStore creates an uploading store targeting the given URL.
func NewHTTPStore(url string) *HTTPStore {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = time.Second
	retryClient.RetryWaitMax = 15 * time.Second
	retryClient.Logger = nil

	// StandardClient wraps the retry loop in a RoundTripper so every
	// request through resty goes through retryablehttp's policy.
	client := resty.New().
		SetTimeout(30 * time.Second).
		SetHeader("User-Agent", "codeproctor-uploader/1.0").
		SetTransport(retryClient.StandardClient().Transport)

	return &HTTPStore{
		client: client,
		breaker: resilience.New("artifact-upload", resilience.Settings{
			MaxRequests: 2,
			ReadyToTrip: func(counts resilience.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		url: url,
	}
}

// Save uploads one artifact.
func (s *HTTPStore) Save(ctx context.Context, artifact *capture.Artifact) error {
	payload := uploadPayload{
		OwnerID: artifact.OwnerID,
		Image:   artifact.DataURI(),
	}
	payload.Metadata.CapturedAt = artifact.CapturedAt
	payload.Metadata.Trigger = string(artifact.Trigger)
	payload.Metadata.Source = string(artifact.Source)
	payload.Metadata.Resolution = artifact.Resolution
	payload.Metadata.SizeBytes = artifact.SizeBytes

	_, err := s.breaker.Execute(func() (interface{}, error) {
		resp, err := s.client.R().
			SetContext(ctx).
			SetBody(payload).
			Post(s.url)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("upload rejected: %s", resp.Status())
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("uploading artifact %s: %w", artifact.Filename, err)
	}
	return nil
}
