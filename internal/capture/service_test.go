package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"

	"github.com/justishika/codeproctor/internal/infrastructure/logging"
)

// testFrame encodes a small real PNG so resolution extraction works.
func testFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding test frame: %v", err)
	}
	return buf.Bytes()
}

type fakeDriver struct {
	frame      []byte
	frameErr   error
	desktopErr error
	calls      int
}

func (f *fakeDriver) DriveFrame(_ context.Context, _, _ string) ([]byte, error) {
	f.calls++
	return f.frame, f.frameErr
}

func (f *fakeDriver) CaptureDesktop(_ context.Context, _ string) ([]byte, error) {
	f.calls++
	if f.desktopErr != nil {
		return nil, f.desktopErr
	}
	return f.frame, nil
}

type fakeStore struct {
	mu      sync.Mutex
	saved   []*Artifact
	saveErr error
}

func (f *fakeStore) Save(_ context.Context, a *Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, a)
	return nil
}

func TestServiceCaptureSuccess(t *testing.T) {
	frame := testFrame(t, 1920, 1080)
	store := &fakeStore{}
	svc := NewService(&fakeDriver{frame: frame}, store, 2, logging.NewNop())

	art, err := svc.Capture(context.Background(), Job{
		TargetEndpoint: "127.0.0.1:49152",
		OwnerID:        "student-1",
		Trigger:        TriggerSubmission,
		Source:         SourceSandboxFrame,
	})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	if len(store.saved) != 1 {
		t.Fatalf("store holds %d artifacts, want 1", len(store.saved))
	}
	if art.SizeBytes == 0 {
		t.Error("artifact has zero size")
	}
	if art.Resolution.Width != 1920 || art.Resolution.Height != 1080 {
		t.Errorf("resolution = %dx%d, want 1920x1080", art.Resolution.Width, art.Resolution.Height)
	}
	if !strings.HasPrefix(art.Filename, "student-1_submission_") {
		t.Errorf("filename = %q, want owner and trigger prefix", art.Filename)
	}
	if art.MIME != "image/png" {
		t.Errorf("MIME = %q, want image/png", art.MIME)
	}
}

func TestServiceCaptureDriverFailureWritesNothing(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(&fakeDriver{frameErr: ErrNavigationTimeout}, store, 2, logging.NewNop())

	_, err := svc.Capture(context.Background(), Job{
		TargetEndpoint: "127.0.0.1:49152",
		OwnerID:        "student-1",
		Trigger:        TriggerScheduled,
	})
	if err == nil {
		t.Fatal("expected capture to fail")
	}

	var capErr *Error
	if !errors.As(err, &capErr) {
		t.Fatalf("err = %T, want *capture.Error", err)
	}
	if capErr.Reason != "driver" {
		t.Errorf("Reason = %q, want driver", capErr.Reason)
	}
	if !errors.Is(err, ErrNavigationTimeout) {
		t.Error("underlying driver error not preserved")
	}
	if len(store.saved) != 0 {
		t.Errorf("failed capture persisted %d artifacts, want 0", len(store.saved))
	}
}

func TestServiceCaptureCorruptFrame(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(&fakeDriver{frame: []byte("not a png")}, store, 2, logging.NewNop())

	_, err := svc.Capture(context.Background(), Job{OwnerID: "student-1", Trigger: TriggerManual})
	var capErr *Error
	if !errors.As(err, &capErr) || capErr.Reason != "encode" {
		t.Fatalf("err = %v, want encode-reason capture error", err)
	}
	if len(store.saved) != 0 {
		t.Error("corrupt frame was persisted")
	}
}

func TestServiceCapturePersistFailure(t *testing.T) {
	frame := testFrame(t, 8, 8)
	store := &fakeStore{saveErr: errors.New("disk full")}
	svc := NewService(&fakeDriver{frame: frame}, store, 2, logging.NewNop())

	_, err := svc.Capture(context.Background(), Job{OwnerID: "student-1", Trigger: TriggerManual})
	var capErr *Error
	if !errors.As(err, &capErr) || capErr.Reason != "persist" {
		t.Fatalf("err = %v, want persist-reason capture error", err)
	}
}

func TestServiceCaptureDesktopSource(t *testing.T) {
	frame := testFrame(t, 16, 16)
	store := &fakeStore{}
	svc := NewService(&fakeDriver{frame: frame}, store, 1, logging.NewNop())

	art, err := svc.Capture(context.Background(), Job{
		OwnerID: "student-1",
		Trigger: TriggerSubmission,
		Source:  SourceFullDesktop,
	})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if art.Source != SourceFullDesktop {
		t.Errorf("Source = %q, want %q", art.Source, SourceFullDesktop)
	}
}

func TestServiceCaptureQueueRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	blocked := NewService(&fakeDriver{}, &fakeStore{}, 1, logging.NewNop())
	blocked.sem <- struct{}{} // occupy the only slot

	_, err := blocked.Capture(ctx, Job{OwnerID: "student-1"})
	var capErr *Error
	if !errors.As(err, &capErr) || capErr.Reason != "queue" {
		t.Fatalf("err = %v, want queue-reason capture error", err)
	}
}

func TestArtifactDataURI(t *testing.T) {
	frame := testFrame(t, 4, 4)
	art, err := NewArtifact(Job{OwnerID: "student-1", Trigger: TriggerManual}, frame)
	if err != nil {
		t.Fatalf("NewArtifact: %v", err)
	}
	uri := art.DataURI()
	if !strings.HasPrefix(uri, "data:image/png;base64,") {
		t.Errorf("DataURI prefix = %q", uri[:min(len(uri), 30)])
	}
}

func TestNewArtifactRejectsEmptyFrame(t *testing.T) {
	if _, err := NewArtifact(Job{OwnerID: "student-1"}, nil); err == nil {
		t.Error("expected error for empty frame")
	}
}
