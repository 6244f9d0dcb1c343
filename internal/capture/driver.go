package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/justishika/codeproctor/internal/infrastructure/logging"
)

// Driver failure taxonomy. Navigation and authentication timeouts fail the
// attempt with no automatic retry; callers may re-trigger.
var (
	ErrNavigationTimeout     = errors.New("sandbox endpoint navigation timed out")
	ErrAuthenticationTimeout = errors.New("workbench did not become ready after login")
	ErrPermissionDenied      = errors.New("display capture permission denied")
)

const (
	viewportWidth  = 1920
	viewportHeight = 1080

	// readyMarker is the element that proves the editor surface loaded.
	readyMarker = ".monaco-workbench"

	desktopAttempts = 3
)

// Config bounds every blocking stage of a capture so worst-case latency is
// a known, finite sum.
type Config struct {
	NavigationTimeout time.Duration
	AuthTimeout       time.Duration
	DialogAttempts    int
	VerifyPasses      int
	Credential        string
}

// Driver runs one browser session against a sandbox endpoint and extracts
// a full-frame screenshot.
type Driver struct {
	engine *Engine
	cfg    Config
	chain  *DetectorChain
	verify *verifier
	logger *logging.Logger
}

// NewDriver creates a capture driver.
func NewDriver(engine *Engine, cfg Config, logger *logging.Logger) *Driver {
	return &Driver{
		engine: engine,
		cfg:    cfg,
		chain:  NewDetectorChain(logger),
		verify: &verifier{maxPasses: cfg.VerifyPasses, logger: logger},
		logger: logger,
	}
}

// DriveFrame connects to the sandbox's workbench, gets it into a
// meaningful state, and returns an encoded PNG of the viewport.
func (d *Driver) DriveFrame(ctx context.Context, endpoint, ownerID string) ([]byte, error) {
	browser, err := d.engine.Shared()
	if err != nil {
		return nil, err
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		// A stale devtools connection is the usual cause; relaunch once.
		d.engine.Invalidate()
		if browser, err = d.engine.Shared(); err != nil {
			return nil, err
		}
		if page, err = browser.Page(proto.TargetCreateTarget{URL: "about:blank"}); err != nil {
			return nil, fmt.Errorf("opening capture page: %w", err)
		}
	}
	defer page.Close()

	page = page.Context(ctx)
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             viewportWidth,
		Height:            viewportHeight,
		DeviceScaleFactor: 1,
	}).Call(page); err != nil {
		d.logger.Debug("viewport override failed", zap.Error(err))
	}

	url := "http://" + endpoint + "/"
	nav := page.Timeout(d.cfg.NavigationTimeout)
	if err := nav.Navigate(url); err != nil {
		return nil, navError(err)
	}
	if err := nav.WaitLoad(); err != nil {
		return nil, navError(err)
	}

	if err := d.authenticate(page); err != nil {
		return nil, err
	}

	if err := d.chain.Dismiss(page, d.cfg.DialogAttempts); err != nil {
		// Non-fatal: a shot of the dialog state is still useful signal.
		d.logger.Warn("proceeding with trust dialog visible",
			zap.String("endpoint", endpoint), zap.Error(err))
	}

	verdict := d.verify.Verify(page, ownerID)
	if !verdict.ContentVisible {
		d.logger.Warn("capturing without verified content",
			zap.String("endpoint", endpoint), zap.String("open_tab", verdict.OpenTab))
	}

	return d.captureFrame(page)
}

// authenticate handles the shared-credential prompt when present and
// waits for the workbench ready marker.
func (d *Driver) authenticate(page *rod.Page) error {
	present, field, err := page.Timeout(2 * time.Second).Has("input[type='password']")
	if err != nil || !present {
		// No prompt; still insist on the ready marker before proceeding.
		return d.waitReady(page)
	}

	if d.cfg.Credential == "" {
		return fmt.Errorf("%w: credential prompt shown but none configured", ErrAuthenticationTimeout)
	}
	if err := field.Input(d.cfg.Credential); err != nil {
		return fmt.Errorf("entering credential: %w", err)
	}
	if err := page.Keyboard.Press(input.Enter); err != nil {
		return fmt.Errorf("submitting credential: %w", err)
	}
	return d.waitReady(page)
}

func (d *Driver) waitReady(page *rod.Page) error {
	if _, err := page.Timeout(d.cfg.AuthTimeout).Element(readyMarker); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationTimeout, err)
	}
	return nil
}

// captureFrame takes a full-surface image of the current viewport.
func (d *Driver) captureFrame(page *rod.Page) ([]byte, error) {
	frame, err := page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("taking screenshot: %w", err)
	}
	return frame, nil
}

// CaptureDesktop samples one frame from the user's own display-sharing
// stream. A fresh visible browser is required because the permission grant
// is interactive. Permission denials are terminal; transient failures are
// retried up to the attempt ceiling.
func (d *Driver) CaptureDesktop(ctx context.Context, ownerID string) ([]byte, error) {
	browser, cleanup, err := d.engine.LaunchVisible()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("opening desktop capture page: %w", err)
	}
	page = page.Context(ctx)

	var lastErr error
	for attempt := 1; attempt <= desktopAttempts; attempt++ {
		frame, err := sampleDisplayFrame(page)
		if err == nil {
			d.logger.Info("desktop frame captured",
				zap.String("owner_id", ownerID), zap.Int("attempt", attempt))
			return frame, nil
		}
		if errors.Is(err, ErrPermissionDenied) {
			return nil, err
		}
		lastErr = err
		d.logger.Debug("desktop frame attempt failed",
			zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, fmt.Errorf("desktop capture failed after %d attempts: %w", desktopAttempts, lastErr)
}

// sampleDisplayFrame asks the page for a single getDisplayMedia frame,
// drawn onto a canvas and returned as a PNG data URI.
func sampleDisplayFrame(page *rod.Page) ([]byte, error) {
	res, err := page.Evaluate(&rod.EvalOptions{
		JS: `
		async () => {
			try {
				const stream = await navigator.mediaDevices.getDisplayMedia({ video: true });
				const track = stream.getVideoTracks()[0];
				const video = document.createElement('video');
				video.srcObject = stream;
				await video.play();
				await new Promise(r => setTimeout(r, 250));
				const canvas = document.createElement('canvas');
				canvas.width = video.videoWidth;
				canvas.height = video.videoHeight;
				canvas.getContext('2d').drawImage(video, 0, 0);
				track.stop();
				return { ok: true, data: canvas.toDataURL('image/png') };
			} catch (e) {
				return { ok: false, error: e.name + ': ' + e.message };
			}
		}`,
		ByValue:      true,
		AwaitPromise: true,
		UserGesture:  true,
	})
	if err != nil {
		return nil, err
	}
	if !res.Value.Get("ok").Bool() {
		msg := res.Value.Get("error").Str()
		if strings.Contains(msg, "NotAllowedError") {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
		}
		return nil, errors.New(msg)
	}

	dataURI := res.Value.Get("data").Str()
	idx := strings.Index(dataURI, ",")
	if idx < 0 {
		return nil, errors.New("malformed frame data URI")
	}
	return base64.StdEncoding.DecodeString(dataURI[idx+1:])
}

// navError folds both deadline and connection failures into the
// navigation-timeout class; either way the endpoint never rendered.
func navError(err error) error {
	return fmt.Errorf("%w: %v", ErrNavigationTimeout, err)
}
