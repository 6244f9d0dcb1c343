package capture

import (
	"errors"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/justishika/codeproctor/internal/infrastructure/logging"
)

// ErrTrustDialogUnresolved reports that no detector could dismiss the
// workspace trust dialog within the attempt budget. Non-fatal: a frame of
// the dialog state is still useful signal, so captures proceed.
var ErrTrustDialogUnresolved = errors.New("trust dialog could not be dismissed")

// dialogBoxSelector matches the workbench's modal dialog container.
const dialogBoxSelector = ".monaco-dialog-box, .dialog-shadow .monaco-dialog-box"

// perDetectorWait bounds how long each strategy may poll for its control.
const perDetectorWait = 2 * time.Second

// DialogDetector locates the accept control of a trust/consent dialog.
// Implementations are tried in priority order until one finds a control.
type DialogDetector interface {
	Name() string
	Find(page *rod.Page) (*rod.Element, error)
}

// AriaLabelDetector matches the accept button by its accessible label.
// Most reliable: labels survive theme and layout changes.
type AriaLabelDetector struct{}

func (AriaLabelDetector) Name() string { return "aria-label" }

func (AriaLabelDetector) Find(page *rod.Page) (*rod.Element, error) {
	return page.Timeout(perDetectorWait).Element(
		`.monaco-dialog-box [aria-label*="trust" i], .monaco-dialog-box [aria-label^="Yes"]`)
}

// VisibleTextDetector matches the accept button by its rendered text.
type VisibleTextDetector struct{}

func (VisibleTextDetector) Name() string { return "visible-text" }

func (VisibleTextDetector) Find(page *rod.Page) (*rod.Element, error) {
	return page.Timeout(perDetectorWait).ElementR(
		"a, button", `(?i)yes, i trust|trust the authors|trust workspace`)
}

// StructuralDetector falls back to the dialog's layout: the primary action
// is the first button in the action bar. Least robust, tried last.
type StructuralDetector struct{}

func (StructuralDetector) Name() string { return "structural" }

func (StructuralDetector) Find(page *rod.Page) (*rod.Element, error) {
	return page.Timeout(perDetectorWait).ElementX(
		`//div[contains(@class,"monaco-dialog-box")]//div[contains(@class,"dialog-buttons")]//a[1]`)
}

// DetectorChain runs detectors in priority order until one dismisses the
// dialog or the attempt budget runs out.
type DetectorChain struct {
	detectors []DialogDetector
	logger    *logging.Logger
}

// NewDetectorChain builds the default chain: accessible label, then
// visible text, then structural position.
func NewDetectorChain(logger *logging.Logger) *DetectorChain {
	return &DetectorChain{
		detectors: []DialogDetector{
			AriaLabelDetector{},
			VisibleTextDetector{},
			StructuralDetector{},
		},
		logger: logger,
	}
}

// Dismiss clears a trust dialog if one is showing. Returns nil when no
// dialog is present or one was dismissed; ErrTrustDialogUnresolved when
// every attempt failed.
func (c *DetectorChain) Dismiss(page *rod.Page, maxAttempts int) error {
	present, _, err := page.Timeout(perDetectorWait).Has(dialogBoxSelector)
	if err != nil || !present {
		return nil
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		for _, det := range c.detectors {
			el, err := det.Find(page)
			if err != nil || el == nil {
				continue
			}
			if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
				c.logger.Debug("dialog control click failed",
					zap.String("detector", det.Name()), zap.Error(err))
				continue
			}

			// Give the dialog a beat to close, then confirm.
			time.Sleep(300 * time.Millisecond)
			still, _, _ := page.Timeout(time.Second).Has(dialogBoxSelector)
			if !still {
				c.logger.Info("trust dialog dismissed",
					zap.String("detector", det.Name()), zap.Int("attempt", attempt))
				return nil
			}
		}
	}
	return ErrTrustDialogUnresolved
}
