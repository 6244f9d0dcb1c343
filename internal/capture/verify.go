package capture

import (
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/justishika/codeproctor/internal/infrastructure/logging"
)

// Verdict is the outcome of one content-verification pass. A negative
// verdict never fails a capture; the frame is taken regardless.
type Verdict struct {
	ContentVisible bool
	OpenTab        string
	Confidence     float64
}

// placeholderTabs are editor tabs that carry no evidence of real work.
var placeholderTabs = regexp.MustCompile(`(?i)^(welcome|getting started|walkthrough|release notes|untitled-\d+)?$`)

// codeToken matches text that looks like source code in any supported
// subject.
var codeToken = regexp.MustCompile(
	`(?m)^\s*(def |class |import |from .+ import|func |package |public |private |#include|console\.log|function |var |let |const |printf|System\.out)`)

// sourceExtensions are recognized when hunting the explorer for a file to
// open. Order matters: earlier entries are preferred.
var sourceExtensions = []string{".py", ".java", ".c", ".h", ".js", ".ts", ".html", ".css", ".go", ".cpp"}

// verifier runs the bounded "is there real work on screen" check.
type verifier struct {
	maxPasses int
	logger    *logging.Logger
}

// Verify inspects the rendered workbench for meaningful editor content,
// opening or creating a file if nothing is showing. Capped at maxPasses;
// after the cap, whatever is rendered gets captured.
func (v *verifier) Verify(page *rod.Page, ownerID string) Verdict {
	var verdict Verdict
	for pass := 1; pass <= v.maxPasses; pass++ {
		verdict = v.inspect(page)
		if verdict.ContentVisible {
			return verdict
		}

		v.logger.Debug("no meaningful content visible",
			zap.Int("pass", pass), zap.String("open_tab", verdict.OpenTab))

		// First try to surface an existing file, preferring the owner's
		// own work; create a placeholder only when the tree is empty.
		if v.openRelevantFile(page, ownerID) {
			continue
		}
		v.createPlaceholder(page, ownerID)
	}
	return verdict
}

// inspect evaluates the active tab and visible editor text in one trip.
func (v *verifier) inspect(page *rod.Page) Verdict {
	res, err := page.Evaluate(&rod.EvalOptions{
		JS: `
		() => {
			const tab = document.querySelector('.tabs-container .tab.active .tab-label');
			const editor = document.querySelector('.editor-instance .view-lines, .monaco-editor .view-lines');
			return {
				tab: tab ? tab.textContent.trim() : '',
				text: editor ? editor.textContent.slice(0, 4000) : '',
			};
		}`,
		ByValue: true,
	})
	if err != nil {
		return Verdict{}
	}

	tab := res.Value.Get("tab").Str()
	text := res.Value.Get("text").Str()

	if codeToken.MatchString(text) {
		return Verdict{ContentVisible: true, OpenTab: tab, Confidence: 0.9}
	}
	if strings.TrimSpace(text) != "" {
		if !placeholderTabs.MatchString(tab) {
			// A named tab with text but no recognized tokens: plausible
			// work (plain text, config, markdown). Medium confidence.
			return Verdict{ContentVisible: true, OpenTab: tab, Confidence: 0.5}
		}
		// An untitled buffer with text is still better than a blank frame.
		return Verdict{ContentVisible: true, OpenTab: tab, Confidence: 0.3}
	}
	return Verdict{OpenTab: tab}
}

// openRelevantFile clicks the best explorer row: one whose name contains
// the owner ID, else the first recognized source file.
func (v *verifier) openRelevantFile(page *rod.Page, ownerID string) bool {
	res, err := page.Evaluate(&rod.EvalOptions{
		JS: `
		() => Array.from(document.querySelectorAll('.explorer-folders-view .monaco-list-row'))
			.map(r => r.textContent.trim())
			.filter(Boolean)`,
		ByValue: true,
	})
	if err != nil {
		return false
	}

	var names []string
	for _, item := range res.Value.Arr() {
		names = append(names, item.Str())
	}
	target := pickFile(names, ownerID)
	if target == "" {
		return false
	}

	row, err := page.Timeout(2 * time.Second).ElementR(".monaco-list-row", regexp.QuoteMeta(target))
	if err != nil {
		return false
	}
	if err := row.Click(proto.InputMouseButtonLeft, 2); err != nil {
		return false
	}
	time.Sleep(500 * time.Millisecond)
	v.logger.Info("opened file for capture", zap.String("file", target))
	return true
}

// pickFile chooses the most relevant name from the explorer listing.
func pickFile(names []string, ownerID string) string {
	for _, n := range names {
		if ownerID != "" && strings.Contains(strings.ToLower(n), strings.ToLower(ownerID)) {
			return n
		}
	}
	for _, ext := range sourceExtensions {
		for _, n := range names {
			if strings.HasSuffix(strings.ToLower(n), ext) {
				return n
			}
		}
	}
	return ""
}

// createPlaceholder writes and saves a minimal file so the capture is not
// blank. Best effort; any step failing simply leaves the screen as is.
func (v *verifier) createPlaceholder(page *rod.Page, ownerID string) {
	// Ctrl+N, type marker text, Ctrl+S, accept the default name.
	if err := page.KeyActions().Press(input.ControlLeft).Type(input.KeyN).Do(); err != nil {
		return
	}
	time.Sleep(300 * time.Millisecond)
	if err := page.InsertText("# session active: " + ownerID + " " + time.Now().Format(time.RFC3339)); err != nil {
		return
	}
	if err := page.KeyActions().Press(input.ControlLeft).Type(input.KeyS).Do(); err != nil {
		return
	}
	time.Sleep(300 * time.Millisecond)
	_ = page.Keyboard.Press(input.Enter)
	time.Sleep(500 * time.Millisecond)
	v.logger.Info("created placeholder file", zap.String("owner_id", ownerID))
}
