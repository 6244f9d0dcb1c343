package capture

import (
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"go.uber.org/zap"

	"github.com/justishika/codeproctor/internal/infrastructure/logging"
)

// Engine owns browser processes. The shared headless instance is launched
// lazily and reused across sandbox-frame captures for the warm-start win;
// desktop captures get a fresh visible instance each time.
type Engine struct {
	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
	logger   *logging.Logger
}

// NewEngine creates an engine; no browser is launched until first use.
func NewEngine(logger *logging.Logger) *Engine {
	return &Engine{logger: logger}
}

// Shared returns the warm headless browser, launching it if needed. A
// previously crashed browser is relaunched transparently.
func (e *Engine) Shared() (*rod.Browser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.browser != nil {
		return e.browser, nil
	}

	l := launcher.New().Headless(true)
	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launching headless browser: %w", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("connecting to headless browser: %w", err)
	}

	e.launcher = l
	e.browser = browser
	e.logger.Info("headless browser launched", zap.String("control_url", url))
	return browser, nil
}

// Invalidate drops the shared browser so the next Shared call relaunches.
// Called when a capture attempt observes a dead connection.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browser != nil {
		_ = e.browser.Close()
		e.browser = nil
	}
	if e.launcher != nil {
		e.launcher.Cleanup()
		e.launcher = nil
	}
}

// LaunchVisible starts a fresh non-headless browser for the interactive
// desktop-capture path. The returned cleanup must always run.
func (e *Engine) LaunchVisible() (*rod.Browser, func(), error) {
	l := launcher.New().Headless(false)
	url, err := l.Launch()
	if err != nil {
		return nil, nil, fmt.Errorf("launching visible browser: %w", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, nil, fmt.Errorf("connecting to visible browser: %w", err)
	}

	cleanup := func() {
		if err := browser.Close(); err != nil {
			e.logger.Warn("closing visible browser", zap.Error(err))
		}
		l.Cleanup()
	}
	return browser, cleanup, nil
}

// Close shuts the shared browser down. Safe to call more than once.
func (e *Engine) Close() {
	e.Invalidate()
}
