package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
)

const (
	probeWindow   = 15 * time.Second
	probeInterval = 500 * time.Millisecond
)

// Probe checks whether a sandbox's workbench answers HTTP and serves
// something that looks like the dev surface rather than an error page.
type Probe struct {
	client *resty.Client
}

// NewProbe creates a readiness probe with a short per-request timeout.
func NewProbe() *Probe {
	client := resty.New().
		SetTimeout(3 * time.Second).
		SetHeader("User-Agent", "codeproctor-probe/1.0")
	return &Probe{client: client}
}

// WaitReady polls the endpoint until it serves the workbench page or the
// probe window elapses.
func (p *Probe) WaitReady(ctx context.Context, endpoint string) error {
	deadline := time.Now().Add(probeWindow)
	url := "http://" + endpoint + "/"

	var lastErr error
	for time.Now().Before(deadline) {
		resp, err := p.client.R().SetContext(ctx).Get(url)
		if err == nil && resp.StatusCode() < 500 {
			if looksLikeWorkbench(resp.String()) {
				return nil
			}
			lastErr = fmt.Errorf("endpoint answered but no workbench markup yet")
		} else if err != nil {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(probeInterval):
		}
	}
	return fmt.Errorf("endpoint %s not ready: %w", endpoint, lastErr)
}

// looksLikeWorkbench inspects served HTML for the editor shell or its
// login interstitial. Both count as ready; the capture driver handles the
// credential prompt itself.
func looksLikeWorkbench(body string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return false
	}
	if doc.Find(".monaco-workbench, [id='workbench.main.container']").Length() > 0 {
		return true
	}
	if doc.Find("input[type='password'], .login-form").Length() > 0 {
		return true
	}
	// The workbench bootstraps client-side; the loader script in the shell
	// page is enough evidence the right thing is being served.
	found := false
	doc.Find("script[src], link[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, _ := s.Attr("src")
		if src == "" {
			src, _ = s.Attr("href")
		}
		if strings.Contains(src, "workbench") || strings.Contains(src, "vs/loader") {
			found = true
			return false
		}
		return true
	})
	return found
}
