package session

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// GraderClient hands work to the black-box grading collaborator. The
// grader owns scoring entirely; this client only tells it which owner's
// session ended and why, so it can pull and score the final state.
type GraderClient struct {
	client *resty.Client
	url    string
}

// NewGraderClient creates a client for the grading service endpoint.
func NewGraderClient(url string) *GraderClient {
	return &GraderClient{
		client: resty.New().
			SetTimeout(15 * time.Second).
			SetHeader("User-Agent", "codeproctor-grader/1.0"),
		url: url,
	}
}

// SubmitFinal requests grading of the owner's in-progress work. Best
// effort: the enforcer logs failures and moves on.
func (g *GraderClient) SubmitFinal(ctx context.Context, ownerID, sandboxID, subject string) error {
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"ownerId":      ownerID,
			"sandboxId":    sandboxID,
			"subjectLabel": subject,
			"reason":       "session-expiry",
		}).
		Post(g.url)
	if err != nil {
		return fmt.Errorf("submitting final work: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("grader rejected submission: %s", resp.Status())
	}
	return nil
}
