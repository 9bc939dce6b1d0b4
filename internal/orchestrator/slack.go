package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
)

// slackClient abstracts the Slack API surface the mirror needs, enabling
// test mocks without a live workspace. Grounded on the pack's
// internal/telegraph/slack.Adapter client seam.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackMirror optionally posts a copy of every ORCHESTRATOR_UPDATE /
// REVIEW_ACTION_REQUIRED digest to a Slack channel, for operators who want
// notifications outside the bus itself (spec §1's "out of scope" external
// collaborators list this as an optional observer).
type SlackMirror struct {
	client    slackClient
	channelID string
	maxRetries int
}

// NewSlackMirror creates a mirror posting to channelID with botToken. Pass a
// non-nil client only from tests.
func NewSlackMirror(botToken, channelID string, client slackClient) (*SlackMirror, error) {
	if channelID == "" {
		return nil, fmt.Errorf("slack mirror: channelID is required")
	}
	if client == nil {
		if botToken == "" {
			return nil, fmt.Errorf("slack mirror: bot token is required")
		}
		client = slackapi.New(botToken)
	}
	return &SlackMirror{client: client, channelID: channelID, maxRetries: 3}, nil
}

// Post mirrors a digest's title and body to the configured channel,
// retrying on Slack rate-limit errors with the RetryAfter it reports.
func (m *SlackMirror) Post(ctx context.Context, title, body string) error {
	text := title
	if body != "" {
		text = fmt.Sprintf("*%s*\n%s", title, body)
	}
	return m.retryOnRateLimit(ctx, func() error {
		_, _, err := m.client.PostMessage(m.channelID, slackapi.MsgOptionText(text, false))
		return err
	})
}

func (m *SlackMirror) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return fmt.Errorf("posting to slack: %w", err)
		}
		if attempt == m.maxRetries {
			return fmt.Errorf("posting to slack: rate limited after %d retries: %w", m.maxRetries, err)
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
