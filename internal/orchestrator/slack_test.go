package orchestrator

import (
	"context"
	"errors"
	"testing"

	slackapi "github.com/slack-go/slack"
)

type fakeSlackClient struct {
	posted    []string
	failTimes int
	err       error
}

func (f *fakeSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	if f.failTimes > 0 {
		f.failTimes--
		return "", "", f.err
	}
	f.posted = append(f.posted, channelID)
	return channelID, "1234.5678", nil
}

func TestSlackMirror_PostsToConfiguredChannel(t *testing.T) {
	client := &fakeSlackClient{}
	m, err := NewSlackMirror("", "C123", client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Post(context.Background(), "title", "body"); err != nil {
		t.Fatalf("unexpected error posting: %v", err)
	}
	if len(client.posted) != 1 || client.posted[0] != "C123" {
		t.Fatalf("expected 1 post to C123, got %+v", client.posted)
	}
}

func TestSlackMirror_PropagatesNonRateLimitError(t *testing.T) {
	client := &fakeSlackClient{failTimes: 1, err: errors.New("invalid_auth")}
	m, err := NewSlackMirror("", "C123", client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Post(context.Background(), "title", "body"); err == nil {
		t.Fatalf("expected error to propagate for a non-rate-limit failure")
	}
}

func TestNewSlackMirror_RequiresChannelID(t *testing.T) {
	if _, err := NewSlackMirror("xoxb-token", "", &fakeSlackClient{}); err == nil {
		t.Fatalf("expected error for missing channelID")
	}
}

func TestNewSlackMirror_RequiresBotTokenWhenNoClientInjected(t *testing.T) {
	if _, err := NewSlackMirror("", "C123", nil); err == nil {
		t.Fatalf("expected error for missing bot token with no injected client")
	}
}
