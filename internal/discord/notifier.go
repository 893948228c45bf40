// Package discord posts pipeline outcomes back to the originating chat
// channel.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jmaddaus/issuebridge/internal/model"
)

const defaultBaseURL = "https://discord.com/api/v10"

// Notifier reports per-event outcomes to a chat channel. Notification
// failures are advisory: callers log them but do not fail the event.
type Notifier interface {
	// NotifySuccess posts a confirmation with the issue link.
	NotifySuccess(ctx context.Context, channelID string, issue *model.TrackerIssue) error

	// NotifyFailure posts a failure notice. The notice must not leak
	// internal error detail.
	NotifyFailure(ctx context.Context, channelID, notice string) error
}

type restNotifier struct {
	token      string
	httpClient *http.Client
	baseURL    string
}

// NewNotifier creates a Notifier that posts channel messages through the
// Discord REST API with the given bot token.
func NewNotifier(token string, timeout time.Duration) Notifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &restNotifier{
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    defaultBaseURL,
	}
}

// newNotifierWithBaseURL is an internal constructor for testing with
// httptest servers.
func newNotifierWithBaseURL(token string, httpClient *http.Client, baseURL string) *restNotifier {
	return &restNotifier{token: token, httpClient: httpClient, baseURL: baseURL}
}

func (n *restNotifier) NotifySuccess(ctx context.Context, channelID string, issue *model.TrackerIssue) error {
	content := fmt.Sprintf("✅ Issue #%d created: %s", issue.Number, issue.URL)
	return n.postMessage(ctx, channelID, content)
}

func (n *restNotifier) NotifyFailure(ctx context.Context, channelID, notice string) error {
	return n.postMessage(ctx, channelID, "❌ "+notice)
}

func (n *restNotifier) postMessage(ctx context.Context, channelID, content string) error {
	url := fmt.Sprintf("%s/channels/%s/messages", n.baseURL, channelID)

	payload, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+n.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post channel message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("post channel message: status %d: %s", resp.StatusCode, string(body))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// NopNotifier discards all notifications. Used in tests and token-less
// runs.
type NopNotifier struct{}

func (NopNotifier) NotifySuccess(context.Context, string, *model.TrackerIssue) error { return nil }
func (NopNotifier) NotifyFailure(context.Context, string, string) error              { return nil }
