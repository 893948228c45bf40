// Package github is the tracker client: REST issue creation and GraphQL
// Projects v2 board placement against the GitHub API.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jmaddaus/issuebridge/internal/model"
)

const (
	defaultBaseURL = "https://api.github.com"
	userAgent      = "issuebridge/1.0"
	acceptHeader   = "application/vnd.github+json"
)

// ProjectConfig names the board and its status field/option by their
// human-readable identifiers; the client resolves them to node IDs.
type ProjectConfig struct {
	ID         string // ProjectV2 node ID
	FieldName  string // single-select field, e.g. "Status"
	OptionName string // initial option, e.g. "Backlog"
}

// Enabled reports whether board integration is configured.
func (p ProjectConfig) Enabled() bool { return p.ID != "" }

// RateLimit holds the most recently observed rate limit status.
type RateLimit struct {
	Remaining int
	Reset     time.Time
}

// Client defines the interface for interacting with the tracker.
type Client interface {
	// CreateIssue creates an issue from the request. Errors are typed:
	// *UnavailableError for transient failures, *RejectedError for
	// permanent ones.
	CreateIssue(ctx context.Context, req *model.IssueRequest) (*model.TrackerIssue, error)

	// ResolveProjectContext resolves the configured project, field, and
	// option names to node IDs. The result is cached for the process
	// lifetime after the first success; a *ConfigurationError means the
	// names do not exist on the project.
	ResolveProjectContext(ctx context.Context) (*ProjectContext, error)

	// AttachToBoard adds the issue to the project and sets the status
	// field, as one logical operation. If the add succeeds but the
	// field-set fails, the error is a *PartialAttachmentError carrying the
	// item ID so the caller can resume from the field-set step alone.
	AttachToBoard(ctx context.Context, issue *model.TrackerIssue, pc *ProjectContext) (*model.BoardPlacement, error)

	// SetItemStatus sets the status field on an existing board item. Resume
	// path for partial attachments.
	SetItemStatus(ctx context.Context, itemID string, pc *ProjectContext) error

	GetRateLimit() RateLimit
}

// Options configures a client. Timeout applies per HTTP call.
type Options struct {
	Token   string
	Owner   string
	Repo    string
	Project ProjectConfig
	Timeout time.Duration
}

type clientImpl struct {
	opts       Options
	httpClient *http.Client
	baseURL    string

	mu        sync.RWMutex
	rateLimit RateLimit

	pcMu       sync.Mutex
	projectCtx *ProjectContext
}

// NewClient creates a tracker client with the given options.
func NewClient(opts Options) Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &clientImpl{
		opts:       opts,
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    defaultBaseURL,
	}
}

// newClientWithBaseURL is an internal constructor for testing with httptest
// servers.
func newClientWithBaseURL(opts Options, httpClient *http.Client, baseURL string) *clientImpl {
	return &clientImpl{
		opts:       opts,
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

func (c *clientImpl) newRequest(ctx context.Context, method, url string, body interface{}) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *clientImpl) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}
	c.updateRateLimit(resp)
	return resp, nil
}

func (c *clientImpl) updateRateLimit(resp *http.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := resp.Header.Get("X-RateLimit-Remaining"); v != "" {
		if remaining, err := strconv.Atoi(v); err == nil {
			c.rateLimit.Remaining = remaining
		}
	}
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.rateLimit.Reset = time.Unix(ts, 0)
		}
	}
}

// GetRateLimit returns the most recently observed rate limit status.
func (c *clientImpl) GetRateLimit() RateLimit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rateLimit
}

// classify turns a non-success HTTP response into a typed error. Rate
// limiting and server errors are transient; everything else is permanent.
func classify(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("%s: status %d: %s", op, resp.StatusCode, string(body))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &UnavailableError{
			Status:     resp.StatusCode,
			RetryAfter: retryAfterOf(resp),
			Err:        fmt.Errorf("%s", msg),
		}
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		// GitHub signals primary rate limit exhaustion as 403.
		return &UnavailableError{
			Status:     resp.StatusCode,
			RetryAfter: retryAfterOf(resp),
			Err:        fmt.Errorf("%s", msg),
		}
	default:
		return &RejectedError{Status: resp.StatusCode, Message: msg}
	}
}

// retryAfterOf extracts the tracker's backoff hint, either from Retry-After
// or from the rate limit reset timestamp.
func retryAfterOf(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if resp.Header.Get("X-RateLimit-Remaining") == "0" {
		if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
			if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
				if d := time.Until(time.Unix(ts, 0)); d > 0 {
					return d
				}
			}
		}
	}
	return 0
}

// CreateIssue creates a new issue in the configured repository.
func (c *clientImpl) CreateIssue(ctx context.Context, issueReq *model.IssueRequest) (*model.TrackerIssue, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues", c.baseURL, c.opts.Owner, c.opts.Repo)

	payload := map[string]string{
		"title": issueReq.Title,
		"body":  issueReq.Body,
	}

	req, err := c.newRequest(ctx, http.MethodPost, url, payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, classify("create issue", resp)
	}

	var issue model.TrackerIssue
	if err := json.NewDecoder(resp.Body).Decode(&issue); err != nil {
		return nil, fmt.Errorf("create issue: decode response: %w", err)
	}
	return &issue, nil
}
