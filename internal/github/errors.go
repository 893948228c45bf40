package github

import (
	"fmt"
	"time"
)

// UnavailableError reports a transient tracker failure: network errors,
// rate limiting, or 5xx responses. Callers may retry after RetryAfter,
// which is zero when the tracker gave no hint. The client never retries
// internally.
type UnavailableError struct {
	Status     int // 0 for transport errors
	RetryAfter time.Duration
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("tracker unavailable: %v", e.Err)
	}
	return fmt.Sprintf("tracker unavailable (status %d): %v", e.Status, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// RejectedError reports a permanent per-request tracker failure: validation
// errors, auth failures, missing repository. Not retryable.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("tracker rejected request (status %d): %s", e.Status, e.Message)
}

// PartialAttachmentError reports that the board item was added but setting
// its status field failed. The item must not be re-added; resume with
// SetItemStatus on ItemID.
type PartialAttachmentError struct {
	ItemID string
	Err    error
}

func (e *PartialAttachmentError) Error() string {
	return fmt.Sprintf("board item %s added but status not set: %v", e.ItemID, e.Err)
}

func (e *PartialAttachmentError) Unwrap() error { return e.Err }

// ConfigurationError reports that the configured project, field, or option
// names do not resolve on the tracker. It surfaces at startup validation,
// before any event is consumed.
type ConfigurationError struct {
	Detail string
}

func (e *ConfigurationError) Error() string {
	return "project configuration: " + e.Detail
}
