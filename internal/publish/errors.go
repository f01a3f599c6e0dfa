package publish

import "fmt"

// TransientError is a retryable publish failure: timeout, transient
// network error, server error, or a collaborator rate limit. Drafts
// failing this way belong in the retry queue.
type TransientError struct {
	Status      int // zero for network-level failures
	RateLimited bool
	Err         error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient publish failure (HTTP %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient publish failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError is a publish failure that retrying cannot fix: validation
// rejection or any 4xx other than a rate limit. It is reported, never
// queued.
type TerminalError struct {
	Status int
	Err    error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal publish failure (HTTP %d): %v", e.Status, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }
