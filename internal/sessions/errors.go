package sessions

import "errors"

var (
	// ErrSessionCreationFailed wraps a remote failure during session creation.
	// No local row is written when it is returned.
	ErrSessionCreationFailed = errors.New("session creation failed")

	// ErrAnalysisNotReady is returned when a resolution is requested for an
	// analysis session that is not finished with a valid result.
	ErrAnalysisNotReady = errors.New("analysis not ready")

	// ErrNotRetryable is returned when retrying a session that is neither
	// blocked nor expired.
	ErrNotRetryable = errors.New("session is not retryable")

	// ErrSessionTerminal is returned when messaging a session that has
	// already reached a terminal status.
	ErrSessionTerminal = errors.New("session is no longer running")

	// ErrPollingTimeout is returned by Poller.Wait when the attempt budget is
	// spent. The session itself is left untouched.
	ErrPollingTimeout = errors.New("stopped waiting for session")

	// ErrMalformedOutput describes agent output that failed validation. It is
	// logged, never returned by engine operations.
	ErrMalformedOutput = errors.New("malformed agent output")
)
