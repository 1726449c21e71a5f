package realtime

import "errors"

// Sentinel errors for realtime store operations.
var (
	// ErrSubscriptionClosed is returned by Next after Close.
	ErrSubscriptionClosed = errors.New("realtime: subscription closed")

	// ErrWatchFailed is returned when a path cannot be attached.
	ErrWatchFailed = errors.New("realtime: watch failed")

	// ErrWriteFailed is returned when a remote write is rejected or times out.
	ErrWriteFailed = errors.New("realtime: write failed")

	// ErrBreakerOpen is returned while the write circuit breaker is open.
	ErrBreakerOpen = errors.New("realtime: write circuit open")

	// ErrInvalidPath is returned for an empty path.
	ErrInvalidPath = errors.New("realtime: path cannot be empty")
)
