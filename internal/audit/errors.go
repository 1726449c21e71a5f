package audit

import "errors"

var (
	// ErrInvalidRecord is returned when a record lacks an id or topic.
	ErrInvalidRecord = errors.New("audit: invalid record")

	// ErrInvalidTopic is returned by Append for an empty or nested topic.
	ErrInvalidTopic = errors.New("audit: invalid topic")

	// ErrWriterClosed is returned by Append after Close.
	ErrWriterClosed = errors.New("audit: writer closed")

	// ErrQueueFull is returned by Append when the record was dropped.
	ErrQueueFull = errors.New("audit: queue full")
)
