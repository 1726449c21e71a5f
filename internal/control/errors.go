package control

import "errors"

var (
	// ErrCommandFailed is returned when the remote write of a command
	// failed. The optimistic change has been rolled back unless a newer
	// mutation superseded it.
	ErrCommandFailed = errors.New("control: command failed")

	// ErrModeClearFailed is returned when a mode was enabled but the
	// write clearing the other mode failed. The enable stands locally.
	ErrModeClearFailed = errors.New("control: clearing the other mode failed")

	// ErrStopped is returned when the reconciler is no longer running.
	ErrStopped = errors.New("control: reconciler stopped")

	// ErrNotWritable is returned for a field that has no command path.
	ErrNotWritable = errors.New("control: field is not writable")

	// ErrUnknownMode is returned for a mode other than auto or schedule.
	ErrUnknownMode = errors.New("control: unknown mode")
)
