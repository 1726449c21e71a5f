// Package control turns user commands into optimistic state changes and
// remote writes.
//
// A command runs in three steps. The desired value is applied to the
// local state immediately (Pending), then written to the device's store.
// If the write succeeds the command is Confirmed; if it fails the local
// change is rolled back (RolledBack), unless a feed delivery or another
// command touched the field in between, in which case that newer value is
// the truth and is kept (Superseded).
//
// Mode changes go through the Arbiter, which keeps autoMode and schedMode
// mutually exclusive by ordering its writes.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/irrigation-core/internal/device"
	"github.com/nerrad567/irrigation-core/internal/metrics"
	"github.com/nerrad567/irrigation-core/internal/realtime"
)

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Loop runs fn on the goroutine that owns the device record and waits for
// it to finish. It returns ErrStopped once the owner has shut down.
type Loop interface {
	Do(ctx context.Context, fn func(*device.Record)) error
}

// Paths are the store paths commands are written to.
type Paths struct {
	RelayStatus string
	AutoMode    string
	SchedMode   string
}

func (p Paths) of(f device.Field) (string, bool) {
	var path string
	switch f {
	case device.FieldRelayStatus:
		path = p.RelayStatus
	case device.FieldAutoMode:
		path = p.AutoMode
	case device.FieldSchedMode:
		path = p.SchedMode
	}
	return path, path != ""
}

// Outcome is the final state of a command.
type Outcome int

// Command outcomes.
const (
	Pending Outcome = iota
	Confirmed
	RolledBack
	Superseded
)

func (o Outcome) String() string {
	switch o {
	case Confirmed:
		return metrics.OutcomeConfirmed
	case RolledBack:
		return metrics.OutcomeRolledBack
	case Superseded:
		return metrics.OutcomeSuperseded
	default:
		return "pending"
	}
}

// Command is one remote write. It lives for a single dispatch.
type Command struct {
	ID            string
	Field         device.Field
	TargetPath    string
	DesiredValue  any
	PreviousValue any
	Outcome       Outcome
}

// Config configures a Dispatcher.
type Config struct {
	Paths Paths

	// Timeout bounds each remote write. Default 10s.
	Timeout time.Duration
}

// Dispatcher runs single-field commands.
//
// Many commands may be in flight at once; each remote write runs on the
// caller's goroutine and only the local steps go through the Loop.
type Dispatcher struct {
	loop    Loop
	store   realtime.Store
	paths   Paths
	timeout time.Duration
	logger  Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher writing through store.
func NewDispatcher(loop Loop, store realtime.Store, cfg Config) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		loop:    loop,
		store:   store,
		paths:   cfg.Paths,
		timeout: timeout,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// SetMetrics sets the collectors the dispatcher updates.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) {
	d.metrics = m
}

// Dispatch sets field to desired: optimistically in the local state, then
// in the remote store. On a failed write the error wraps ErrCommandFailed
// and the returned command reports whether the change was rolled back or
// superseded.
func (d *Dispatcher) Dispatch(ctx context.Context, field device.Field, desired bool) (Command, error) {
	path, ok := d.paths.of(field)
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrNotWritable, field)
	}
	cmd := Command{
		ID:           uuid.NewString(),
		Field:        field,
		TargetPath:   path,
		DesiredValue: desired,
	}
	start := time.Now()

	var gen uint64
	err := d.loop.Do(ctx, func(r *device.Record) {
		cmd.PreviousValue = r.State().Value(field)
		p, _ := device.PatchOf(field, desired)
		r.Apply(p)
		gen = r.Generation(field)
	})
	if err != nil {
		return cmd, err
	}

	writeErr := d.write(ctx, path, desired)
	if writeErr == nil {
		cmd.Outcome = Confirmed
		d.finish(&cmd, start, nil)
		return cmd, nil
	}

	rbErr := d.loop.Do(context.WithoutCancel(ctx), func(r *device.Record) {
		reverted, err := r.Revert(field, cmd.PreviousValue, gen)
		switch {
		case err != nil:
			d.logger.Error("rollback failed", "command", cmd.ID, "field", field.String(), "error", err)
			cmd.Outcome = Superseded
		case reverted:
			cmd.Outcome = RolledBack
		default:
			cmd.Outcome = Superseded
		}
	})
	if rbErr != nil {
		// The owner is gone; nothing is left to roll back.
		cmd.Outcome = Superseded
	}

	err = fmt.Errorf("%w: %s=%v: %w", ErrCommandFailed, field, desired, writeErr)
	d.finish(&cmd, start, err)
	return cmd, err
}

func (d *Dispatcher) write(ctx context.Context, path string, value any) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.store.Set(ctx, path, value)
}

func (d *Dispatcher) finish(cmd *Command, start time.Time, err error) {
	if d.metrics != nil {
		d.metrics.Commands.WithLabelValues(cmd.Field.String(), cmd.Outcome.String()).Inc()
		d.metrics.CommandDuration.WithLabelValues(cmd.Field.String()).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		level := d.logger.Warn
		if errors.Is(err, realtime.ErrBreakerOpen) {
			level = d.logger.Info
		}
		level("command failed",
			"command", cmd.ID,
			"field", cmd.Field.String(),
			"desired", cmd.DesiredValue,
			"outcome", cmd.Outcome.String(),
			"error", err,
		)
		return
	}
	d.logger.Info("command confirmed",
		"command", cmd.ID,
		"field", cmd.Field.String(),
		"desired", cmd.DesiredValue,
		"previous", cmd.PreviousValue,
	)
}
