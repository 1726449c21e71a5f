package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/irrigation-core/internal/device"
)

// ModeName selects one of the two automatic modes.
type ModeName string

// Automatic modes.
const (
	Auto     ModeName = "auto"
	Schedule ModeName = "schedule"
)

// ParseMode accepts "auto", "schedule" or "scheduled".
func ParseMode(s string) (ModeName, error) {
	switch s {
	case "auto":
		return Auto, nil
	case "schedule", "scheduled", "sched":
		return Schedule, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

func (m ModeName) fields() (target, other device.Field, err error) {
	switch m {
	case Auto:
		return device.FieldAutoMode, device.FieldSchedMode, nil
	case Schedule:
		return device.FieldSchedMode, device.FieldAutoMode, nil
	}
	return 0, 0, fmt.Errorf("%w: %q", ErrUnknownMode, string(m))
}

// Arbiter switches between Manual, Auto and Scheduled while keeping
// autoMode and schedMode mutually exclusive, locally and on the device.
//
// Enabling a mode writes the enabling flag first and the clearing flag
// second, so the device never sees both on. Mode operations are
// serialized; relay commands are not affected.
type Arbiter struct {
	d  *Dispatcher
	mu sync.Mutex
}

// NewArbiter creates an arbiter that writes through d.
func NewArbiter(d *Dispatcher) *Arbiter {
	return &Arbiter{d: d}
}

// EnableAuto switches to Auto.
func (a *Arbiter) EnableAuto(ctx context.Context) error {
	return a.Enable(ctx, Auto)
}

// EnableSchedule switches to Scheduled.
func (a *Arbiter) EnableSchedule(ctx context.Context) error {
	return a.Enable(ctx, Schedule)
}

// Enable turns mode on and the other mode off.
//
// Both flags change locally at once. If the enabling write fails both
// are rolled back and the error wraps ErrCommandFailed. If only the
// clearing write fails the enable stands and the error wraps
// ErrModeClearFailed.
func (a *Arbiter) Enable(ctx context.Context, mode ModeName) error {
	target, other, err := mode.fields()
	if err != nil {
		return err
	}
	targetPath, _ := a.d.paths.of(target)
	otherPath, _ := a.d.paths.of(other)
	if targetPath == "" || otherPath == "" {
		return fmt.Errorf("%w: mode %s", ErrNotWritable, mode)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enable(ctx, mode, target, other, targetPath, otherPath)
}

func (a *Arbiter) enable(ctx context.Context, mode ModeName, target, other device.Field, targetPath, otherPath string) error {
	start := time.Now()
	var (
		prevTarget, prevOther bool
		genTarget, genOther   uint64
	)
	err := a.d.loop.Do(ctx, func(r *device.Record) {
		s := r.State()
		prevTarget, prevOther = s.Bool(target), s.Bool(other)
		tp, _ := device.PatchOf(target, true)
		op, _ := device.PatchOf(other, false)
		r.Apply(mergePatches(tp, op))
		genTarget, genOther = r.Generation(target), r.Generation(other)
	})
	if err != nil {
		return err
	}

	enable := Command{Field: target, TargetPath: targetPath, DesiredValue: true, PreviousValue: prevTarget}
	if werr := a.d.write(ctx, targetPath, true); werr != nil {
		enable.Outcome = Superseded
		//nolint:errcheck // a stopped owner leaves nothing to roll back
		a.d.loop.Do(context.WithoutCancel(ctx), func(r *device.Record) {
			// Target first: restoring the other flag while the target is
			// still on would be normalized away.
			if ok, _ := r.Revert(target, prevTarget, genTarget); ok {
				enable.Outcome = RolledBack
			}
			r.Revert(other, prevOther, genOther) //nolint:errcheck // bool value, cannot fail
		})
		err := fmt.Errorf("%w: enable %s: %w", ErrCommandFailed, mode, werr)
		a.d.finish(&enable, start, err)
		return err
	}
	enable.Outcome = Confirmed
	a.d.finish(&enable, start, nil)

	clearCmd := Command{Field: other, TargetPath: otherPath, DesiredValue: false, PreviousValue: prevOther}
	if werr := a.d.write(ctx, otherPath, false); werr != nil {
		clearCmd.Outcome = Superseded
		err := fmt.Errorf("%w: %s: %w", ErrModeClearFailed, other, werr)
		a.d.finish(&clearCmd, start, err)
		return err
	}
	clearCmd.Outcome = Confirmed
	a.d.finish(&clearCmd, start, nil)
	return nil
}

// Disable turns mode off, returning to Manual if it was active.
func (a *Arbiter) Disable(ctx context.Context, mode ModeName) error {
	target, _, err := mode.fields()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	return a.disableLocked(ctx, target)
}

func (a *Arbiter) disableLocked(ctx context.Context, target device.Field) error {
	_, err := a.d.Dispatch(ctx, target, false)
	return err
}

// Set enables or disables mode.
func (a *Arbiter) Set(ctx context.Context, mode ModeName, enabled bool) error {
	if enabled {
		return a.Enable(ctx, mode)
	}
	return a.Disable(ctx, mode)
}

// Toggle flips mode and reports the new value.
func (a *Arbiter) Toggle(ctx context.Context, mode ModeName) (bool, error) {
	target, other, err := mode.fields()
	if err != nil {
		return false, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var current bool
	if err := a.d.loop.Do(ctx, func(r *device.Record) {
		current = r.State().Bool(target)
	}); err != nil {
		return false, err
	}
	if current {
		return false, a.disableLocked(ctx, target)
	}
	targetPath, _ := a.d.paths.of(target)
	otherPath, _ := a.d.paths.of(other)
	if targetPath == "" || otherPath == "" {
		return false, fmt.Errorf("%w: mode %s", ErrNotWritable, mode)
	}
	return true, a.enable(ctx, mode, target, other, targetPath, otherPath)
}

func mergePatches(a, b device.Patch) device.Patch {
	if b.AutoMode != nil {
		a.AutoMode = b.AutoMode
	}
	if b.SchedMode != nil {
		a.SchedMode = b.SchedMode
	}
	if b.RelayStatus != nil {
		a.RelayStatus = b.RelayStatus
	}
	return a
}
