package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures the write circuit breaker.
type BreakerSettings struct {
	Name string

	// MaxFailures is the number of consecutive failed writes that opens
	// the circuit.
	MaxFailures uint32

	// OpenTimeout is how long the circuit stays open before a trial write.
	OpenTimeout time.Duration

	// Interval clears failure counts while closed. Zero never clears.
	Interval time.Duration

	// OnStateChange is called on every transition.
	OnStateChange func(name string, from, to gobreaker.State)
}

// BreakerStore guards Set, Push and Delete with a circuit breaker so a
// dead broker fails commands immediately instead of after a timeout
// each. Watch is passed through.
type BreakerStore struct {
	Store
	cb *gobreaker.CircuitBreaker
}

// WithBreaker wraps s.
func WithBreaker(s Store, st BreakerSettings) *BreakerStore {
	maxFailures := st.MaxFailures
	if maxFailures == 0 {
		maxFailures = 1
	}
	return &BreakerStore{
		Store: s,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     st.Name,
			Interval: st.Interval,
			Timeout:  st.OpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= maxFailures
			},
			// A cancelled caller says nothing about the broker.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: st.OnStateChange,
		}),
	}
}

// Set implements Store.
func (b *BreakerStore) Set(ctx context.Context, path string, value any) error {
	return b.run(func() error { return b.Store.Set(ctx, path, value) })
}

// Push implements Store.
func (b *BreakerStore) Push(ctx context.Context, path string, value any) (string, error) {
	var key string
	err := b.run(func() error {
		var err error
		key, err = b.Store.Push(ctx, path, value)
		return err
	})
	return key, err
}

// Delete implements Store.
func (b *BreakerStore) Delete(ctx context.Context, path string) error {
	return b.run(func() error { return b.Store.Delete(ctx, path) })
}

// State returns the breaker state.
func (b *BreakerStore) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerStore) run(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrBreakerOpen, err)
	}
	return err
}
