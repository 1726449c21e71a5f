package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Snapshot is the whole value stored at a path at one instant.
type Snapshot struct {
	Path string

	// Value is the JSON encoding of the subtree. Nil when Empty.
	Value json.RawMessage

	// Empty marks a path with nothing stored. Consumers must treat it as
	// "no data", never as zero values.
	Empty bool

	// Seq increases by one per delivery on a subscription.
	Seq uint64

	At time.Time
}

// Decode unmarshals the snapshot value into v.
func (s Snapshot) Decode(v any) error {
	if s.Empty {
		return fmt.Errorf("decoding %s: snapshot is empty", s.Path)
	}
	if err := json.Unmarshal(s.Value, v); err != nil {
		return fmt.Errorf("decoding %s: %w", s.Path, err)
	}
	return nil
}

// Subscription is a live watch on one path.
//
// It holds at most one undelivered snapshot: a newer snapshot replaces an
// older one the consumer has not read yet, so a slow consumer always sees
// the latest state and never a backlog.
//
// Thread Safety:
//   - Next must be called from one goroutine at a time.
//   - Close may be called from any goroutine, any number of times.
type Subscription struct {
	path string

	mu       sync.Mutex
	pending  Snapshot
	hasValue bool
	seq      uint64
	closed   bool

	ready chan struct{}
	done  chan struct{}

	onClose func()
}

func newSubscription(path string, onClose func()) *Subscription {
	return &Subscription{
		path:    path,
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// Path returns the watched path.
func (s *Subscription) Path() string {
	return s.path
}

// deliver replaces the pending snapshot. It never blocks.
func (s *Subscription) deliver(snap Snapshot) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.seq++
	snap.Seq = s.seq
	snap.Path = s.path
	s.pending = snap
	s.hasValue = true
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next blocks until a snapshot is available, the subscription is closed
// or ctx is done.
func (s *Subscription) Next(ctx context.Context) (Snapshot, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Snapshot{}, ErrSubscriptionClosed
		}
		if s.hasValue {
			snap := s.pending
			s.pending = Snapshot{}
			s.hasValue = false
			s.mu.Unlock()
			return snap, nil
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-s.done:
			return Snapshot{}, ErrSubscriptionClosed
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
}

// Close detaches the subscription. No snapshot is returned by Next after
// Close returns, including one already pending.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.hasValue = false
	s.pending = Snapshot{}
	close(s.done)
	onClose := s.onClose
	s.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return nil
}
