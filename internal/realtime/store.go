package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is a tree-shaped realtime store addressed by slash-separated paths.
//
// Watch delivers the whole subtree at a path: once on attach (or an empty
// snapshot when nothing is stored) and again after every change at, above
// or below the path.
type Store interface {
	Watch(ctx context.Context, path string) (*Subscription, error)

	// Set replaces the value at path. A nil value deletes it.
	Set(ctx context.Context, path string, value any) error

	// Push stores value under a new, chronologically ordered child key of
	// path and returns the key.
	Push(ctx context.Context, path string, value any) (string, error)

	// Delete removes the subtree at path.
	Delete(ctx context.Context, path string) error
}

// Logger is the logging surface used by stores.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// NewKey returns a child key that sorts by creation time: zero-padded
// epoch milliseconds plus a random suffix so keys minted in the same
// millisecond do not collide.
func NewKey(t time.Time) string {
	return fmt.Sprintf("%013d-%s", t.UnixMilli(), uuid.NewString()[:8])
}

// Read returns the current value at path by attaching, taking the first
// snapshot and detaching.
func Read(ctx context.Context, s Store, path string) (Snapshot, error) {
	sub, err := s.Watch(ctx, path)
	if err != nil {
		return Snapshot{}, err
	}
	defer sub.Close() //nolint:errcheck // Close never fails

	return sub.Next(ctx)
}
