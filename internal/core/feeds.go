package core

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nerrad567/irrigation-core/internal/realtime"
)

// Feed names one of the watched device feeds.
type Feed string

// Watched feeds.
const (
	FeedSensors  Feed = "sensors"
	FeedRelay    Feed = "relay"
	FeedSettings Feed = "settings"
)

// FeedState describes a feed's attachment.
type FeedState string

// Feed states.
const (
	FeedAttaching   FeedState = "attaching"
	FeedAttached    FeedState = "attached"
	FeedUnavailable FeedState = "unavailable"
)

// FeedStatus is the attachment status of one feed.
type FeedStatus struct {
	Path      string    `json:"path"`
	State     FeedState `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Since     time.Time `json:"since"`
}

// Notice is broadcast when a feed is lost or recovered.
type Notice struct {
	Timestamp time.Time `json:"timestamp"`
	Feed      Feed      `json:"feed"`
	State     FeedState `json:"state"`
	Message   string    `json:"message"`
}

type feed struct {
	name Feed
	path string
}

type delivery struct {
	feed Feed
	snap realtime.Snapshot
}

func (r *Reconciler) feedList() []feed {
	return []feed{
		{name: FeedSensors, path: r.cfg.Paths.Sensors},
		{name: FeedRelay, path: r.cfg.Paths.Relay},
		{name: FeedSettings, path: r.cfg.Paths.Settings},
	}
}

// pump keeps one feed attached and forwards its snapshots to the loop.
// A failed watch or a subscription closed under it is retried with
// exponential backoff; the fields of that feed keep their last values
// meanwhile.
func (r *Reconciler) pump(ctx context.Context, f feed, out chan<- delivery) error {
	for {
		sub, err := r.attach(ctx, f)
		if err != nil {
			// Only ctx ends the retry loop.
			return ctx.Err()
		}
		err = r.forward(ctx, f, sub, out)
		sub.Close() //nolint:errcheck // Close never fails
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.lost(f, err)
	}
}

func (r *Reconciler) attach(ctx context.Context, f feed) (*realtime.Subscription, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.ReattachInitial
	b.MaxInterval = r.cfg.ReattachMax
	b.MaxElapsedTime = 0

	var (
		sub      *realtime.Subscription
		attempts int
	)
	operation := func() error {
		attempts++
		s, err := r.store.Watch(ctx, f.path)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		sub = s
		return nil
	}
	notify := func(err error, next time.Duration) {
		wasDown := r.feedStatus(f.name).State == FeedUnavailable
		r.setFeed(f, FeedUnavailable, err, attempts)
		if r.metrics != nil {
			r.metrics.FeedErrors.WithLabelValues(string(f.name)).Inc()
		}
		if !wasDown {
			r.notice(f, FeedUnavailable, "feed "+string(f.name)+" unavailable, retrying")
		}
		r.logger.Warn("feed attach failed",
			"feed", string(f.name),
			"path", f.path,
			"attempt", attempts,
			"retry_in", next.String(),
			"error", err,
		)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}

	recovered := r.feedStatus(f.name).State == FeedUnavailable
	r.setFeed(f, FeedAttached, nil, 0)
	if r.metrics != nil {
		r.metrics.FeedAttached.WithLabelValues(string(f.name)).Set(1)
	}
	if recovered {
		r.notice(f, FeedAttached, "feed "+string(f.name)+" recovered")
		r.logger.Info("feed recovered", "feed", string(f.name), "attempts", attempts)
	} else {
		r.logger.Debug("feed attached", "feed", string(f.name), "path", f.path)
	}
	return sub, nil
}

func (r *Reconciler) forward(ctx context.Context, f feed, sub *realtime.Subscription, out chan<- delivery) error {
	for {
		snap, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if r.metrics != nil {
			r.metrics.FeedDeliveries.WithLabelValues(string(f.name)).Inc()
		}
		select {
		case out <- delivery{feed: f.name, snap: snap}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Reconciler) lost(f feed, err error) {
	if errors.Is(err, realtime.ErrSubscriptionClosed) {
		r.logger.Warn("feed subscription closed, reattaching", "feed", string(f.name))
	} else {
		r.logger.Warn("feed lost, reattaching", "feed", string(f.name), "error", err)
	}
	r.setFeed(f, FeedUnavailable, err, 0)
	if r.metrics != nil {
		r.metrics.FeedAttached.WithLabelValues(string(f.name)).Set(0)
		r.metrics.FeedReattaches.WithLabelValues(string(f.name)).Inc()
	}
	r.notice(f, FeedUnavailable, "feed "+string(f.name)+" lost, reattaching")
}

func (r *Reconciler) notice(f feed, state FeedState, msg string) {
	if r.hub == nil {
		return
	}
	r.hub.Broadcast(ChannelNotice, Notice{
		Timestamp: r.now(),
		Feed:      f.name,
		State:     state,
		Message:   msg,
	})
}

func (r *Reconciler) setFeed(f feed, state FeedState, err error, attempts int) {
	r.feedMu.Lock()
	st := r.feeds[f.name]
	if st.State != state {
		st.Since = r.now()
	}
	st.Path = f.path
	st.State = state
	st.Attempts = attempts
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	r.feeds[f.name] = st
	r.publishFeedsLocked()
	r.feedMu.Unlock()
}

func (r *Reconciler) feedStatus(name Feed) FeedStatus {
	r.feedMu.Lock()
	defer r.feedMu.Unlock()
	return r.feeds[name]
}

// Feeds returns the attachment status of every feed.
func (r *Reconciler) Feeds() map[Feed]FeedStatus {
	r.feedMu.Lock()
	defer r.feedMu.Unlock()
	return r.copyFeedsLocked()
}
