package core

import (
	"time"

	"github.com/nerrad567/irrigation-core/internal/device"
)

// View is an immutable snapshot of what the reconciler knows. Handlers
// read it without going through the owner loop.
type View struct {
	State      device.State        `json:"state"`
	Known      device.FieldSet     `json:"-"`
	Mode       device.Mode         `json:"mode"`
	Thresholds *device.Thresholds  `json:"thresholds"`
	Feeds      map[Feed]FeedStatus `json:"feeds"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// KnownFields lists the names of the fields delivered at least once.
func (v *View) KnownFields() []string {
	fields := v.Known.Fields()
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, f.String())
	}
	return out
}

// publish swaps in a view of the record. Called on the owner loop only.
func (r *Reconciler) publish() *View {
	r.feedMu.Lock()
	defer r.feedMu.Unlock()

	state := r.rec.State()
	v := &View{
		State:     state,
		Known:     r.rec.Known(),
		Mode:      state.Mode(),
		Feeds:     r.copyFeedsLocked(),
		UpdatedAt: r.now(),
	}
	if r.thresholds != nil {
		t := *r.thresholds
		v.Thresholds = &t
	}
	r.view.Store(v)
	return v
}

// publishFeedsLocked replaces only the feed status of the current view.
// Caller holds feedMu.
func (r *Reconciler) publishFeedsLocked() {
	prev := r.view.Load()
	if prev == nil {
		return
	}
	v := *prev
	v.Feeds = r.copyFeedsLocked()
	r.view.Store(&v)
}

func (r *Reconciler) copyFeedsLocked() map[Feed]FeedStatus {
	out := make(map[Feed]FeedStatus, len(r.feeds))
	for k, v := range r.feeds {
		out[k] = v
	}
	return out
}
