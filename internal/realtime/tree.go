package realtime

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/nerrad567/irrigation-core/internal/infrastructure/mqtt"
)

// tree is an in-process copy of a tree-shaped store. Values are decoded
// JSON: map[string]any for interior nodes, scalars or slices for leaves.
// Writing a node notifies every watcher at, above or below it.
type tree struct {
	mu       sync.Mutex
	root     map[string]any
	watchers map[string]map[*Subscription]struct{}
	held     map[*Subscription]struct{} // registered, first snapshot not yet due
	now      func() time.Time
}

func newTree() *tree {
	return &tree{
		root:     make(map[string]any),
		watchers: make(map[string]map[*Subscription]struct{}),
		held:     make(map[*Subscription]struct{}),
		now:      time.Now,
	}
}

// normalize converts an arbitrary Go value into the tree's representation.
// Nil, null and empty objects all mean "nothing stored".
func normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	var raw []byte
	switch v := value.(type) {
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding value: %w", err)
		}
		raw = b
	}
	return decodeValue(raw)
}

func decodeValue(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding value: %w", err)
	}
	return clean(v), nil
}

// clean drops null members and empty objects recursively.
func clean(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		if c := clean(child); c == nil {
			delete(m, k)
		} else {
			m[k] = c
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func (t *tree) getLocked(path string) any {
	var node any = t.root
	for _, seg := range mqtt.Split(path) {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node, ok = m[seg]
		if !ok {
			return nil
		}
	}
	if m, ok := node.(map[string]any); ok && len(m) == 0 {
		return nil
	}
	return node
}

func setIn(node map[string]any, segs []string, value any) {
	key := segs[0]
	if len(segs) == 1 {
		if value == nil {
			delete(node, key)
		} else {
			node[key] = value
		}
		return
	}
	child, ok := node[key].(map[string]any)
	if !ok {
		if value == nil {
			return
		}
		child = make(map[string]any)
		node[key] = child
	}
	setIn(child, segs[1:], value)
	if len(child) == 0 {
		delete(node, key)
	}
}

// set stores a normalized value and notifies affected watchers. It
// reports whether the stored value changed.
func (t *tree) set(path string, value any) bool {
	segs := mqtt.Split(path)
	if len(segs) == 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if reflect.DeepEqual(t.getLocked(path), value) {
		return false
	}
	setIn(t.root, segs, value)

	for wpath, subs := range t.watchers {
		if !mqtt.IsWithin(wpath, path) && !mqtt.IsWithin(path, wpath) {
			continue
		}
		snap := t.snapshotLocked(wpath)
		for sub := range subs {
			if _, ok := t.held[sub]; ok {
				continue
			}
			sub.deliver(snap)
		}
	}
	return true
}

// drop removes a subtree without notifying anyone. Only used when no
// watcher can observe the path.
func (t *tree) drop(path string) {
	segs := mqtt.Split(path)
	if len(segs) == 0 {
		return
	}
	t.mu.Lock()
	setIn(t.root, segs, nil)
	t.mu.Unlock()
}

func (t *tree) has(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getLocked(path) != nil
}

func (t *tree) snapshotLocked(path string) Snapshot {
	snap := Snapshot{Path: path, At: t.now()}
	v := t.getLocked(path)
	if v == nil {
		snap.Empty = true
		return snap
	}
	raw, err := json.Marshal(v)
	if err != nil {
		// Decoded JSON always re-encodes.
		snap.Empty = true
		return snap
	}
	snap.Value = raw
	return snap
}

// watch registers sub. With deliverNow the current value (or an empty
// snapshot) is queued immediately; otherwise nothing is delivered until
// settle is called.
func (t *tree) watch(sub *Subscription, deliverNow bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs, ok := t.watchers[sub.path]
	if !ok {
		subs = make(map[*Subscription]struct{})
		t.watchers[sub.path] = subs
	}
	subs[sub] = struct{}{}

	if deliverNow {
		sub.deliver(t.snapshotLocked(sub.path))
	} else {
		t.held[sub] = struct{}{}
	}
}

// settle queues the current value for a held watcher and lets later
// changes through. It reports false if sub was not held.
func (t *tree) settle(sub *Subscription) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.held[sub]; !ok {
		return false
	}
	delete(t.held, sub)
	if _, ok := t.watchers[sub.path][sub]; !ok {
		return false
	}
	sub.deliver(t.snapshotLocked(sub.path))
	return true
}

func (t *tree) unwatch(sub *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.held, sub)
	subs := t.watchers[sub.path]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(t.watchers, sub.path)
	}
}

// read returns the current snapshot of path without watching it.
func (t *tree) read(path string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(path)
}
