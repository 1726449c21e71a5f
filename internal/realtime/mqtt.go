package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/irrigation-core/internal/infrastructure/mqtt"
)

// Broker is the subset of *mqtt.Client used by MQTTStore.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// MQTTStore maps the Store tree onto retained MQTT topics: a path is a
// topic, Set publishes a retained message and a Watch subscribes to the
// path and everything beneath it. Incoming messages are folded into a
// local tree so watchers receive whole subtrees.
//
// A broker replays retained messages one topic at a time after the
// subscription is acknowledged, so the first snapshot of a new watch is
// held until no message has arrived for the settle window. MQTT has no
// "nothing stored" reply either: a watch that receives no retained
// message within the grace period is delivered an empty snapshot.
type MQTTStore struct {
	broker Broker
	qos    byte
	grace  time.Duration
	quiet  time.Duration
	logger Logger
	tree   *tree

	subMu   sync.Mutex
	filters map[string]int  // watched path -> active watches
	settled map[string]bool // watched path -> retained replay complete

	mu       sync.Mutex
	topics   map[string]struct{} // topics holding a stored value
	settling map[*Subscription]*settler
}

// settler holds back the first snapshot of a watch until the retained
// replay for its path has gone quiet.
type settler struct {
	path     string
	timer    *time.Timer
	deadline time.Time
}

// maxSettleFactor bounds settling at this many grace periods, so a path
// under constant live traffic still gets its first snapshot.
const maxSettleFactor = 4

// MQTTOption configures an MQTTStore.
type MQTTOption func(*MQTTStore)

// WithLogger sets the store logger.
func WithLogger(l Logger) MQTTOption {
	return func(s *MQTTStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithQoS sets the QoS used for publishes and subscriptions.
func WithQoS(qos byte) MQTTOption {
	return func(s *MQTTStore) { s.qos = qos }
}

// WithEmptyGrace sets how long a Watch waits for a retained value.
func WithEmptyGrace(d time.Duration) MQTTOption {
	return func(s *MQTTStore) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithSettle sets how long a Watch waits after the last retained message
// before delivering its first snapshot. It is capped at the grace period.
func WithSettle(d time.Duration) MQTTOption {
	return func(s *MQTTStore) {
		if d > 0 {
			s.quiet = d
		}
	}
}

const (
	defaultEmptyGrace = 1500 * time.Millisecond
	defaultSettle     = 250 * time.Millisecond
)

// NewMQTTStore creates a store on top of a connected broker client.
func NewMQTTStore(broker Broker, opts ...MQTTOption) *MQTTStore {
	s := &MQTTStore{
		broker:   broker,
		qos:      1,
		grace:    defaultEmptyGrace,
		quiet:    defaultSettle,
		logger:   noopLogger{},
		tree:     newTree(),
		filters:  make(map[string]int),
		settled:  make(map[string]bool),
		topics:   make(map[string]struct{}),
		settling: make(map[*Subscription]*settler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.quiet > s.grace {
		s.quiet = s.grace
	}
	return s
}

// Watch implements Store.
func (s *MQTTStore) Watch(ctx context.Context, path string) (*Subscription, error) {
	path = mqtt.Join(path)
	if path == "" {
		return nil, ErrInvalidPath
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrWatchFailed, path, err)
	}

	if err := s.acquire(path); err != nil {
		return nil, err
	}

	var sub *Subscription
	sub = newSubscription(path, func() {
		s.stopSettle(sub)
		s.tree.unwatch(sub)
		s.release(path)
	})

	// A settled watch on this path or an ancestor means the cache already
	// holds every retained value beneath it.
	if s.covered(path) {
		s.tree.watch(sub, true)
		return sub, nil
	}

	s.tree.watch(sub, false)
	s.startSettle(sub)
	return sub, nil
}

// startSettle arms the first-snapshot timer: the grace period while
// nothing is cached, the settle window once values have arrived.
func (s *MQTTStore) startSettle(sub *Subscription) {
	path := sub.Path()

	s.mu.Lock()
	st := &settler{path: path, deadline: time.Now().Add(maxSettleFactor * s.grace)}
	st.timer = time.AfterFunc(s.grace, func() { s.finishSettle(sub) })
	s.settling[sub] = st
	s.mu.Unlock()

	// Retained messages may have arrived before the settler existed.
	if s.tree.has(path) {
		s.mu.Lock()
		if cur, ok := s.settling[sub]; ok {
			cur.timer.Reset(s.quiet)
		}
		s.mu.Unlock()
	}
}

func (s *MQTTStore) finishSettle(sub *Subscription) {
	s.mu.Lock()
	st, ok := s.settling[sub]
	delete(s.settling, sub)
	s.mu.Unlock()
	if !ok {
		return
	}

	s.subMu.Lock()
	if s.filters[st.path] > 0 {
		s.settled[st.path] = true
	}
	s.subMu.Unlock()

	s.tree.settle(sub)
}

func (s *MQTTStore) stopSettle(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.settling[sub]; ok {
		st.timer.Stop()
		delete(s.settling, sub)
	}
}

// covered reports whether a settled watch exists at or above path.
func (s *MQTTStore) covered(path string) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for filter := range s.settled {
		if s.filters[filter] > 0 && mqtt.IsWithin(path, filter) {
			return true
		}
	}
	return false
}

// watched reports whether any active watch can observe path.
func (s *MQTTStore) watched(path string) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for filter := range s.filters {
		if mqtt.IsWithin(path, filter) || mqtt.IsWithin(filter, path) {
			return true
		}
	}
	return false
}

// acquire subscribes to the path's subtree on first use. subMu is held
// across the broker call so a concurrent release cannot unsubscribe a
// filter that is being re-established; mu is not, because the broker may
// deliver retained messages before Subscribe returns.
func (s *MQTTStore) acquire(path string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.filters[path] > 0 {
		s.filters[path]++
		return nil
	}

	filter := mqtt.Topics{}.Subtree(path)
	if err := s.broker.Subscribe(filter, s.qos, s.handleMessage); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWatchFailed, path, err)
	}
	s.filters[path] = 1
	return nil
}

// release unsubscribes when the last watch on path closes. Cached values
// no other watch can reach are dropped so a later attach never starts
// from stale data.
func (s *MQTTStore) release(path string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.filters[path]--
	if s.filters[path] > 0 {
		return
	}
	delete(s.filters, path)
	delete(s.settled, path)

	if err := s.broker.Unsubscribe(mqtt.Topics{}.Subtree(path)); err != nil {
		s.logger.Warn("realtime unsubscribe failed", "path", path, "error", err)
	}

	for other := range s.filters {
		if mqtt.IsWithin(other, path) || mqtt.IsWithin(path, other) {
			return
		}
	}
	s.tree.drop(path)

	s.mu.Lock()
	for topic := range s.topics {
		if mqtt.IsWithin(topic, path) {
			delete(s.topics, topic)
		}
	}
	s.mu.Unlock()
}

// handleMessage folds one broker message into the local tree. An empty
// payload is a retained-message deletion. Payloads that are not JSON are
// stored as strings.
func (s *MQTTStore) handleMessage(topic string, payload []byte) error {
	var value any
	if len(payload) > 0 {
		v, err := decodeValue(payload)
		if err != nil {
			value = string(payload)
		} else {
			value = v
		}
	}

	s.mu.Lock()
	if value == nil {
		delete(s.topics, topic)
	} else {
		s.topics[topic] = struct{}{}
	}
	s.mu.Unlock()

	if s.tree.set(topic, value) {
		s.logger.Debug("realtime update", "topic", topic, "bytes", len(payload))
	}
	s.deferSettle(topic)
	return nil
}

// deferSettle pushes back the first snapshot of every settling watch the
// topic belongs to, up to the settle deadline.
func (s *MQTTStore) deferSettle(topic string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.settling {
		if !mqtt.IsWithin(topic, st.path) && !mqtt.IsWithin(st.path, topic) {
			continue
		}
		wait := s.quiet
		if left := st.deadline.Sub(now); left < wait {
			wait = max(left, 0)
		}
		st.timer.Reset(wait)
	}
}

// Set implements Store. Once the broker has acknowledged the publish the
// local tree is updated, if a watch can observe the path; the broker echo
// is then a no-op. Unwatched paths (event records) are not cached.
func (s *MQTTStore) Set(ctx context.Context, path string, value any) error {
	path = mqtt.Join(path)
	if path == "" {
		return ErrInvalidPath
	}

	v, err := normalize(value)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWriteFailed, path, err)
	}

	var payload []byte
	if v != nil {
		if payload, err = json.Marshal(v); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrWriteFailed, path, err)
		}
	}

	if err := s.publish(ctx, path, payload); err != nil {
		return err
	}
	if !s.watched(path) {
		return nil
	}

	s.mu.Lock()
	if v == nil {
		delete(s.topics, path)
	} else {
		s.topics[path] = struct{}{}
	}
	s.mu.Unlock()

	s.tree.set(path, v)
	return nil
}

// publish sends a retained message, giving up when ctx ends. A publish
// abandoned this way may still reach the broker; the feeds then report
// the value the device actually holds.
func (s *MQTTStore) publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWriteFailed, topic, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.broker.Publish(topic, payload, s.qos, true)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrWriteFailed, topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrWriteFailed, topic, ctx.Err())
	}
}

// Push implements Store.
func (s *MQTTStore) Push(ctx context.Context, path string, value any) (string, error) {
	key := NewKey(time.Now())
	if err := s.Set(ctx, mqtt.Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

// Delete implements Store. Every retained topic under path is cleared,
// since MQTT retains each topic independently. The subtree is watched for
// the duration so topics the cache does not hold yet are found too.
func (s *MQTTStore) Delete(ctx context.Context, path string) error {
	path = mqtt.Join(path)
	if path == "" {
		return ErrInvalidPath
	}

	sub, err := s.Watch(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWriteFailed, path, err)
	}
	defer sub.Close() //nolint:errcheck // Close never fails
	if _, err := sub.Next(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWriteFailed, path, err)
	}

	s.mu.Lock()
	topics := []string{path}
	for topic := range s.topics {
		if topic != path && mqtt.IsWithin(topic, path) {
			topics = append(topics, topic)
		}
	}
	s.mu.Unlock()

	for _, topic := range topics {
		if err := s.Set(ctx, topic, nil); err != nil {
			return err
		}
	}
	return nil
}
