// Package schedule manages the watering schedules the controller runs in
// Scheduled mode.
//
// Schedules live in the realtime store under one node (esp/schedules by
// default), keyed by small positive integers, so the controller firmware
// can read them directly. Every change is recorded in the event log.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/irrigation-core/internal/realtime"
)

var (
	// ErrNotFound is returned for an id with no schedule.
	ErrNotFound = errors.New("schedule: not found")

	// ErrInvalid is returned for a malformed start time, day list or id.
	ErrInvalid = errors.New("schedule: invalid")
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

// EventLog receives schedule change records.
type EventLog interface {
	Append(ctx context.Context, topic string, record any) (string, error)
}

// Topic is the event log topic of schedule changes.
const Topic = "schedules"

// Weekdays in the order the firmware expects them.
var Weekdays = []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

// Schedule is one daily start time, optionally limited to some weekdays.
type Schedule struct {
	ID string `json:"id"`

	// StartTime is the local start time, "HH:MM".
	StartTime string `json:"start_time"`

	// DaysOfWeek is a comma-separated subset of Weekdays. Empty means
	// every day.
	DaysOfWeek string `json:"days_of_week"`
}

// Entry is the stored form of a schedule; the id is the node key.
type Entry struct {
	StartTime  string `json:"start_time"`
	DaysOfWeek string `json:"days_of_week"`
}

// Change is the event log record of one schedule change.
type Change struct {
	Action     string    `json:"action"`
	ScheduleID string    `json:"scheduleId"`
	Schedule   *Entry    `json:"schedule,omitempty"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// Service reads and edits schedules.
type Service struct {
	store  realtime.Store
	root   string
	events EventLog
	logger Logger
	now    func() time.Time

	// Serializes id allocation.
	mu sync.Mutex
}

// NewService creates a service for the schedules under root. events may
// be nil.
func NewService(store realtime.Store, root string, events EventLog) *Service {
	return &Service{
		store:  store,
		root:   root,
		events: events,
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(logger Logger) {
	s.logger = logger
}

// List returns every schedule ordered by numeric id.
func (s *Service) List(ctx context.Context) ([]Schedule, error) {
	nodes, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Schedule, 0, len(nodes))
	for id, p := range nodes {
		out = append(out, Schedule{ID: id, StartTime: p.StartTime, DaysOfWeek: p.DaysOfWeek})
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out, nil
}

// Get returns the schedule with id.
func (s *Service) Get(ctx context.Context, id string) (Schedule, error) {
	nodes, err := s.read(ctx)
	if err != nil {
		return Schedule{}, err
	}
	p, ok := nodes[id]
	if !ok {
		return Schedule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return Schedule{ID: id, StartTime: p.StartTime, DaysOfWeek: p.DaysOfWeek}, nil
}

// Add stores a new schedule under the next free id: one more than the
// largest numeric id present, starting at 1.
func (s *Service) Add(ctx context.Context, startTime, days string) (Schedule, error) {
	p, err := normalize(startTime, days)
	if err != nil {
		return Schedule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nodes, err := s.read(ctx)
	if err != nil {
		return Schedule{}, err
	}
	id := nextID(nodes)
	if err := s.store.Set(ctx, s.path(id), p); err != nil {
		return Schedule{}, fmt.Errorf("adding schedule %s: %w", id, err)
	}

	s.logger.Info("schedule added", "id", id, "start_time", p.StartTime, "days", p.DaysOfWeek)
	s.record(ctx, Change{
		Action:     "add",
		ScheduleID: id,
		Schedule:   &p,
		Message:    fmt.Sprintf("Schedule %s added (%s)", id, p.StartTime),
	})
	return Schedule{ID: id, StartTime: p.StartTime, DaysOfWeek: p.DaysOfWeek}, nil
}

// Update replaces the start time and days of an existing schedule.
func (s *Service) Update(ctx context.Context, id, startTime, days string) (Schedule, error) {
	if err := validID(id); err != nil {
		return Schedule{}, err
	}
	p, err := normalize(startTime, days)
	if err != nil {
		return Schedule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nodes, err := s.read(ctx)
	if err != nil {
		return Schedule{}, err
	}
	n, ok := nodes[id]
	if !ok {
		return Schedule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	// The firmware reads the schedule node as a whole, so the node is
	// rewritten with any keys it does not know about carried over.
	n.fields["start_time"] = p.StartTime
	n.fields["days_of_week"] = p.DaysOfWeek
	if err := s.store.Set(ctx, s.path(id), n.fields); err != nil {
		return Schedule{}, fmt.Errorf("updating schedule %s: %w", id, err)
	}

	s.logger.Info("schedule updated", "id", id, "start_time", p.StartTime, "days", p.DaysOfWeek)
	s.record(ctx, Change{
		Action:     "edit",
		ScheduleID: id,
		Schedule:   &p,
		Message:    fmt.Sprintf("Schedule %s updated (%s)", id, p.StartTime),
	})
	return Schedule{ID: id, StartTime: p.StartTime, DaysOfWeek: p.DaysOfWeek}, nil
}

// Delete removes a schedule.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := validID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nodes, err := s.read(ctx)
	if err != nil {
		return err
	}
	if _, ok := nodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := s.store.Delete(ctx, s.path(id)); err != nil {
		return fmt.Errorf("deleting schedule %s: %w", id, err)
	}

	s.logger.Info("schedule deleted", "id", id)
	s.record(ctx, Change{
		Action:     "delete",
		ScheduleID: id,
		Message:    fmt.Sprintf("Schedule %s deleted", id),
	})
	return nil
}

func (s *Service) path(id string) string {
	return s.root + "/" + id
}

// node is one stored schedule: its known fields and the whole object.
type node struct {
	Entry
	fields map[string]any
}

func (s *Service) read(ctx context.Context) (map[string]node, error) {
	snap, err := realtime.Read(ctx, s.store, s.root)
	if err != nil {
		return nil, fmt.Errorf("reading schedules: %w", err)
	}
	if snap.Empty {
		return map[string]node{}, nil
	}
	var raw map[string]json.RawMessage
	if err := snap.Decode(&raw); err != nil {
		return nil, err
	}
	out := make(map[string]node, len(raw))
	for id, v := range raw {
		var n node
		if err := json.Unmarshal(v, &n.Entry); err != nil {
			s.logger.Warn("skipping malformed schedule", "id", id, "error", err)
			continue
		}
		if err := json.Unmarshal(v, &n.fields); err != nil {
			s.logger.Warn("skipping malformed schedule", "id", id, "error", err)
			continue
		}
		out[id] = n
	}
	return out, nil
}

// record appends c to the event log. Failures are logged, never returned:
// the schedule change itself already happened.
func (s *Service) record(ctx context.Context, c Change) {
	if s.events == nil {
		return
	}
	c.Timestamp = s.now().UTC()
	if _, err := s.events.Append(ctx, Topic, c); err != nil {
		s.logger.Warn("schedule change not recorded", "id", c.ScheduleID, "action", c.Action, "error", err)
	}
}

func nextID(nodes map[string]node) string {
	highest := 0
	for id := range nodes {
		if n, err := strconv.Atoi(id); err == nil && n > highest {
			highest = n
		}
	}
	return strconv.Itoa(highest + 1)
}

func lessID(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, "/#+") {
		return fmt.Errorf("%w: id %q", ErrInvalid, id)
	}
	return nil
}

// normalize validates a start time and day list and returns them in
// stored form: "HH:MM" and days in week order without duplicates.
func normalize(startTime, days string) (Entry, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(startTime))
	if err != nil {
		return Entry{}, fmt.Errorf("%w: start time %q, want HH:MM", ErrInvalid, startTime)
	}

	seen := make(map[string]bool)
	for _, d := range strings.Split(days, ",") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		canon, ok := canonicalDay(d)
		if !ok {
			return Entry{}, fmt.Errorf("%w: day %q", ErrInvalid, d)
		}
		seen[canon] = true
	}
	var ordered []string
	for _, d := range Weekdays {
		if seen[d] {
			ordered = append(ordered, d)
		}
	}
	return Entry{StartTime: t.Format("15:04"), DaysOfWeek: strings.Join(ordered, ",")}, nil
}

func canonicalDay(d string) (string, bool) {
	if len(d) < 3 {
		return "", false
	}
	prefix := strings.ToLower(d[:3])
	for _, w := range Weekdays {
		if strings.ToLower(w) == prefix {
			return w, true
		}
	}
	return "", false
}
