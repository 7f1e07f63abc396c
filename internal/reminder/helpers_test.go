package reminder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/reminderd/internal/kv"
	"github.com/dukerupert/reminderd/internal/model"
)

var scheduledAt = time.Date(2025, 5, 16, 10, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: scheduledAt}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// recordingStore wraps a memory store and records every call that reaches it.
type recordingStore struct {
	kv.Store

	mu      sync.Mutex
	calls   int
	batches [][]kv.Command

	failExec error
	failScan error
	failGet  error

	scanGate chan struct{}
	scanning chan struct{}
}

func newRecordingStore(clock *fakeClock) *recordingStore {
	return &recordingStore{Store: kv.NewMemory(kv.WithClock(clock.Now))}
}

func (s *recordingStore) touch() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

func (s *recordingStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *recordingStore) Batches() [][]kv.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]kv.Command, len(s.batches))
	copy(out, s.batches)
	return out
}

// ResetCalls forgets everything recorded so far.
func (s *recordingStore) ResetCalls() {
	s.mu.Lock()
	s.calls = 0
	s.batches = nil
	s.mu.Unlock()
}

func (s *recordingStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.touch()
	if s.failGet != nil {
		return "", false, s.failGet
	}
	return s.Store.Get(ctx, key)
}

func (s *recordingStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.touch()
	return s.Store.Set(ctx, key, value, ttl)
}

func (s *recordingStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.touch()
	return s.Store.SetNX(ctx, key, value, ttl)
}

func (s *recordingStore) Delete(ctx context.Context, key string) error {
	s.touch()
	return s.Store.Delete(ctx, key)
}

func (s *recordingStore) Exec(ctx context.Context, cmds []kv.Command) error {
	s.touch()
	s.mu.Lock()
	s.batches = append(s.batches, append([]kv.Command(nil), cmds...))
	s.mu.Unlock()
	if s.failExec != nil {
		return s.failExec
	}
	return s.Store.Exec(ctx, cmds)
}

func (s *recordingStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	s.touch()
	if s.scanning != nil {
		close(s.scanning)
	}
	if s.scanGate != nil {
		<-s.scanGate
	}
	if s.failScan != nil {
		return nil, s.failScan
	}
	return s.Store.Scan(ctx, prefix)
}

func (s *recordingStore) has(t *testing.T, key string) bool {
	t.Helper()
	_, ok, err := s.Store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	return ok
}

type userSend struct {
	UserID string
	Msg    Message
	Meta   Metadata
}

type deviceSend struct {
	DeviceID    string
	Title, Body string
	Meta        Metadata
}

type fakeNotifier struct {
	mu      sync.Mutex
	users   []userSend
	devices []deviceSend
	err     error
}

func (n *fakeNotifier) SendToUser(_ context.Context, userID string, msg Message, meta Metadata) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userSend{userID, msg, meta})
	return n.err
}

func (n *fakeNotifier) SendToDevice(_ context.Context, deviceID, title, body string, meta Metadata) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.devices = append(n.devices, deviceSend{deviceID, title, body, meta})
	return n.err
}

func (n *fakeNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.users), len(n.devices)
}

type fakeEvents struct {
	mu     sync.Mutex
	events map[string]*model.Event
	err    error
}

func newFakeEvents(events ...*model.Event) *fakeEvents {
	f := &fakeEvents{events: make(map[string]*model.Event)}
	for _, e := range events {
		f.events[e.ID] = e
	}
	return f
}

func (f *fakeEvents) FindEventByID(_ context.Context, id string) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.events[id], nil
}

func (f *fakeEvents) remove(id string) {
	f.mu.Lock()
	delete(f.events, id)
	f.mu.Unlock()
}

var errStoreDown = errors.New("store unavailable")

func date(t *testing.T, s string) *time.Time {
	t.Helper()
	d, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return &d
}

func boolPtr(b bool) *bool { return &b }

func userEvent(t *testing.T, id, when string, offsets ...int) *model.Event {
	t.Helper()
	e := &model.Event{ID: id, Name: "Dentist", Date: date(t, when), UserID: "user-1"}
	if offsets != nil {
		e.NotificationSettings = &model.NotificationSettings{Reminders: offsets}
	}
	return e
}

// putRecord writes a record directly, bypassing the planner.
func putRecord(t *testing.T, s kv.Store, rec Record) string {
	t.Helper()
	value, err := encodeRecord(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	key := ReminderKey(rec.EventID, rec.OffsetDays)
	if err := s.Set(context.Background(), key, value, time.Hour); err != nil {
		t.Fatalf("Set(%q): %v", key, err)
	}
	return key
}

func putTracking(t *testing.T, s kv.Store, eventID string, keys ...string) {
	t.Helper()
	value, err := encodeKeys(keys)
	if err != nil {
		t.Fatalf("encode keys: %v", err)
	}
	if err := s.Set(context.Background(), TrackingKey(eventID), value, time.Hour); err != nil {
		t.Fatalf("Set tracking: %v", err)
	}
}
