package reminder

import (
	"context"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/dukerupert/reminderd/internal/kv"
	"github.com/dukerupert/reminderd/internal/model"
)

func newTestPlanner(store kv.Store, clock *fakeClock, opts ...PlannerOption) *Planner {
	opts = append([]PlannerOption{WithPlannerClock(clock.Now)}, opts...)
	return NewPlanner(store, discardLogger(), opts...)
}

func trackedKeys(t *testing.T, s kv.Store, eventID string) []string {
	t.Helper()
	raw, ok, err := s.Get(context.Background(), TrackingKey(eventID))
	if err != nil {
		t.Fatalf("Get tracking: %v", err)
	}
	if !ok {
		return nil
	}
	keys, err := decodeKeys(raw)
	if err != nil {
		t.Fatalf("decode tracking: %v", err)
	}
	return keys
}

func TestScheduleWritesOneBatch(t *testing.T) {
	clock := newClock()
	store := newRecordingStore(clock)
	p := newTestPlanner(store, clock)

	p.Schedule(context.Background(), userEvent(t, "E1", "2025-12-25T12:00:00Z", 0, 1, 3, 7))

	batches := store.Batches()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	if len(batches[0]) != 5 {
		t.Fatalf("batch size = %d, want 5", len(batches[0]))
	}
	for _, c := range batches[0] {
		if c.Op != kv.OpSet {
			t.Errorf("command %s on %q, want set", c.Op, c.Key)
		}
	}
	last := batches[0][4]
	if last.Key != TrackingKey("E1") {
		t.Errorf("last key = %q, want tracking key", last.Key)
	}

	want := []string{"reminder:E1:0", "reminder:E1:1", "reminder:E1:3", "reminder:E1:7"}
	if got := trackedKeys(t, store, "E1"); !reflect.DeepEqual(got, want) {
		t.Errorf("tracked = %v, want %v", got, want)
	}
	for _, k := range want {
		if !store.has(t, k) {
			t.Errorf("record %q missing", k)
		}
	}
}

func TestScheduleRecordContents(t *testing.T) {
	clock := newClock()
	store := newRecordingStore(clock)
	p := newTestPlanner(store, clock)

	e := userEvent(t, "E1", "2025-12-25T12:00:00Z", 3)
	p.Schedule(context.Background(), e)

	raw, ok, err := store.Get(context.Background(), "reminder:E1:3")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	wantTrigger := time.Date(2025, 12, 22, 12, 0, 0, 0, time.UTC).UnixMilli()
	if rec.TriggerAtEpochMs != wantTrigger {
		t.Errorf("trigger = %d, want %d", rec.TriggerAtEpochMs, wantTrigger)
	}
	if rec.UserID != "user-1" || rec.DeviceID != "" {
		t.Errorf("recipient = %q/%q, want user-1 only", rec.UserID, rec.DeviceID)
	}
	if rec.EventName != "Dentist" {
		t.Errorf("name = %q, want Dentist", rec.EventName)
	}
	if rec.EventDateISO != "2025-12-25T12:00:00Z" {
		t.Errorf("date = %q", rec.EventDateISO)
	}
	if rec.OffsetDays != 3 {
		t.Errorf("offset = %d, want 3", rec.OffsetDays)
	}
	if rec.CreatedAtEpochMs != scheduledAt.UnixMilli() {
		t.Errorf("created = %d, want %d", rec.CreatedAtEpochMs, scheduledAt.UnixMilli())
	}
}

func TestScheduleExpiryMatchesTrigger(t *testing.T) {
	clock := newClock()
	mem := kv.NewMemory(kv.WithClock(clock.Now))
	p := newTestPlanner(mem, clock)

	p.Schedule(context.Background(), userEvent(t, "E1", "2025-05-18T10:00:00Z", 0, 1))

	ttl, ok := mem.TTL("reminder:E1:1")
	if !ok || ttl != 24*time.Hour {
		t.Errorf("offset 1 ttl = %v (%v), want 24h", ttl, ok)
	}
	ttl, ok = mem.TTL(TrackingKey("E1"))
	if !ok || ttl != 48*time.Hour {
		t.Errorf("tracking ttl = %v (%v), want 48h", ttl, ok)
	}
}

func TestScheduleExpiryGrace(t *testing.T) {
	clock := newClock()
	mem := kv.NewMemory(kv.WithClock(clock.Now))
	p := newTestPlanner(mem, clock, WithExpiryGrace(10*time.Minute))

	p.Schedule(context.Background(), userEvent(t, "E1", "2025-05-17T10:00:00Z", 0))

	ttl, _ := mem.TTL("reminder:E1:0")
	if want := 24*time.Hour + 10*time.Minute; ttl != want {
		t.Errorf("ttl = %v, want %v", ttl, want)
	}
}

func TestScheduleIsIdempotent(t *testing.T) {
	clock := newClock()
	once := newRecordingStore(clock)
	twice := newRecordingStore(clock)

	e := userEvent(t, "E1", "2025-12-25T12:00:00Z", 0, 7)
	newTestPlanner(once, clock).Schedule(context.Background(), e)
	p := newTestPlanner(twice, clock)
	p.Schedule(context.Background(), e)
	p.Schedule(context.Background(), e)

	a, _ := once.Scan(context.Background(), "")
	b, _ := twice.Scan(context.Background(), "")
	if !reflect.DeepEqual(a, b) {
		t.Errorf("keys after two schedules = %v, want %v", b, a)
	}
	for _, k := range a {
		va, _, _ := once.Get(context.Background(), k)
		vb, _, _ := twice.Get(context.Background(), k)
		if va != vb {
			t.Errorf("%s = %q, want %q", k, vb, va)
		}
	}
}

func TestRescheduleDropsRemovedOffsets(t *testing.T) {
	clock := newClock()
	store := newRecordingStore(clock)
	p := newTestPlanner(store, clock)

	p.Schedule(context.Background(), userEvent(t, "E1", "2025-12-25T12:00:00Z", 0, 1, 7))
	p.Schedule(context.Background(), userEvent(t, "E1", "2025-12-25T12:00:00Z", 1))

	if store.has(t, "reminder:E1:0") || store.has(t, "reminder:E1:7") {
		t.Error("stale offsets survived reschedule")
	}
	if got := trackedKeys(t, store, "E1"); !reflect.DeepEqual(got, []string{"reminder:E1:1"}) {
		t.Errorf("tracked = %v", got)
	}
}

func TestScheduleSkipsPastOffsets(t *testing.T) {
	clock := newClock()
	store := newRecordingStore(clock)
	p := newTestPlanner(store, clock)

	soon := scheduledAt.Add(time.Second).Format(time.RFC3339)
	p.Schedule(context.Background(), userEvent(t, "E2", soon, 2))

	if n := len(store.Batches()); n != 0 {
		t.Errorf("batches = %d, want 0", n)
	}
	if store.has(t, TrackingKey("E2")) {
		t.Error("tracking set written with no surviving offsets")
	}
}

func TestScheduleMixedPastAndFuture(t *testing.T) {
	clock := newClock()
	store := newRecordingStore(clock)
	p := newTestPlanner(store, clock)

	p.Schedule(context.Background(), userEvent(t, "E1", "2025-05-18T10:00:00Z", 0, 1, 2, 5))

	want := []string{"reminder:E1:0", "reminder:E1:1"}
	if got := trackedKeys(t, store, "E1"); !reflect.DeepEqual(got, want) {
		t.Errorf("tracked = %v, want %v", got, want)
	}
	if store.has(t, "reminder:E1:2") || store.has(t, "reminder:E1:5") {
		t.Error("past offsets were written")
	}
}

func TestScheduleDisabledClearsAndWritesNothing(t *testing.T) {
	clock := newClock()
	store := newRecordingStore(clock)
	p := newTestPlanner(store, clock)

	e := userEvent(t, "E1", "2025-12-25T12:00:00Z", 0, 1)
	p.Schedule(context.Background(), e)
	store.ResetCalls()

	e.NotificationSettings.Enabled = boolPtr(false)
	p.Schedule(context.Background(), e)

	for _, b := range store.Batches() {
		for _, c := range b {
			if c.Op == kv.OpSet {
				t.Errorf("set %q while disabled", c.Key)
			}
		}
	}
	keys, _ := store.Scan(context.Background(), "")
	if len(keys) != 0 {
		t.Errorf("keys left = %v, want none", keys)
	}
}

func TestScheduleWithoutDateIsNoop(t *testing.T) {
	clock := newClock()
	store := newRecordingStore(clock)
	p := newTestPlanner(store, clock)

	p.Schedule(context.Background(), &model.Event{ID: "E1", UserID: "u"})
	p.Schedule(context.Background(), nil)

	if n := store.Calls(); n != 0 {
		t.Errorf("store calls = %d, want 0", n)
	}
}

func TestScheduleDefaults(t *testing.T) {
	clock := newClock()
	store := newRecordingStore(clock)
	p := newTestPlanner(store, clock)

	p.Schedule(context.Background(), userEvent(t, "E1", "2025-12-25T12:00:00Z"))
	if got := trackedKeys(t, store, "E1"); !reflect.DeepEqual(got, []string{"reminder:E1:0"}) {
		t.Errorf("tracked = %v, want default offset 0", got)
	}

	e := userEvent(t, "E2", "2025-12-25T12:00:00Z")
	e.NotificationSettings = &model.NotificationSettings{Reminders: []int{}}
	p.Schedule(context.Background(), e)
	if store.has(t, TrackingKey("E2")) {
		t.Error("explicit empty offsets scheduled reminders")
	}
}

func TestScheduleNegativeAndDuplicateOffsets(t *testing.T) {
	clock := newClock()
	store := newRecordingStore(clock)
	p := newTestPlanner(store, clock)

	p.Schedule(context.Background(), userEvent(t, "E1", "2025-12-25T12:00:00Z", 1, -2, 1, 0))

	got := trackedKeys(t, store, "E1")
	sort.Strings(got)
	want := []string{"reminder:E1:0", "reminder:E1:1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("tracked = %v, want %v", got, want)
	}
}

func TestScheduleRejectsOutOfRangeOffsets(t *testing.T) {
	clock := newClock()
	store := newRecordingStore(clock)
	p := newTestPlanner(store, clock)

	p.Schedule(context.Background(), userEvent(t, "E1", "2025-05-18T10:00:00Z", 0, 1<<54-1, MaxOffsetDays+1))

	want := []string{"reminder:E1:0"}
	if got := trackedKeys(t, store, "E1"); !reflect.DeepEqual(got, want) {
		t.Errorf("tracked = %v, want %v", got, want)
	}
	if store.has(t, ReminderKey("E1", 1<<54-1)) || store.has(t, ReminderKey("E1", MaxOffsetDays+1)) {
		t.Error("out of range offsets were written")
	}
}

func TestValidOffset(t *testing.T) {
	event := time.Date(2025, 5, 18, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		offset int
		want   bool
	}{
		{0, true},
		{MaxOffsetDays, true},
		{MaxOffsetDays + 1, false},
		{1<<54 - 1, false},
		{-1, false},
	}
	for _, tt := range tests {
		if got := validOffset(event, tt.offset); got != tt.want {
			t.Errorf("validOffset(%d) = %v, want %v", tt.offset, got, tt.want)
		}
	}
}

func TestScheduleDeviceRecipient(t *testing.T) {
	clock := newClock()
	store := newRecordingStore(clock)
	p := newTestPlanner(store, clock)

	e := &model.Event{ID: "E1", Name: "Trip", Date: date(t, "2025-12-25T12:00:00Z"), DeviceID: "dev-1"}
	p.Schedule(context.Background(), e)

	raw, _, _ := store.Get(context.Background(), "reminder:E1:0")
	rec, err := decodeRecord(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.DeviceID != "dev-1" || rec.UserID != "" {
		t.Errorf("recipient = %q/%q, want device only", rec.UserID, rec.DeviceID)
	}
	if err := rec.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestScheduleSwallowsStoreErrors(t *testing.T) {
	clock := newClock()
	store := newRecordingStore(clock)
	store.failExec = errStoreDown
	p := newTestPlanner(store, clock)

	p.Schedule(context.Background(), userEvent(t, "E1", "2025-12-25T12:00:00Z", 0))

	if n := len(store.Batches()); n != 1 {
		t.Errorf("batches = %d, want 1 attempted", n)
	}
}

func TestCancel(t *testing.T) {
	clock := newClock()
	store := newRecordingStore(clock)
	p := newTestPlanner(store, clock)

	p.Schedule(context.Background(), userEvent(t, "E1", "2025-12-25T12:00:00Z", 0, 1))
	store.ResetCalls()

	p.Cancel(context.Background(), "E1")

	batches := store.Batches()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	if len(batches[0]) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batches[0]))
	}
	for _, c := range batches[0] {
		if c.Op != kv.OpDel {
			t.Errorf("command %s on %q, want del", c.Op, c.Key)
		}
	}
	for _, k := range []string{"reminder:E1:0", "reminder:E1:1", TrackingKey("E1")} {
		if store.has(t, k) {
			t.Errorf("%q still present after cancel", k)
		}
	}
}

func TestCancelWithoutTrackingSet(t *testing.T) {
	clock := newClock()
	store := newRecordingStore(clock)
	p := newTestPlanner(store, clock)

	p.Cancel(context.Background(), "missing")
	putTracking(t, store, "empty")
	p.Cancel(context.Background(), "empty")

	if n := len(store.Batches()); n != 0 {
		t.Errorf("batches = %d, want 0", n)
	}
}

func TestCancelDropsUnreadableTrackingSet(t *testing.T) {
	clock := newClock()
	store := newRecordingStore(clock)
	p := newTestPlanner(store, clock)

	if err := store.Set(context.Background(), TrackingKey("E1"), "{not json", time.Hour); err != nil {
		t.Fatal(err)
	}
	p.Schedule(context.Background(), userEvent(t, "E1", "2025-12-25T12:00:00Z", 0))

	if got := trackedKeys(t, store, "E1"); !reflect.DeepEqual(got, []string{"reminder:E1:0"}) {
		t.Errorf("tracked = %v, want rescheduled set", got)
	}
}

func TestPlannerArmsTimeline(t *testing.T) {
	clock := newClock()
	store := newRecordingStore(clock)
	tl := NewTimeline(nil, discardLogger())
	p := newTestPlanner(store, clock, WithTimeline(tl))

	p.Schedule(context.Background(), userEvent(t, "E1", "2025-12-25T12:00:00Z", 0, 1))
	if tl.Len() != 2 {
		t.Fatalf("timeline len = %d, want 2", tl.Len())
	}
	key, at, _ := tl.Next()
	if key != "reminder:E1:1" || !at.Equal(time.Date(2025, 12, 24, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("next = %q at %v", key, at)
	}

	p.Cancel(context.Background(), "E1")
	if tl.Len() != 0 {
		t.Errorf("timeline len after cancel = %d, want 0", tl.Len())
	}
}

func TestPending(t *testing.T) {
	clock := newClock()
	store := newRecordingStore(clock)
	p := newTestPlanner(store, clock)

	p.Schedule(context.Background(), userEvent(t, "E1", "2025-12-25T12:00:00Z", 0, 7, 1))
	if err := store.Delete(context.Background(), ReminderKey("E1", 1)); err != nil {
		t.Fatal(err)
	}

	recs, err := p.Pending(context.Background(), "E1")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	var offsets []int
	for _, r := range recs {
		offsets = append(offsets, r.OffsetDays)
	}
	if !reflect.DeepEqual(offsets, []int{7, 0}) {
		t.Errorf("offsets = %v, want [7 0]", offsets)
	}

	none, err := p.Pending(context.Background(), "unknown")
	if err != nil || len(none) != 0 {
		t.Errorf("Pending(unknown) = %v, %v; want empty", none, err)
	}
}
