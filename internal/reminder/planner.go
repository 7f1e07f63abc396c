package reminder

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dukerupert/reminderd/internal/kv"
	"github.com/dukerupert/reminderd/internal/model"
)

// Planner owns scheduling state: it writes and removes reminder records and
// tracking sets. Failures are logged and never returned, so callers can run
// it after their own write without risking that write.
type Planner struct {
	store    kv.Store
	timeline *Timeline
	now      func() time.Time
	grace    time.Duration
	logger   *slog.Logger
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithPlannerClock overrides the planner's clock.
func WithPlannerClock(now func() time.Time) PlannerOption {
	return func(p *Planner) {
		p.now = now
	}
}

// WithExpiryGrace keeps records in the store for d past their trigger time.
func WithExpiryGrace(d time.Duration) PlannerOption {
	return func(p *Planner) {
		if d > 0 {
			p.grace = d
		}
	}
}

// WithTimeline arms t with every scheduled record and disarms cancelled ones.
func WithTimeline(t *Timeline) PlannerOption {
	return func(p *Planner) {
		p.timeline = t
	}
}

// NewPlanner creates a planner writing to store.
func NewPlanner(store kv.Store, logger *slog.Logger, opts ...PlannerOption) *Planner {
	p := &Planner{
		store:  store,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Schedule replaces all reminders of event with one record per future offset.
func (p *Planner) Schedule(ctx context.Context, event *model.Event) {
	if event == nil {
		return
	}
	log := p.logger.With("event_id", event.ID)

	if event.Date == nil {
		log.Debug("event has no date, skipping reminders")
		return
	}

	if err := p.cancel(ctx, event.ID); err != nil {
		log.Error("clear previous reminders", "error", err)
		return
	}

	if !event.RemindersEnabled() {
		log.Debug("reminders disabled for event")
		return
	}

	now := p.now()
	cmds, armed, err := p.plan(event, now)
	if err != nil {
		log.Error("plan reminders", "error", err)
		return
	}
	if len(armed) == 0 {
		log.Debug("no future reminders to schedule")
		return
	}

	if err := p.store.Exec(ctx, cmds); err != nil {
		log.Error("write reminders", "error", err)
		return
	}

	if p.timeline != nil {
		for key, at := range armed {
			p.timeline.Add(key, at)
		}
	}
	log.Info("scheduled reminders", "count", len(armed))
}

// plan builds the batch for event: one set per surviving offset followed by
// the tracking set. armed maps each written key to its trigger time.
func (p *Planner) plan(event *model.Event, now time.Time) ([]kv.Command, map[string]time.Time, error) {
	var (
		cmds    []kv.Command
		keys    []string
		maxTTL  time.Duration
		armed   = make(map[string]time.Time)
		seen    = make(map[int]struct{})
		dateISO = event.Date.UTC().Format(time.RFC3339Nano)
	)

	for _, offset := range event.ReminderOffsets() {
		if offset < 0 {
			p.logger.Warn("ignoring negative reminder offset", "event_id", event.ID, "offset_days", offset)
			continue
		}
		if !validOffset(*event.Date, offset) {
			p.logger.Warn("ignoring out of range reminder offset", "event_id", event.ID, "offset_days", offset)
			continue
		}
		if _, dup := seen[offset]; dup {
			continue
		}
		seen[offset] = struct{}{}

		trigger := TriggerAt(*event.Date, offset)
		if !trigger.After(now) {
			continue
		}

		rec := Record{
			EventID:          event.ID,
			EventName:        event.Name,
			EventDateISO:     dateISO,
			TriggerAtEpochMs: trigger.UnixMilli(),
			OffsetDays:       offset,
			CreatedAtEpochMs: now.UnixMilli(),
		}
		if event.UserID != "" {
			rec.UserID = event.UserID
		} else {
			rec.DeviceID = event.DeviceID
		}

		value, err := encodeRecord(rec)
		if err != nil {
			return nil, nil, err
		}
		ttl := expiryTTL(trigger, now, p.grace)
		if ttl > maxTTL {
			maxTTL = ttl
		}

		key := ReminderKey(event.ID, offset)
		cmds = append(cmds, kv.Set(key, value, ttl))
		keys = append(keys, key)
		armed[key] = trigger
	}

	if len(keys) == 0 {
		return nil, armed, nil
	}

	tracked, err := encodeKeys(keys)
	if err != nil {
		return nil, nil, err
	}
	cmds = append(cmds, kv.Set(TrackingKey(event.ID), tracked, maxTTL))
	return cmds, armed, nil
}

// Cancel removes every reminder of eventID along with its tracking set.
func (p *Planner) Cancel(ctx context.Context, eventID string) {
	if err := p.cancel(ctx, eventID); err != nil {
		p.logger.Error("cancel reminders", "event_id", eventID, "error", err)
	}
}

func (p *Planner) cancel(ctx context.Context, eventID string) error {
	trackingKey := TrackingKey(eventID)
	raw, ok, err := p.store.Get(ctx, trackingKey)
	if err != nil {
		return fmt.Errorf("read tracking set: %w", err)
	}
	if !ok {
		return nil
	}

	keys, err := decodeKeys(raw)
	if err != nil {
		p.logger.Warn("dropping unreadable tracking set", "event_id", eventID, "error", err)
		if err := p.store.Delete(ctx, trackingKey); err != nil {
			return fmt.Errorf("delete tracking set: %w", err)
		}
		return nil
	}
	if len(keys) == 0 {
		return nil
	}

	cmds := make([]kv.Command, 0, len(keys)+1)
	for _, k := range keys {
		cmds = append(cmds, kv.Del(k))
	}
	cmds = append(cmds, kv.Del(trackingKey))

	if err := p.store.Exec(ctx, cmds); err != nil {
		return fmt.Errorf("delete reminders: %w", err)
	}

	if p.timeline != nil {
		for _, k := range keys {
			p.timeline.Remove(k)
		}
	}
	p.logger.Debug("cancelled reminders", "event_id", eventID, "count", len(keys))
	return nil
}

// Pending returns the records still stored for eventID, earliest trigger
// first. Tracked keys whose record is gone are left out.
func (p *Planner) Pending(ctx context.Context, eventID string) ([]Record, error) {
	raw, ok, err := p.store.Get(ctx, TrackingKey(eventID))
	if err != nil {
		return nil, fmt.Errorf("read tracking set: %w", err)
	}
	if !ok {
		return nil, nil
	}
	keys, err := decodeKeys(raw)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(keys))
	for _, k := range keys {
		value, ok, err := p.store.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("read reminder %s: %w", k, err)
		}
		if !ok {
			continue
		}
		rec, err := decodeRecord(value)
		if err != nil {
			p.logger.Warn("skipping unreadable reminder", "key", k, "error", err)
			continue
		}
		records = append(records, rec)
	}
	slices.SortFunc(records, func(a, b Record) int {
		return cmp.Compare(a.TriggerAtEpochMs, b.TriggerAtEpochMs)
	})
	return records, nil
}
